package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/offline"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5080 {
		t.Fatalf("ListenPort 应当被解析, got %d", cfg.Global.ListenPort)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.StorageBackend != "leveldb" {
		t.Fatalf("StorageBackend 应被保留, got %s", cfg.Global.StorageBackend)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("整数 UpstreamTimeout 应按秒解析, got %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.InstallConcurrency != 4 {
		t.Fatalf("InstallConcurrency 应填充默认值, got %d", cfg.Global.InstallConcurrency)
	}

	converter := cfg.Apps[0]
	if converter.ScriptPath != "/service-worker.js" {
		t.Fatalf("ScriptPath 应填充默认值, got %s", converter.ScriptPath)
	}
	if converter.SeedStrategy != offline.StrategyAbsolute {
		t.Fatalf("SeedStrategy 应默认 absolute, got %s", converter.SeedStrategy)
	}
	if converter.InstallFailureMode != string(offline.InstallBestEffort) {
		t.Fatalf("InstallFailureMode 应默认 best-effort, got %s", converter.InstallFailureMode)
	}
	if converter.FallbackDocument != "index.html" {
		t.Fatalf("FallbackDocument 应默认 index.html, got %s", converter.FallbackDocument)
	}
	if !converter.SkipWaitingValue() {
		t.Fatalf("未配置 SkipWaiting 时应为 true")
	}

	notes := cfg.Apps[1]
	if notes.SkipWaitingValue() {
		t.Fatalf("显式关闭的 SkipWaiting 应为 false")
	}
	if notes.NetworkTimeout.DurationValue() != 3*time.Second {
		t.Fatalf("NetworkTimeout 应被解析, got %s", notes.NetworkTimeout.DurationValue())
	}
	if len(notes.Seeds) != 2 || notes.Seeds[1] != "app.js" {
		t.Fatalf("Seeds 应被解析, got %v", notes.Seeds)
	}
}

func TestValidateRejectsBadApp(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateAppFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Global.StorageBackend = "redis" }, "Global.StorageBackend"},
		{"zero concurrency", func(c *Config) { c.Global.InstallConcurrency = 0 }, "Global.InstallConcurrency"},
		{"missing generation", func(c *Config) { c.Apps[0].Generation = "" }, "App[converter].Generation"},
		{"generation with slash", func(c *Config) { c.Apps[0].Generation = "v1/../x" }, "App[converter].Generation"},
		{"generation with surrounding space", func(c *Config) { c.Apps[0].Generation = " converter-v1" }, "App[converter].Generation"},
		{"unknown strategy", func(c *Config) { c.Apps[0].SeedStrategy = "glob" }, "App[converter].SeedStrategy"},
		{"unknown failure mode", func(c *Config) { c.Apps[0].InstallFailureMode = "retry" }, "App[converter].InstallFailureMode"},
		{"relative script", func(c *Config) { c.Apps[0].ScriptPath = "sw.js" }, "App[converter].ScriptPath"},
		{"absolute fallback url", func(c *Config) { c.Apps[0].FallbackDocument = "https://x/index.html" }, "App[converter].FallbackDocument"},
		{"duplicate name", func(c *Config) {
			dup := c.Apps[0]
			dup.Domain = "other.local"
			c.Apps = append(c.Apps, dup)
		}, "App[converter].Name"},
		{"duplicate domain", func(c *Config) {
			dup := c.Apps[0]
			dup.Name = "other"
			dup.Domain = "Converter.Local"
			c.Apps = append(c.Apps, dup)
		}, "App[other].Domain"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateSeedsMatchStrategy(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].Seeds = []string{"index.html"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("absolute 策略下相对种子应报错")
	}

	cfg.Apps[0].SeedStrategy = offline.StrategyDerived
	if err := cfg.Validate(); err != nil {
		t.Fatalf("derived 策略应接受相对种子: %v", err)
	}

	cfg.Apps[0].Seeds = []string{"/index.html"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("derived 策略下 / 开头的种子应报错")
	}
}

func TestValidateRejectsBadOrigin(t *testing.T) {
	cfg := validConfig()
	cfg.Apps[0].Origin = "ftp://converter.example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非 http/https Origin 应报错")
	}
}

func TestManagerOptions(t *testing.T) {
	app := validConfig().Apps[0]
	app.Origin = "https://converter.example.com/"
	app.ScriptPath = "/tools/sw.js"
	off := false
	app.SkipWaiting = &off
	app.NetworkTimeout = Duration(2 * time.Second)

	opts, err := app.ManagerOptions(8)
	if err != nil {
		t.Fatalf("ManagerOptions: %v", err)
	}
	if opts.Origin.String() != "https://converter.example.com" {
		t.Fatalf("unexpected origin %s", opts.Origin)
	}
	if opts.Script.String() != "https://converter.example.com/tools/sw.js" {
		t.Fatalf("unexpected script %s", opts.Script)
	}
	if opts.SkipWaiting || opts.NetworkTimeout != 2*time.Second || opts.InstallConcurrency != 8 {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.AppName != "converter" || opts.Generation != "converter-v1" {
		t.Fatalf("unexpected identity %+v", opts)
	}
}

func TestAppSummaries(t *testing.T) {
	summaries := AppSummaries(validConfig().Apps)
	if len(summaries) != 1 || summaries[0] != "converter:converter-v1" {
		t.Fatalf("unexpected summaries %v", summaries)
	}
	if AppSummaries(nil) != nil {
		t.Fatalf("empty apps should produce nil")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:         5000,
			StoragePath:        "./data",
			StorageBackend:     "fs",
			UpstreamTimeout:    Duration(time.Second),
			InstallConcurrency: 2,
		},
		Apps: []AppConfig{
			{
				Name:               "converter",
				Domain:             "converter.local",
				Origin:             "https://converter.example.com",
				Generation:         "converter-v1",
				ScriptPath:         "/service-worker.js",
				SeedStrategy:       offline.StrategyAbsolute,
				InstallFailureMode: string(offline.InstallBestEffort),
				FallbackDocument:   "index.html",
			},
		},
	}
}
