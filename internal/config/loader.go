package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/offline"
)

const (
	defaultScriptPath         = "/service-worker.js"
	defaultInstallConcurrency = 4
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectAppLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Apps {
		applyAppDefaults(&cfg.Apps[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageBackend", string(cache.BackendFS))
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", defaultInstallConcurrency)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = defaultInstallConcurrency
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = string(cache.BackendFS)
	}
}

func applyAppDefaults(a *AppConfig) {
	a.Name = strings.TrimSpace(a.Name)
	a.Generation = strings.TrimSpace(a.Generation)
	if strings.TrimSpace(a.ScriptPath) == "" {
		a.ScriptPath = defaultScriptPath
	}
	a.SeedStrategy = strings.ToLower(strings.TrimSpace(a.SeedStrategy))
	if a.SeedStrategy == "" {
		a.SeedStrategy = offline.StrategyAbsolute
	}
	a.InstallFailureMode = strings.ToLower(strings.TrimSpace(a.InstallFailureMode))
	if a.InstallFailureMode == "" {
		a.InstallFailureMode = string(offline.InstallBestEffort)
	}
	if strings.TrimSpace(a.FallbackDocument) == "" {
		a.FallbackDocument = offline.DefaultFallbackDocument
	}
	if a.NetworkTimeout.DurationValue() < 0 {
		a.NetworkTimeout = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// rejectAppLevelPorts 拒绝 App 段内的 Port 字段，所有应用共用全局 ListenPort。
func rejectAppLevelPorts(v *viper.Viper) error {
	raw := v.Get("App")
	apps, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range apps {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if hasKey(m, "Port") {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupKey(m, "Name").(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(appField(name, "Port"), "不支持单独端口，请使用全局 ListenPort")
		}
	}

	return nil
}

func hasKey(m map[string]interface{}, key string) bool {
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

func lookupKey(m map[string]interface{}, key string) interface{} {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}
