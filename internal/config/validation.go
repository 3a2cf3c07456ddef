package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/offline"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if !supportedBackend(g.StorageBackend) {
		return newFieldError("Global.StorageBackend", "仅支持 "+backendList())
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError("App[].Name", "不能为空")
		}
		if strings.ContainsAny(app.Name, `/\`) || strings.HasPrefix(app.Name, ".") {
			return newFieldError(appField(app.Name, "Name"), "不能包含路径分隔符或以 . 开头")
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Domain"), err)
		}
		domainKey := strings.ToLower(app.Domain)
		if owner, exists := seenDomains[domainKey]; exists {
			return newFieldError(appField(app.Name, "Domain"), "与 "+owner+" 重复")
		}
		seenDomains[domainKey] = app.Name

		if err := validateOrigin(app.Origin); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Origin"), err)
		}
		if app.Proxy != "" {
			if err := validateOrigin(app.Proxy); err != nil {
				return fmt.Errorf("%s: %w", appField(app.Name, "Proxy"), err)
			}
		}

		if app.Generation == "" {
			return newFieldError(appField(app.Name, "Generation"), "不能为空")
		}
		if err := cache.ValidateBucketName(app.Generation); err != nil {
			return newFieldError(appField(app.Name, "Generation"), "不能包含首尾空白、路径分隔符或以 . 开头")
		}

		if !strings.HasPrefix(app.ScriptPath, "/") {
			return newFieldError(appField(app.Name, "ScriptPath"), "必须以 / 开头")
		}

		if _, ok := offline.ResolveSeedStrategy(app.SeedStrategy); !ok {
			return newFieldError(appField(app.Name, "SeedStrategy"), "仅支持 "+strings.Join(offline.SeedStrategyNames(), "|"))
		}
		if err := validateSeeds(app.SeedStrategy, app.Seeds); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Seeds"), err)
		}

		switch offline.InstallFailureMode(app.InstallFailureMode) {
		case offline.InstallStrict, offline.InstallBestEffort:
		default:
			return newFieldError(appField(app.Name, "InstallFailureMode"), "仅支持 strict/best-effort")
		}

		if strings.Contains(app.FallbackDocument, "://") {
			return newFieldError(appField(app.Name, "FallbackDocument"), "必须是相对路径")
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateSeeds 检查种子写法与策略是否匹配：absolute 要求 / 开头，derived 要求相对文件名。
func validateSeeds(strategy string, seeds []string) error {
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			return errors.New("种子不能为空")
		}
		if strings.Contains(seed, "://") {
			return fmt.Errorf("种子 %q 不能包含协议头", seed)
		}
		switch strategy {
		case offline.StrategyAbsolute:
			if !strings.HasPrefix(seed, "/") {
				return fmt.Errorf("absolute 策略的种子 %q 必须以 / 开头", seed)
			}
		case offline.StrategyDerived:
			if strings.HasPrefix(seed, "/") {
				return fmt.Errorf("derived 策略的种子 %q 必须是相对路径", seed)
			}
		}
	}
	return nil
}

func supportedBackend(name string) bool {
	for _, backend := range cache.Backends() {
		if string(backend) == name {
			return true
		}
	}
	return false
}

func backendList() string {
	names := make([]string, 0, len(cache.Backends()))
	for _, backend := range cache.Backends() {
		names = append(names, string(backend))
	}
	return strings.Join(names, "|")
}
