package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/offline"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有应用共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// AppConfig 描述一个被离线代理的单页应用及其缓存代际。
type AppConfig struct {
	Name               string   `mapstructure:"Name"`
	Domain             string   `mapstructure:"Domain"`
	Origin             string   `mapstructure:"Origin"`
	Proxy              string   `mapstructure:"Proxy"`
	Generation         string   `mapstructure:"Generation"`
	ScriptPath         string   `mapstructure:"ScriptPath"`
	SeedStrategy       string   `mapstructure:"SeedStrategy"`
	Seeds              []string `mapstructure:"Seeds"`
	InstallFailureMode string   `mapstructure:"InstallFailureMode"`
	FallbackDocument   string   `mapstructure:"FallbackDocument"`
	// SkipWaiting 未配置时视为 true。
	SkipWaiting    *bool    `mapstructure:"SkipWaiting"`
	NetworkTimeout Duration `mapstructure:"NetworkTimeout"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Apps   []AppConfig  `mapstructure:"App"`
}

// SkipWaitingValue 返回生效的 SkipWaiting 值。
func (a AppConfig) SkipWaitingValue() bool {
	if a.SkipWaiting == nil {
		return true
	}
	return *a.SkipWaiting
}

// OriginURL 解析 Origin，假定 Validate 已经通过。
func (a AppConfig) OriginURL() (*url.URL, error) {
	return url.Parse(strings.TrimRight(a.Origin, "/"))
}

// ScriptURL 返回 worker 脚本的绝对地址，决定 derived 种子与兜底文档的基准目录。
func (a AppConfig) ScriptURL() (*url.URL, error) {
	origin, err := a.OriginURL()
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(a.ScriptPath)
	if err != nil {
		return nil, err
	}
	return origin.ResolveReference(ref), nil
}

// ManagerOptions 将应用配置转换为 offline.Options，concurrency 取自全局配置。
func (a AppConfig) ManagerOptions(concurrency int) (offline.Options, error) {
	origin, err := a.OriginURL()
	if err != nil {
		return offline.Options{}, err
	}
	script, err := a.ScriptURL()
	if err != nil {
		return offline.Options{}, err
	}
	return offline.Options{
		AppName:            a.Name,
		Generation:         a.Generation,
		Origin:             origin,
		Script:             script,
		SeedStrategy:       a.SeedStrategy,
		Seeds:              append([]string(nil), a.Seeds...),
		InstallFailureMode: offline.InstallFailureMode(a.InstallFailureMode),
		FallbackDocument:   a.FallbackDocument,
		SkipWaiting:        a.SkipWaitingValue(),
		NetworkTimeout:     a.NetworkTimeout.DurationValue(),
		InstallConcurrency: concurrency,
	}, nil
}

// AppSummaries 返回所有应用的 name:generation 摘要，供启动日志使用。
func AppSummaries(apps []AppConfig) []string {
	if len(apps) == 0 {
		return nil
	}
	result := make([]string, len(apps))
	for i, app := range apps {
		result[i] = fmt.Sprintf("%s:%s", app.Name, app.Generation)
	}
	return result
}
