package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/offline"
)

// AppRoute 将应用配置与派生属性（解析后的 Origin/Script/Proxy URL、缓存存储、
// worker 注册表）聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type AppRoute struct {
	// Config 是用户在 config.toml 中声明的 App 字段副本。
	Config config.AppConfig
	// ListenPort 记录当前 CLI 监听端口，方便日志/转发头输出。
	ListenPort int
	// OriginURL/ScriptURL/ProxyURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
	ScriptURL *url.URL
	ProxyURL  *url.URL
	// Storage 是该应用独占的缓存存储，激活时只会清理这里的旧代际。
	Storage cache.Storage
	// Fetcher 为 worker 提供网络访问。
	Fetcher offline.Fetcher
	// Registration 持有当前控制请求的 worker 以及等待中的新版本。
	Registration *offline.Registration

	concurrency int
	logger      *logrus.Logger
}

// NewWorker 按当前配置创建一个处于 parsed 阶段的 worker。
func (r *AppRoute) NewWorker() (*offline.Manager, error) {
	opts, err := r.Config.ManagerOptions(r.concurrency)
	if err != nil {
		return nil, fmt.Errorf("app %s: %w", r.Config.Name, err)
	}
	return offline.NewManager(r.Storage, r.Fetcher, r.logger, opts)
}

// Install 创建新 worker 并交给 Registration 安装，SkipWaiting 时立即接管请求。
func (r *AppRoute) Install(ctx context.Context) (*offline.InstallReport, error) {
	worker, err := r.NewWorker()
	if err != nil {
		return nil, err
	}
	return r.Registration.Register(ctx, worker)
}

// Controller 返回当前控制请求的 worker，尚未激活时为 nil。
func (r *AppRoute) Controller() *offline.Manager {
	if r == nil {
		return nil
	}
	return r.Registration.Controller()
}

// StorageOpener 为单个应用打开缓存存储。
type StorageOpener func(app config.AppConfig) (cache.Storage, error)

// FetcherFactory 为路由构造网络 Fetcher，通常由 proxy 包提供。
type FetcherFactory func(route *AppRoute) offline.Fetcher

// RegistryOptions 控制 AppRegistry 的依赖注入。
type RegistryOptions struct {
	Logger      *logrus.Logger
	OpenStorage StorageOpener
	NewFetcher  FetcherFactory
}

// DefaultStorageOpener 在 StoragePath/<AppName> 下打开全局配置的后端。
func DefaultStorageOpener(global config.GlobalConfig) StorageOpener {
	return func(app config.AppConfig) (cache.Storage, error) {
		root := filepath.Join(global.StoragePath, app.Name)
		return cache.Open(cache.Backend(global.StorageBackend), root)
	}
}

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有应用共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	ordered []*AppRoute
}

// NewAppRegistry 根据配置构建 Host 映射并为每个应用打开缓存存储。
// 调用方应在启动阶段创建一次并复用，退出前调用 Close。
func NewAppRegistry(cfg *config.Config, opts RegistryOptions) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.OpenStorage == nil {
		opts.OpenStorage = DefaultStorageOpener(cfg.Global)
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			_ = registry.Close()
			return nil, fmt.Errorf("invalid domain for app %s", app.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			_ = registry.Close()
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildAppRoute(cfg, app, opts)
		if err != nil {
			_ = registry.Close()
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Find 按应用名称查找 AppRoute，供诊断接口使用。
func (r *AppRegistry) Find(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	for _, route := range r.ordered {
		if route.Config.Name == name {
			return route, true
		}
	}
	return nil, false
}

// List 返回当前注册的 AppRoute 列表（按配置定义的顺序）。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*AppRoute(nil), r.ordered...)
}

// Close 关闭所有应用的缓存存储。
func (r *AppRegistry) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, route := range r.ordered {
		if route.Storage == nil {
			continue
		}
		if err := route.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage for %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

func buildAppRoute(cfg *config.Config, app config.AppConfig, opts RegistryOptions) (*AppRoute, error) {
	originURL, err := app.OriginURL()
	if err != nil {
		return nil, fmt.Errorf("invalid origin for app %s: %w", app.Name, err)
	}
	scriptURL, err := app.ScriptURL()
	if err != nil {
		return nil, fmt.Errorf("invalid script path for app %s: %w", app.Name, err)
	}

	var proxyURL *url.URL
	if app.Proxy != "" {
		proxyURL, err = url.Parse(app.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for app %s: %w", app.Name, err)
		}
	}

	storage, err := opts.OpenStorage(app)
	if err != nil {
		return nil, fmt.Errorf("open storage for app %s: %w", app.Name, err)
	}

	route := &AppRoute{
		Config:       app,
		ListenPort:   cfg.Global.ListenPort,
		OriginURL:    originURL,
		ScriptURL:    scriptURL,
		ProxyURL:     proxyURL,
		Storage:      storage,
		Registration: offline.NewRegistration(opts.Logger),
		concurrency:  cfg.Global.InstallConcurrency,
		logger:       opts.Logger,
	}
	if opts.NewFetcher != nil {
		route.Fetcher = opts.NewFetcher(route)
	}
	return route, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
