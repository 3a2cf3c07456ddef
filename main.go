package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

const (
	configEnvVar    = "OFFLINE_HUB_CONFIG"
	shutdownTimeout = 10 * time.Second
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["apps"] = len(cfg.Apps)
		fields["generations"] = config.AppSummaries(cfg.Apps)
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → AppRegistry（每个应用独立的缓存存储）→ 安装并激活 worker → Fiber server。
	httpClient := server.NewUpstreamClient(cfg)
	registry, err := server.NewAppRegistry(cfg, server.RegistryOptions{
		Logger:     logger,
		NewFetcher: proxy.FetcherFactory(httpClient),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建应用注册表失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.WithError(err).Warn("storage_close_failed")
		}
	}()

	installApps(ctx, registry, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = len(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["generations"] = config.AppSummaries(cfg.Apps)
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	forwarder := proxy.NewDefaultForwarder(proxy.NewHandler(logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, forwarder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// installApps 为每个应用安装当前代际。安装失败不会阻止启动，该应用的请求改为直接透传。
func installApps(ctx context.Context, registry *server.AppRegistry, logger *logrus.Logger) {
	for _, route := range registry.List() {
		report, err := route.Install(ctx)
		fields := logging.LifecycleFields("startup_install", route.Config.Name, route.Config.Generation)
		if report != nil {
			fields["cached"] = len(report.Cached)
			fields["failed"] = len(report.Failed)
		}
		if err != nil {
			fields["error"] = err.Error()
			logger.WithFields(fields).Error("app_uncontrolled")
			continue
		}
		logger.WithFields(fields).Info("app_ready")
	}
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv(configEnvVar)
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.AppRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
		Diagnostics: func(app *fiber.App, registry *server.AppRegistry) {
			routes.RegisterAppRoutes(app, registry, logger)
		},
	})
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("Fiber 服务停止")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
