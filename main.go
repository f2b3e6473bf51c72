package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/bubble-pop-frenzy/offline-shell/internal/cache"
	"github.com/bubble-pop-frenzy/offline-shell/internal/config"
	"github.com/bubble-pop-frenzy/offline-shell/internal/inventory"
	"github.com/bubble-pop-frenzy/offline-shell/internal/logging"
	"github.com/bubble-pop-frenzy/offline-shell/internal/network"
	"github.com/bubble-pop-frenzy/offline-shell/internal/proxy"
	"github.com/bubble-pop-frenzy/offline-shell/internal/server"
	"github.com/bubble-pop-frenzy/offline-shell/internal/server/routes"
	"github.com/bubble-pop-frenzy/offline-shell/internal/telemetry"
	"github.com/bubble-pop-frenzy/offline-shell/internal/version"
	"github.com/bubble-pop-frenzy/offline-shell/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	installOnly bool
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
	return runContext(context.Background(), opts)
}

// runContext 与 run 相同，parent 取消时服务随之退出。
func runContext(parent context.Context, opts cliOptions) int {
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
		fields["domain"] = cfg.Shell.Domain
		fields["origin"] = cfg.Shell.Origin
		fields["network"] = cfg.Shell.NetworkMode()
		fields["storage_backend"] = cfg.Global.StorageBackend
		fields["cache_name"] = inventory.Current.CacheName.String()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Global.TracingEndpoint)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化链路追踪失败: %v\n", err)
		return 1
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	// CLI 启动遵循“配置 → 缓存存储 → worker 安装/激活 → Fiber server”顺序。
	// 存储或安装失败时 worker 不会激活，但服务仍以纯网络模式对外提供页面；
	// 只有 -install-only 把失败视为致命错误。
	storage, err := cache.Open(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		if opts.installOnly {
			fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
			return 1
		}
		logger.WithFields(logrus.Fields{
			"action":          "open_storage",
			"storage_backend": cfg.Global.StorageBackend,
			"storage_path":    cfg.Global.StoragePath,
		}).WithError(err).Error("缓存存储不可用，仅走网络")
		storage = cache.Unavailable(err)
	}
	defer storage.Close()

	client := network.NewClient(cfg, nil, logger)
	registration, err := worker.NewRegistration(worker.Options{
		Storage:     storage,
		Network:     client,
		Scope:       cfg.Shell.OriginURL(),
		Logger:      logger,
		Concurrency: cfg.Global.InstallConcurrency,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "创建 worker 注册失败: %v\n", err)
		return 1
	}
	if _, err := registration.Register(ctx, inventory.Current); err != nil {
		if opts.installOnly {
			fmt.Fprintf(stdErr, "安装 worker 失败: %v\n", err)
			return 1
		}
		logger.WithFields(logrus.Fields{
			"action":     "register",
			"cache_name": inventory.Current.CacheName.String(),
		}).WithError(err).Error("worker 安装失败，仅走网络")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["domain"] = cfg.Shell.Domain
	fields["origin"] = cfg.Shell.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["cache_name"] = inventory.Current.CacheName.String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if opts.installOnly {
		return 0
	}

	registry, err := server.NewOriginRegistry(cfg, inventory.Current)
	if err != nil {
		fmt.Fprintf(stdErr, "构建源站注册表失败: %v\n", err)
		return 1
	}

	if err := startHTTPServer(ctx, cfg, registry, registration, storage, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-shell", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		installOnly bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_SHELL_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&installOnly, "install-only", false, "安装并激活当前缓存代后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_SHELL_CONFIG")
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
		installOnly: installOnly,
	}, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.OriginRegistry,
	registration *worker.Registration,
	storage cache.Storage,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(registration, logger),
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterCacheRoutes(app, registry, registration, storage)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
