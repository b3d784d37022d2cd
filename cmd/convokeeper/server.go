package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/convokeeper/api/handlers"
	"github.com/BaSui01/convokeeper/config"
	"github.com/BaSui01/convokeeper/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.configPath)
		},
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(ctx context.Context, configPath string) error {
	cfg, loader, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, level, err := initLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting ConvoKeeper",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	srvCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout

	// RateLimiter 的清理协程随服务退出
	limiterCtx, cancelLimiter := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLimiter()

	mgr := server.NewManager(newRouter(limiterCtx, rt, Version), srvCfg, logger)

	// 钩子逆序执行：Agent 先关闭，存储其次，遥测最后刷新
	mgr.OnShutdown("telemetry", rt.closeTelemetry)
	mgr.OnShutdown("memory", rt.closeMemory)
	mgr.OnShutdown("agent_manager", func(context.Context) error {
		rt.manager.Close()
		return nil
	})

	if configPath != "" {
		stopWatch, err := watchConfig(ctx, configPath, loader, level, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			defer stopWatch()
		}
	}

	if err := mgr.Start(); err != nil {
		_ = rt.close(context.Background())
		return err
	}

	err = mgr.Run(ctx)
	logger.Info("ConvoKeeper stopped")
	return err
}

// watchConfig 在配置文件变化时热更新日志级别
func watchConfig(ctx context.Context, path string, loader *config.Loader, level zap.AtomicLevel, logger *zap.Logger) (func(), error) {
	w, err := config.NewFileWatcher(path, config.WithWatcherLogger(logger))
	if err != nil {
		return nil, err
	}
	config.NewLogLevelReloader(loader, level, logger).Attach(w)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w.Stop, nil
}

// =============================================================================
// 🔀 路由
// =============================================================================

// newRouter 注册所有路由并套上 HTTP 中间件
func newRouter(ctx context.Context, rt *runtime, version string) http.Handler {
	logger := rt.logger

	health := handlers.NewHealthHandler(version, logger)
	health.RegisterCheck(handlers.NewStoreHealthCheck("primary_store", rt.primary))
	health.RegisterCheck(handlers.NewStoreHealthCheck("secondary_store", rt.secondary))

	agentHandler := handlers.NewAgentHandler(rt.manager, logger)
	convHandler := handlers.NewConversationHandler(rt.manager, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /v1/agent/chat", agentHandler.HandleChat)
	mux.HandleFunc("POST /v1/agent/run", agentHandler.HandleRun)
	mux.HandleFunc("GET /v1/agent/ws", agentHandler.HandleWebSocket)
	mux.HandleFunc("GET /v1/agent/cache/stats", agentHandler.HandleCacheStats)

	mux.HandleFunc("POST /v1/conversations/clear", convHandler.HandleClear)
	mux.HandleFunc("GET /v1/conversations/exists", convHandler.HandleExists)
	mux.HandleFunc("GET /v1/conversations/count", convHandler.HandleCount)
	mux.HandleFunc("POST /v1/conversations/migrate", convHandler.HandleMigrate)

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(logger),
		MetricsMiddleware(rt.collector),
	}
	if rps := rt.cfg.Server.RateLimitRPS; rps > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, rps, rt.cfg.Server.RateLimitBurst, logger))
	}
	return Chain(mux, middlewares...)
}
