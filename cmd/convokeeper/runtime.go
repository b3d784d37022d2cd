package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/convokeeper/agent"
	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/config"
	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/internal/telemetry"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/llm/circuitbreaker"
	"github.com/BaSui01/convokeeper/llm/middleware"
	"github.com/BaSui01/convokeeper/llm/providers/anthropic"
	"github.com/BaSui01/convokeeper/llm/providers/openai"
	"github.com/BaSui01/convokeeper/llm/tools"
)

const metricsNamespace = "convokeeper"

// =============================================================================
// 🧩 运行时组装
// =============================================================================

// runtime 持有 serve 与 chat 共用的组件
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector
	gatherer  prometheus.Gatherer

	primary   persistence.ChatStore
	secondary persistence.ChatStore
	hybrid    *memory.Hybrid
	summarize *memory.Summarizing
	memory    memory.Memory

	provider llm.Provider
	registry *tools.DefaultRegistry
	manager  *agent.Manager
}

type runtimeOptions struct {
	provider   llm.Provider
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// runtimeOption 用于测试替换外部依赖
type runtimeOption func(*runtimeOptions)

// withProvider 使用给定 Provider 代替 openai
func withProvider(p llm.Provider) runtimeOption {
	return func(o *runtimeOptions) { o.provider = p }
}

// withRegistry 指标注册到独立的 registry
func withRegistry(reg *prometheus.Registry) runtimeOption {
	return func(o *runtimeOptions) {
		o.registerer = reg
		o.gatherer = reg
	}
}

// buildRuntime 依次创建遥测、指标、存储、记忆、Provider、工具与 Agent Manager。
// 任何一步失败都会关闭已创建的组件。
func buildRuntime(cfg *config.Config, logger *zap.Logger, opts ...runtimeOption) (*runtime, error) {
	o := &runtimeOptions{
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(o)
	}

	rt := &runtime{cfg: cfg, logger: logger, gatherer: o.gatherer}
	if err := rt.init(o); err != nil {
		_ = rt.close(context.Background())
		return nil, err
	}

	logger.Info("runtime initialized",
		zap.String("policy", string(rt.hybrid.Policy())),
		zap.String("primary_store", string(cfg.Store.Primary.Type)),
		zap.String("secondary_store", string(cfg.Store.Secondary.Type)),
		zap.Bool("summary_enabled", cfg.Memory.SummaryEnabled),
		zap.Strings("tools", rt.registry.List()),
	)
	return rt, nil
}

func (rt *runtime) init(o *runtimeOptions) error {
	cfg, logger := rt.cfg, rt.logger

	var err error
	rt.telemetry, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		// 遥测失败不影响服务
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		rt.telemetry = &telemetry.Providers{}
	}

	rt.collector = metrics.NewCollectorWithRegistry(metricsNamespace, o.registerer, logger)

	if rt.primary, err = persistence.NewChatStore(cfg.Store.Primary, logger); err != nil {
		return fmt.Errorf("create primary store: %w", err)
	}
	if rt.secondary, err = persistence.NewChatStore(cfg.Store.Secondary, logger); err != nil {
		return fmt.Errorf("create secondary store: %w", err)
	}
	if err = registerDBStats(o.registerer, map[string]persistence.ChatStore{
		"primary":   rt.primary,
		"secondary": rt.secondary,
	}); err != nil {
		return err
	}

	rt.hybrid = memory.NewHybrid(rt.primary, rt.secondary, memory.ParsePolicy(cfg.Memory.Policy),
		memory.WithHybridMetrics(rt.collector),
		memory.WithHybridLogger(logger),
	)

	rt.provider = rt.wrapProvider(o.provider)

	rt.memory = rt.hybrid
	if cfg.Memory.SummaryEnabled {
		rt.summarize = memory.NewSummarizing(rt.hybrid, rt.provider, cfg.Memory.Summary, rt.collector, logger)
		rt.memory = rt.summarize
	}

	rt.registry = tools.NewDefaultRegistry(logger)
	if cfg.Tools.BaseDir != "" {
		if err = os.MkdirAll(cfg.Tools.BaseDir, 0o755); err != nil {
			return fmt.Errorf("create tools base dir: %w", err)
		}
	}
	if err = tools.RegisterBuiltins(rt.registry, tools.BuiltinOptions{
		BaseDir: cfg.Tools.BaseDir,
		Logger:  logger,
	}); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	executor := tools.NewDefaultExecutor(rt.registry, logger,
		tools.WithMetrics(rt.collector),
		tools.WithConcurrency(cfg.Tools.Concurrency),
	)

	factory := agent.NewFactory(cfg.Agent, agent.Dependencies{
		Provider: rt.provider,
		Memory:   rt.memory,
		Tools:    rt.registry,
		Executor: executor,
		Metrics:  rt.collector,
		Tracer:   rt.telemetry.Tracer(),
		Logger:   logger,
	})
	rt.manager = agent.NewManager(factory, rt.memory, cfg.Cache,
		agent.WithManagerMetrics(rt.collector),
		agent.WithManagerLogger(logger),
	)
	return nil
}

// registerDBStats 为 SQL 存储注册 go_sql_* 连接池指标，db_name 标签为存储角色
func registerDBStats(reg prometheus.Registerer, stores map[string]persistence.ChatStore) error {
	for name, store := range stores {
		src, ok := store.(interface{ SQLDB() *sql.DB })
		if !ok {
			continue
		}
		if err := reg.Register(collectors.NewDBStatsCollector(src.SQLDB(), name)); err != nil {
			return fmt.Errorf("register %s db stats: %w", name, err)
		}
	}
	return nil
}

// newProvider 按 llm.provider 创建具体实现
func newProvider(cfg config.LLMConfig, logger *zap.Logger) llm.Provider {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewProvider(anthropic.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}, logger)
	default:
		return openai.NewProvider(openai.Config{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}, logger)
	}
}

// wrapProvider 为 Provider 套上中间件链，第一个中间件在最外层
func (rt *runtime) wrapProvider(p llm.Provider) llm.Provider {
	if p == nil {
		if rt.cfg.LLM.APIKey == "" {
			rt.logger.Warn("llm.api_key is empty, model calls will fail")
		}
		p = newProvider(rt.cfg.LLM, rt.logger)
	}

	chain := middleware.Chain{
		middleware.WithRecovery(rt.logger),
		middleware.WithTracing(rt.telemetry.Tracer()),
		middleware.WithMetrics(rt.collector, p.Name()),
		middleware.WithLogging(rt.logger),
		middleware.NormalizeToolSchemas(),
	}
	if cb := rt.cfg.LLM.CircuitBreaker; cb.Threshold > 0 {
		chain = chain.Append(middleware.WithCircuitBreaker(circuitbreaker.New(p.Name(), cb, rt.logger), p.Name()))
	}
	chain = chain.Append(middleware.WithTimeout(rt.cfg.LLM.Timeout))
	return middleware.Wrap(p, chain)
}

// close 按 Agent → 摘要工作池 → 存储 → 遥测 的顺序释放资源
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.manager != nil {
		rt.manager.Close()
	}
	if err := rt.closeMemory(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.closeTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (rt *runtime) closeMemory(ctx context.Context) error {
	var errs []error
	if rt.summarize != nil {
		if err := rt.summarize.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("summary workers: %w", err))
		}
	}
	switch {
	case rt.hybrid != nil:
		if err := rt.hybrid.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stores: %w", err))
		}
	default:
		// Hybrid 未创建时单独关闭已打开的存储
		for _, s := range []persistence.ChatStore{rt.primary, rt.secondary} {
			if s != nil {
				if err := s.Close(); err != nil {
					errs = append(errs, fmt.Errorf("stores: %w", err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (rt *runtime) closeTelemetry(ctx context.Context) error {
	if rt.telemetry == nil {
		return nil
	}
	if err := rt.telemetry.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
