package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readyTimeout 就绪检查整体超时
const readyTimeout = 5 * time.Second

// HealthCheck 一个可探测的依赖
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus /health 与 /ready 的响应体
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy | unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // pass | fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

func (r CheckResult) passed() bool { return r.Status == "pass" }

// HealthHandler 提供存活与就绪两个探针
type HealthHandler struct {
	logger  *zap.Logger
	version string

	mu     sync.RWMutex
	checks []HealthCheck
}

func NewHealthHandler(version string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, version: version}
}

// RegisterCheck 注册就绪检查，名字即响应里的键
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, check)
	h.mu.Unlock()
}

// HandleHealth 存活探针，不访问任何依赖
// @Summary 健康检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务正常"
// @Router /health [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now(), Version: h.version})
}

// HandleReady 并发执行所有检查，任一失败返回 503
// @Summary 就绪检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务已就绪"
// @Failure 503 {object} HealthStatus "存储不可用"
// @Router /ready [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   h.version,
		Checks:    h.probe(ctx),
	}
	code := http.StatusOK
	for _, res := range status.Checks {
		if !res.passed() {
			status.Status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}
	WriteJSON(w, code, status)
}

func (h *HealthHandler) probe(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
		g       errgroup.Group
	)
	for _, check := range checks {
		g.Go(func() error {
			res := h.run(ctx, check)
			mu.Lock()
			results[check.Name()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *HealthHandler) run(ctx context.Context, check HealthCheck) CheckResult {
	start := time.Now()
	err := check.Check(ctx)
	latency := time.Since(start)
	if err == nil {
		return CheckResult{Status: "pass", Latency: latency.String()}
	}
	h.logger.Warn("health check failed",
		zap.String("check", check.Name()),
		zap.Error(err),
		zap.Duration("latency", latency),
	)
	return CheckResult{Status: "fail", Message: err.Error(), Latency: latency.String()}
}

// Pinger 可探活的依赖，例如 persistence.ChatStore
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealthCheck 通过 Ping 检查会话存储
type StoreHealthCheck struct {
	name  string
	store Pinger
}

func NewStoreHealthCheck(name string, store Pinger) *StoreHealthCheck {
	return &StoreHealthCheck{name: name, store: store}
}

func (c *StoreHealthCheck) Name() string { return c.name }

func (c *StoreHealthCheck) Check(ctx context.Context) error {
	return c.store.Ping(ctx)
}
