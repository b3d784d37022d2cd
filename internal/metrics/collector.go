// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	llmBuckets    = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}
	runBuckets    = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}
	memoryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
)

// Collector 汇总 HTTP、模型、工具、Agent、记忆和缓存的 Prometheus 指标。
// 所有 Record 方法对 nil 接收者安全，未启用指标的组件直接传 nil。
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec // type: prompt | completion
	llmRetries         *prometheus.CounterVec

	toolExecutionsTotal   *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	agentRunsTotal        *prometheus.CounterVec
	agentRunDuration      *prometheus.HistogramVec
	agentStepsTotal       *prometheus.CounterVec
	agentStateTransitions *prometheus.CounterVec
	agentLoopsDetected    *prometheus.CounterVec

	memoryOpsTotal    *prometheus.CounterVec
	memoryOpDuration  *prometheus.HistogramVec
	compactionsTotal  *prometheus.CounterVec
	compactionSavings prometheus.Histogram

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec
}

// NewCollector 注册到 prometheus.DefaultRegisterer
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 注册到 reg。同一个 reg 上重复注册同一 namespace 会 panic。
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	f := vecFactory{promauto.With(reg), namespace}

	c := &Collector{
		httpRequestsTotal:   f.counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status"),
		httpRequestDuration: f.histogram("http_request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path"),

		llmRequestsTotal:   f.counter("llm_requests_total", "Total number of LLM requests", "provider", "model", "status"),
		llmRequestDuration: f.histogram("llm_request_duration_seconds", "LLM request duration in seconds", llmBuckets, "provider", "model"),
		llmTokensUsed:      f.counter("llm_tokens_used_total", "Total number of tokens used", "provider", "model", "type"),
		llmRetries:         f.counter("llm_retries_total", "Total number of LLM invocation retries", "agent"),

		toolExecutionsTotal:   f.counter("tool_executions_total", "Total number of tool executions", "tool", "status"),
		toolExecutionDuration: f.histogram("tool_execution_duration_seconds", "Tool execution duration in seconds", prometheus.DefBuckets, "tool"),

		agentRunsTotal:        f.counter("agent_runs_total", "Total number of agent runs", "agent", "mode", "status"),
		agentRunDuration:      f.histogram("agent_run_duration_seconds", "Agent run duration in seconds", runBuckets, "agent", "mode"),
		agentStepsTotal:       f.counter("agent_steps_total", "Total number of executed agent steps", "agent"),
		agentStateTransitions: f.counter("agent_state_transitions_total", "Total number of agent state transitions", "agent", "from_state", "to_state"),
		agentLoopsDetected:    f.counter("agent_loops_detected_total", "Total number of detected tool-call loops", "agent"),

		memoryOpsTotal:   f.counter("memory_operations_total", "Total number of memory backend operations", "backend", "op", "status"),
		memoryOpDuration: f.histogram("memory_operation_duration_seconds", "Memory backend operation duration in seconds", memoryBuckets, "backend", "op"),
		compactionsTotal: f.counter("memory_compactions_total", "Total number of history compactions", "status"),
		compactionSavings: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "memory_compaction_removed_messages",
			Help:      "Number of messages removed by one compaction",
			Buckets:   []float64{1, 2, 5, 10, 20, 50},
		}),

		cacheHits:   f.counter("cache_hits_total", "Total number of cache hits", "cache_type"),
		cacheMisses: f.counter("cache_misses_total", "Total number of cache misses", "cache_type"),
		cacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Current number of cache entries",
		}, []string{"cache_type"}),
	}

	if logger != nil {
		logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	}
	return c
}

type vecFactory struct {
	promauto.Factory
	namespace string
}

func (f vecFactory) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{Namespace: f.namespace, Name: name, Help: help}, labels)
}

func (f vecFactory) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: f.namespace, Name: name, Help: help, Buckets: buckets}, labels)
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordLLMRequest 记录一次 Provider 调用及其 token 用量
func (c *Collector) RecordLLMRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

func (c *Collector) RecordLLMRetry(agent string) {
	if c != nil {
		c.llmRetries.WithLabelValues(agent).Inc()
	}
}

func (c *Collector) RecordToolExecution(tool string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolExecutionsTotal.WithLabelValues(tool, outcome(success)).Inc()
	c.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordAgentRun mode 为 sync 或 stream
func (c *Collector) RecordAgentRun(agent, mode, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentRunsTotal.WithLabelValues(agent, mode, status).Inc()
	c.agentRunDuration.WithLabelValues(agent, mode).Observe(duration.Seconds())
}

func (c *Collector) RecordAgentStep(agent string) {
	if c != nil {
		c.agentStepsTotal.WithLabelValues(agent).Inc()
	}
}

func (c *Collector) RecordAgentStateTransition(agent, fromState, toState string) {
	if c != nil {
		c.agentStateTransitions.WithLabelValues(agent, fromState, toState).Inc()
	}
}

func (c *Collector) RecordLoopDetected(agent string) {
	if c != nil {
		c.agentLoopsDetected.WithLabelValues(agent).Inc()
	}
}

// RecordMemoryOperation backend 为存储实现名（redis、file、sql...），op 为方法名
func (c *Collector) RecordMemoryOperation(backend, op string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.memoryOpsTotal.WithLabelValues(backend, op, outcome(err == nil)).Inc()
	c.memoryOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordCompaction removed 为本次压缩移除的消息数，0 不计入分布
func (c *Collector) RecordCompaction(status string, removed int) {
	if c == nil {
		return
	}
	c.compactionsTotal.WithLabelValues(status).Inc()
	if removed > 0 {
		c.compactionSavings.Observe(float64(removed))
	}
}

func (c *Collector) RecordCacheHit(cacheType string) {
	if c != nil {
		c.cacheHits.WithLabelValues(cacheType).Inc()
	}
}

func (c *Collector) RecordCacheMiss(cacheType string) {
	if c != nil {
		c.cacheMisses.WithLabelValues(cacheType).Inc()
	}
}

func (c *Collector) RecordCacheSize(cacheType string, size int) {
	if c != nil {
		c.cacheSize.WithLabelValues(cacheType).Set(float64(size))
	}
}

// statusCode 把状态码折叠成 2xx/3xx/4xx/5xx，1xx 保留原值
func statusCode(code int) string {
	if code < 200 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
