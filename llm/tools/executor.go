package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ToolResult represents tool execution result.
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Payload 返回写入 tool 消息的文本：错误渲染为 "Error: ..."，
// JSON 字符串结果解包为纯文本。
func (r ToolResult) Payload() string {
	if r.Error != "" {
		return "Error: " + r.Error
	}
	if len(r.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// Executor 执行 assistant 消息携带的工具调用并返回更新后的历史：
// history + 原样保留文本的 assistant 消息 + 一条 tool 消息。
// 工具失败以错误文本写入响应，不作为 Go 错误返回。
type Executor interface {
	Execute(ctx context.Context, history []types.Message, assistant types.Message) ([]types.Message, error)
}

// ====== 实现：DefaultExecutor ======

type DefaultExecutor struct {
	registry    ToolRegistry
	metrics     *metrics.Collector
	logger      *zap.Logger
	concurrency int
}

// ExecutorOption 配置 DefaultExecutor
type ExecutorOption func(*DefaultExecutor)

// WithMetrics 设置指标收集器
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *DefaultExecutor) { e.metrics = c }
}

// WithConcurrency 限制同一轮内并发执行的工具数
func WithConcurrency(n int) ExecutorOption {
	return func(e *DefaultExecutor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewDefaultExecutor 创建默认的工具执行器。
func NewDefaultExecutor(registry ToolRegistry, logger *zap.Logger, opts ...ExecutorOption) *DefaultExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &DefaultExecutor{
		registry:    registry,
		logger:      logger.With(zap.String("component", "tool_executor")),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements Executor.
func (e *DefaultExecutor) Execute(ctx context.Context, history []types.Message, assistant types.Message) ([]types.Message, error) {
	out := make([]types.Message, 0, len(history)+2)
	out = append(out, history...)
	calls := assistant.ToolCalls
	if len(calls) == 0 {
		return out, nil
	}

	out = append(out, assistant)

	results := e.ExecuteAll(ctx, calls)
	responses := make([]types.ToolResponse, len(results))
	for i, r := range results {
		responses[i] = types.ToolResponse{ID: r.ToolCallID, Name: r.Name, Data: r.Payload()}
	}
	out = append(out, types.NewToolMessage(responses...))
	return out, nil
}

// ExecuteAll 并发执行所有工具调用，结果顺序与 calls 一致。
func (e *DefaultExecutor) ExecuteAll(ctx context.Context, calls []types.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.ExecuteOne(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// ExecuteOne 执行单个工具调用
func (e *DefaultExecutor) ExecuteOne(ctx context.Context, call types.ToolCall) (result ToolResult) {
	start := time.Now()
	result = ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
	}
	defer func() {
		if r := recover(); r != nil {
			result.Error = fmt.Sprintf("tool panicked: %v", r)
			e.logger.Error("tool panic recovered", zap.String("name", call.Name), zap.Any("panic", r))
		}
		result.Duration = time.Since(start)
		e.metrics.RecordToolExecution(call.Name, result.Error == "", result.Duration)
	}()

	// 1. 获取工具函数和元数据
	fn, meta, err := e.registry.Get(call.Name)
	if err != nil {
		result.Error = fmt.Sprintf("tool not found: %s", call.Name)
		e.logger.Warn("tool not found", zap.String("name", call.Name))
		return result
	}

	// 2. 检查速率限制（如果注册表支持）
	reg, isDefault := e.registry.(*DefaultRegistry)
	if isDefault && !reg.allow(call.Name) {
		result.Error = "rate limit exceeded"
		e.logger.Warn("rate limit exceeded", zap.String("name", call.Name))
		return result
	}

	// 3. 参数校验
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if isDefault {
		if err := reg.validate(call.Name, args); err != nil {
			result.Error = err.Error()
			e.logger.Warn("invalid tool arguments", zap.String("name", call.Name), zap.Error(err))
			return result
		}
	} else if !json.Valid(args) {
		result.Error = "invalid arguments: not valid JSON"
		return result
	}

	// 4. 执行工具（带超时控制）
	execCtx, cancel := context.WithTimeout(ctx, meta.Timeout)
	defer cancel()

	type outcome struct {
		res json.RawMessage
		err error
	}
	// 带缓冲，超时后工具 goroutine 仍能退出
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		res, err := fn(execCtx, args)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			result.Error = o.err.Error()
			e.logger.Warn("tool execution failed", zap.String("name", call.Name), zap.Error(o.err))
		} else {
			result.Result = o.res
			e.logger.Debug("tool executed", zap.String("name", call.Name), zap.Duration("duration", time.Since(start)))
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			result.Error = "execution cancelled"
			return result
		}
		result.Error = fmt.Sprintf("execution timeout after %s", meta.Timeout)
		e.logger.Warn("tool execution timeout", zap.String("name", call.Name), zap.Duration("timeout", meta.Timeout))
	}

	return result
}
