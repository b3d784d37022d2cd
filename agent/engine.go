package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/llm/retry"
	"github.com/BaSui01/convokeeper/llm/tools"
	"github.com/BaSui01/convokeeper/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// 步骤结果与写入会话的固定文本
const (
	resultNoToolCalls     = "No tool calls to execute"
	resultNoToolResponse  = "Tool calls executed, but no tool response was found"
	resultToolsExecuted   = "Tool calls executed successfully"
	resultLoopCorrected   = "Loop pattern detected, attempting self-correction"
	selfCorrectionMessage = "[Self-correction]: loop pattern detected, re-evaluating strategy"
	interruptedMessage    = "Interrupted while waiting to retry"
	processingErrorPrefix = "Error while processing: "
)

// ToolCallEngine 实现 Thinker 与 Actor：模型决定调用哪些工具，工具由 Executor 统一分发。
// 模型层的自动工具执行始终关闭。
type ToolCallEngine struct {
	agentName   string
	provider    llm.Provider
	registry    tools.ToolRegistry
	executor    tools.Executor
	retryer     *retry.Retryer
	model       string
	temperature float32

	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewToolCallEngine 创建工具调用引擎
func NewToolCallEngine(cfg Config, provider llm.Provider, registry tools.ToolRegistry, executor tools.Executor,
	collector *metrics.Collector, logger *zap.Logger) *ToolCallEngine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "tool_call_engine"))

	policy := retry.Fixed(cfg.MaxAttempts, cfg.RetryDelay)
	policy.OnRetry = func(int, error, time.Duration) {
		collector.RecordLLMRetry(cfg.Name)
	}

	return &ToolCallEngine{
		agentName:   cfg.Name,
		provider:    provider,
		registry:    registry,
		executor:    executor,
		retryer:     retry.New(policy, logger),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		metrics:     collector,
		tracer:      otel.Tracer(tracerName),
		logger:      logger,
	}
}

// Think 调用模型并决定是否需要执行工具。
func (e *ToolCallEngine) Think(ctx context.Context, rc *RunContext) (bool, error) {
	history, err := rc.History(ctx)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}

	cfg := rc.Agent().cfg
	prompt := cfg.NextStepPrompt
	if n := len(history); n > 0 && history[n-1].Role == types.RoleTool {
		prompt = cfg.ReflectionPrompt
	}
	if prompt != "" {
		msg := types.NewUserMessage(prompt)
		if err := rc.Append(ctx, msg); err != nil {
			return false, fmt.Errorf("append step prompt: %w", err)
		}
		history = append(history, msg)
	}

	req := &llm.ChatRequest{
		Messages:     history,
		SystemPrompt: cfg.SystemPrompt,
		Tools:        e.schemas(),
		Options: llm.Options{
			Model:                 e.model,
			Temperature:           e.temperature,
			InternalToolExecution: false,
		},
	}

	first := rc.beginModelCall() == 1
	resp, err := retry.Value(ctx, e.retryer, func() (*llm.ChatResponse, error) {
		return e.invoke(ctx, req)
	})
	if err == nil && resp == nil {
		err = llm.ErrEmptyResponse
	}
	if err != nil {
		return false, e.absorbInvokeError(ctx, rc, err, first)
	}

	if hasTerminateCall(resp.ToolCalls) {
		if strings.TrimSpace(resp.Text) != "" {
			rc.SetFinalAnswer(resp.Text)
		}
		if err := rc.Append(ctx, resp.AssistantMessage()); err != nil {
			return false, fmt.Errorf("append assistant message: %w", err)
		}
		rc.Logger().Debug("terminate requested", zap.Int("step", rc.Step()))
		rc.Finish()
		return false, nil
	}

	if !resp.HasToolCalls() {
		if err := rc.Append(ctx, resp.AssistantMessage()); err != nil {
			return false, fmt.Errorf("append assistant message: %w", err)
		}
		rc.SetFinalAnswer(resp.Text)
		return false, nil
	}

	rc.SetPending(resp)
	return true, nil
}

// absorbInvokeError 把模型失败写进会话。只有本次运行的首次调用失败才向上返回错误。
func (e *ToolCallEngine) absorbInvokeError(ctx context.Context, rc *RunContext, err error, first bool) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		rc.Logger().Warn("model call interrupted", zap.Error(err))
		// ctx 已取消，写入需要脱离取消信号
		if aerr := rc.Append(context.WithoutCancel(ctx), types.NewAssistantMessage(interruptedMessage)); aerr != nil {
			rc.Logger().Warn("failed to record interruption", zap.Error(aerr))
		}
		return nil
	}

	rc.Logger().Error("model call failed after retries", zap.Bool("first_call", first), zap.Error(err))
	if aerr := rc.Append(ctx, types.NewAssistantMessage(processingErrorPrefix+err.Error())); aerr != nil {
		rc.Logger().Warn("failed to record model error", zap.Error(aerr))
	}
	if first {
		return fmt.Errorf("%w: %w", ErrModelInvocation, err)
	}
	return nil
}

// invoke 单次模型调用，带 span 与指标
func (e *ToolCallEngine) invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "llm.invoke", trace.WithAttributes(
		attribute.String("llm.provider", e.provider.Name()),
		attribute.String("llm.model", e.model),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := e.provider.Invoke(ctx, req)
	duration := time.Since(start)

	model := e.model
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.RecordLLMRequest(e.provider.Name(), model, "error", duration, 0, 0)
		return nil, err
	}
	if resp == nil {
		e.metrics.RecordLLMRequest(e.provider.Name(), model, "error", duration, 0, 0)
		return nil, llm.ErrEmptyResponse
	}
	if resp.Model != "" {
		model = resp.Model
	}
	span.SetAttributes(attribute.Int("llm.tool_calls", len(resp.ToolCalls)))
	e.metrics.RecordLLMRequest(e.provider.Name(), model, "success", duration,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp, nil
}

// Act 执行待处理响应中的工具调用。
func (e *ToolCallEngine) Act(ctx context.Context, rc *RunContext) (string, error) {
	resp := rc.TakePending()
	if !resp.HasToolCalls() {
		return resultNoToolCalls, nil
	}

	history, err := rc.History(ctx)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	updated, err := e.executor.Execute(ctx, history, resp.AssistantMessage())
	if err != nil {
		return "", fmt.Errorf("execute tools: %w", err)
	}

	n := len(updated)
	if n == 0 || updated[n-1].Role != types.RoleTool {
		rc.Logger().Warn("tool execution left no tool message", zap.Error(ErrNoToolResponse))
		if err := rc.Replace(ctx, updated); err != nil {
			return "", fmt.Errorf("write history: %w", err)
		}
		return resultNoToolResponse, nil
	}

	tail := sanitizeToolMessage(updated[n-1])
	updated[n-1] = tail
	if err := writeBack(ctx, rc, history, updated); err != nil {
		return "", fmt.Errorf("write history: %w", err)
	}

	loops := rc.Loops()
	loops.Record(ActionSignature(tail))
	if loops.Detect() {
		rc.Logger().Warn("loop pattern detected", zap.Strings("signatures", loops.Snapshot()))
		if err := rc.Append(ctx, types.NewAssistantMessage(selfCorrectionMessage)); err != nil {
			rc.Logger().Warn("failed to record self-correction", zap.Error(err))
		}
		loops.Reset()
		e.metrics.RecordLoopDetected(e.agentName)
		return resultLoopCorrected, nil
	}

	return resultToolsExecuted, nil
}

func (e *ToolCallEngine) schemas() []types.ToolSchema {
	if e.registry == nil {
		return nil
	}
	return e.registry.Schemas()
}

// writeBack 在结果是原历史的延伸时只追加新增部分，否则整体替换
func writeBack(ctx context.Context, rc *RunContext, before, after []types.Message) error {
	if len(after) >= len(before) {
		return rc.Append(ctx, after[len(before):]...)
	}
	return rc.Replace(ctx, after)
}

func sanitizeToolMessage(msg types.Message) types.Message {
	responses := make([]types.ToolResponse, len(msg.ToolResponses))
	for i, r := range msg.ToolResponses {
		r.Data = SanitizePayload(r.Data)
		responses[i] = r
	}
	msg.ToolResponses = responses
	return msg
}

func hasTerminateCall(calls []types.ToolCall) bool {
	for _, c := range calls {
		if strings.EqualFold(c.Name, tools.TerminateToolName) {
			return true
		}
	}
	return false
}
