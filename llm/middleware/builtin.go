package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/llm/circuitbreaker"
	"github.com/BaSui01/convokeeper/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WithLogging 在 debug 级别记录请求和响应概况，失败记 warn
func WithLogging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			logger.Debug("llm request",
				zap.String("model", req.Options.Model),
				zap.Int("messages", len(req.Messages)),
				zap.Int("tools", len(req.Tools)),
			)
			start := time.Now()
			resp, err := next(ctx, req)
			elapsed := time.Since(start)

			if err != nil {
				logger.Warn("llm request failed", zap.Duration("duration", elapsed), zap.Error(err))
				return resp, err
			}
			logger.Debug("llm response",
				zap.Int("tokens", resp.Usage.TotalTokens),
				zap.Int("tool_calls", len(resp.ToolCalls)),
				zap.Duration("duration", elapsed),
			)
			return resp, nil
		}
	}
}

// WithTimeout 限制单次调用时长，d<=0 不限制
func WithTimeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// WithMetrics 记录调用次数、耗时与 token 用量。model 标签优先取响应里的实际模型。
func WithMetrics(collector *metrics.Collector, provider string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			model, status := req.Options.Model, "error"
			var usage llm.ChatUsage
			if err == nil && resp != nil {
				status, usage = "success", resp.Usage
				if resp.Model != "" {
					model = resp.Model
				}
			}
			collector.RecordLLMRequest(provider, model, status, time.Since(start), usage.PromptTokens, usage.CompletionTokens)
			return resp, err
		}
	}
}

// WithTracing 每次调用一个 "llm.invoke" span；tracer 为 nil 时用全局 TracerProvider
func WithTracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("convokeeper/llm")
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			ctx, span := tracer.Start(ctx, "llm.invoke", trace.WithAttributes(
				attribute.String("llm.model", req.Options.Model),
				attribute.Int("llm.messages", len(req.Messages)),
				attribute.Int("llm.tools", len(req.Tools)),
			))
			defer span.End()

			resp, err := next(ctx, req)
			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case resp != nil:
				span.SetAttributes(
					attribute.Int("llm.tokens", resp.Usage.TotalTokens),
					attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
				)
			}
			return resp, err
		}
	}
}

// WithRecovery 把 Provider 内部的 panic 转成可重试的 INTERNAL_ERROR
func WithRecovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *llm.ChatRequest) (resp *llm.ChatResponse, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.Error("provider panic recovered", zap.Any("panic", v), zap.Stack("stack"))
					resp, err = nil, types.NewError(types.ErrInternalError, fmt.Sprintf("provider panic: %v", v)).WithRetryable(true)
				}
			}()
			return next(ctx, req)
		}
	}
}

// WithCircuitBreaker 熔断期间直接返回可重试的 PROVIDER_UNAVAILABLE，不再调用上游
func WithCircuitBreaker(b *circuitbreaker.Breaker, provider string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			done, err := b.Allow()
			if err != nil {
				return nil, types.NewError(types.ErrProviderUnavailable, "provider temporarily disabled").
					WithCause(err).
					WithRetryable(true).
					WithProvider(provider)
			}
			resp, err := next(ctx, req)
			done(err)
			return resp, err
		}
	}
}

// NormalizeToolSchemas 把空或 null 的参数 schema 换成空对象 schema。
// 部分兼容接口拒绝 parameters 为 null 的 function 定义。调用方的请求不被修改。
func NormalizeToolSchemas() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
			if req == nil || !needsNormalizing(req.Tools) {
				return next(ctx, req)
			}
			copied := *req
			copied.Tools = make([]types.ToolSchema, len(req.Tools))
			for i, s := range req.Tools {
				if isEmptySchema(s.Parameters) {
					s.Parameters = types.EmptyObjectSchema
				}
				copied.Tools[i] = s
			}
			return next(ctx, &copied)
		}
	}
}

func needsNormalizing(tools []types.ToolSchema) bool {
	for _, s := range tools {
		if isEmptySchema(s.Parameters) {
			return true
		}
	}
	return false
}

func isEmptySchema(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null"
}
