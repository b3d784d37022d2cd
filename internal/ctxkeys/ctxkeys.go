// Package ctxkeys holds the request-scoped values shared by handlers, the
// agent runtime and logging.
package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey        contextKey = "trace_id"
	runIDKey          contextKey = "run_id"
	requestIDKey      contextKey = "request_id"
	conversationIDKey contextKey = "conversation_id"
	userIDKey         contextKey = "user_id"
)

func withString(ctx context.Context, key contextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func getString(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) { return getString(ctx, traceIDKey) }

// WithRunID 设置 RunID
func WithRunID(ctx context.Context, runID string) context.Context {
	return withString(ctx, runIDKey, runID)
}

// RunID 获取 RunID
func RunID(ctx context.Context) (string, bool) { return getString(ctx, runIDKey) }

// WithRequestID 设置 RequestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

// RequestID 获取 RequestID
func RequestID(ctx context.Context) (string, bool) { return getString(ctx, requestIDKey) }

// WithConversationID 设置会话 ID
func WithConversationID(ctx context.Context, id string) context.Context {
	return withString(ctx, conversationIDKey, id)
}

// ConversationID 获取会话 ID
func ConversationID(ctx context.Context) (string, bool) { return getString(ctx, conversationIDKey) }

// WithUserID 设置用户 ID
func WithUserID(ctx context.Context, id string) context.Context {
	return withString(ctx, userIDKey, id)
}

// UserID 获取用户 ID
func UserID(ctx context.Context) (string, bool) { return getString(ctx, userIDKey) }
