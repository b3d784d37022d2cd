package llm

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/convokeeper/types"
)

// ErrEmptyResponse is returned by providers when the upstream answered
// without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// Options 控制单次调用的行为。
type Options struct {
	Model       string        `json:"model,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`

	// InternalToolExecution 为 true 时允许模型层自行执行工具。
	// Agent 总是关闭它，由自身负责工具分发。
	InternalToolExecution bool `json:"internal_tool_execution"`
}

// ChatRequest 是一次模型调用的完整输入。
type ChatRequest struct {
	Messages     []types.Message    `json:"messages"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Tools        []types.ToolSchema `json:"tools,omitempty"`
	Options      Options            `json:"options"`
}

// ChatUsage token 使用统计
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatResponse 是一次模型调用的结果。
type ChatResponse struct {
	Text      string           `json:"text"`
	ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
	Model     string           `json:"model,omitempty"`
	Usage     ChatUsage        `json:"usage,omitempty"`
}

// HasToolCalls reports whether the model asked for any tool invocation.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// AssistantMessage converts the response into the assistant message that
// would be stored in a conversation.
func (r *ChatResponse) AssistantMessage() types.Message {
	msg := types.NewAssistantMessage(r.Text)
	if len(r.ToolCalls) > 0 {
		msg = msg.WithToolCalls(r.ToolCalls)
	}
	return msg
}

// Provider 定义了统一的 LLM 适配接口。
// 工具调用通过 ChatRequest.Tools 传递，模型在响应中返回 ToolCalls，
// 具体的工具执行由 tools.Executor 负责。
type Provider interface {
	// Invoke 发起同步调用，失败可能是瞬时或永久错误，调用方统一按可重试处理。
	Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}

// ProviderFunc adapts a plain function to the Provider interface.
type ProviderFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

// Invoke calls f.
func (f ProviderFunc) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return f(ctx, req)
}

// Name implements Provider.
func (f ProviderFunc) Name() string { return "func" }
