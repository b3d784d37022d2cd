// =============================================================================
// 📦 测试数据工厂 - LLM 响应测试数据
// =============================================================================
// 提供预定义的模型响应，用于驱动 Agent 的 think/act 循环
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/types"
)

// TextResponse 返回不带工具调用的文本响应
func TextResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Text:  text,
		Model: "mock-model",
		Usage: llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

// ToolCallResponse 返回调用单个工具的响应
func ToolCallResponse(id, name string, args any) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:     "mock-model",
		ToolCalls: []types.ToolCall{ToolCall(id, name, args)},
	}
}

// MultiToolCallResponse 返回同时调用多个工具的响应
func MultiToolCallResponse(calls ...types.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "mock-model", ToolCalls: calls}
}

// TerminateResponse 返回调用 terminate 工具的响应
func TerminateResponse(text string) *llm.ChatResponse {
	resp := ToolCallResponse("call-terminate", "terminate", map[string]string{"status": "success"})
	resp.Text = text
	return resp
}

// ToolCall 构造工具调用，args 为 nil 时参数为空对象
func ToolCall(id, name string, args any) types.ToolCall {
	raw := json.RawMessage(`{}`)
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	return types.ToolCall{ID: id, Name: name, Arguments: raw}
}

// =============================================================================
// 💬 会话数据
// =============================================================================

// Conversation 返回 n 条交替的用户/助手消息，内容为 "msg-<i>"
func Conversation(n int) []types.Message {
	out := make([]types.Message, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = types.NewUserMessage(fmt.Sprintf("msg-%d", i))
		} else {
			out[i] = types.NewAssistantMessage(fmt.Sprintf("msg-%d", i))
		}
	}
	return out
}

// ToolExchange 返回一次完整的工具调用往返：助手调用消息与工具结果消息
func ToolExchange(id, name, result string) []types.Message {
	return []types.Message{
		types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{ToolCall(id, name, nil)}),
		types.NewToolMessage(types.ToolResponse{ID: id, Name: name, Data: result}),
	}
}
