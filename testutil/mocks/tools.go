// MockTool 的工具测试模拟实现。
//
// 记录每次调用的参数，按配置返回固定结果或错误。
package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/convokeeper/llm/tools"
)

// MockTool 是可注册到 tools.ToolRegistry 的模拟工具
type MockTool struct {
	mu sync.Mutex

	name   string
	result json.RawMessage
	err    error
	fn     tools.ToolFunc

	calls []json.RawMessage
}

// NewMockTool 创建返回 result（作为 JSON 字符串）的模拟工具
func NewMockTool(name, result string) *MockTool {
	data, _ := json.Marshal(result)
	return &MockTool{name: name, result: data}
}

// WithError 让工具返回错误
func (t *MockTool) WithError(err error) *MockTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
	return t
}

// WithFunc 设置自定义实现
func (t *MockTool) WithFunc(fn tools.ToolFunc) *MockTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fn = fn
	return t
}

// Name 返回工具名
func (t *MockTool) Name() string { return t.name }

// Func 返回可注册的 ToolFunc
func (t *MockTool) Func() tools.ToolFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		t.mu.Lock()
		t.calls = append(t.calls, append(json.RawMessage(nil), args...))
		fn, result, err := t.fn, t.result, t.err
		t.mu.Unlock()

		if fn != nil {
			return fn(ctx, args)
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// Register 以默认元数据注册到 reg
func (t *MockTool) Register(reg tools.ToolRegistry) error {
	return reg.Register(t.name, t.Func(), tools.ToolMetadata{})
}

// CallCount 返回调用次数
func (t *MockTool) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Calls 返回每次调用的参数
func (t *MockTool) Calls() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, len(t.calls))
	copy(out, t.calls)
	return out
}
