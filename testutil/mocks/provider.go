// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持按顺序脚本化响应、固定响应、错误注入与调用记录。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/types"
)

// ErrMockFailure 是默认注入的错误
var ErrMockFailure = errors.New("mock provider failure")

// Step 是脚本中的一次响应，Err 非空时返回错误
type Step struct {
	Response *llm.ChatResponse
	Err      error
}

// MockProvider 是 llm.Provider 的模拟实现
type MockProvider struct {
	mu sync.Mutex

	name     string
	script   []Step
	fallback *llm.ChatResponse
	err      error
	failN    int
	delay    time.Duration
	fn       func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	calls []*llm.ChatRequest
}

// NewMockProvider 创建新的 MockProvider，默认返回 "Mock response"
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:     "mock",
		fallback: &llm.ChatResponse{Text: "Mock response", Model: "mock-model"},
	}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置脚本耗尽后的固定文本响应
func (m *MockProvider) WithResponse(text string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &llm.ChatResponse{Text: text, Model: "mock-model"}
	return m
}

// WithFallback 设置脚本耗尽后的固定响应
func (m *MockProvider) WithFallback(resp *llm.ChatResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = resp
	return m
}

// WithScript 追加按顺序消费的响应
func (m *MockProvider) WithScript(steps ...Step) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
	return m
}

// WithResponses 追加按顺序消费的成功响应
func (m *MockProvider) WithResponses(resps ...*llm.ChatResponse) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resps {
		m.script = append(m.script, Step{Response: r})
	}
	return m
}

// WithError 让所有调用返回 err
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFailFirst 让前 n 次调用返回 ErrMockFailure
func (m *MockProvider) WithFailFirst(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failN = n
	return m
}

// WithDelay 设置响应延迟，延迟期间响应 ctx 取消
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithInvokeFunc 设置自定义调用函数，优先级最高
func (m *MockProvider) WithInvokeFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Invoke 实现 llm.Provider
func (m *MockProvider) Invoke(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	snapshot := *req
	snapshot.Messages = types.CloneMessages(req.Messages)
	m.calls = append(m.calls, &snapshot)
	call := len(m.calls)

	fn, delay, err := m.fn, m.delay, m.err
	var step *Step
	if fn == nil && err == nil && call > m.failN && len(m.script) > 0 {
		step = &m.script[0]
		m.script = m.script[1:]
	}
	fallback := m.fallback
	failing := call <= m.failN
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case fn != nil:
		return fn(ctx, req)
	case err != nil:
		return nil, err
	case failing:
		return nil, ErrMockFailure
	case step != nil:
		if step.Err != nil {
			return nil, step.Err
		}
		return step.Response, nil
	default:
		return fallback, nil
	}
}

// Calls 返回所有调用请求的快照
func (m *MockProvider) Calls() []*llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*llm.ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastRequest 返回最后一次请求
func (m *MockProvider) LastRequest() *llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1]
}
