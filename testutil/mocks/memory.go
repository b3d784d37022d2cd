// =============================================================================
// 🧠 MockChatStore - 会话存储模拟实现
// =============================================================================
// 基于内存的 persistence.ChatStore，支持逐操作错误注入与调用计数
//
// 使用方法:
//
//	store := mocks.NewMockChatStore().WithGetError(errors.New("down"))
//	mem := memory.NewHybrid(store, secondary, memory.PolicyHybrid)
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/convokeeper/types"
)

// MockChatStore 是 persistence.ChatStore 的模拟实现
type MockChatStore struct {
	mu sync.Mutex

	data map[string][]types.Message

	appendErr error
	getErr    error
	clearErr  error
	pingErr   error

	appendCalls int
	getCalls    int
	clearCalls  int
	closed      bool
}

// NewMockChatStore 创建新的 MockChatStore
func NewMockChatStore() *MockChatStore {
	return &MockChatStore{data: make(map[string][]types.Message)}
}

// WithAppendError 注入 Append 错误
func (s *MockChatStore) WithAppendError(err error) *MockChatStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
	return s
}

// WithGetError 注入 Get 错误
func (s *MockChatStore) WithGetError(err error) *MockChatStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
	return s
}

// WithClearError 注入 Clear 错误
func (s *MockChatStore) WithClearError(err error) *MockChatStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearErr = err
	return s
}

// WithPingError 注入 Ping 错误
func (s *MockChatStore) WithPingError(err error) *MockChatStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
	return s
}

// Seed 直接写入数据，不计入调用次数
func (s *MockChatStore) Seed(id string, msgs ...types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append(s.data[id], msgs...)
}

// Append 实现 ChatStore
func (s *MockChatStore) Append(_ context.Context, id string, msgs []types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.appendErr != nil {
		return s.appendErr
	}
	s.data[id] = append(s.data[id], msgs...)
	return nil
}

// Get 实现 ChatStore
func (s *MockChatStore) Get(_ context.Context, id string) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	out := make([]types.Message, len(s.data[id]))
	copy(out, s.data[id])
	return out, nil
}

// Clear 实现 ChatStore
func (s *MockChatStore) Clear(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCalls++
	if s.clearErr != nil {
		return s.clearErr
	}
	delete(s.data, id)
	return nil
}

// Count 实现 ChatStore
func (s *MockChatStore) Count(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return 0, s.getErr
	}
	return int64(len(s.data[id])), nil
}

// Exists 实现 ChatStore
func (s *MockChatStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.Count(ctx, id)
	return n > 0, err
}

// Ping 实现 ChatStore
func (s *MockChatStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

// Close 实现 ChatStore
func (s *MockChatStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Messages 返回当前存储的消息快照
func (s *MockChatStore) Messages(id string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CloneMessages(s.data[id])
}

// AppendCalls 返回 Append 调用次数
func (s *MockChatStore) AppendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// GetCalls 返回 Get 调用次数
func (s *MockChatStore) GetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

// ClearCalls 返回 Clear 调用次数
func (s *MockChatStore) ClearCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCalls
}

// IsClosed 返回是否已关闭
func (s *MockChatStore) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
