package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/convokeeper/types"
)

// MemoryChatStore is an in-memory implementation of ChatStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryChatStore struct {
	conversations map[string][]types.Message
	maxMessages   int
	mu            sync.RWMutex
	closed        bool
}

// NewMemoryChatStore creates a new in-memory chat store
func NewMemoryChatStore(config StoreConfig) *MemoryChatStore {
	maxMessages := config.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1000
	}
	return &MemoryChatStore{
		conversations: make(map[string][]types.Message),
		maxMessages:   maxMessages,
	}
}

// Close closes the store
func (s *MemoryChatStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.conversations = make(map[string][]types.Message)
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryChatStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Append implements ChatStore.
func (s *MemoryChatStore) Append(ctx context.Context, conversationID string, msgs []types.Message) error {
	if err := validateAppend(conversationID, msgs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	conv := append(s.conversations[conversationID], msgs...)
	if over := len(conv) - s.maxMessages; over > 0 {
		conv = types.CloneMessages(conv[over:])
	}
	s.conversations[conversationID] = conv
	return nil
}

// Get implements ChatStore. The returned slice is a copy.
func (s *MemoryChatStore) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	conv := s.conversations[conversationID]
	out := make([]types.Message, len(conv))
	copy(out, conv)
	return out, nil
}

// Clear implements ChatStore.
func (s *MemoryChatStore) Clear(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.conversations, conversationID)
	return nil
}

// Count implements ChatStore.
func (s *MemoryChatStore) Count(ctx context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return int64(len(s.conversations[conversationID])), nil
}

// Exists implements ChatStore.
func (s *MemoryChatStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	n, err := s.Count(ctx, conversationID)
	return n > 0, err
}
