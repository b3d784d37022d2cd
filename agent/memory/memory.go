package memory

import (
	"context"
	"strings"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/types"
)

// Memory stores ordered conversation histories keyed by conversation id.
type Memory interface {
	// Add appends messages in order, creating the conversation if needed.
	Add(ctx context.Context, conversationID string, msgs ...types.Message) error

	// Get returns the history oldest first. Missing conversations yield an empty slice.
	Get(ctx context.Context, conversationID string) ([]types.Message, error)

	// Clear removes the conversation. Clearing twice is not an error.
	Clear(ctx context.Context, conversationID string) error
}

// Inspector is implemented by memories that can answer size and existence
// queries without loading the history.
type Inspector interface {
	MessageCount(ctx context.Context, conversationID string) (int64, error)
	Exists(ctx context.Context, conversationID string) (bool, error)
}

// Policy selects how Hybrid uses its two backends.
type Policy string

const (
	PolicyPrimary   Policy = "primary"
	PolicySecondary Policy = "secondary"
	PolicyHybrid    Policy = "hybrid"
)

// ParsePolicy parses a policy name case-insensitively. Unknown values map to PolicyHybrid.
func ParsePolicy(s string) Policy {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyPrimary:
		return PolicyPrimary
	case PolicySecondary:
		return PolicySecondary
	default:
		return PolicyHybrid
	}
}

// StoreMemory adapts a single ChatStore to Memory.
type StoreMemory struct {
	store persistence.ChatStore
}

// NewStoreMemory wraps store.
func NewStoreMemory(store persistence.ChatStore) *StoreMemory {
	return &StoreMemory{store: store}
}

// Add implements Memory.
func (m *StoreMemory) Add(ctx context.Context, conversationID string, msgs ...types.Message) error {
	return m.store.Append(ctx, conversationID, msgs)
}

// Get implements Memory.
func (m *StoreMemory) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	return m.store.Get(ctx, conversationID)
}

// Clear implements Memory.
func (m *StoreMemory) Clear(ctx context.Context, conversationID string) error {
	return m.store.Clear(ctx, conversationID)
}

// MessageCount implements Inspector.
func (m *StoreMemory) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	return m.store.Count(ctx, conversationID)
}

// Exists implements Inspector.
func (m *StoreMemory) Exists(ctx context.Context, conversationID string) (bool, error) {
	return m.store.Exists(ctx, conversationID)
}

// Count returns the number of messages in mem, preferring Inspector.
func Count(ctx context.Context, mem Memory, conversationID string) (int64, error) {
	if in, ok := mem.(Inspector); ok {
		return in.MessageCount(ctx, conversationID)
	}
	msgs, err := mem.Get(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

// Exists reports whether mem holds any message for the conversation.
func Exists(ctx context.Context, mem Memory, conversationID string) (bool, error) {
	if in, ok := mem.(Inspector); ok {
		return in.Exists(ctx, conversationID)
	}
	n, err := Count(ctx, mem, conversationID)
	return n > 0, err
}
