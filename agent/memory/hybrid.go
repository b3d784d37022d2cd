package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	backendPrimary   = "primary"
	backendSecondary = "secondary"
)

// HybridOption configures a Hybrid memory.
type HybridOption func(*Hybrid)

// WithHybridMetrics records per-backend operation timings.
func WithHybridMetrics(c *metrics.Collector) HybridOption {
	return func(h *Hybrid) { h.metrics = c }
}

// WithHybridLogger sets the logger.
func WithHybridLogger(logger *zap.Logger) HybridOption {
	return func(h *Hybrid) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Hybrid combines a fast primary store with a durable secondary store.
//
// Under PolicyHybrid writes go to both stores and never fail, reads fall back
// to the secondary and refill the primary, and Clear reaches both stores
// concurrently. The single-store policies propagate errors.
type Hybrid struct {
	primary   persistence.ChatStore
	secondary persistence.ChatStore
	policy    Policy
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewHybrid creates a hybrid memory over the two stores.
func NewHybrid(primary, secondary persistence.ChatStore, policy Policy, opts ...HybridOption) *Hybrid {
	h := &Hybrid{
		primary:   primary,
		secondary: secondary,
		policy:    ParsePolicy(string(policy)),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "hybrid_memory"), zap.String("policy", string(h.policy)))
	return h
}

// Policy returns the effective policy.
func (h *Hybrid) Policy() Policy { return h.policy }

func (h *Hybrid) store(backend string) persistence.ChatStore {
	if backend == backendPrimary {
		return h.primary
	}
	return h.secondary
}

// observe 计时并记录一次后端调用
func (h *Hybrid) observe(backend, op string, fn func(persistence.ChatStore) error) error {
	start := time.Now()
	err := fn(h.store(backend))
	h.metrics.RecordMemoryOperation(backend, op, err, time.Since(start))
	return err
}

func (h *Hybrid) appendTo(ctx context.Context, backend, id string, msgs []types.Message) error {
	return h.observe(backend, "append", func(s persistence.ChatStore) error {
		return s.Append(ctx, id, msgs)
	})
}

func (h *Hybrid) getFrom(ctx context.Context, backend, id string) ([]types.Message, error) {
	var out []types.Message
	err := h.observe(backend, "get", func(s persistence.ChatStore) error {
		var err error
		out, err = s.Get(ctx, id)
		return err
	})
	return out, err
}

func (h *Hybrid) clearFrom(ctx context.Context, backend, id string) error {
	return h.observe(backend, "clear", func(s persistence.ChatStore) error {
		return s.Clear(ctx, id)
	})
}

// Add implements Memory.
func (h *Hybrid) Add(ctx context.Context, conversationID string, msgs ...types.Message) error {
	switch h.policy {
	case PolicyPrimary:
		return h.appendTo(ctx, backendPrimary, conversationID, msgs)
	case PolicySecondary:
		return h.appendTo(ctx, backendSecondary, conversationID, msgs)
	}

	if err := h.appendTo(ctx, backendPrimary, conversationID, msgs); err != nil {
		h.logger.Warn("primary append failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if err := h.appendTo(ctx, backendSecondary, conversationID, msgs); err != nil {
		h.logger.Warn("secondary append failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// Get implements Memory.
func (h *Hybrid) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	if h.policy == PolicySecondary {
		return h.getFrom(ctx, backendSecondary, conversationID)
	}

	msgs, err := h.getFrom(ctx, backendPrimary, conversationID)
	if err == nil && len(msgs) > 0 {
		return msgs, nil
	}
	if err != nil {
		h.logger.Warn("primary read failed, falling back",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	fallback, ferr := h.getFrom(ctx, backendSecondary, conversationID)
	if ferr != nil {
		h.logger.Error("secondary read failed",
			zap.String("conversation_id", conversationID), zap.Error(ferr))
		if h.policy == PolicyPrimary && err != nil {
			return nil, fmt.Errorf("read %s: %w", conversationID, err)
		}
		return []types.Message{}, nil
	}
	if len(fallback) == 0 {
		if h.policy == PolicyPrimary && err != nil {
			return nil, fmt.Errorf("read %s: %w", conversationID, err)
		}
		return []types.Message{}, nil
	}

	// 回填主存储
	if err := h.appendTo(ctx, backendPrimary, conversationID, fallback); err != nil {
		h.logger.Warn("primary refill failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return fallback, nil
}

// Clear implements Memory.
func (h *Hybrid) Clear(ctx context.Context, conversationID string) error {
	switch h.policy {
	case PolicyPrimary:
		return h.clearFrom(ctx, backendPrimary, conversationID)
	case PolicySecondary:
		return h.clearFrom(ctx, backendSecondary, conversationID)
	}

	var g errgroup.Group
	for _, backend := range []string{backendPrimary, backendSecondary} {
		g.Go(func() error {
			if err := h.clearFrom(ctx, backend, conversationID); err != nil {
				h.logger.Warn("clear failed",
					zap.String("backend", backend),
					zap.String("conversation_id", conversationID),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Migrate copies the secondary history into an empty primary and returns the
// number of copied messages.
func (h *Hybrid) Migrate(ctx context.Context, conversationID string) (int, error) {
	msgs, err := h.getFrom(ctx, backendSecondary, conversationID)
	if err != nil {
		return 0, fmt.Errorf("read secondary: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	if err := h.clearFrom(ctx, backendPrimary, conversationID); err != nil {
		return 0, fmt.Errorf("clear primary: %w", err)
	}
	if err := h.appendTo(ctx, backendPrimary, conversationID, msgs); err != nil {
		return 0, fmt.Errorf("write primary: %w", err)
	}
	h.logger.Info("conversation migrated",
		zap.String("conversation_id", conversationID),
		zap.Int("messages", len(msgs)))
	return len(msgs), nil
}

// MessageCount implements Inspector.
func (h *Hybrid) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	if h.policy == PolicyPrimary {
		var n int64
		err := h.observe(backendPrimary, "count", func(s persistence.ChatStore) error {
			var err error
			n, err = s.Count(ctx, conversationID)
			return err
		})
		return n, err
	}
	msgs, err := h.Get(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

// Exists implements Inspector.
func (h *Hybrid) Exists(ctx context.Context, conversationID string) (bool, error) {
	n, err := h.MessageCount(ctx, conversationID)
	return n > 0, err
}

// Ping checks both stores.
func (h *Hybrid) Ping(ctx context.Context) error {
	if err := h.primary.Ping(ctx); err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	if err := h.secondary.Ping(ctx); err != nil {
		return fmt.Errorf("secondary: %w", err)
	}
	return nil
}

// Close closes both stores.
func (h *Hybrid) Close() error {
	err1 := h.primary.Close()
	err2 := h.secondary.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
