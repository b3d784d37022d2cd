package persistence

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convokeeper/internal/tlsutil"
	"github.com/BaSui01/convokeeper/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChatStore is a Redis-based implementation of ChatStore.
// Each conversation is a list of JSON-encoded messages.
type RedisChatStore struct {
	client      redis.UniversalClient
	keyPrefix   string
	ttl         time.Duration
	maxMessages int
	ownsClient  bool
	closed      atomic.Bool
	logger      *zap.Logger
}

// NewRedisChatStore creates a new Redis-based chat store and checks connectivity.
func NewRedisChatStore(config StoreConfig, logger *zap.Logger) (*RedisChatStore, error) {
	opts := &redis.Options{
		Addr:     config.Redis.Addr(),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	}
	if config.Redis.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(config.Redis.Host)
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisChatStoreWithClient(client, config, logger)
	s.ownsClient = true
	return s, nil
}

// NewRedisChatStoreWithClient wraps an existing client. The caller keeps
// ownership of the client; Close does not close it.
func NewRedisChatStoreWithClient(client redis.UniversalClient, config StoreConfig, logger *zap.Logger) *RedisChatStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "convokeeper:"
	}
	ttl := config.Redis.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	maxMessages := config.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1000
	}

	return &RedisChatStore{
		client:      client,
		keyPrefix:   keyPrefix + "chat:",
		ttl:         ttl,
		maxMessages: maxMessages,
		logger:      logger.With(zap.String("component", "redis_chat_store")),
	}
}

// Close closes the store
func (s *RedisChatStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisChatStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

// Key returns the Redis key for a conversation
func (s *RedisChatStore) Key(conversationID string) string {
	return s.keyPrefix + conversationID
}

// Append pushes messages, refreshes the TTL and trims the list in one pipeline.
func (s *RedisChatStore) Append(ctx context.Context, conversationID string, msgs []types.Message) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := validateAppend(conversationID, msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := encodeMessage(m)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := s.Key(conversationID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, s.ttl)
	pipe.LTrim(ctx, key, int64(-s.maxMessages), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append %s: %w", conversationID, err)
	}
	return nil
}

// Get returns the whole conversation.
func (s *RedisChatStore) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	return s.lrange(ctx, conversationID, 0, -1)
}

// GetRecent returns at most limit newest messages.
func (s *RedisChatStore) GetRecent(ctx context.Context, conversationID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		return []types.Message{}, nil
	}
	return s.lrange(ctx, conversationID, int64(-limit), -1)
}

func (s *RedisChatStore) lrange(ctx context.Context, conversationID string, start, stop int64) ([]types.Message, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}

	key := s.Key(conversationID)
	raw, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", conversationID, err)
	}

	msgs := make([]types.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := decodeMessage([]byte(item))
		if err != nil {
			// 无法解码的会话直接删除，返回空历史
			s.logger.Warn("corrupted conversation removed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
			if delErr := s.client.Del(ctx, key).Err(); delErr != nil {
				s.logger.Error("failed to delete corrupted conversation",
					zap.String("conversation_id", conversationID),
					zap.Error(delErr),
				)
			}
			return []types.Message{}, nil
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Clear deletes the conversation key.
func (s *RedisChatStore) Clear(ctx context.Context, conversationID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := s.client.Del(ctx, s.Key(conversationID)).Err(); err != nil {
		return fmt.Errorf("redis clear %s: %w", conversationID, err)
	}
	return nil
}

// Count returns the list length.
func (s *RedisChatStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	n, err := s.client.LLen(ctx, s.Key(conversationID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", conversationID, err)
	}
	return n, nil
}

// Exists reports whether the key exists.
func (s *RedisChatStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	n, err := s.client.Exists(ctx, s.Key(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", conversationID, err)
	}
	return n > 0, nil
}

// UpdateActivity refreshes the TTL without writing.
func (s *RedisChatStore) UpdateActivity(ctx context.Context, conversationID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.client.Expire(ctx, s.Key(conversationID), s.ttl).Err()
}
