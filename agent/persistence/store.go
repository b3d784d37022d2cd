package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/convokeeper/internal/database"
	"github.com/BaSui01/convokeeper/types"
)

// Common errors
var (
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrCorrupted    = errors.New("stored conversation is corrupted")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// BaseDir is the base directory for file-based storage
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"BASE_DIR"`

	// MaxMessages caps the number of messages kept per conversation (default 1000)
	MaxMessages int `json:"max_messages" yaml:"max_messages" env:"MAX_MESSAGES"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// SQL configuration (only used when Type is "sql")
	SQL SQLStoreConfig `json:"sql" yaml:"sql" env:"SQL"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Host is the Redis server host
	Host string `json:"host" yaml:"host" env:"HOST"`

	// Port is the Redis server port
	Port int `json:"port" yaml:"port" env:"PORT"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password" env:"PASSWORD"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db" env:"DB"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`

	// TTL is refreshed on every append (default 30 days)
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`

	// TLS enables TLS with the Host as server name
	TLS bool `json:"tls" yaml:"tls" env:"TLS"`
}

// Addr returns host:port.
func (c RedisStoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SQLStoreConfig contains SQL-specific configuration
type SQLStoreConfig struct {
	// Driver is one of postgres, mysql, sqlite
	Driver string `json:"driver" yaml:"driver" env:"DRIVER"`

	// DSN is the driver-specific data source name
	DSN string `json:"dsn" yaml:"dsn" env:"DSN"`

	// AutoMigrate creates the chat_messages table on startup
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`

	// Pool tunes the underlying connection pool
	Pool database.PoolConfig `json:"pool" yaml:"pool" env:"POOL"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:        StoreTypeMemory,
		BaseDir:     "./data",
		MaxMessages: 1000,
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "convokeeper:",
			TTL:       30 * 24 * time.Hour,
		},
		SQL: SQLStoreConfig{
			Driver:      "sqlite",
			DSN:         "file:./data/convokeeper.db?_pragma=busy_timeout(5000)",
			AutoMigrate: true,
			Pool:        database.DefaultPoolConfig(),
		},
	}
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// ChatStore persists ordered conversation histories.
type ChatStore interface {
	Store

	// Append adds messages to the end of the conversation, creating it if needed.
	Append(ctx context.Context, conversationID string, msgs []types.Message) error

	// Get returns the full history in insertion order. A missing conversation
	// yields an empty slice and no error.
	Get(ctx context.Context, conversationID string) ([]types.Message, error)

	// Clear removes the conversation. Clearing a missing conversation is not an error.
	Clear(ctx context.Context, conversationID string) error

	// Count returns the number of stored messages.
	Count(ctx context.Context, conversationID string) (int64, error)

	// Exists reports whether any message is stored for the conversation.
	Exists(ctx context.Context, conversationID string) (bool, error)
}

// encodeMessage 使用所有后端共享的 JSON 编码
func encodeMessage(msg types.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.Message{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if !msg.Role.Valid() {
		return types.Message{}, fmt.Errorf("%w: unknown role %q", ErrCorrupted, msg.Role)
	}
	return msg, nil
}

func validateAppend(conversationID string, msgs []types.Message) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("%w: message %d: %v", ErrInvalidInput, i, err)
		}
	}
	return nil
}
