package persistence

import (
	"fmt"

	"go.uber.org/zap"
)

// NewChatStore creates a ChatStore for the configured backend.
func NewChatStore(config StoreConfig, logger *zap.Logger) (ChatStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryChatStore(config), nil
	case StoreTypeFile:
		return NewFileChatStore(config, logger)
	case StoreTypeRedis:
		return NewRedisChatStore(config, logger)
	case StoreTypeSQL:
		return NewSQLChatStore(config, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported store type %q", ErrInvalidInput, config.Type)
	}
}
