package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convokeeper/internal/database"
	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// chatMessageRow is the gorm model behind the chat_messages table.
type chatMessageRow struct {
	ID             uint      `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"size:255;not null;index:idx_chat_conv_seq,priority:1"`
	Seq            int64     `gorm:"not null;index:idx_chat_conv_seq,priority:2"`
	Role           string    `gorm:"size:16;not null"`
	Payload        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

// TableName implements gorm's Tabler.
func (chatMessageRow) TableName() string { return "chat_messages" }

const sqlTxRetries = 3

// SQLChatStore stores conversations in a relational table via gorm.
type SQLChatStore struct {
	pool        *database.PoolManager
	maxMessages int
	ownsPool    bool
	closed      atomic.Bool
	// 序号分配需要串行化，避免同一进程内并发 Append 产生重复 seq
	appendMu sync.Mutex
	logger   *zap.Logger
}

// NewSQLChatStore opens the configured database and optionally migrates the schema.
func NewSQLChatStore(config StoreConfig, logger *zap.Logger) (*SQLChatStore, error) {
	pool, err := database.Open(config.SQL.Driver, config.SQL.DSN, config.SQL.Pool, logger)
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	s, err := NewSQLChatStoreWithPool(pool, config, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	s.ownsPool = true
	return s, nil
}

// NewSQLChatStoreWithPool wraps an existing pool. The caller keeps ownership.
func NewSQLChatStoreWithPool(pool *database.PoolManager, config StoreConfig, logger *zap.Logger) (*SQLChatStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxMessages := config.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1000
	}
	s := &SQLChatStore{
		pool:        pool,
		maxMessages: maxMessages,
		logger:      logger.With(zap.String("component", "sql_chat_store")),
	}
	if config.SQL.AutoMigrate {
		if err := pool.DB().AutoMigrate(&chatMessageRow{}); err != nil {
			return nil, fmt.Errorf("auto-migrate chat_messages: %w", err)
		}
	}
	return s, nil
}

// Close closes the store
func (s *SQLChatStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsPool {
		return s.pool.Close()
	}
	return nil
}

// SQLDB exposes the underlying connection pool for stats collection.
func (s *SQLChatStore) SQLDB() *sql.DB { return s.pool.SQLDB() }

// Ping checks if the store is healthy
func (s *SQLChatStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.pool.Ping(ctx)
}

// Append inserts the messages with increasing sequence numbers and trims
// rows beyond the retention cap in the same transaction.
func (s *SQLChatStore) Append(ctx context.Context, conversationID string, msgs []types.Message) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := validateAppend(conversationID, msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	rows := make([]chatMessageRow, len(msgs))
	now := time.Now()
	for i, m := range msgs {
		data, err := encodeMessage(m)
		if err != nil {
			return err
		}
		rows[i] = chatMessageRow{
			ConversationID: conversationID,
			Role:           string(m.Role),
			Payload:        string(data),
			CreatedAt:      now,
		}
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	err := s.pool.WithTransactionRetry(ctx, sqlTxRetries, func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&chatMessageRow{}).
			Where("conversation_id = ?", conversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		for i := range rows {
			rows[i].ID = 0
			rows[i].Seq = maxSeq + int64(i) + 1
		}
		if err := tx.Create(&rows).Error; err != nil {
			return err
		}
		cutoff := maxSeq + int64(len(rows)) - int64(s.maxMessages)
		if cutoff > 0 {
			return tx.Where("conversation_id = ? AND seq <= ?", conversationID, cutoff).
				Delete(&chatMessageRow{}).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sql append %s: %w", conversationID, err)
	}
	return nil
}

// Get returns the conversation ordered by sequence number.
func (s *SQLChatStore) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}

	var rows []chatMessageRow
	if err := s.pool.DB().WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sql get %s: %w", conversationID, err)
	}

	msgs := make([]types.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := decodeMessage([]byte(row.Payload))
		if err != nil {
			s.logger.Warn("corrupted conversation removed",
				zap.String("conversation_id", conversationID),
				zap.Int64("seq", row.Seq),
				zap.Error(err),
			)
			if clrErr := s.Clear(ctx, conversationID); clrErr != nil {
				s.logger.Error("failed to delete corrupted conversation", zap.Error(clrErr))
			}
			return []types.Message{}, nil
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Clear deletes every row of the conversation.
func (s *SQLChatStore) Clear(ctx context.Context, conversationID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	err := s.pool.DB().WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&chatMessageRow{}).Error
	if err != nil {
		return fmt.Errorf("sql clear %s: %w", conversationID, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *SQLChatStore) Count(ctx context.Context, conversationID string) (int64, error) {
	if s.closed.Load() {
		return 0, ErrStoreClosed
	}
	var n int64
	err := s.pool.DB().WithContext(ctx).
		Model(&chatMessageRow{}).
		Where("conversation_id = ?", conversationID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("sql count %s: %w", conversationID, err)
	}
	return n, nil
}

// Exists reports whether any row exists for the conversation.
func (s *SQLChatStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	var row chatMessageRow
	err := s.pool.DB().WithContext(ctx).
		Select("id").
		Where("conversation_id = ?", conversationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql exists %s: %w", conversationID, err)
	}
	return true, nil
}
