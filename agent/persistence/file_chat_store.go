package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
)

const (
	defaultConversationFile = "default_conversation"
	maxFileNameLength       = 100
)

// FileChatStore is a file-based implementation of ChatStore.
// Each conversation is stored as a JSON array in <BaseDir>/chat/<safe-id>.json.
type FileChatStore struct {
	dir         string
	maxMessages int
	mu          sync.RWMutex
	closed      bool
	logger      *zap.Logger
}

// NewFileChatStore creates a new file-based chat store
func NewFileChatStore(config StoreConfig, logger *zap.Logger) (*FileChatStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDir := config.BaseDir
	if baseDir == "" {
		baseDir = "./data"
	}
	dir := filepath.Join(baseDir, "chat")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chat directory: %w", err)
	}
	maxMessages := config.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 1000
	}

	return &FileChatStore{
		dir:         dir,
		maxMessages: maxMessages,
		logger:      logger.With(zap.String("component", "file_chat_store")),
	}, nil
}

// SafeFileName maps a conversation id to a file name. Characters that are
// illegal in file names become "_", an empty id maps to
// "default_conversation", and the result is capped at 100 characters.
func SafeFileName(conversationID string) string {
	if conversationID == "" {
		return defaultConversationFile
	}
	var b strings.Builder
	b.Grow(len(conversationID))
	for _, r := range conversationID {
		switch {
		case strings.ContainsRune(`:/\*?"<>|`, r), r == ' ', unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	name := b.String()
	// "." 与 ".." 不能作为文件名使用
	if name == "." || name == ".." {
		name = strings.Repeat("_", len(name))
	}
	if runes := []rune(name); len(runes) > maxFileNameLength {
		name = string(runes[:maxFileNameLength])
	}
	return name
}

func (s *FileChatStore) path(conversationID string) string {
	return filepath.Join(s.dir, SafeFileName(conversationID)+".json")
}

// Close closes the store
func (s *FileChatStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks that the directory is still accessible.
func (s *FileChatStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.dir)
	return err
}

// readLocked 读取会话文件，调用方持有锁。文件损坏时删除并返回空。
func (s *FileChatStore) readLocked(conversationID string) ([]types.Message, error) {
	p := s.path(conversationID)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return []types.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation file: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err == nil {
		msgs := make([]types.Message, 0, len(raw))
		for _, item := range raw {
			msg, decErr := decodeMessage(item)
			if decErr != nil {
				err = decErr
				break
			}
			msgs = append(msgs, msg)
		}
		if err == nil {
			return msgs, nil
		}
	}

	s.logger.Warn("corrupted conversation file removed",
		zap.String("conversation_id", conversationID),
		zap.String("path", p),
		zap.Error(err),
	)
	if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.logger.Error("failed to remove corrupted file", zap.String("path", p), zap.Error(rmErr))
	}
	return []types.Message{}, nil
}

// writeLocked 原子写入：先写临时文件再 rename
func (s *FileChatStore) writeLocked(conversationID string, msgs []types.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(conversationID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename conversation file: %w", err)
	}
	return nil
}

// Append reads, extends and rewrites the conversation file.
func (s *FileChatStore) Append(ctx context.Context, conversationID string, msgs []types.Message) error {
	if err := validateAppend(conversationID, msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	existing, err := s.readLocked(conversationID)
	if err != nil {
		return err
	}
	existing = append(existing, msgs...)
	if over := len(existing) - s.maxMessages; over > 0 {
		existing = existing[over:]
	}
	return s.writeLocked(conversationID, existing)
}

// Get returns the whole conversation.
func (s *FileChatStore) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidInput)
	}
	// 读取可能触发删除损坏文件，因此使用写锁
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readLocked(conversationID)
}

// Clear removes the conversation file.
func (s *FileChatStore) Clear(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(s.path(conversationID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove conversation file: %w", err)
	}
	return nil
}

// Count returns the number of stored messages.
func (s *FileChatStore) Count(ctx context.Context, conversationID string) (int64, error) {
	msgs, err := s.Get(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	return int64(len(msgs)), nil
}

// Exists reports whether the conversation file exists.
func (s *FileChatStore) Exists(ctx context.Context, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, err := os.Stat(s.path(conversationID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
