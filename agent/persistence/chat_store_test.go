package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/convokeeper/internal/database"
	"github.com/BaSui01/convokeeper/types"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 ChatStore 通用测试
// =============================================================================

func newTestStores(t *testing.T) map[string]ChatStore {
	t.Helper()

	cfg := DefaultStoreConfig()
	cfg.MaxMessages = 5
	cfg.BaseDir = t.TempDir()

	fileStore, err := NewFileChatStore(cfg, zap.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg.SQL.DSN = "file:" + filepath.Join(t.TempDir(), "chat.db")
	cfg.SQL.Pool = database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}
	sqlStore, err := NewSQLChatStore(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]ChatStore{
		"memory": NewMemoryChatStore(cfg),
		"file":   fileStore,
		"redis":  NewRedisChatStoreWithClient(client, cfg, zap.NewNop()),
		"sql":    sqlStore,
	}
}

func TestChatStore_AppendGetOrder(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			msgs, err := store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Empty(t, msgs)

			require.NoError(t, store.Append(ctx, "c1", []types.Message{
				types.NewUserMessage("hi"),
				types.NewAssistantMessage("hello"),
			}))
			require.NoError(t, store.Append(ctx, "c1", []types.Message{
				types.NewAssistantMessage("").WithToolCalls([]types.ToolCall{{ID: "1", Name: "terminate"}}),
				types.NewToolMessage(types.ToolResponse{ID: "1", Name: "terminate", Data: "done"}),
			}))

			msgs, err = store.Get(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, msgs, 4)
			assert.Equal(t, "hi", msgs[0].Content)
			assert.Equal(t, "hello", msgs[1].Content)
			assert.Equal(t, "terminate", msgs[2].ToolCalls[0].Name)
			assert.Equal(t, "done", msgs[3].Text())

			n, err := store.Count(ctx, "c1")
			require.NoError(t, err)
			assert.EqualValues(t, 4, n)

			ok, err := store.Exists(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, store.Clear(ctx, "c1"))
			require.NoError(t, store.Clear(ctx, "c1"))
			ok, err = store.Exists(ctx, "c1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestChatStore_TrimsToMaxMessages(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 8; i++ {
				require.NoError(t, store.Append(ctx, "trim", []types.Message{
					types.NewUserMessage(fmt.Sprintf("m%d", i)),
				}))
			}
			msgs, err := store.Get(ctx, "trim")
			require.NoError(t, err)
			require.Len(t, msgs, 5)
			assert.Equal(t, "m3", msgs[0].Content)
			assert.Equal(t, "m7", msgs[4].Content)
		})
	}
}

func TestChatStore_RejectsInvalidInput(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := store.Append(ctx, "", []types.Message{types.NewUserMessage("x")})
			assert.ErrorIs(t, err, ErrInvalidInput)

			err = store.Append(ctx, "c", []types.Message{{Role: "robot"}})
			assert.ErrorIs(t, err, ErrInvalidInput)

			_, err = store.Get(ctx, "")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestChatStore_Closed(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Ping(ctx))
			require.NoError(t, store.Close())
			require.NoError(t, store.Close())

			assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
			assert.ErrorIs(t, store.Append(ctx, "c", []types.Message{types.NewUserMessage("x")}), ErrStoreClosed)
			_, err := store.Get(ctx, "c")
			assert.ErrorIs(t, err, ErrStoreClosed)
		})
	}
}

// =============================================================================
// 🧪 Redis 专项测试
// =============================================================================

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisChatStore) {
	mr := miniredis.RunT(t)
	cfg := DefaultStoreConfig()
	cfg.Redis.Host = mr.Host()
	_, _ = fmt.Sscanf(mr.Port(), "%d", &cfg.Redis.Port)
	cfg.Redis.TTL = time.Hour

	store, err := NewRedisChatStore(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestRedisChatStore_RefreshesTTL(t *testing.T) {
	mr, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "ttl", []types.Message{types.NewUserMessage("a")}))
	key := store.Key("ttl")
	assert.Equal(t, "convokeeper:chat:ttl", key)
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, store.UpdateActivity(ctx, "ttl"))
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(2 * time.Hour)
	ok, err := store.Exists(ctx, "ttl")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisChatStore_CorruptedConversationIsRemoved(t *testing.T) {
	mr, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "bad", []types.Message{types.NewUserMessage("ok")}))
	_, err := mr.Push(store.Key("bad"), "{not json")
	require.NoError(t, err)

	msgs, err := store.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, mr.Exists(store.Key("bad")))
}

func TestRedisChatStore_GetRecent(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, "r", []types.Message{types.NewUserMessage(fmt.Sprintf("m%d", i))}))
	}
	msgs, err := store.GetRecent(ctx, "r", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].Content)
	assert.Equal(t, "m3", msgs[1].Content)

	msgs, err = store.GetRecent(ctx, "r", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestNewRedisChatStore_Unreachable(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = 1
	_, err := NewRedisChatStore(cfg, nil)
	assert.Error(t, err)
}

// =============================================================================
// 🧪 文件存储专项测试
// =============================================================================

func TestFileChatStore_CorruptedFileIsRemoved(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	store, err := NewFileChatStore(cfg, zap.NewNop())
	require.NoError(t, err)

	p := filepath.Join(cfg.BaseDir, "chat", "broken.json")
	require.NoError(t, os.WriteFile(p, []byte("[{\"role\":"), 0o644))

	msgs, err := store.Get(context.Background(), "broken")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileChatStore_UsesSafeFileName(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	store, err := NewFileChatStore(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Append(context.Background(), "chat:alice:42", []types.Message{types.NewUserMessage("x")}))
	_, err = os.Stat(filepath.Join(cfg.BaseDir, "chat", "chat_alice_42.json"))
	assert.NoError(t, err)
}

func TestSafeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "default_conversation"},
		{"chat:bob:1", "chat_bob_1"},
		{`a/b\c*d?e"f<g>h|i j`, "a_b_c_d_e_f_g_h_i_j"},
		{"tab\there", "tab_here"},
		{"..", "__"},
		{strings.Repeat("x", 150), strings.Repeat("x", 100)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeFileName(tt.in), "input %q", tt.in)
	}
}

// =============================================================================
// 🧪 SQL 失败路径
// =============================================================================

func TestSQLChatStore_AppendFailureIsWrapped(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	pool, err := database.NewPoolManager(gormDB, database.PoolConfig{}, zap.NewNop())
	require.NoError(t, err)

	store, err := NewSQLChatStoreWithPool(pool, StoreConfig{MaxMessages: 10}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE").WillReturnError(fmt.Errorf("boom"))
	mock.ExpectRollback()

	err = store.Append(context.Background(), "c", []types.Message{types.NewUserMessage("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql append c")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewChatStore(t *testing.T) {
	cfg := DefaultStoreConfig()
	store, err := NewChatStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryChatStore{}, store)

	cfg.Type = StoreTypeFile
	cfg.BaseDir = t.TempDir()
	store, err = NewChatStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileChatStore{}, store)

	cfg.Type = "cassandra"
	_, err = NewChatStore(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
