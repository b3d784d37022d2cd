package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/testutil"
	"github.com/BaSui01/convokeeper/testutil/fixtures"
	"github.com/BaSui01/convokeeper/testutil/mocks"
	"github.com/BaSui01/convokeeper/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDown = errors.New("backend down")

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyPrimary, ParsePolicy("PRIMARY"))
	assert.Equal(t, PolicySecondary, ParsePolicy(" secondary "))
	assert.Equal(t, PolicyHybrid, ParsePolicy("hybrid"))
	assert.Equal(t, PolicyHybrid, ParsePolicy("whatever"))
	assert.Equal(t, PolicyHybrid, NewHybrid(nil, nil, "bogus").Policy())
}

func TestHybrid_AddWritesBothAndToleratesFailures(t *testing.T) {
	ctx := context.Background()
	primary := mocks.NewMockChatStore().WithAppendError(errDown)
	secondary := mocks.NewMockChatStore()
	h := NewHybrid(primary, secondary, PolicyHybrid)

	require.NoError(t, h.Add(ctx, "c", types.NewUserMessage("hi")))
	assert.Equal(t, 1, primary.AppendCalls())
	assert.Len(t, secondary.Messages("c"), 1)

	secondary.WithAppendError(errDown)
	assert.NoError(t, h.Add(ctx, "c", types.NewUserMessage("again")))
}

func TestHybrid_SingleBackendPoliciesPropagate(t *testing.T) {
	ctx := context.Background()

	primary := mocks.NewMockChatStore().WithAppendError(errDown).WithClearError(errDown)
	h := NewHybrid(primary, mocks.NewMockChatStore(), PolicyPrimary)
	assert.ErrorIs(t, h.Add(ctx, "c", types.NewUserMessage("x")), errDown)
	assert.ErrorIs(t, h.Clear(ctx, "c"), errDown)

	secondary := mocks.NewMockChatStore().WithGetError(errDown)
	h = NewHybrid(mocks.NewMockChatStore(), secondary, PolicySecondary)
	_, err := h.Get(ctx, "c")
	assert.ErrorIs(t, err, errDown)
}

func TestHybrid_ReadFallbackFillsPrimary(t *testing.T) {
	ctx := context.Background()
	primary := mocks.NewMockChatStore()
	secondary := mocks.NewMockChatStore()
	secondary.Seed("c", fixtures.Conversation(3)...)

	h := NewHybrid(primary, secondary, PolicyHybrid)
	msgs, err := h.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2"}, testutil.Contents(msgs))
	assert.Len(t, primary.Messages("c"), 3)

	// 第二次读取命中主存储
	_, err = h.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, secondary.GetCalls())
}

func TestHybrid_ReadBothFailingYieldsEmpty(t *testing.T) {
	h := NewHybrid(
		mocks.NewMockChatStore().WithGetError(errDown),
		mocks.NewMockChatStore().WithGetError(errDown),
		PolicyHybrid,
	)
	msgs, err := h.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHybrid_PrimaryPolicyFallsBack(t *testing.T) {
	ctx := context.Background()
	primary := mocks.NewMockChatStore().WithGetError(errDown)
	secondary := mocks.NewMockChatStore()
	secondary.Seed("c", fixtures.Conversation(2)...)

	h := NewHybrid(primary, secondary, PolicyPrimary)
	msgs, err := h.Get(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = h.Get(ctx, "missing")
	assert.ErrorIs(t, err, errDown)
}

func TestHybrid_ClearReachesBothDespiteFailure(t *testing.T) {
	ctx := context.Background()
	primary := mocks.NewMockChatStore().WithClearError(errDown)
	secondary := mocks.NewMockChatStore()
	secondary.Seed("c", fixtures.Conversation(2)...)

	h := NewHybrid(primary, secondary, PolicyHybrid)
	require.NoError(t, h.Clear(ctx, "c"))
	assert.Equal(t, 1, primary.ClearCalls())
	assert.Empty(t, secondary.Messages("c"))
}

func TestHybrid_MigrateCountExists(t *testing.T) {
	ctx := context.Background()
	primary := mocks.NewMockChatStore()
	primary.Seed("c", types.NewUserMessage("stale"))
	secondary := mocks.NewMockChatStore()
	secondary.Seed("c", fixtures.Conversation(4)...)

	h := NewHybrid(primary, secondary, PolicyPrimary)
	n, err := h.Migrate(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, primary.Messages("c"), 4)

	count, err := h.MessageCount(ctx, "c")
	require.NoError(t, err)
	assert.EqualValues(t, 4, count)

	ok, err := h.Exists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = h.Migrate(ctx, "nope")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHybrid_RecordsOperationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("hybrid_test", reg, zap.NewNop())
	h := NewHybrid(mocks.NewMockChatStore(), mocks.NewMockChatStore(), PolicyHybrid, WithHybridMetrics(collector))

	require.NoError(t, h.Add(context.Background(), "c", types.NewUserMessage("x")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "hybrid_test_memory_operations_total")
}

// 真实后端：Redis 主存储 + 文件备存储，模拟 Redis 数据丢失后从文件恢复
func TestHybrid_RedisAndFileRecovery(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := persistence.DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	redisStore := persistence.NewRedisChatStoreWithClient(client, cfg, zap.NewNop())
	fileStore, err := persistence.NewFileChatStore(cfg, zap.NewNop())
	require.NoError(t, err)

	h := NewHybrid(redisStore, fileStore, PolicyHybrid, WithHybridLogger(zap.NewNop()))
	require.NoError(t, h.Add(ctx, "chat:u:1", fixtures.Conversation(3)...))

	mr.FlushAll()

	msgs, err := h.Get(ctx, "chat:u:1")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	assert.True(t, mr.Exists(redisStore.Key("chat:u:1")))

	require.NoError(t, h.Ping(ctx))
}
