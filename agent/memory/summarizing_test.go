package memory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/convokeeper/agent/persistence"
	"github.com/BaSui01/convokeeper/internal/pool"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/testutil/fixtures"
	"github.com/BaSui01/convokeeper/testutil/mocks"
	"github.com/BaSui01/convokeeper/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSummarizing(t *testing.T, provider llm.Provider, cfg SummaryConfig) (*Summarizing, *StoreMemory) {
	t.Helper()
	inner := NewStoreMemory(persistence.NewMemoryChatStore(persistence.StoreConfig{}))
	s := NewSummarizing(inner, provider, cfg, nil, zap.NewNop())
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, inner
}

func TestSummarizing_BelowThresholdIsNoop(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("summary")
	s, inner := newTestSummarizing(t, provider, SummaryConfig{RatePerSecond: 1e-9, Burst: 1})
	ctx := context.Background()

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(15)...))
	done, err := s.CompactNow(ctx, "c")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Zero(t, provider.CallCount())
}

func TestSummarizing_CompactsOldestChunk(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("  they said hello  ")
	s, inner := newTestSummarizing(t, provider, SummaryConfig{})
	ctx := context.Background()

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(16)...))
	done, err := s.CompactNow(ctx, "c")
	require.NoError(t, err)
	require.True(t, done)

	msgs, err := s.Get(ctx, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 11)
	assert.Equal(t, types.RoleSystem, msgs[0].Role)
	assert.Equal(t, "[History summary]: they said hello", msgs[0].Content)
	assert.Equal(t, "msg-6", msgs[1].Content)
	assert.Equal(t, "msg-15", msgs[10].Content)

	req := provider.LastRequest()
	require.NotNil(t, req)
	prompt := req.Messages[0].Content
	assert.Contains(t, prompt, "at most 100 words")
	assert.Contains(t, prompt, "user: msg-0\n")
	assert.Contains(t, prompt, "assistant: msg-5\n")
	assert.NotContains(t, prompt, "msg-6")
}

func TestSummarizing_ProviderFailureLeavesHistory(t *testing.T) {
	provider := mocks.NewMockProvider().WithError(mocks.ErrMockFailure)
	s, inner := newTestSummarizing(t, provider, SummaryConfig{})
	ctx := context.Background()

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(20)...))
	done, err := s.CompactNow(ctx, "c")
	assert.ErrorIs(t, err, mocks.ErrMockFailure)
	assert.False(t, done)

	msgs, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, msgs, 20)
}

func TestSummarizing_EmptySummaryIsRejected(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("   ")
	s, inner := newTestSummarizing(t, provider, SummaryConfig{})
	ctx := context.Background()

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(20)...))
	_, err := s.CompactNow(ctx, "c")
	assert.ErrorIs(t, err, llm.ErrEmptyResponse)
}

// 摘要期间被清空的会话不会被写回
func TestSummarizing_SkipsWhenHistoryChanged(t *testing.T) {
	ctx := context.Background()
	var s *Summarizing
	var inner *StoreMemory
	provider := mocks.NewMockProvider().WithInvokeFunc(func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		require.NoError(t, inner.Clear(ctx, "c"))
		require.NoError(t, inner.Add(ctx, "c", types.NewUserMessage("fresh")))
		return fixtures.TextResponse("sum"), nil
	})
	s, inner = newTestSummarizing(t, provider, SummaryConfig{})

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(16)...))
	done, err := s.CompactNow(ctx, "c")
	require.NoError(t, err)
	assert.False(t, done)

	msgs, err := s.Get(ctx, "c")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh", msgs[0].Content)
}

func TestSummarizing_BackgroundCompactionAfterAdd(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("bg summary")
	s, _ := newTestSummarizing(t, provider, SummaryConfig{Threshold: 4, ChunkSize: 2, RatePerSecond: 1000, Burst: 100})
	ctx := context.Background()

	for _, m := range fixtures.Conversation(5) {
		require.NoError(t, s.Add(ctx, "c", m))
	}

	assert.Eventually(t, func() bool {
		msgs, err := s.Get(ctx, "c")
		return err == nil && len(msgs) > 0 && strings.HasPrefix(msgs[0].Content, SummaryPrefix)
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close(ctx))
	assert.GreaterOrEqual(t, s.Stats().Completed, int64(1))
}

func TestSummarizing_ThrottledAddsStillPersist(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("x")
	s, _ := newTestSummarizing(t, provider, SummaryConfig{
		RatePerSecond: 1e-9,
		Burst:         1,
		Workers:       pool.WorkerPoolConfig{MaxWorkers: 1},
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Add(ctx, "c", types.NewUserMessage("m")))
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close(ctx))

	n, err := s.MessageCount(ctx, "c")
	require.NoError(t, err)
	assert.EqualValues(t, 10, n)
	assert.LessOrEqual(t, s.Stats().Submitted, int64(1))
}

func TestSummarizing_MergedAddsKeepTokens(t *testing.T) {
	release := make(chan struct{})
	provider := mocks.NewMockProvider().WithInvokeFunc(func(ctx context.Context, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
		<-release
		return fixtures.TextResponse("sum"), nil
	})
	s, inner := newTestSummarizing(t, provider, SummaryConfig{
		Threshold:     4,
		ChunkSize:     2,
		RatePerSecond: 1e-9,
		Burst:         2,
	})
	ctx := context.Background()

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(4)...))
	require.NoError(t, s.Add(ctx, "c", types.NewUserMessage("tip")))
	require.Eventually(t, func() bool { return provider.CallCount() == 1 }, time.Second, 5*time.Millisecond)

	// 任务运行中的追加只合并，不扣令牌
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Add(ctx, "c", types.NewUserMessage("more")))
	}
	assert.InDelta(t, 1, s.limiter.Tokens(), 0.01)

	close(release)
	require.NoError(t, s.Close(ctx))
}

func TestSummarizing_ThrottledAddIsDeferred(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("late summary")
	s, inner := newTestSummarizing(t, provider, SummaryConfig{
		Threshold:     4,
		ChunkSize:     2,
		RatePerSecond: 20,
		Burst:         1,
	})
	ctx := context.Background()
	require.True(t, s.limiter.Allow())

	require.NoError(t, inner.Add(ctx, "c", fixtures.Conversation(4)...))
	require.NoError(t, s.Add(ctx, "c", types.NewUserMessage("tip")))
	assert.Zero(t, provider.CallCount())

	// 之后没有新的追加，延后的压缩仍会执行
	assert.Eventually(t, func() bool {
		msgs, err := s.Get(ctx, "c")
		return err == nil && len(msgs) > 0 && msgs[0].Content == SummaryPrefix+"late summary"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSummarizing_PromptDoesNotLeakBetweenCompactions(t *testing.T) {
	provider := mocks.NewMockProvider().WithResponse("s")
	s, inner := newTestSummarizing(t, provider, SummaryConfig{Threshold: 4, ChunkSize: 2})
	ctx := context.Background()

	require.NoError(t, inner.Add(ctx, "a", types.NewUserMessage("alpha-1"), types.NewUserMessage("alpha-2"),
		types.NewUserMessage("alpha-3"), types.NewUserMessage("alpha-4"), types.NewUserMessage("alpha-5")))
	require.NoError(t, inner.Add(ctx, "b", types.NewUserMessage("beta-1"), types.NewUserMessage("beta-2"),
		types.NewUserMessage("beta-3"), types.NewUserMessage("beta-4"), types.NewUserMessage("beta-5")))

	for _, id := range []string{"a", "b"} {
		done, err := s.CompactNow(ctx, id)
		require.NoError(t, err)
		require.True(t, done, id)
	}

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Messages[0].Content, "user: alpha-1\n")
	assert.NotContains(t, calls[1].Messages[0].Content, "alpha")
	assert.Contains(t, calls[1].Messages[0].Content, "user: beta-2\n")
}

func TestSummarizing_CloseIsIdempotent(t *testing.T) {
	s, _ := newTestSummarizing(t, mocks.NewMockProvider(), SummaryConfig{})
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	// 关闭后追加仍然写入，只是不再调度压缩
	require.NoError(t, s.Add(context.Background(), "c", types.NewUserMessage("late")))
	ok, err := s.Exists(context.Background(), "c")
	require.NoError(t, err)
	assert.True(t, ok)
}
