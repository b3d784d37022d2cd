package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type evictRecord struct {
	key    string
	reason EvictReason
}

func newTestLRU(t *testing.T, cfg Config) (*LRU[string, int], *fakeClock, *[]evictRecord) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	var mu sync.Mutex
	var evicted []evictRecord
	c := NewLRU[string, int](cfg, zap.NewNop(),
		WithClock[string, int](clock.Now),
		WithEvictCallback(func(k string, _ int, r EvictReason) {
			mu.Lock()
			evicted = append(evicted, evictRecord{k, r})
			mu.Unlock()
		}),
	)
	t.Cleanup(c.Close)
	return c, clock, &evicted
}

func TestLRU_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c, _, evicted := newTestLRU(t, Config{MaxEntries: 2})

	c.Put("a", 1)
	c.Put("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Put("c", 3)

	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("a"))
	assert.True(t, c.Contains("c"))
	assert.Equal(t, []evictRecord{{"b", EvictCapacity}}, *evicted)
}

func TestLRU_ExpireAfterAccess(t *testing.T) {
	c, clock, evicted := newTestLRU(t, Config{ExpireAfterAccess: time.Minute, CleanupInterval: time.Hour})

	c.Put("a", 1)
	c.Put("b", 2)

	clock.Advance(40 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	clock.Advance(40 * time.Second)
	assert.Equal(t, 1, c.CleanUp())
	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []evictRecord{{"b", EvictExpired}, {"a", EvictExpired}}, *evicted)
}

func TestLRU_GetOrCreate(t *testing.T) {
	c, _, _ := newTestLRU(t, Config{MaxEntries: 10})

	calls := 0
	create := func() (int, error) {
		calls++
		return 42, nil
	}
	v, created, err := c.GetOrCreate("k", create)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 42, v)

	v, created, err = c.GetOrCreate("k", create)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	_, _, err = c.GetOrCreate("bad", func() (int, error) { return 0, errors.New("nope") })
	assert.Error(t, err)
	assert.False(t, c.Contains("bad"))

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestLRU_InvalidateAndClose(t *testing.T) {
	c, _, evicted := newTestLRU(t, Config{})

	c.Put("a", 1)
	c.Put("b", 2)
	assert.True(t, c.Invalidate("a"))
	assert.False(t, c.Invalidate("a"))

	c.Close()
	c.Close()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, []evictRecord{{"a", EvictInvalidated}, {"b", EvictClosed}}, *evicted)
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c := NewLRU[int, int](Config{MaxEntries: 50, ExpireAfterAccess: time.Minute}, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _, _ = c.GetOrCreate(i%100, func() (int, error) { return g, nil })
				c.Get(i % 37)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
