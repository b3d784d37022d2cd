package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 💾 LRU 缓存
// =============================================================================

// EvictReason 说明条目离开缓存的原因
type EvictReason string

const (
	EvictExpired     EvictReason = "expired"
	EvictCapacity    EvictReason = "capacity"
	EvictInvalidated EvictReason = "invalidated"
	EvictClosed      EvictReason = "closed"
)

// Config LRU 缓存配置
type Config struct {
	// 最大条目数，<=0 表示不限
	MaxEntries int `yaml:"max_entries" json:"max_entries" env:"MAX_ENTRIES"`

	// 访问后过期时间，<=0 表示永不过期
	ExpireAfterAccess time.Duration `yaml:"expire_after_access" json:"expire_after_access" env:"EXPIRE_AFTER_ACCESS"`

	// 后台清理间隔，<=0 时取 ExpireAfterAccess/2
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// DefaultConfig 返回 Agent 缓存的默认配置
func DefaultConfig() Config {
	return Config{
		MaxEntries:        1000,
		ExpireAfterAccess: 30 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Stats 缓存统计
type Stats struct {
	Size      int     `json:"size"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type entry[K comparable, V any] struct {
	key        K
	value      V
	lastAccess time.Time
}

// LRU 是带访问过期的并发安全 LRU 缓存。
// OnEvict 回调在锁外执行，可以安全地做阻塞清理。
type LRU[K comparable, V any] struct {
	config  Config
	mu      sync.Mutex
	items   map[K]*list.Element
	order   *list.List // front = 最近访问
	onEvict func(K, V, EvictReason)
	now     func() time.Time

	hits      int64
	misses    int64
	evictions int64

	stop   chan struct{}
	done   chan struct{}
	closed bool
	logger *zap.Logger
}

// Option configures an LRU.
type Option[K comparable, V any] func(*LRU[K, V])

// WithEvictCallback 设置淘汰回调
func WithEvictCallback[K comparable, V any](fn func(K, V, EvictReason)) Option[K, V] {
	return func(c *LRU[K, V]) { c.onEvict = fn }
}

// WithClock 替换时间源，测试用
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *LRU[K, V]) { c.now = now }
}

// NewLRU 创建缓存；配置了过期时间时启动后台清理协程
func NewLRU[K comparable, V any](config Config, logger *zap.Logger, opts ...Option[K, V]) *LRU[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &LRU[K, V]{
		config: config,
		items:  make(map[K]*list.Element),
		order:  list.New(),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "lru_cache")),
	}
	for _, opt := range opts {
		opt(c)
	}

	interval := config.CleanupInterval
	if interval <= 0 {
		interval = config.ExpireAfterAccess / 2
	}
	if config.ExpireAfterAccess > 0 && interval > 0 {
		go c.janitor(interval)
	} else {
		close(c.done)
	}
	return c
}

type evicted[K comparable, V any] struct {
	key    K
	value  V
	reason EvictReason
}

func (c *LRU[K, V]) expiredLocked(e *entry[K, V], now time.Time) bool {
	return c.config.ExpireAfterAccess > 0 && now.Sub(e.lastAccess) >= c.config.ExpireAfterAccess
}

func (c *LRU[K, V]) removeLocked(el *list.Element) *entry[K, V] {
	e := el.Value.(*entry[K, V])
	c.order.Remove(el)
	delete(c.items, e.key)
	return e
}

func (c *LRU[K, V]) notify(out []evicted[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, ev := range out {
		c.onEvict(ev.key, ev.value, ev.reason)
	}
}

// Get 返回值并刷新访问时间
func (c *LRU[K, V]) Get(key K) (V, bool) {
	var zero V
	var out []evicted[K, V]

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	now := c.now()
	if c.expiredLocked(e, now) {
		c.removeLocked(el)
		c.evictions++
		c.misses++
		out = append(out, evicted[K, V]{e.key, e.value, EvictExpired})
		c.mu.Unlock()
		c.notify(out)
		return zero, false
	}
	e.lastAccess = now
	c.order.MoveToFront(el)
	c.hits++
	v := e.value
	c.mu.Unlock()
	return v, true
}

// Peek 返回值但不刷新访问时间，也不计入命中统计
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[K, V])
	if c.expiredLocked(e, c.now()) {
		return zero, false
	}
	return e.value, true
}

// GetOrCreate 原子地获取或创建条目。create 在锁内执行，必须是非阻塞的构造函数。
func (c *LRU[K, V]) GetOrCreate(key K, create func() (V, error)) (V, bool, error) {
	var zero V
	var out []evicted[K, V]

	c.mu.Lock()
	now := c.now()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[K, V])
		if !c.expiredLocked(e, now) {
			e.lastAccess = now
			c.order.MoveToFront(el)
			c.hits++
			v := e.value
			c.mu.Unlock()
			return v, false, nil
		}
		c.removeLocked(el)
		c.evictions++
		out = append(out, evicted[K, V]{e.key, e.value, EvictExpired})
	}
	c.misses++

	v, err := create()
	if err != nil {
		c.mu.Unlock()
		c.notify(out)
		return zero, false, err
	}
	out = append(out, c.insertLocked(key, v, now)...)
	c.mu.Unlock()
	c.notify(out)
	return v, true, nil
}

// Put 插入或覆盖条目
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	now := c.now()
	var out []evicted[K, V]
	if el, ok := c.items[key]; ok {
		e := c.removeLocked(el)
		out = append(out, evicted[K, V]{e.key, e.value, EvictInvalidated})
	}
	out = append(out, c.insertLocked(key, value, now)...)
	c.mu.Unlock()
	c.notify(out)
}

func (c *LRU[K, V]) insertLocked(key K, value V, now time.Time) []evicted[K, V] {
	el := c.order.PushFront(&entry[K, V]{key: key, value: value, lastAccess: now})
	c.items[key] = el

	var out []evicted[K, V]
	for c.config.MaxEntries > 0 && c.order.Len() > c.config.MaxEntries {
		e := c.removeLocked(c.order.Back())
		c.evictions++
		out = append(out, evicted[K, V]{e.key, e.value, EvictCapacity})
	}
	return out
}

// Invalidate 删除条目，返回是否存在
func (c *LRU[K, V]) Invalidate(key K) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := c.removeLocked(el)
	c.mu.Unlock()
	c.notify([]evicted[K, V]{{e.key, e.value, EvictInvalidated}})
	return true
}

// Contains 判断条目是否存在且未过期，不刷新访问时间
func (c *LRU[K, V]) Contains(key K) bool {
	_, ok := c.Peek(key)
	return ok
}

// Len 返回当前条目数（可能包含尚未清理的过期条目）
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats 返回统计信息
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:      c.order.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// CleanUp 立即清理所有过期条目，返回清理数量
func (c *LRU[K, V]) CleanUp() int {
	c.mu.Lock()
	now := c.now()
	var out []evicted[K, V]
	// 从最久未访问的一端扫描，遇到未过期条目即可停止
	for el := c.order.Back(); el != nil; {
		e := el.Value.(*entry[K, V])
		if !c.expiredLocked(e, now) {
			break
		}
		prev := el.Prev()
		c.removeLocked(el)
		c.evictions++
		out = append(out, evicted[K, V]{e.key, e.value, EvictExpired})
		el = prev
	}
	c.mu.Unlock()
	c.notify(out)
	return len(out)
}

func (c *LRU[K, V]) janitor(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.CleanUp(); n > 0 {
				c.logger.Debug("expired entries removed", zap.Int("count", n))
			}
		}
	}
}

// Close 停止清理协程并淘汰所有条目
func (c *LRU[K, V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var out []evicted[K, V]
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[K, V])
		out = append(out, evicted[K, V]{e.key, e.value, EvictClosed})
	}
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	close(c.stop)
	<-c.done
	c.notify(out)
}
