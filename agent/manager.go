package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/BaSui01/convokeeper/agent/memory"
	"github.com/BaSui01/convokeeper/internal/cache"
	"github.com/BaSui01/convokeeper/internal/metrics"
	"go.uber.org/zap"
)

const (
	agentKeyPrefix    = "agent:"
	agentCacheMetric  = "agent"
	defaultUserSuffix = "default"
)

// Factory 为会话构造新的 Agent，在缓存锁内调用，必须是非阻塞的。
type Factory func(conversationID, userID string) (*Agent, error)

// NewFactory 返回以 cfg 和 deps 构造 Agent 的 Factory，所有 Agent 共享 deps.Memory。
func NewFactory(cfg Config, deps Dependencies) Factory {
	return func(conversationID, userID string) (*Agent, error) {
		d := deps
		if d.Logger != nil && userID != "" {
			d.Logger = d.Logger.With(zap.String("user_id", userID))
		}
		return New(conversationID, cfg, d)
	}
}

// CacheStats 缓存统计
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Requests  int64   `json:"requests"`
	Size      int     `json:"size"`
	Evictions int64   `json:"evictions"`
}

func (s CacheStats) String() string {
	return fmt.Sprintf("AgentCache{hits=%d, misses=%d, hitRate=%.2f%%, requests=%d, size=%d, evictions=%d}",
		s.Hits, s.Misses, s.HitRate*100, s.Requests, s.Size, s.Evictions)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics 设置指标收集器
func WithManagerMetrics(c *metrics.Collector) ManagerOption {
	return func(m *Manager) { m.metrics = c }
}

// WithManagerLogger 设置日志
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerClock 替换时间源，影响会话 ID 生成与缓存过期
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager 按会话缓存 Agent 实例。淘汰只丢弃实例，不影响会话消息。
type Manager struct {
	cache   *cache.LRU[string, *Agent]
	factory Factory
	memory  memory.Memory
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
	closed  atomic.Bool
}

// NewManager 创建 Manager，mem 必须是 factory 构造的 Agent 所共享的记忆。
func NewManager(factory Factory, mem memory.Memory, config cache.Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		memory:  mem,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "agent_manager"))

	m.cache = cache.NewLRU[string, *Agent](config, m.logger,
		cache.WithClock[string, *Agent](m.now),
		cache.WithEvictCallback(m.onEvict),
	)
	return m
}

func (m *Manager) onEvict(key string, a *Agent, reason cache.EvictReason) {
	m.logger.Debug("agent evicted", zap.String("key", key), zap.String("reason", string(reason)))
	if reason == cache.EvictClosed {
		a.Close()
	}
}

func agentKey(conversationID string) string {
	return agentKeyPrefix + conversationID
}

// GetOrCreate 返回会话对应的 Agent，Error 状态的实例会先被 Reset。
func (m *Manager) GetOrCreate(ctx context.Context, conversationID, userID string) (*Agent, error) {
	if m.closed.Load() {
		return nil, ErrAgentClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a, created, err := m.cache.GetOrCreate(agentKey(conversationID), func() (*Agent, error) {
		return m.factory(conversationID, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("create agent for %s: %w", conversationID, err)
	}

	if created {
		m.metrics.RecordCacheMiss(agentCacheMetric)
		m.logger.Info("agent created", zap.String("conversation_id", conversationID), zap.String("user_id", userID))
	} else {
		m.metrics.RecordCacheHit(agentCacheMetric)
	}
	m.metrics.RecordCacheSize(agentCacheMetric, m.cache.Len())

	if a.State() == StateError {
		if err := a.Reset(); err != nil {
			m.logger.Warn("failed to reset errored agent", zap.String("conversation_id", conversationID), zap.Error(err))
		} else {
			m.logger.Info("errored agent reset", zap.String("conversation_id", conversationID))
		}
	}
	return a, nil
}

// GenerateConversationID 生成 "chat:<user>:<毫秒时间戳>" 形式的会话 ID
func (m *Manager) GenerateConversationID(userID string) string {
	if userID == "" {
		userID = defaultUserSuffix
	}
	return "chat:" + userID + ":" + strconv.FormatInt(m.now().UnixMilli(), 10)
}

// ClearConversation 清空会话消息并使缓存的 Agent 失效
func (m *Manager) ClearConversation(ctx context.Context, conversationID string) error {
	if err := m.memory.Clear(ctx, conversationID); err != nil {
		return fmt.Errorf("clear conversation %s: %w", conversationID, err)
	}
	m.InvalidateAgent(conversationID)
	m.logger.Info("conversation cleared", zap.String("conversation_id", conversationID))
	return nil
}

// InvalidateAgent 丢弃缓存中的 Agent
func (m *Manager) InvalidateAgent(conversationID string) {
	if m.cache.Invalidate(agentKey(conversationID)) {
		m.metrics.RecordCacheSize(agentCacheMetric, m.cache.Len())
	}
}

// ConversationExists 出错时记录日志并返回 false
func (m *Manager) ConversationExists(ctx context.Context, conversationID string) bool {
	ok, err := memory.Exists(ctx, m.memory, conversationID)
	if err != nil {
		m.logger.Warn("conversation exists check failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return false
	}
	return ok
}

// MessageCount 出错时记录日志并返回 0
func (m *Manager) MessageCount(ctx context.Context, conversationID string) int {
	n, err := memory.Count(ctx, m.memory, conversationID)
	if err != nil {
		m.logger.Warn("message count failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return 0
	}
	return int(n)
}

// MigrateConversation 把备存储中的会话复制到主存储。
// 记忆链上没有支持迁移的实现时返回 ErrMigrationUnsupported。
func (m *Manager) MigrateConversation(ctx context.Context, conversationID string) (int, error) {
	type migrator interface {
		Migrate(ctx context.Context, conversationID string) (int, error)
	}
	type wrapper interface {
		Inner() memory.Memory
	}

	mem := m.memory
	for mem != nil {
		if mg, ok := mem.(migrator); ok {
			n, err := mg.Migrate(ctx, conversationID)
			if err != nil {
				return 0, fmt.Errorf("migrate conversation %s: %w", conversationID, err)
			}
			m.InvalidateAgent(conversationID)
			return n, nil
		}
		w, ok := mem.(wrapper)
		if !ok {
			break
		}
		mem = w.Inner()
	}
	return 0, ErrMigrationUnsupported
}

// CacheStats 返回缓存统计
func (m *Manager) CacheStats() CacheStats {
	s := m.cache.Stats()
	return CacheStats{
		Hits:      s.Hits,
		Misses:    s.Misses,
		HitRate:   s.HitRate,
		Requests:  s.Hits + s.Misses,
		Size:      s.Size,
		Evictions: s.Evictions,
	}
}

// CleanUp 立即清理过期实例
func (m *Manager) CleanUp() int {
	return m.cache.CleanUp()
}

// Close 停止后台清理并关闭所有缓存的 Agent。会话消息保持不变。
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.cache.Close()
	m.logger.Info("agent manager closed")
}
