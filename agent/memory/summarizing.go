package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/convokeeper/internal/metrics"
	"github.com/BaSui01/convokeeper/internal/pool"
	"github.com/BaSui01/convokeeper/llm"
	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SummaryPrefix marks the system message that replaces a compacted chunk.
const SummaryPrefix = "[History summary]: "

const summarySystemPrompt = "You compress chat transcripts into short factual summaries."

// SummaryConfig 摘要压缩配置
type SummaryConfig struct {
	// 历史条数超过该值才压缩
	Threshold int `yaml:"threshold" json:"threshold" env:"THRESHOLD"`

	// 每次压缩最早的多少条消息
	ChunkSize int `yaml:"chunk_size" json:"chunk_size" env:"CHUNK_SIZE"`

	// 摘要字数上限，写入提示词
	MaxWords int `yaml:"max_words" json:"max_words" env:"MAX_WORDS"`

	// 压缩请求的速率限制（每秒）与突发量
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" json:"burst" env:"BURST"`

	// 单次摘要调用超时
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`

	// 摘要使用的模型，空则使用 Provider 默认模型
	Model string `yaml:"model" json:"model" env:"MODEL"`

	// 后台工作池
	Workers pool.WorkerPoolConfig `yaml:"workers" json:"workers" env:"WORKERS"`
}

// DefaultSummaryConfig returns the default compaction settings.
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{
		Threshold:     15,
		ChunkSize:     6,
		MaxWords:      100,
		RatePerSecond: 2,
		Burst:         4,
		Timeout:       60 * time.Second,
		Workers:       pool.DefaultWorkerPoolConfig(),
	}
}

func (c SummaryConfig) withDefaults() SummaryConfig {
	def := DefaultSummaryConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ChunkSize > c.Threshold {
		c.ChunkSize = c.Threshold
	}
	if c.MaxWords <= 0 {
		c.MaxWords = def.MaxWords
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = def.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// Summarizing decorates a Memory with background compaction: once a history
// grows past Threshold, its oldest ChunkSize messages are replaced by one
// model-written system summary.
type Summarizing struct {
	inner    Memory
	provider llm.Provider
	config   SummaryConfig
	workers  *pool.WorkerPool
	limiter  *rate.Limiter

	// mu 串行化压缩替换；Add 持读锁，替换期间的追加会等待
	mu sync.RWMutex

	pendingMu sync.Mutex
	pending   map[string]*compactionState

	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewSummarizing wraps inner. The collector may be nil.
func NewSummarizing(inner Memory, provider llm.Provider, config SummaryConfig, collector *metrics.Collector, logger *zap.Logger) *Summarizing {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()
	return &Summarizing{
		inner:    inner,
		provider: provider,
		config:   config,
		workers:  pool.NewWorkerPool("compaction", config.Workers, logger),
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst),
		pending:  make(map[string]*compactionState),
		metrics:  collector,
		logger:   logger.With(zap.String("component", "summarizing_memory")),
	}
}

// Add appends synchronously and schedules a background compaction check.
func (s *Summarizing) Add(ctx context.Context, conversationID string, msgs ...types.Message) error {
	s.mu.RLock()
	err := s.inner.Add(ctx, conversationID, msgs...)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	s.schedule(conversationID)
	return nil
}

// compactionState 标记某会话已有排队、延后或运行中的压缩任务
type compactionState struct {
	again bool
	timer *time.Timer // 被限流时延后提交
}

// schedule 为会话登记一次压缩。已有任务时只让它再跑一轮，不消耗令牌；
// 令牌不足时按 limiter 给出的延迟推迟提交，而不是丢弃。
func (s *Summarizing) schedule(conversationID string) {
	s.pendingMu.Lock()
	if st, ok := s.pending[conversationID]; ok {
		st.again = true
		s.pendingMu.Unlock()
		return
	}
	r := s.limiter.Reserve()
	if !r.OK() {
		s.pendingMu.Unlock()
		s.logger.Debug("compaction throttled", zap.String("conversation_id", conversationID))
		return
	}
	st := &compactionState{}
	s.pending[conversationID] = st
	if d := r.Delay(); d > 0 {
		st.timer = time.AfterFunc(d, func() { s.submit(conversationID) })
		s.pendingMu.Unlock()
		s.logger.Debug("compaction deferred",
			zap.String("conversation_id", conversationID), zap.Duration("delay", d))
		return
	}
	s.pendingMu.Unlock()
	s.submit(conversationID)
}

func (s *Summarizing) submit(conversationID string) {
	s.pendingMu.Lock()
	st, ok := s.pending[conversationID]
	if !ok {
		s.pendingMu.Unlock()
		return
	}
	// 延后期间合并进来的请求由这次运行覆盖
	st.again, st.timer = false, nil
	s.pendingMu.Unlock()

	err := s.workers.Submit(context.Background(), func(ctx context.Context) error {
		for {
			err := s.compactWithTimeout(ctx, conversationID)

			s.pendingMu.Lock()
			st := s.pending[conversationID]
			if !st.again {
				delete(s.pending, conversationID)
				s.pendingMu.Unlock()
				return err
			}
			st.again = false
			s.pendingMu.Unlock()
		}
	})
	if err != nil {
		s.pendingMu.Lock()
		delete(s.pending, conversationID)
		s.pendingMu.Unlock()
		s.logger.Warn("compaction not scheduled",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *Summarizing) compactWithTimeout(ctx context.Context, conversationID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	if _, err := s.CompactNow(ctx, conversationID); err != nil {
		s.logger.Warn("background compaction failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}
	return nil
}

// Get implements Memory.
func (s *Summarizing) Get(ctx context.Context, conversationID string) ([]types.Message, error) {
	return s.inner.Get(ctx, conversationID)
}

// Clear implements Memory.
func (s *Summarizing) Clear(ctx context.Context, conversationID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner.Clear(ctx, conversationID)
}

// MessageCount implements Inspector.
func (s *Summarizing) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	return Count(ctx, s.inner, conversationID)
}

// Exists implements Inspector.
func (s *Summarizing) Exists(ctx context.Context, conversationID string) (bool, error) {
	return Exists(ctx, s.inner, conversationID)
}

// Inner returns the wrapped memory.
func (s *Summarizing) Inner() Memory { return s.inner }

// CompactNow runs one compaction pass synchronously and reports whether the
// history was rewritten.
func (s *Summarizing) CompactNow(ctx context.Context, conversationID string) (bool, error) {
	history, err := s.inner.Get(ctx, conversationID)
	if err != nil {
		s.metrics.RecordCompaction("failed", 0)
		return false, fmt.Errorf("load history: %w", err)
	}
	if len(history) <= s.config.Threshold {
		return false, nil
	}

	chunk := types.CloneMessages(history[:s.config.ChunkSize])
	summary, err := s.summarize(ctx, chunk)
	if err != nil {
		s.metrics.RecordCompaction("failed", 0)
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 重新读取，保留摘要期间追加的消息
	current, err := s.inner.Get(ctx, conversationID)
	if err != nil {
		s.metrics.RecordCompaction("failed", 0)
		return false, fmt.Errorf("reload history: %w", err)
	}
	if len(current) < len(chunk) || !samePrefix(current, chunk) {
		s.metrics.RecordCompaction("stale", 0)
		s.logger.Debug("history changed during summarization, skipping",
			zap.String("conversation_id", conversationID))
		return false, nil
	}

	replaced := make([]types.Message, 0, len(current)-len(chunk)+1)
	replaced = append(replaced, types.NewSystemMessage(SummaryPrefix+summary))
	replaced = append(replaced, current[len(chunk):]...)

	if err := s.inner.Clear(ctx, conversationID); err != nil {
		s.metrics.RecordCompaction("failed", 0)
		return false, fmt.Errorf("clear history: %w", err)
	}
	if err := s.inner.Add(ctx, conversationID, replaced...); err != nil {
		s.metrics.RecordCompaction("failed", 0)
		s.logger.Error("history lost after clear during compaction",
			zap.String("conversation_id", conversationID),
			zap.Int("messages", len(replaced)),
			zap.Error(err))
		return false, fmt.Errorf("write compacted history: %w", err)
	}

	s.metrics.RecordCompaction("compacted", len(chunk)-1)
	s.logger.Info("history compacted",
		zap.String("conversation_id", conversationID),
		zap.Int("before", len(current)),
		zap.Int("after", len(replaced)))
	return true, nil
}

func (s *Summarizing) summarize(ctx context.Context, chunk []types.Message) (string, error) {
	buf := pool.BufferPool.Get()
	defer pool.PutBuffer(buf)

	fmt.Fprintf(buf, "Summarize the following conversation concisely in at most %d words. "+
		"Keep names, facts, decisions and pending questions.\n\n", s.config.MaxWords)
	for _, m := range chunk {
		fmt.Fprintf(buf, "%s: %s\n", m.Role, m.Text())
	}

	resp, err := s.provider.Invoke(ctx, &llm.ChatRequest{
		SystemPrompt: summarySystemPrompt,
		Messages:     []types.Message{types.NewUserMessage(buf.String())},
		Options: llm.Options{
			Model:       s.config.Model,
			Temperature: 0.2,
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("summarize: %w", llm.ErrEmptyResponse)
	}
	return text, nil
}

func samePrefix(history, prefix []types.Message) bool {
	for i := range prefix {
		a, b := history[i], prefix[i]
		if a.Role != b.Role || a.Content != b.Content || !a.Timestamp.Equal(b.Timestamp) ||
			len(a.ToolCalls) != len(b.ToolCalls) || len(a.ToolResponses) != len(b.ToolResponses) {
			return false
		}
	}
	return true
}

// Close stops accepting compactions and waits for in-flight ones until ctx expires.
func (s *Summarizing) Close(ctx context.Context) error {
	s.pendingMu.Lock()
	for id, st := range s.pending {
		if st.timer != nil && st.timer.Stop() {
			delete(s.pending, id)
		}
	}
	s.pendingMu.Unlock()
	return s.workers.Close(ctx)
}

// Stats returns background worker statistics.
func (s *Summarizing) Stats() pool.WorkerPoolStats {
	return s.workers.Stats()
}
