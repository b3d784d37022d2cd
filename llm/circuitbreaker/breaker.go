package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/convokeeper/types"
	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常放行
	StateClosed State = iota
	// StateOpen 熔断中，直接拒绝
	StateOpen
	// StateHalfOpen 试探性放行有限个请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen 熔断期间的调用
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes 半开状态下试探名额已用完
	ErrTooManyProbes = errors.New("circuit breaker half-open probe limit reached")
)

// Config 熔断器配置
type Config struct {
	// 连续失败多少次后打开
	Threshold int `yaml:"threshold" json:"threshold" env:"THRESHOLD"`
	// 打开后多久进入半开
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout" env:"RESET_TIMEOUT"`
	// 半开状态下同时放行的试探请求数
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Option 配置 Breaker
type Option func(*Breaker)

// WithClock 替换时钟，用于测试
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange 注册状态变化回调，回调在持锁时同步调用，不能阻塞
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker 按连续失败次数熔断对单个上游的调用
type Breaker struct {
	name     string
	config   Config
	now      func() time.Time
	onChange func(from, to State)
	logger   *zap.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// New 创建熔断器，非法配置项回落到默认值
func New(name string, config Config, logger *zap.Logger, opts ...Option) *Breaker {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow 申请一次调用。成功时返回的 done 必须以调用结果调用恰好一次。
func (b *Breaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return nil, ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probes = 0
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.config.HalfOpenMaxCalls {
			return nil, ErrTooManyProbes
		}
		b.probes++
	}

	var once sync.Once
	return func(callErr error) {
		once.Do(func() { b.record(callErr) })
	}, nil
}

// Do 在熔断器保护下执行 fn
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !countsAsFailure(err) {
		if b.state == StateHalfOpen {
			b.logger.Info("upstream recovered, closing circuit")
			b.transition(StateClosed)
		}
		b.failures = 0
		b.probes = 0
		return
	}

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.config.Threshold {
			b.logger.Warn("opening circuit", zap.Int("consecutive_failures", b.failures), zap.Error(err))
			b.open()
		}
	case StateHalfOpen:
		b.logger.Warn("probe failed, reopening circuit", zap.Error(err))
		b.open()
	}
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.now()
	b.probes = 0
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// countsAsFailure 请求本身有误或调用方取消不说明上游故障
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch types.GetErrorCode(err) {
	case types.ErrInvalidRequest, types.ErrToolValidation:
		return false
	}
	return true
}

// State 返回当前状态。打开且已过 ResetTimeout 时仍报告 open，直到下一次 Allow。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动关闭熔断器
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.probes = 0
}
