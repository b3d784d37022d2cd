package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted 在所有尝试都失败后返回，最后一次的错误通过 %w 链保留。
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy 描述一次调用最多尝试几次、两次尝试之间等多久。
type Policy struct {
	// Attempts 总调用次数（含首次），<1 按 1 处理
	Attempts int
	// Delay 第一次重试前的等待
	Delay time.Duration
	// MaxDelay 等待上限，<Delay 时等同 Delay
	MaxDelay time.Duration
	// Multiplier 每次重试的等待倍数，<=1 即固定间隔
	Multiplier float64
	// Jitter 等待时间的随机浮动比例，0.25 表示 ±25%，结果不低于 Delay
	Jitter float64
	// Retryable 为 nil 时除 context 错误外全部重试
	Retryable func(error) bool
	// OnRetry 每次等待前回调，retry 从 1 开始
	OnRetry func(retry int, err error, wait time.Duration)
}

// Fixed 固定间隔策略。attempts 与 Agent 配置的 max_attempts 同义：
// 3 表示最多调用 3 次、等待 2 次。
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, MaxDelay: delay}
}

// Exponential 指数退避策略，每次翻倍并带 ±25% 抖动
func Exponential(attempts int, delay, maxDelay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay, MaxDelay: maxDelay, Multiplier: 2, Jitter: 0.25}
}

func (p Policy) normalized() Policy {
	p.Attempts = max(p.Attempts, 1)
	p.Delay = max(p.Delay, 0)
	p.MaxDelay = max(p.MaxDelay, p.Delay)
	p.Multiplier = max(p.Multiplier, 1)
	p.Jitter = min(max(p.Jitter, 0), 1)
	return p
}

// Backoff 返回第 retry 次重试（从 1 开始）前的等待时间
func (p Policy) Backoff(retry int) time.Duration {
	p = p.normalized()
	wait := float64(p.Delay)
	for i := 1; i < retry && wait < float64(p.MaxDelay); i++ {
		wait *= p.Multiplier
	}
	wait = min(wait, float64(p.MaxDelay))
	if p.Jitter > 0 {
		wait += (rand.Float64()*2 - 1) * p.Jitter * wait
		wait = max(wait, float64(p.Delay))
	}
	return time.Duration(wait)
}

func (p Policy) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return p.Retryable == nil || p.Retryable(err)
}

// Retryer 按 Policy 重复执行函数，可并发使用
type Retryer struct {
	policy Policy
	logger *zap.Logger
}

// New 创建重试器。policy 按值复制，之后修改调用方的副本不影响它。
func New(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{policy: policy.normalized(), logger: logger}
}

// Policy 返回规范化后的策略
func (r *Retryer) Policy() Policy { return r.policy }

// Do 执行 fn 直到成功、遇到不可重试错误、次数耗尽或 ctx 取消
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	_, err := Value(ctx, r, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Value 与 Do 相同，但带回 fn 的结果
//
//	resp, err := retry.Value(ctx, r, func() (*llm.ChatResponse, error) {
//	    return provider.Invoke(ctx, req)
//	})
func Value[T any](ctx context.Context, r *Retryer, fn func() (T, error)) (T, error) {
	var zero T
	p := r.policy

	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return v, nil
		}
		if !p.retryable(err) {
			return zero, err
		}
		if attempt >= p.Attempts {
			r.logger.Warn("retry attempts exhausted", zap.Int("attempts", p.Attempts), zap.Error(err))
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.Attempts, err)
		}

		wait := p.Backoff(attempt)
		r.logger.Info("retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.Attempts),
			zap.Duration("delay", wait),
			zap.Error(err),
		)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
