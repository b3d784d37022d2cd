package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func fast(attempts int) *Retryer {
	return New(Fixed(attempts, 5*time.Millisecond), zap.NewNop())
}

func TestRetryer_SucceedsFirstTime(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls, "应该只调用一次")
}

func TestRetryer_FailsThenSucceeds(t *testing.T) {
	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_Exhausted(t *testing.T) {
	errPersistent := errors.New("persistent error")

	calls := 0
	err := fast(3).Do(context.Background(), func() error {
		calls++
		return errPersistent
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errPersistent)
	assert.Equal(t, 3, calls, "总调用次数等于 attempts")
}

func TestRetryer_CancelDuringWait(t *testing.T) {
	r := New(Fixed(5, time.Second), zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := r.Do(ctx, func() error {
		calls++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second, "取消后不应继续等待")
}

func TestRetryer_ContextErrorNotRetried(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), func() error {
		calls++
		return context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryer_RetryableClassifier(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")

	p := Fixed(4, time.Millisecond)
	p.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
	r := New(p, zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = r.Do(context.Background(), func() error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls, "不应该重试")
}

func TestPolicy_Backoff(t *testing.T) {
	fixed := Fixed(5, time.Second)
	for retry := 1; retry <= 4; retry++ {
		assert.Equal(t, time.Second, fixed.Backoff(retry))
	}

	exp := Policy{Attempts: 6, Delay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, exp.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, exp.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, exp.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, exp.Backoff(4))
	assert.Equal(t, time.Second, exp.Backoff(5), "达到最大延迟")
}

func TestPolicy_JitterStaysInBounds(t *testing.T) {
	p := Exponential(5, 100*time.Millisecond, time.Second)
	for i := 0; i < 50; i++ {
		d := p.Backoff(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestNew_NormalizesPolicy(t *testing.T) {
	p := Policy{Attempts: -1, Multiplier: 0.5, Delay: -time.Second}
	r := New(p, nil)

	assert.Equal(t, 1, r.Policy().Attempts)
	assert.Equal(t, 1.0, r.Policy().Multiplier)
	assert.Zero(t, r.Policy().Delay)
	assert.Equal(t, -1, p.Attempts, "调用方的策略不被修改")
}

func TestRetryer_OnRetry(t *testing.T) {
	var retries []int
	p := Fixed(3, time.Millisecond)
	p.OnRetry = func(retry int, _ error, _ time.Duration) {
		retries = append(retries, retry)
	}

	_ = New(p, zap.NewNop()).Do(context.Background(), func() error {
		return errors.New("boom")
	})
	assert.Equal(t, []int{1, 2}, retries, "回调在每次等待前触发")
}

func TestValue(t *testing.T) {
	r := fast(3)

	calls := 0
	val, err := Value(context.Background(), r, func() (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("not yet")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", val)

	ptr, err := Value(context.Background(), r, func() (*int, error) {
		return nil, errors.New("never")
	})
	require.Error(t, err)
	assert.Nil(t, ptr)
}

// 属性：总调用次数 = min(首次成功的调用序号, attempts)
func TestFixed_AttemptBound(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		attempts := rapid.IntRange(1, 6).Draw(rt, "attempts")
		succeedOn := rapid.IntRange(1, 8).Draw(rt, "succeedOn")

		r := New(Fixed(attempts, 0), zap.NewNop())
		calls := 0
		err := r.Do(context.Background(), func() error {
			calls++
			if calls >= succeedOn {
				return nil
			}
			return errors.New("fail")
		})

		if succeedOn <= attempts {
			if err != nil {
				rt.Fatalf("expected success, got %v", err)
			}
			if calls != succeedOn {
				rt.Fatalf("calls = %d, want %d", calls, succeedOn)
			}
			return
		}
		if !errors.Is(err, ErrExhausted) {
			rt.Fatalf("expected exhaustion, got %v", err)
		}
		if calls != attempts {
			rt.Fatalf("calls = %d, want %d", calls, attempts)
		}
	})
}
