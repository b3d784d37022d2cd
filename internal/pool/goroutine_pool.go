// Package pool provides a bounded worker pool for background tasks and a
// small typed wrapper around sync.Pool.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// WorkerPoolConfig configures the pool.
type WorkerPoolConfig struct {
	MaxWorkers  int           `json:"max_workers" yaml:"max_workers" env:"MAX_WORKERS"`
	QueueSize   int           `json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// DefaultWorkerPoolConfig returns the defaults used by background compaction.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxWorkers:  4,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

type queuedTask struct {
	task   Task
	ctx    context.Context
	result chan error
}

// WorkerPool runs submitted tasks on a bounded set of lazily spawned workers.
// Workers above the first exit after IdleTimeout without work.
type WorkerPool struct {
	name        string
	maxWorkers  int32
	idleTimeout time.Duration
	queue       chan queuedTask

	// mu 保护 queue 的关闭：提交持读锁，Close 持写锁
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workers atomic.Int32
	active  atomic.Int32

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	logger *zap.Logger
}

// NewWorkerPool creates a pool. Zero config fields fall back to defaults.
func NewWorkerPool(name string, config WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = def.MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerPool{
		name:        name,
		maxWorkers:  int32(config.MaxWorkers),
		idleTimeout: config.IdleTimeout,
		queue:       make(chan queuedTask, config.QueueSize),
		logger:      logger.With(zap.String("component", "worker_pool"), zap.String("pool", name)),
	}
}

// Submit enqueues a task without waiting for it. It returns ErrPoolFull
// when the queue is saturated.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.queue <- queuedTask{task: task, ctx: ctx}:
		p.spawnIfNeeded()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a task and blocks until it finishes or ctx is done.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	result := make(chan error, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	select {
	case p.queue <- queuedTask{task: task, ctx: ctx, result: result}:
		p.spawnIfNeeded()
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) spawnIfNeeded() {
	for {
		n := p.workers.Load()
		if n >= p.maxWorkers {
			return
		}
		// 队列里有任务且已有空闲 worker 时不必再扩容
		if n > 0 && p.active.Load() < n {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case qt, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			err := p.run(qt)
			p.active.Add(-1)

			if qt.result != nil {
				qt.result <- err
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)

		case <-idle.C:
			// 至少保留一个 worker
			if n := p.workers.Load(); n > 1 && p.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(qt queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if err := qt.ctx.Err(); err != nil {
		return err
	}
	return qt.task(qt.ctx)
}

// Close stops accepting tasks, drains the queue and waits for the workers
// until ctx expires.
func (p *WorkerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// 队列中残留任务但没有 worker 时补一个来排空
	if len(p.queue) > 0 && p.workers.Load() == 0 {
		p.workers.Add(1)
		p.wg.Add(1)
		go p.worker()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool close timed out", zap.Int("queued", len(p.queue)))
		return ctx.Err()
	}
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// WorkerPoolStats contains pool statistics.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
