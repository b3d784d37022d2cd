package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a typed sync.Pool with an optional reset hook.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets atomic.Int64
	news atomic.Int64
}

// NewPool creates a new object pool.
func NewPool[T any](newFunc func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put resets obj and returns it to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// HitRate returns the share of Get calls served without allocation.
func (p *Pool[T]) HitRate() float64 {
	gets := p.gets.Load()
	if gets == 0 {
		return 0
	}
	return float64(gets-p.news.Load()) / float64(gets)
}

// 超过该容量的缓冲区不再放回池中
const maxPooledBufferSize = 64 << 10

// BufferPool 复用 SSE 帧的写缓冲
var BufferPool = NewPool(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 4096)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// PutBuffer returns b to BufferPool unless it grew too large.
func PutBuffer(b *bytes.Buffer) {
	if b.Cap() > maxPooledBufferSize {
		return
	}
	BufferPool.Put(b)
}
