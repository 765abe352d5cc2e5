// Package bufpool provides a bounded pool of reusable byte buffers for
// request/response body streaming.
//
// The pool is a buffered channel of slices, the same free-list idiom the
// rest of this codebase uses for its goroutine pool (see executor): a
// channel acts as a fixed-capacity ring of reusable resources. Acquire
// never blocks — it drains the channel if something is available and
// allocates a fresh buffer otherwise. Release never blocks either: it
// returns the buffer to the channel if there's room, or drops it so the
// garbage collector reclaims it.
package bufpool

import "sync/atomic"

// Buffer is a reusable byte slice scoped to one body's worth of streaming.
type Buffer struct {
	data []byte
	pool *Pool
}

// Bytes returns the buffer's backing slice with its current contents.
// Callers append to it as needed up to cap(Bytes()).
func (b *Buffer) Bytes() []byte { return b.data }

// Reset truncates the buffer to zero length without reallocating.
func (b *Buffer) Reset() { b.data = b.data[:0] }

// Append appends p to the buffer's backing slice, growing it if p doesn't
// fit within the current capacity (a grown buffer is still releasable,
// but Release will drop it rather than pool it — see Pool.Release).
func (b *Buffer) Append(p []byte) { b.data = append(b.data, p...) }

// Release returns the buffer to the pool it came from. Safe to call
// exactly once; calling it twice on the same Buffer is a caller bug (the
// same underlying slice would be handed out to two acquirers).
func (b *Buffer) Release() {
	if b.pool == nil {
		return
	}
	p := b.pool
	b.pool = nil
	p.release(b)
}

// Pool is a bounded pool of fixed-capacity byte buffers.
type Pool struct {
	capacity int           // per-buffer byte capacity
	free     chan *Buffer  // free-list, buffered to maxPooled
	allocs   atomic.Uint64 // count of buffers allocated fresh (cache misses)
	reuses   atomic.Uint64 // count of buffers served from the free-list
}

// New creates a Pool whose buffers have byte capacity bufCapacity and
// whose free-list holds at most maxPooled idle buffers at once.
func New(bufCapacity, maxPooled int) *Pool {
	if bufCapacity <= 0 {
		bufCapacity = 32 * 1024
	}
	if maxPooled <= 0 {
		maxPooled = 64
	}
	return &Pool{
		capacity: bufCapacity,
		free:     make(chan *Buffer, maxPooled),
	}
}

// Acquire returns a reset buffer, reusing one from the free-list if
// available, never blocking.
func (p *Pool) Acquire() *Buffer {
	select {
	case b := <-p.free:
		b.Reset()
		p.reuses.Add(1)
		return b
	default:
		p.allocs.Add(1)
		return &Buffer{data: make([]byte, 0, p.capacity), pool: p}
	}
}

func (p *Pool) release(b *Buffer) {
	// Buffers that grew beyond the pool's fixed capacity are not pooled:
	// re-pooling them would let one oversized body permanently inflate
	// the pool's steady-state memory footprint.
	if cap(b.data) > p.capacity {
		return
	}
	select {
	case p.free <- b:
	default:
		// Free-list full; drop it for the GC.
	}
}

// WithBuffer acquires a buffer, passes it to fn, and guarantees Release is
// called on every exit path including a panic unwinding through fn.
func (p *Pool) WithBuffer(fn func(*Buffer) error) error {
	b := p.Acquire()
	defer b.Release()
	return fn(b)
}

// Stats reports the allocation/reuse counters for observability.
func (p *Pool) Stats() (allocs, reuses uint64) {
	return p.allocs.Load(), p.reuses.Load()
}
