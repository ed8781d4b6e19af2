package chunk

import (
	"sync"
	"sync/atomic"
)

// BufferPool hands out reusable byte buffers bucketed by exact size. Each size
// has its own sync.Pool, so transfers with different chunk sizes never
// contend on a shared lock.
type BufferPool struct {
	pools sync.Map // int -> *sync.Pool

	gets        atomic.Int64
	puts        atomic.Int64
	allocations atomic.Int64
}

// PoolStats is a point-in-time view of pool usage.
type PoolStats struct {
	Gets        int64
	Puts        int64
	Allocations int64
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{}
}

func (p *BufferPool) bucket(size int) *sync.Pool {
	if existing, ok := p.pools.Load(size); ok {
		return existing.(*sync.Pool)
	}
	created := &sync.Pool{
		New: func() any {
			p.allocations.Add(1)
			b := make([]byte, size)
			return &b
		},
	}
	actual, _ := p.pools.LoadOrStore(size, created)
	return actual.(*sync.Pool)
}

// Get returns a buffer of exactly size bytes. Contents are unspecified.
func (p *BufferPool) Get(size int) *[]byte {
	p.gets.Add(1)
	buf := p.bucket(size).Get().(*[]byte)
	*buf = (*buf)[:size]
	return buf
}

// Put returns a buffer obtained from Get. Nil buffers are ignored.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) == 0 {
		return
	}
	p.puts.Add(1)
	*buf = (*buf)[:cap(*buf)]
	p.bucket(cap(*buf)).Put(buf)
}

// Stats reports usage counters.
func (p *BufferPool) Stats() PoolStats {
	return PoolStats{
		Gets:        p.gets.Load(),
		Puts:        p.puts.Load(),
		Allocations: p.allocations.Load(),
	}
}
