package optimize

import (
	"sync"
)

// BufferPool recycles byte buffers. Buffers whose capacity grew past
// maxRetained are left to the garbage collector so one oversized frame does
// not pin memory.
type BufferPool struct {
	pool        sync.Pool
	maxRetained int
}

// NewBufferPool creates a pool whose fresh buffers have capacity initial.
func NewBufferPool(initial, maxRetained int) *BufferPool {
	return &BufferPool{
		maxRetained: maxRetained,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, 0, initial)
			},
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() []byte {
	return p.pool.Get().([]byte)[:0]
}

// Put returns b to the pool. The caller must not use b afterwards.
func (p *BufferPool) Put(b []byte) {
	if b == nil || cap(b) > p.maxRetained {
		return
	}
	p.pool.Put(b[:0])
}
