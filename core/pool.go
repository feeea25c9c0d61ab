package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected buffer pool whose contents survive GC
// cycles, unlike sync.Pool. Encoding a record touches the pool twice per
// tick on the hot write path, so stable reuse matters more than the
// occasional idle buffer held alive.
type bufferPool struct {
	mu      sync.Mutex
	items   []*bytes.Buffer
	newFunc func() *bytes.Buffer

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// defaultBufferCapacity covers a typical encoded tick record; checkpoints
// grow their buffer once and keep it.
const defaultBufferCapacity = 4 * 1024

// BufferPool is the shared codec buffer pool.
var BufferPool = NewBufferPool(defaultBufferCapacity)

// NewBufferPool creates a buffer pool whose buffers are pre-allocated to
// initialCapacity bytes.
func NewBufferPool(initialCapacity int) *bufferPool {
	bp := &bufferPool{}
	bp.newFunc = func() *bytes.Buffer {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCapacity))
	}
	return bp
}

// Get retrieves a buffer from the pool, creating one if the pool is empty.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newFunc()
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put resets the buffer and returns it to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// GetMetrics returns the pool's hit/miss/created counters.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}
