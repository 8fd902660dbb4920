package buffer

import (
	"runtime"

	"github.com/valyala/bytebufferpool"
)

// FetchPool is a thread-safe pool of byte buffers used while copying raw
// variant bytes out of gateway responses, built on valyala/bytebufferpool so
// repeated fetches reuse allocations instead of growing fresh slices.
type FetchPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewFetchPool creates a pool whose buffers are pre-grown to the given size,
// which should approximate the typical variant payload. The pool is ready
// for use immediately.
func NewFetchPool(bufferSize int64) *FetchPool {
	return &FetchPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a reset buffer from the pool, growing its capacity to the
// configured size when the pooled buffer is smaller.
func (fp *FetchPool) Get() *bytebufferpool.ByteBuffer {
	buf := fp.pool.Get()
	buf.Reset()
	if cap(buf.B) < fp.bufferSize {
		buf.B = make([]byte, 0, fp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool. Nil buffers are ignored.
func (fp *FetchPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		fp.pool.Put(buf)
	}
}

// Cleanup releases pooled memory pressure on shutdown or full cache resets.
func (fp *FetchPool) Cleanup() {
	// bytebufferpool manages its own freelist; just nudge the collector
	runtime.GC()
}
