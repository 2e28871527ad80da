package pipeline

import (
	"io"
	"sync"
)

// copyBufferSize is the chunk size for moving send streams. Large enough
// to keep subprocess pipes busy, small enough to pool freely.
const copyBufferSize = 1 << 20

// bufferPool recycles copy buffers across transfers so concurrent
// replications do not churn the allocator.
type bufferPool struct {
	pool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, copyBufferSize)
				return &b
			},
		},
	}
}

func (p *bufferPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(b *[]byte) {
	if b == nil || cap(*b) != copyBufferSize {
		return
	}
	*b = (*b)[:copyBufferSize]
	p.pool.Put(b)
}

// copy moves src to dst through a pooled buffer.
func (p *bufferPool) copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := p.get()
	defer p.put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
