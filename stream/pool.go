package stream

import "sync"

// BufferPool hands out reusable buffers of a fixed size.
//
// A BufferPool is safe for concurrent use and may be shared by any number of
// engines using the same buffer size.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of buffers of the given size.
// Sizes < 1 fall back to DefaultBufferSize.
func NewBufferPool(size int) *BufferPool {
	if size < 1 {
		size = DefaultBufferSize
	}
	p := &BufferPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the length of the buffers handed out by the pool.
func (p *BufferPool) Size() int {
	return p.size
}

// Get returns a buffer of length Size.
func (p *BufferPool) Get() *[]byte {
	buf, ok := p.pool.Get().(*[]byte)
	if !ok || len(*buf) != p.size {
		buf = new([]byte)
		*buf = make([]byte, p.size)
	}
	return buf
}

// Put returns a buffer to the pool. Buffers of a foreign size are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	p.pool.Put(buf)
}
