package device

import "sync"

// Size classes for pooled I/O buffers. Extent writes are usually a few
// filesystem blocks; large sequential writes are chunked by the allocator's
// maximum contiguous grant.
const (
	smallBufferSize = 64 << 10 // 64KiB
	largeBufferSize = 1 << 20  // 1MiB
)

// Buffer is scratch memory obtained from a Device.
type Buffer struct {
	data []byte
	pool *BufferPool
}

// Bytes returns the usable slice. It is only valid until Release.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Release returns the buffer to its pool. Calling Release twice is a no-op.
func (b *Buffer) Release() {
	if b.pool == nil || b.data == nil {
		return
	}
	b.pool.put(b.data)
	b.data = nil
}

// BufferPool recycles device buffers by size class. Requests above the
// largest class are allocated directly and never pooled.
type BufferPool struct {
	small sync.Pool
	large sync.Pool
}

// NewBufferPool creates an empty pool.
func NewBufferPool() *BufferPool {
	return &BufferPool{
		small: sync.Pool{New: func() any {
			buf := make([]byte, smallBufferSize)
			return &buf
		}},
		large: sync.Pool{New: func() any {
			buf := make([]byte, largeBufferSize)
			return &buf
		}},
	}
}

// Get returns a zeroed buffer of exactly size bytes.
func (p *BufferPool) Get(size int) *Buffer {
	var bufPtr *[]byte
	switch {
	case size <= smallBufferSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= largeBufferSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return &Buffer{data: make([]byte, size)}
	}

	buf := (*bufPtr)[:size]
	clear(buf)
	return &Buffer{data: buf, pool: p}
}

func (p *BufferPool) put(buf []byte) {
	full := buf[:cap(buf)]
	switch cap(buf) {
	case smallBufferSize:
		p.small.Put(&full)
	case largeBufferSize:
		p.large.Put(&full)
	}
}
