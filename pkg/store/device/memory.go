package device

import (
	"context"
	"sync"
)

// FaultFunc lets tests inject I/O errors. It is called before every read
// and write; a non-nil return fails the operation.
type FaultFunc func(op string, offset uint64, length int) error

// MemoryDevice is a Device backed by a byte slice.
//
// It is used for tests and for ephemeral stores. Data is lost on Close.
type MemoryDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize uint64
	closed    bool
	fault     FaultFunc
	pool      *BufferPool
}

// NewMemoryDevice creates a zero-filled device of size bytes.
func NewMemoryDevice(blockSize, size uint64) *MemoryDevice {
	return &MemoryDevice{
		data:      make([]byte, size),
		blockSize: blockSize,
		pool:      NewBufferPool(),
	}
}

// SetFault installs (or clears, with nil) a fault injection hook.
func (d *MemoryDevice) SetFault(f FaultFunc) {
	d.mu.Lock()
	d.fault = f
	d.mu.Unlock()
}

func (d *MemoryDevice) BlockSize() uint64 { return d.blockSize }

func (d *MemoryDevice) Size() uint64 { return uint64(len(d.data)) }

func (d *MemoryDevice) ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := CheckAccess(d, offset, len(buf)); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}
	if d.fault != nil {
		if err := d.fault("read", offset, len(buf)); err != nil {
			return 0, err
		}
	}
	return copy(buf, d.data[offset:]), nil
}

// WriteAt copies buf into the device. Writes are exclusive with reads, so
// a read never observes a partially copied write; in-place overwrites may
// target blocks that readers are reading.
func (d *MemoryDevice) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := CheckAccess(d, offset, len(buf)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.fault != nil {
		if err := d.fault("write", offset, len(buf)); err != nil {
			return err
		}
	}
	copy(d.data[offset:], buf)
	return nil
}

func (d *MemoryDevice) AllocateBuffer(size int) *Buffer {
	return d.pool.Get(size)
}

func (d *MemoryDevice) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (d *MemoryDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}
