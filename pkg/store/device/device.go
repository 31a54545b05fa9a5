// Package device defines the block device the object store writes extents to,
// along with memory, file and S3 backed implementations.
package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnaligned is returned when an offset or length is not a multiple
	// of the device block size.
	ErrUnaligned = errors.New("device: unaligned offset or length")

	// ErrOutOfRange is returned for I/O that extends past the device end.
	ErrOutOfRange = errors.New("device: access beyond end of device")

	// ErrClosed is returned for I/O on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Device is a byte-addressable block store.
//
// All offsets and lengths passed to ReadAt and WriteAt must be multiples of
// BlockSize. The block size may be smaller than the filesystem block size but
// must divide it evenly.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Concurrent writes to
// disjoint ranges must not interfere with each other.
type Device interface {
	// BlockSize returns the I/O granularity in bytes.
	BlockSize() uint64

	// Size returns the device capacity in bytes.
	Size() uint64

	// ReadAt fills buf from offset and returns the number of bytes read.
	ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error)

	// WriteAt writes buf at offset.
	WriteAt(ctx context.Context, offset uint64, buf []byte) error

	// AllocateBuffer returns a zeroed buffer of size bytes suitable for I/O
	// on this device. Callers should Release it when done.
	AllocateBuffer(size int) *Buffer

	// Flush makes completed writes durable.
	Flush(ctx context.Context) error

	// Close releases the device. Further I/O returns ErrClosed.
	Close() error
}

// CheckAccess validates an I/O request against the device geometry.
func CheckAccess(d Device, offset uint64, length int) error {
	bs := d.BlockSize()
	if offset%bs != 0 || uint64(length)%bs != 0 {
		return fmt.Errorf("%w: offset=%d length=%d block=%d", ErrUnaligned, offset, length, bs)
	}
	end := offset + uint64(length)
	if end < offset || end > d.Size() {
		return fmt.Errorf("%w: offset=%d length=%d size=%d", ErrOutOfRange, offset, length, d.Size())
	}
	return nil
}
