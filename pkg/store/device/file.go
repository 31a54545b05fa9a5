package device

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/pkg/errors"
)

// FileDevice is a Device backed by a regular file or block special file.
//
// The file is sized to the device capacity when opened. On Linux the space
// is reserved with fallocate so later writes cannot fail with ENOSPC; other
// platforms fall back to a sparse truncate.
type FileDevice struct {
	f         *os.File
	path      string
	blockSize uint64
	size      uint64
	closed    atomic.Bool
	pool      *BufferPool
}

// FileConfig configures a FileDevice.
type FileConfig struct {
	// Path of the backing file. Created when missing.
	Path string `mapstructure:"path" validate:"required"`

	// Preallocate reserves the whole capacity up front.
	Preallocate bool `mapstructure:"preallocate"`
}

// OpenFileDevice opens (creating if needed) the backing file.
func OpenFileDevice(cfg FileConfig, blockSize, size uint64) (*FileDevice, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "open device file %s", cfg.Path)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat device file %s", cfg.Path)
	}

	if info.Mode().IsRegular() && uint64(info.Size()) < size {
		if err := growFile(f, size, cfg.Preallocate); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "size device file %s to %d bytes", cfg.Path, size)
		}
	}

	logger.Debug("Opened file device %s (block=%d size=%d)", cfg.Path, blockSize, size)

	return &FileDevice{
		f:         f,
		path:      cfg.Path,
		blockSize: blockSize,
		size:      size,
		pool:      NewBufferPool(),
	}, nil
}

func (d *FileDevice) BlockSize() uint64 { return d.blockSize }

func (d *FileDevice) Size() uint64 { return d.size }

func (d *FileDevice) ReadAt(ctx context.Context, offset uint64, buf []byte) (int, error) {
	if err := d.check(ctx, offset, len(buf)); err != nil {
		return 0, err
	}
	n, err := d.f.ReadAt(buf, int64(offset))
	if err == io.EOF {
		// Never-written tail of a sparse file.
		clear(buf[n:])
		return len(buf), nil
	}
	if err != nil {
		return n, errors.Wrapf(err, "read %s at %d", d.path, offset)
	}
	return n, nil
}

func (d *FileDevice) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	if err := d.check(ctx, offset, len(buf)); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(buf, int64(offset)); err != nil {
		return errors.Wrapf(err, "write %s at %d", d.path, offset)
	}
	return nil
}

func (d *FileDevice) AllocateBuffer(size int) *Buffer {
	return d.pool.Get(size)
}

func (d *FileDevice) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return errors.Wrapf(d.f.Sync(), "sync %s", d.path)
}

func (d *FileDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.f.Close()
}

func (d *FileDevice) check(ctx context.Context, offset uint64, length int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed.Load() {
		return ErrClosed
	}
	return CheckAccess(d, offset, length)
}

func growFile(f *os.File, size uint64, preallocate bool) error {
	if preallocate {
		err := fallocate(f, size)
		if err == nil {
			return nil
		}
		logger.Warn("fallocate failed, falling back to truncate: %v", err)
	}
	return f.Truncate(int64(size))
}
