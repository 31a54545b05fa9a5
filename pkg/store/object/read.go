package object

import (
	"context"
	"io"
	"time"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/store/checksum"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/pkg/errors"
)

// Read fills buf with the attribute's bytes starting at offset and returns
// the number of bytes read, which is short only at end of file.
//
// offset must be a multiple of the block size. Ranges without a live
// extent read as zeros. The read holds the attribute's read lock
// throughout, so it observes a concurrent transaction either entirely or
// not at all.
//
// Parameters:
//   - ctx: Cancels lock acquisition and device I/O
//   - offset: Logical offset, a multiple of the block size
//   - buf: Destination; its length bounds the read
//
// Returns:
//   - bytes read, 0 at or past end of file
//   - ErrInvalidArgument for unaligned offsets
//   - ErrIntegrity when checksum verification is enabled and fails
func (h *DataObjectHandle) Read(ctx context.Context, offset uint64, buf []byte) (n int, err error) {
	start := time.Now()
	defer func() { h.observe("read", start, uint64(n), err) }()

	if offset%h.BlockSize() != 0 {
		return 0, newError(ErrInvalidArgument, h.objectID, "read offset %d is not a multiple of block size %d", offset, h.BlockSize())
	}
	if len(buf) == 0 {
		return 0, nil
	}

	guard, err := h.store.mgr.ReadLock(ctx, h.LockKey())
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	return h.readAt(ctx, nil, offset, buf, h.Size())
}

// readAt reads [offset, min(offset+len(buf), size)) into buf, seeing the
// pending extents over the committed ones. offset must be block aligned.
// Callers hold a lock on the attribute.
func (h *DataObjectHandle) readAt(ctx context.Context, pending []record.Extent, offset uint64, buf []byte, size uint64) (int, error) {
	if offset >= size {
		return 0, nil
	}
	length := min(uint64(len(buf)), size-offset)
	end := offset + length
	buf = buf[:length]

	it, err := h.seek(ctx, pending, offset)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	pos := offset
	for pos < end {
		e, ok := it.Get()
		if !ok || e.Key.Range.Start >= end {
			break
		}
		if e.Key.Range.Start > pos {
			clear(buf[pos-offset : e.Key.Range.Start-offset])
			pos = e.Key.Range.Start
		}

		segEnd := min(e.Key.Range.End, end)
		dst := buf[pos-offset : segEnd-offset]
		if e.Value.IsLive() {
			if err := h.readExtent(ctx, e, dst); err != nil {
				return 0, err
			}
		} else {
			clear(dst)
		}
		pos = segEnd

		if err := it.Advance(); err != nil {
			return 0, err
		}
	}
	clear(buf[pos-offset:])
	return int(length), nil
}

// readExtent fills dst from the start of the live extent e. dst may end
// inside a block; that block is read whole into scratch space.
func (h *DataObjectHandle) readExtent(ctx context.Context, e record.Extent, dst []byte) error {
	bs := h.BlockSize()
	aligned := record.RoundDown(uint64(len(dst)), bs)
	if aligned > 0 {
		if err := h.readBlocks(ctx, e, 0, dst[:aligned]); err != nil {
			return err
		}
	}

	if tail := uint64(len(dst)) - aligned; tail > 0 {
		scratch := h.store.dev.AllocateBuffer(int(bs))
		defer scratch.Release()
		if err := h.readBlocks(ctx, e, aligned, scratch.Bytes()); err != nil {
			return err
		}
		copy(dst[aligned:], scratch.Bytes()[:tail])
	}
	return nil
}

// readBlocks reads whole blocks of e starting delta bytes into it, then
// decrypts and verifies them.
func (h *DataObjectHandle) readBlocks(ctx context.Context, e record.Extent, delta uint64, dst []byte) error {
	devOffset := e.Value.DeviceOffset + delta
	n, err := h.store.dev.ReadAt(ctx, devOffset, dst)
	if err != nil {
		return errors.Wrapf(err, "object %d: read %d bytes at device offset %d", h.objectID, len(dst), devOffset)
	}
	if n != len(dst) {
		return errors.Wrapf(io.ErrUnexpectedEOF, "object %d: short device read at %d (%d of %d bytes)", h.objectID, devOffset, n, len(dst))
	}

	logical := e.Key.Range.Start + delta
	if h.keys != nil {
		if err := h.keys.Decrypt(logical, e.Value.KeyID, dst); err != nil {
			return errors.Wrapf(err, "object %d: decrypt at %d", h.objectID, logical)
		}
	}

	if h.store.verify && e.Value.HasChecksums() {
		return h.verifyBlocks(logical, e.Value.Checksums[delta/h.BlockSize():], dst)
	}
	return nil
}

func (h *DataObjectHandle) verifyBlocks(logical uint64, want []uint64, buf []byte) error {
	bs := h.BlockSize()
	got, err := checksum.Blocks(buf, int(bs))
	if err != nil {
		return err
	}
	if len(want) < len(got) {
		return newError(ErrInconsistent, h.objectID, "extent at %d has %d checksums for %d blocks", logical, len(want), len(got))
	}
	for i, sum := range got {
		if sum != want[i] {
			at := logical + uint64(i)*bs
			h.store.metrics.RecordChecksumMismatch()
			logger.Warn("Checksum mismatch: object=%d offset=%d want=%016x got=%016x", h.objectID, at, want[i], sum)
			return newError(ErrIntegrity, h.objectID, "checksum mismatch at offset %d", at)
		}
	}
	return nil
}

// Mapping describes how a logical range maps to the device.
type Mapping struct {
	Logical     record.Range
	Device      record.Range
	Checksummed bool
	KeyID       uint64
}

// GetAllocatedRanges returns the live extents intersecting r, in order.
func (h *DataObjectHandle) GetAllocatedRanges(ctx context.Context, r record.Range) ([]Mapping, error) {
	guard, err := h.store.mgr.ReadLock(ctx, h.LockKey())
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	it, err := h.seek(ctx, nil, r.Start)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Mapping
	for {
		e, ok := it.Get()
		if !ok || e.Key.Range.Start >= r.End {
			return out, nil
		}
		if e.Value.IsLive() {
			part := e.Sub(e.Key.Range.Intersect(r), h.BlockSize())
			out = append(out, Mapping{
				Logical:     part.Key.Range,
				Device:      part.DeviceRange(),
				Checksummed: part.Value.HasChecksums(),
				KeyID:       part.Value.KeyID,
			})
		}
		if err := it.Advance(); err != nil {
			return nil, err
		}
	}
}
