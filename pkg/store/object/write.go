package object

import (
	"context"
	"time"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/store/checksum"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// maxParallelWrites bounds the device writes in flight for one call.
const maxParallelWrites = 8

// chunk is one contiguous device range backing a block-aligned logical
// range of a write.
type chunk struct {
	logical   record.Range
	device    record.Range
	keyID     uint64
	checksums []uint64
}

// Write writes buf at offset through copy-on-write: the covered blocks are
// written to newly allocated space and the extents they replace are
// deallocated, all staged in tx.
//
// offset and length need no alignment; partial head and tail blocks are
// completed with the existing content. Nothing but allocator reservations
// is staged until every device write succeeded, so a failed Write leaves
// tx safe to discard.
//
// Parameters:
//   - ctx: Cancels allocation and device I/O
//   - tx: Transaction opened on this handle; the caller commits it
//   - offset: Logical byte offset, unaligned allowed
//   - buf: Data to write; an empty buf stages nothing
//
// Returns:
//   - nil once the mutations are staged
//   - ErrTooBig if offset+len(buf) exceeds MaxFileSize
//   - allocator.ErrNoSpace (wrapped) when the device is full
//   - device or crypt errors (wrapped)
func (h *DataObjectHandle) Write(ctx context.Context, tx *txn.Transaction, offset uint64, buf []byte) (err error) {
	start := time.Now()
	defer func() { h.observe("write", start, uint64(len(buf)), err) }()

	if len(buf) == 0 {
		return nil
	}
	end, err := h.checkedEnd(offset, uint64(len(buf)))
	if err != nil {
		return err
	}
	if err := h.flushPendingProperties(ctx, tx); err != nil {
		return err
	}
	return h.writeCOW(ctx, tx, offset, buf, end)
}

func (h *DataObjectHandle) writeCOW(ctx context.Context, tx *txn.Transaction, offset uint64, buf []byte, end uint64) error {
	bs := h.BlockSize()
	size := h.TxnGetSize(tx)
	span := record.Range{Start: record.RoundDown(offset, bs)}
	span.End, _ = record.RoundUp(end, bs)

	// Extents staged earlier in tx are the current content of their
	// blocks, both for read-back and for what this write replaces.
	pending := h.pendingExtents(tx)

	// Step 1: Reserve space. Grants may be short, so loop until the span
	// is covered.
	var (
		chunks    []*chunk
		allocated uint64
	)
	for pos := span.Start; pos < span.End; {
		r, err := h.store.alloc.Allocate(ctx, tx, h.objectID, span.End-pos)
		if err != nil {
			return errors.Wrapf(err, "object %d: allocate %d bytes", h.objectID, span.End-pos)
		}
		chunks = append(chunks, &chunk{
			logical: record.Range{Start: pos, End: pos + r.Len()},
			device:  r,
			keyID:   h.keyID(),
		})
		allocated += r.Len()
		pos += r.Len()
	}

	// Step 2: Write every chunk. All writes are joined before anything
	// else is staged.
	if err := h.writeChunks(ctx, pending, chunks, offset, buf, size, !h.skipChecksums); err != nil {
		return err
	}

	// Step 3: Release the space of the extents being replaced.
	deallocated, err := h.deallocateRange(ctx, tx, pending, span)
	if err != nil {
		return err
	}

	// Step 4: Stage the new mapping and the accounting.
	for _, c := range chunks {
		tx.Add(StoreID, txn.ExtentMutation{
			Key:   record.NewExtentKey(h.objectID, h.attributeID, c.logical),
			Value: record.LiveExtent(c.device.Start, c.keyID, c.checksums),
		})
	}
	if err := h.UpdateAllocatedSize(ctx, tx, allocated, deallocated); err != nil {
		return err
	}
	if end > size {
		h.stageSize(tx, end)
	}

	if logger.IsDebug() {
		logger.Debug("object %d: wrote %d bytes at %d in %d chunk(s), allocated=%d deallocated=%d",
			h.objectID, len(buf), offset, len(chunks), allocated, deallocated)
	}
	return nil
}

// writeChunks builds and writes chunks concurrently. Partial blocks are
// read back through pending.
func (h *DataObjectHandle) writeChunks(ctx context.Context, pending []record.Extent, chunks []*chunk, offset uint64, buf []byte, size uint64, withChecksums bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelWrites)
	for _, c := range chunks {
		g.Go(func() error {
			return h.writeChunk(gctx, pending, c, offset, buf, size, withChecksums)
		})
	}
	return g.Wait()
}

// writeChunk assembles the plaintext of c from data (which starts at
// offset) and the existing head/tail content, checksums and encrypts it,
// and writes it to c.device.
func (h *DataObjectHandle) writeChunk(ctx context.Context, pending []record.Extent, c *chunk, offset uint64, data []byte, size uint64, withChecksums bool) error {
	b := h.store.dev.AllocateBuffer(int(c.logical.Len()))
	defer b.Release()
	plain := b.Bytes()

	if err := h.splice(ctx, pending, c.logical, offset, data, size, plain); err != nil {
		return err
	}

	if withChecksums {
		sums, err := checksum.Blocks(plain, int(h.BlockSize()))
		if err != nil {
			return err
		}
		c.checksums = sums
	}
	if h.keys != nil {
		if err := h.keys.EncryptWith(c.keyID, c.logical.Start, plain); err != nil {
			return errors.Wrapf(err, "object %d: encrypt at %d", h.objectID, c.logical.Start)
		}
	}

	if err := h.store.dev.WriteAt(ctx, c.device.Start, plain); err != nil {
		return errors.Wrapf(err, "object %d: write device range %s", h.objectID, c.device)
	}
	return nil
}

// splice fills dst, the plaintext of the aligned range logical, with the
// part of data (starting at offset) that falls inside it. A block only
// partly covered by data keeps its current content, read below size.
func (h *DataObjectHandle) splice(ctx context.Context, pending []record.Extent, logical record.Range, offset uint64, data []byte, size uint64, dst []byte) error {
	bs := h.BlockSize()
	end := offset + uint64(len(data))
	from := max(offset, logical.Start)
	to := min(end, logical.End)

	headRead := false
	if from > logical.Start {
		if err := h.readBack(ctx, pending, logical.Start, dst[:bs], size); err != nil {
			return err
		}
		headRead = true
	}
	if to < logical.End {
		tail := logical.End - bs
		if !headRead || tail != logical.Start {
			if err := h.readBack(ctx, pending, tail, dst[tail-logical.Start:], size); err != nil {
				return err
			}
		}
	}

	copy(dst[from-logical.Start:to-logical.Start], data[from-offset:to-offset])
	return nil
}

// readBack reads the block at logical into dst. Bytes at or past size read
// as zero.
func (h *DataObjectHandle) readBack(ctx context.Context, pending []record.Extent, logical uint64, dst []byte, size uint64) error {
	n, err := h.readAt(ctx, pending, logical, dst, size)
	if err != nil {
		return err
	}
	clear(dst[n:])
	return nil
}

// deallocateRange stages the release of the device space of every live
// extent intersecting r, as seen through pending, and returns the bytes
// released.
func (h *DataObjectHandle) deallocateRange(ctx context.Context, tx *txn.Transaction, pending []record.Extent, r record.Range) (uint64, error) {
	it, err := h.seek(ctx, pending, r.Start)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	var freed uint64
	for {
		e, ok := it.Get()
		if !ok || e.Key.Range.Start >= r.End {
			return freed, nil
		}
		if e.Value.IsLive() {
			dr := e.Sub(e.Key.Range.Intersect(r), h.BlockSize()).DeviceRange()
			if err := h.store.alloc.Deallocate(ctx, tx, h.objectID, dr); err != nil {
				return 0, errors.Wrapf(err, "object %d: deallocate %s", h.objectID, dr)
			}
			freed += dr.Len()
		}
		if err := it.Advance(); err != nil {
			return 0, err
		}
	}
}

// Overwrite writes buf at offset in place. Every block touched must
// already be backed by a live extent without checksums, as created by
// PreallocateRange or Extend; anything else is ErrInconsistent. Overwrite
// allocates nothing and never changes the size. It takes the attribute's
// transaction lock itself, so callers must not hold one.
func (h *DataObjectHandle) Overwrite(ctx context.Context, offset uint64, buf []byte) (err error) {
	start := time.Now()
	defer func() { h.observe("overwrite", start, uint64(len(buf)), err) }()

	if len(buf) == 0 {
		return nil
	}
	end, err := h.checkedEnd(offset, uint64(len(buf)))
	if err != nil {
		return err
	}

	// The transaction stages nothing; it keeps writers from remapping the
	// extents while they are written.
	tx, err := h.NewTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Discard()

	bs := h.BlockSize()
	span := record.Range{Start: record.RoundDown(offset, bs)}
	span.End, _ = record.RoundUp(end, bs)

	chunks, err := h.overwriteChunks(ctx, span)
	if err != nil {
		return err
	}
	return h.writeChunks(ctx, nil, chunks, offset, buf, h.Size(), false)
}

// overwriteChunks maps span onto existing checksum-less extents, failing
// on anything that is not one.
func (h *DataObjectHandle) overwriteChunks(ctx context.Context, span record.Range) ([]*chunk, error) {
	it, err := h.seek(ctx, nil, span.Start)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var chunks []*chunk
	for pos := span.Start; pos < span.End; {
		e, ok := it.Get()
		switch {
		case !ok || e.Key.Range.Start > pos:
			return nil, newError(ErrInconsistent, h.objectID, "overwrite of unallocated range at %d", pos)
		case !e.Value.IsLive():
			return nil, newError(ErrInconsistent, h.objectID, "overwrite of deleted range at %d", pos)
		case e.Value.HasChecksums():
			return nil, newError(ErrInconsistent, h.objectID, "overwrite of checksummed extent at %d", pos)
		case h.keys != nil && !h.keys.Has(e.Value.KeyID):
			return nil, newError(ErrInconsistent, h.objectID, "extent at %d uses unknown key %d", pos, e.Value.KeyID)
		}

		segEnd := min(e.Key.Range.End, span.End)
		part := e.Sub(record.Range{Start: pos, End: segEnd}, h.BlockSize())
		chunks = append(chunks, &chunk{
			logical: part.Key.Range,
			device:  part.DeviceRange(),
			keyID:   part.Value.KeyID,
		})
		pos = segEnd

		if err := it.Advance(); err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

// WriteOrAppend writes buf in its own transaction and returns the offset
// just past the written bytes. A nil offset appends at the current size.
// Handles opened with Overwrite write in place instead.
func (h *DataObjectHandle) WriteOrAppend(ctx context.Context, offset *uint64, buf []byte) (uint64, error) {
	if h.overwrite {
		off := h.Size()
		if offset != nil {
			off = *offset
		}
		if err := h.Overwrite(ctx, off, buf); err != nil {
			return 0, err
		}
		return off + uint64(len(buf)), nil
	}

	tx, err := h.NewTransaction(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Discard()

	off := h.TxnGetSize(tx)
	if offset != nil {
		off = *offset
	}
	if err := h.Write(ctx, tx, off, buf); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return off + uint64(len(buf)), nil
}

// Extend appends one extent pinned to deviceRange at the block-aligned end
// of the attribute. The range is marked allocated and must be free. Live
// extents already mapped past the end, left by an earlier failed
// operation, are deallocated so the new extent does not leak them.
func (h *DataObjectHandle) Extend(ctx context.Context, tx *txn.Transaction, deviceRange record.Range) (err error) {
	start := time.Now()
	defer func() { h.observe("extend", start, deviceRange.Len(), err) }()

	bs := h.BlockSize()
	if deviceRange.Empty() || !deviceRange.IsAligned(bs) {
		return newError(ErrInvalidArgument, h.objectID, "extend range %s is empty or not aligned to %d", deviceRange, bs)
	}

	at, ok := record.RoundUp(h.TxnGetSize(tx), bs)
	if !ok {
		return newError(ErrTooBig, h.objectID, "size cannot be rounded up")
	}
	newSize, err := h.checkedEnd(at, deviceRange.Len())
	if err != nil {
		return err
	}
	logical := record.Range{Start: at, End: newSize}

	if err := h.store.alloc.MarkAllocated(ctx, tx, h.objectID, deviceRange); err != nil {
		return errors.Wrapf(err, "object %d: mark %s allocated", h.objectID, deviceRange)
	}
	deallocated, err := h.deallocateRange(ctx, tx, h.pendingExtents(tx), logical)
	if err != nil {
		return err
	}
	if deallocated > 0 {
		logger.Warn("object %d: extend replaced %d stale bytes mapped past the end", h.objectID, deallocated)
	}

	tx.Add(StoreID, txn.ExtentMutation{
		Key:   record.NewExtentKey(h.objectID, h.attributeID, logical),
		Value: record.LiveExtent(deviceRange.Start, h.keyID(), nil),
	})
	if err := h.UpdateAllocatedSize(ctx, tx, deviceRange.Len(), deallocated); err != nil {
		return err
	}
	h.stageSize(tx, newSize)
	return nil
}

// PreallocateRange reserves device space for the aligned fileRange without
// writing it and returns the device ranges backing it, in logical order.
//
// Parts already backed by a live extent keep their mapping, so repeating
// a preallocation allocates nothing. New extents carry no checksums, which
// makes them valid targets for Overwrite. The size grows to fileRange.End
// if it was smaller. Nothing but allocator reservations is staged unless
// the whole range could be reserved.
//
// Parameters:
//   - ctx: Cancels allocation
//   - tx: Transaction opened on this handle; the caller commits it
//   - fileRange: Block-aligned logical range to back
//
// Returns:
//   - device ranges backing fileRange in logical order, contiguous ones
//     merged
//   - ErrInvalidArgument for unaligned ranges, ErrTooBig past MaxFileSize
//   - allocator.ErrNoSpace (wrapped) when the range cannot be fully backed
func (h *DataObjectHandle) PreallocateRange(ctx context.Context, tx *txn.Transaction, fileRange record.Range) (ranges []record.Range, err error) {
	start := time.Now()
	defer func() { h.observe("preallocate", start, fileRange.Len(), err) }()

	bs := h.BlockSize()
	if fileRange.Empty() {
		return nil, nil
	}
	if !fileRange.IsAligned(bs) {
		return nil, newError(ErrInvalidArgument, h.objectID, "preallocate range %s is not aligned to %d", fileRange, bs)
	}
	if fileRange.End > MaxFileSize {
		return nil, newError(ErrTooBig, h.objectID, "preallocate range %s exceeds maximum file size", fileRange)
	}

	var (
		allocated uint64
		staged    []txn.ExtentMutation
	)
	fill := func(r record.Range) error {
		for pos := r.Start; pos < r.End; {
			dr, err := h.store.alloc.Allocate(ctx, tx, h.objectID, r.End-pos)
			if err != nil {
				return errors.Wrapf(err, "object %d: preallocate %d bytes", h.objectID, r.End-pos)
			}
			staged = append(staged, txn.ExtentMutation{
				Key:   record.NewExtentKey(h.objectID, h.attributeID, record.Range{Start: pos, End: pos + dr.Len()}),
				Value: record.LiveExtent(dr.Start, h.keyID(), nil),
			})
			ranges = appendRange(ranges, dr)
			allocated += dr.Len()
			pos += dr.Len()
		}
		return nil
	}

	it, err := h.seek(ctx, h.pendingExtents(tx), fileRange.Start)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	// Step 1: Walk the range, reserving space for every gap and tombstone.
	pos := fileRange.Start
	for pos < fileRange.End {
		e, ok := it.Get()
		if !ok || e.Key.Range.Start >= fileRange.End {
			break
		}
		if e.Key.Range.Start > pos {
			if err := fill(record.Range{Start: pos, End: e.Key.Range.Start}); err != nil {
				return nil, err
			}
			pos = e.Key.Range.Start
		}

		segEnd := min(e.Key.Range.End, fileRange.End)
		if e.Value.IsLive() {
			ranges = appendRange(ranges, e.Sub(record.Range{Start: pos, End: segEnd}, bs).DeviceRange())
		} else if err := fill(record.Range{Start: pos, End: segEnd}); err != nil {
			return nil, err
		}
		pos = segEnd

		if err := it.Advance(); err != nil {
			return nil, err
		}
	}
	if pos < fileRange.End {
		if err := fill(record.Range{Start: pos, End: fileRange.End}); err != nil {
			return nil, err
		}
	}

	// Step 2: Stage the new mapping and the accounting.
	for _, m := range staged {
		tx.Add(StoreID, m)
	}
	if err := h.UpdateAllocatedSize(ctx, tx, allocated, 0); err != nil {
		return nil, err
	}
	if fileRange.End > h.TxnGetSize(tx) {
		h.stageSize(tx, fileRange.End)
	}
	return ranges, nil
}

// appendRange appends r, merging it into the last range when contiguous.
func appendRange(ranges []record.Range, r record.Range) []record.Range {
	if n := len(ranges); n > 0 && ranges[n-1].End == r.Start {
		ranges[n-1].End = r.End
		return ranges
	}
	return append(ranges, r)
}
