package object

import (
	"context"
	"time"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
)

// Truncate sets the attribute's size to newSize in tx.
//
// Shrinking deallocates every block past the new end and rewrites the
// partial last block with zeros past newSize. That rewrite always goes
// through copy-on-write, even on handles opened with Overwrite, so it
// commits together with the rest of the truncation.
func (h *DataObjectHandle) Truncate(ctx context.Context, tx *txn.Transaction, newSize uint64) (err error) {
	start := time.Now()
	defer func() { h.observe("truncate", start, 0, err) }()

	if newSize > MaxFileSize {
		return newError(ErrTooBig, h.objectID, "size %d exceeds maximum file size", newSize)
	}

	bs := h.BlockSize()
	oldSize := h.TxnGetSize(tx)
	if newSize < oldSize {
		alignedNew, _ := record.RoundUp(newSize, bs)
		alignedOld, _ := record.RoundUp(oldSize, bs)
		if alignedNew < alignedOld {
			if err := h.zero(ctx, tx, record.Range{Start: alignedNew, End: alignedOld}); err != nil {
				return err
			}
		}
		if tail := alignedNew - newSize; tail > 0 {
			if err := h.writeCOW(ctx, tx, newSize, make([]byte, tail), alignedNew); err != nil {
				return err
			}
		}
		logger.Debug("object %d: truncate %d -> %d", h.objectID, oldSize, newSize)
	}

	h.stageSize(tx, newSize)
	return h.flushPendingProperties(ctx, tx)
}

// Zero deallocates every live extent intersecting the aligned range r and
// shadows it with a tombstone. Zeroing a range with nothing allocated
// stages nothing.
func (h *DataObjectHandle) Zero(ctx context.Context, tx *txn.Transaction, r record.Range) (err error) {
	start := time.Now()
	defer func() { h.observe("zero", start, r.Len(), err) }()
	return h.zero(ctx, tx, r)
}

func (h *DataObjectHandle) zero(ctx context.Context, tx *txn.Transaction, r record.Range) error {
	if r.Empty() {
		return nil
	}
	if !r.IsAligned(h.BlockSize()) {
		return newError(ErrInvalidArgument, h.objectID, "zero range %s is not aligned to %d", r, h.BlockSize())
	}

	freed, err := h.deallocateRange(ctx, tx, h.pendingExtents(tx), r)
	if err != nil || freed == 0 {
		return err
	}
	tx.Add(StoreID, txn.ExtentMutation{
		Key:   record.NewExtentKey(h.objectID, h.attributeID, r),
		Value: record.DeletedExtent(),
	})
	return h.UpdateAllocatedSize(ctx, tx, 0, freed)
}
