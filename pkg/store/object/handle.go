package object

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/extentstore/pkg/store/crypt"
	"github.com/marmos91/extentstore/pkg/store/lsm"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
)

// pendingProperties is the timestamp overlay not yet written to the
// object record.
type pendingProperties struct {
	creationTime     *time.Time
	modificationTime *time.Time
}

func (p pendingProperties) empty() bool {
	return p.creationTime == nil && p.modificationTime == nil
}

// DataObjectHandle manages the bytes of one attribute of one object.
//
// The handle caches the attribute's logical size, kept current through
// WillApplyMutation whenever a transaction staged by this handle applies
// a size record. It does not own the extent index or the allocator; those
// belong to the Store.
//
// Operations fall in two groups:
//   - Read, Overwrite and WriteOrAppend manage their own locking and
//     transaction
//   - Write, Extend, PreallocateRange, Truncate and Zero stage mutations in
//     a caller-provided transaction opened with NewTransaction; nothing is
//     visible to readers until the caller commits it
//
// Within one transaction each staging operation sees the extents staged
// by earlier ones, so several writes, truncations or preallocations can be
// combined before a single commit.
//
// Error Handling:
// Argument and consistency failures are *StoreError values (IsTooBig,
// IsInvalidArgument, IsInconsistent, ...). Device, allocator and crypt
// failures are returned wrapped with the object id; the transaction is
// then safe to discard.
//
// Thread Safety:
// All methods are safe for concurrent use. Transactions on the same
// attribute serialize on the attribute's lock; reads run concurrently with
// a writer until it commits.
type DataObjectHandle struct {
	store         *Store
	objectID      uint64
	attributeID   uint64
	keys          *crypt.UnwrappedKeys
	overwrite     bool
	skipChecksums bool

	mu      sync.Mutex
	size    uint64
	pending pendingProperties
}

func newHandle(s *Store, objectID, size uint64, opts HandleOptions) *DataObjectHandle {
	return &DataObjectHandle{
		store:         s,
		objectID:      objectID,
		attributeID:   opts.AttributeID,
		keys:          opts.Keys,
		overwrite:     opts.Overwrite,
		skipChecksums: opts.SkipChecksums,
		size:          size,
	}
}

// ObjectID returns the object the handle belongs to.
func (h *DataObjectHandle) ObjectID() uint64 { return h.objectID }

// AttributeID returns the attribute the handle manages.
func (h *DataObjectHandle) AttributeID() uint64 { return h.attributeID }

// Store returns the owner store.
func (h *DataObjectHandle) Store() *Store { return h.store }

// BlockSize returns the filesystem block size.
func (h *DataObjectHandle) BlockSize() uint64 { return h.store.blockSize }

// LockKey returns the lock key transactions on this attribute must hold.
func (h *DataObjectHandle) LockKey() txn.LockKey {
	return LockKey(h.objectID, h.attributeID)
}

// NewTransaction starts a transaction locking this attribute.
func (h *DataObjectHandle) NewTransaction(ctx context.Context) (*txn.Transaction, error) {
	return h.store.NewTransaction(ctx, h.LockKey())
}

func (h *DataObjectHandle) observe(op string, start time.Time, bytes uint64, err error) {
	h.store.metrics.ObserveOperation(op, bytes, time.Since(start), err)
}

func (h *DataObjectHandle) keyID() uint64 {
	if h.keys == nil {
		return 0
	}
	return h.keys.KeyID()
}

// pendingExtents returns the extent mutations tx staged for this
// attribute, in staging order. A nil tx has none.
func (h *DataObjectHandle) pendingExtents(tx *txn.Transaction) []record.Extent {
	if tx == nil {
		return nil
	}
	var out []record.Extent
	for _, e := range tx.Entries() {
		m, ok := e.Mutation.(txn.ExtentMutation)
		if !ok || e.StoreID != StoreID {
			continue
		}
		if m.Key.ObjectID == h.objectID && m.Key.AttributeID == h.attributeID {
			out = append(out, record.Extent{Key: m.Key, Value: m.Value})
		}
	}
	return out
}

// seek opens the extent index of the attribute at offset, with pending
// layered over the committed extents.
func (h *DataObjectHandle) seek(ctx context.Context, pending []record.Extent, offset uint64) (*lsm.MergeIterator, error) {
	return h.store.extents.SeekPending(ctx, pending, h.objectID, h.attributeID, offset)
}

// checkedEnd returns offset+length, or ErrTooBig past MaxFileSize.
func (h *DataObjectHandle) checkedEnd(offset, length uint64) (uint64, error) {
	end := offset + length
	if end < offset || end > MaxFileSize {
		return 0, newError(ErrTooBig, h.objectID, "range %d+%d exceeds maximum file size", offset, length)
	}
	return end, nil
}

// Size returns the cached logical size.
func (h *DataObjectHandle) Size() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// TxnGetSize returns the size as seen by tx: a size staged in tx wins over
// the committed one. tx may be nil.
func (h *DataObjectHandle) TxnGetSize(tx *txn.Transaction) uint64 {
	if tx != nil {
		m, ok := tx.FindObjectMutation(StoreID, record.AttributeKey(h.objectID, h.attributeID))
		if ok && m.Value.Kind == record.ValueAttribute && m.Value.Attribute != nil {
			return m.Value.Attribute.Size
		}
	}
	return h.Size()
}

// TxnGetObject returns a copy of the object record as seen by tx. tx may
// be nil.
func (h *DataObjectHandle) TxnGetObject(ctx context.Context, tx *txn.Transaction) (record.ObjectValue, error) {
	key := record.ObjectRecordKey(h.objectID)

	var v record.ObjectValue
	found := false
	if tx != nil {
		if m, ok := tx.FindObjectMutation(StoreID, key); ok {
			v, found = m.Value.Clone(), true
		}
	}
	if !found {
		var err error
		v, found, err = h.store.objects.Find(ctx, key)
		if err != nil {
			return record.ObjectValue{}, err
		}
	}
	if !found {
		return record.ObjectValue{}, newError(ErrNotFound, h.objectID, "object record not found")
	}
	if v.Kind != record.ValueObject || v.Object == nil {
		return record.ObjectValue{}, newError(ErrInconsistent, h.objectID, "expected object record, found kind %d", v.Kind)
	}
	return v, nil
}

// stageSize stages the attribute's new size. Applying it updates the
// cached size.
func (h *DataObjectHandle) stageSize(tx *txn.Transaction, size uint64) {
	tx.AddWithObject(StoreID,
		txn.NewObjectMutation(record.AttributeKey(h.objectID, h.attributeID), record.AttributeValue(size)), h)
}

// UpdateAllocatedSize stages the object's allocated-size change by
// allocated minus deallocated bytes.
func (h *DataObjectHandle) UpdateAllocatedSize(ctx context.Context, tx *txn.Transaction, allocated, deallocated uint64) error {
	if allocated == deallocated {
		return nil
	}
	v, err := h.TxnGetObject(ctx, tx)
	if err != nil {
		return err
	}
	obj, ok := v.AsFile()
	if !ok {
		return newError(ErrInconsistent, h.objectID, "allocated size update on a non-file record")
	}

	current := obj.File.AllocatedSize
	if allocated > deallocated {
		next := current + (allocated - deallocated)
		if next < current {
			return newError(ErrInconsistent, h.objectID, "allocated size overflow: %d + %d", current, allocated-deallocated)
		}
		obj.File.AllocatedSize = next
	} else {
		delta := deallocated - allocated
		if delta > current {
			return newError(ErrInconsistent, h.objectID, "allocated size underflow: %d - %d", current, delta)
		}
		obj.File.AllocatedSize = current - delta
	}

	tx.AddWithObject(StoreID, txn.NewObjectMutation(record.ObjectRecordKey(h.objectID), v), h)
	return nil
}

// UpdateTimestamps sets the pending timestamp overlay. nil leaves a
// timestamp unchanged. The overlay is written by the next transaction
// staged through this handle, or by Flush.
func (h *DataObjectHandle) UpdateTimestamps(creationTime, modificationTime *time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if creationTime != nil {
		t := *creationTime
		h.pending.creationTime = &t
	}
	if modificationTime != nil {
		t := *modificationTime
		h.pending.modificationTime = &t
	}
}

// flushPendingProperties stages the timestamp overlay into tx.
func (h *DataObjectHandle) flushPendingProperties(ctx context.Context, tx *txn.Transaction) error {
	h.mu.Lock()
	p := h.pending
	h.mu.Unlock()
	if p.empty() {
		return nil
	}

	v, err := h.TxnGetObject(ctx, tx)
	if err != nil {
		return err
	}
	if p.creationTime != nil {
		v.Object.Timestamps.CreationTime = *p.creationTime
	}
	if p.modificationTime != nil {
		v.Object.Timestamps.ModificationTime = *p.modificationTime
	}
	tx.AddWithObject(StoreID, txn.NewObjectMutation(record.ObjectRecordKey(h.objectID), v), h)
	return nil
}

// Flush commits the pending timestamp overlay, if any, in its own
// transaction.
func (h *DataObjectHandle) Flush(ctx context.Context) error {
	h.mu.Lock()
	empty := h.pending.empty()
	h.mu.Unlock()
	if empty {
		return nil
	}

	tx, err := h.NewTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Discard()

	if err := h.flushPendingProperties(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetProperties returns the file's properties. Pending timestamps win over
// the stored ones.
func (h *DataObjectHandle) GetProperties(ctx context.Context) (record.ObjectProperties, error) {
	guard, err := h.store.mgr.ReadLock(ctx, h.LockKey())
	if err != nil {
		return record.ObjectProperties{}, err
	}
	defer guard.Release()

	v, err := h.TxnGetObject(ctx, nil)
	if err != nil {
		return record.ObjectProperties{}, err
	}
	obj, ok := v.AsFile()
	if !ok {
		return record.ObjectProperties{}, newError(ErrNotFile, h.objectID, "object is not a file")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	props := record.ObjectProperties{
		RefCount:          obj.File.RefCount,
		AllocatedSize:     obj.File.AllocatedSize,
		DataAttributeSize: h.size,
		CreationTime:      obj.Timestamps.CreationTime,
		ModificationTime:  obj.Timestamps.ModificationTime,
	}
	if h.pending.creationTime != nil {
		props.CreationTime = *h.pending.creationTime
	}
	if h.pending.modificationTime != nil {
		props.ModificationTime = *h.pending.modificationTime
	}
	return props, nil
}

// WillApplyMutation implements txn.AssociatedObject. It runs while the
// committing transaction holds its write locks, right before the store
// applies m.
func (h *DataObjectHandle) WillApplyMutation(m txn.Mutation) {
	om, ok := m.(txn.ObjectStoreMutation)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch om.Key {
	case record.AttributeKey(h.objectID, h.attributeID):
		if om.Value.Kind == record.ValueAttribute && om.Value.Attribute != nil {
			h.size = om.Value.Attribute.Size
		}
	case record.ObjectRecordKey(h.objectID):
		if om.Value.Object == nil {
			return
		}
		// An overlay field changed after it was staged stays pending.
		ts := om.Value.Object.Timestamps
		if p := h.pending.creationTime; p != nil && p.Equal(ts.CreationTime) {
			h.pending.creationTime = nil
		}
		if p := h.pending.modificationTime; p != nil && p.Equal(ts.ModificationTime) {
			h.pending.modificationTime = nil
		}
	}
}
