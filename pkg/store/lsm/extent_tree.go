// Package lsm implements the layered indexes of the object store: the
// extent index and the object records tree.
//
// Both trees keep recent changes in memory and persist them to a BadgerDB
// on flush. Flushing happens in two steps so commits are never blocked on
// disk I/O: Seal freezes the mutable layer (cheap, done while commits are
// paused), then WriteSealed writes the frozen layers inside a badger
// transaction and DropSealed discards them once the transaction committed.
package lsm

import (
	"context"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/pkg/errors"
)

// ExtentTree maps (object, attribute, range) to extent values.
//
// Layers, newest first: the mutable memory layer, sealed memory layers
// awaiting flush, and the persisted badger layer.
//
// Thread Safety:
// All methods are safe for concurrent use. Iterators work on a snapshot of
// the layer set taken by Seek.
type ExtentTree struct {
	db        *badgerdb.DB
	blockSize uint64

	mu      sync.RWMutex
	mutable *memLayer
	sealed  []*memLayer // newest first
}

// NewExtentTree creates a tree over db. blockSize is the filesystem block
// size, used to slice checksums when extents are trimmed.
func NewExtentTree(db *badgerdb.DB, blockSize uint64) *ExtentTree {
	return &ExtentTree{db: db, blockSize: blockSize, mutable: &memLayer{}}
}

// Insert adds an extent or tombstone to the mutable layer. Overlapped parts
// of older extents in that layer are replaced; older layers are shadowed
// by the merge iterator.
func (t *ExtentTree) Insert(key record.ExtentKey, value record.ExtentValue) {
	if key.Range.Empty() {
		return
	}
	t.mu.Lock()
	t.mutable = t.mutable.insert(record.Extent{Key: key, Value: value}, t.blockSize)
	t.mu.Unlock()
}

// Seek returns an iterator over the extents of (obj, attr) starting with
// the first one that ends after offset.
func (t *ExtentTree) Seek(ctx context.Context, obj, attr, offset uint64) (*MergeIterator, error) {
	return t.SeekPending(ctx, nil, obj, attr, offset)
}

// SeekPending is Seek with pending stacked above every layer of the tree.
// pending holds uncommitted extents of (obj, attr) in staging order; a
// later one wins over an earlier one it overlaps, like a later Insert.
func (t *ExtentTree) SeekPending(ctx context.Context, pending []record.Extent, obj, attr, offset uint64) (*MergeIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	layers := make([]layerIterator, 0, len(t.sealed)+3)
	if len(pending) > 0 {
		overlay := &memLayer{}
		for _, e := range pending {
			if e.Key.ObjectID != obj || e.Key.AttributeID != attr || e.Key.Range.Empty() {
				continue
			}
			overlay = overlay.insert(e, t.blockSize)
		}
		layers = append(layers, newMemIterator(overlay, obj, attr, offset))
	}

	// Snapshot the layer set and open the badger read transaction under
	// the same lock, so a concurrent DropSealed cannot hide data from us.
	t.mu.RLock()
	layers = append(layers, newMemIterator(t.mutable, obj, attr, offset))
	for _, l := range t.sealed {
		layers = append(layers, newMemIterator(l, obj, attr, offset))
	}
	var bi *badgerIterator
	var err error
	if t.db != nil {
		bi, err = newBadgerIterator(t.db, obj, attr, offset)
	}
	t.mu.RUnlock()

	if err != nil {
		return nil, err
	}
	if bi != nil {
		layers = append(layers, bi)
	}
	return newMergeIterator(layers, t.blockSize, offset)
}

// Seal freezes the mutable layer. It returns false when there was nothing
// to seal.
func (t *ExtentTree) Seal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mutable.len() == 0 {
		return false
	}
	t.sealed = append([]*memLayer{t.mutable}, t.sealed...)
	t.mutable = &memLayer{}
	return true
}

// SealedCount returns the number of sealed extents pending flush.
func (t *ExtentTree) SealedCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, l := range t.sealed {
		n += l.len()
	}
	return n
}

// WriteSealed merges every sealed layer, oldest first, into btx and
// returns the number of extents written.
func (t *ExtentTree) WriteSealed(btx *badgerdb.Txn) (int, error) {
	t.mu.RLock()
	sealed := append([]*memLayer(nil), t.sealed...)
	t.mu.RUnlock()

	n := 0
	for i := len(sealed) - 1; i >= 0; i-- {
		for _, e := range sealed[i].items {
			if err := compactExtent(btx, e, t.blockSize); err != nil {
				return n, errors.Wrapf(err, "lsm: flush %s", e.Key)
			}
			n++
		}
	}
	return n, nil
}

// DropSealed discards the sealed layers written by WriteSealed. count is
// the number of layers that were sealed at that time; layers sealed since
// are kept.
func (t *ExtentTree) DropSealed(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if count > len(t.sealed) {
		count = len(t.sealed)
	}
	t.sealed = t.sealed[:len(t.sealed)-count]
}

// SealedLayers returns the number of sealed layers.
func (t *ExtentTree) SealedLayers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sealed)
}
