// Package object implements the object store and its data handles.
//
// A Store ties together one device, the block allocator, the extent index,
// the object records tree and the transaction manager. A
// DataObjectHandle manages the bytes of one (object, attribute): it owns
// the cached logical size and translates reads, copy-on-write writes,
// truncations and preallocations into device I/O, allocator calls and
// transaction mutations.
//
// Usage:
//
//	store, err := object.OpenStore(ctx, dev, db, object.Config{BlockSize: 4096})
//	id, err := store.CreateObject(ctx)
//	h, err := store.OpenObject(ctx, id, object.HandleOptions{})
//	end, err := h.WriteOrAppend(ctx, nil, data)
//	err = store.Flush(ctx)
package object

import (
	"context"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/store/allocator"
	"github.com/marmos91/extentstore/pkg/store/crypt"
	"github.com/marmos91/extentstore/pkg/store/device"
	"github.com/marmos91/extentstore/pkg/store/lsm"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// StoreID is the transaction store id of object and extent mutations.
	StoreID uint64 = 1

	// DataAttribute is the attribute holding a file's contents.
	DataAttribute uint64 = 0

	// MaxFileSize is the largest logical size an attribute may reach.
	MaxFileSize uint64 = 1<<63 - 1
)

// Names of the state records persisted next to the trees.
const (
	stateAllocator  = "allocator"
	stateSuperblock = "store"
)

// Metrics observes handle operations and flushes. A nil Metrics disables
// collection.
type Metrics interface {
	ObserveOperation(operation string, bytes uint64, duration time.Duration, err error)
	RecordChecksumMismatch()
	RecordFlush(extents, objects int, duration time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, uint64, time.Duration, error) {}
func (noopMetrics) RecordChecksumMismatch()                               {}
func (noopMetrics) RecordFlush(int, int, time.Duration, error)            {}

// Config configures a Store.
type Config struct {
	// BlockSize is the filesystem block size. It must be a multiple of
	// the device block size.
	BlockSize uint64

	// VerifyChecksums checks per-block checksums on every read.
	VerifyChecksums bool

	// MaxContiguous caps a single allocation grant; 0 means unlimited.
	MaxContiguous uint64

	Metrics          Metrics
	AllocatorMetrics allocator.Metrics
	TxnMetrics       txn.Metrics
}

// superblock is the persisted identity of a store.
type superblock struct {
	UUID         string
	BlockSize    uint64
	LastObjectID uint64
}

// Store owns the shared machinery of every handle opened on it.
//
// A Store holds:
//   - the device the extents point into
//   - the block allocator (transaction store id 0)
//   - the extent index and the object records tree (store id 1)
//   - the transaction manager both are registered with
//
// Committed mutations live in memory until Flush writes them, together
// with the allocator state and the superblock, to the badger DB. A store
// opened without a DB is memory only.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Store struct {
	id        uuid.UUID
	blockSize uint64
	verify    bool
	metrics   Metrics

	dev     device.Device
	db      *badgerdb.DB
	mgr     *txn.Manager
	alloc   *allocator.Allocator
	extents *lsm.ExtentTree
	objects *lsm.ObjectTree

	lastObjectID atomic.Uint64

	// flushMu serializes flushes.
	flushMu sync.Mutex
}

// OpenStore opens the store persisted in db, or formats a new one when db
// holds no store. A nil db gives a memory-only store whose Flush is a
// no-op.
//
// The store does not take ownership of dev or db; callers close them after
// a final Flush.
//
// Parameters:
//   - ctx: Bounds loading the persisted state
//   - dev: Device holding the extents; its size fixes the allocator capacity
//   - db: BadgerDB holding the persisted layers, or nil
//   - cfg: Block size, checksum verification, allocation cap and metrics
//
// Returns:
//   - *Store ready for CreateObject and OpenObject
//   - error if the block size is not a multiple of the device block size,
//     if db holds a store formatted with a different block size, or if the
//     persisted state cannot be read
func OpenStore(ctx context.Context, dev device.Device, db *badgerdb.DB, cfg Config) (*Store, error) {
	devBlock := dev.BlockSize()
	if cfg.BlockSize == 0 || devBlock == 0 || cfg.BlockSize%devBlock != 0 {
		return nil, fmt.Errorf("object: block size %d is not a multiple of device block size %d", cfg.BlockSize, devBlock)
	}

	alloc, err := allocator.New(allocator.Config{
		BlockSize:     cfg.BlockSize,
		Size:          record.RoundDown(dev.Size(), cfg.BlockSize),
		MaxContiguous: record.RoundDown(cfg.MaxContiguous, cfg.BlockSize),
		Metrics:       cfg.AllocatorMetrics,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		blockSize: cfg.BlockSize,
		verify:    cfg.VerifyChecksums,
		metrics:   cfg.Metrics,
		dev:       dev,
		db:        db,
		mgr:       txn.NewManager(cfg.TxnMetrics),
		alloc:     alloc,
		extents:   lsm.NewExtentTree(db, cfg.BlockSize),
		objects:   lsm.NewObjectTree(db),
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	s.mgr.Register(allocator.StoreID, alloc)
	s.mgr.Register(StoreID, s)

	loaded, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if !loaded {
		s.id = uuid.New()
		logger.Info("Formatted store %s (block size %d, %d bytes)", s.id, s.blockSize, alloc.FreeBytes())
	} else {
		logger.Info("Opened store %s (last object %d, %d bytes allocated)", s.id, s.lastObjectID.Load(), alloc.AllocatedBytes())
	}
	return s, nil
}

// load reads the superblock and allocator state. It returns false when db
// holds no store.
func (s *Store) load(ctx context.Context) (bool, error) {
	if s.db == nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var (
		sb    superblock
		state allocator.State
		found bool
	)
	err := s.db.View(func(btx *badgerdb.Txn) error {
		item, err := btx.Get(lsm.StateKey(stateSuperblock))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if err := item.Value(func(val []byte) error { return lsm.UnmarshalXDR(val, &sb) }); err != nil {
			return errors.Wrap(err, "decode superblock")
		}

		item, err = btx.Get(lsm.StateKey(stateAllocator))
		if err != nil {
			return errors.Wrap(err, "read allocator state")
		}
		return item.Value(func(val []byte) error { return lsm.UnmarshalXDR(val, &state) })
	})
	if err != nil {
		return false, errors.Wrap(err, "object: load store")
	}
	if !found {
		return false, nil
	}

	if sb.BlockSize != s.blockSize {
		return false, newError(ErrInconsistent, 0, "store was formatted with block size %d, opened with %d", sb.BlockSize, s.blockSize)
	}
	id, err := uuid.Parse(sb.UUID)
	if err != nil {
		return false, newError(ErrInconsistent, 0, "invalid store uuid %q", sb.UUID)
	}
	if err := s.alloc.Load(state); err != nil {
		return false, err
	}
	s.id = id
	s.lastObjectID.Store(sb.LastObjectID)
	return true, nil
}

// ID returns the store's unique id.
func (s *Store) ID() uuid.UUID { return s.id }

// BlockSize returns the filesystem block size.
func (s *Store) BlockSize() uint64 { return s.blockSize }

// Device returns the backing device.
func (s *Store) Device() device.Device { return s.dev }

// Allocator returns the block allocator.
func (s *Store) Allocator() *allocator.Allocator { return s.alloc }

// NewTransaction starts a transaction locking the given attributes.
func (s *Store) NewTransaction(ctx context.Context, keys ...txn.LockKey) (*txn.Transaction, error) {
	return s.mgr.NewTransaction(ctx, keys)
}

// LockKey returns the lock key of (objectID, attributeID).
func LockKey(objectID, attributeID uint64) txn.LockKey {
	return txn.LockKey{StoreID: StoreID, ObjectID: objectID, AttributeID: attributeID}
}

// ApplyMutation implements txn.Committer.
func (s *Store) ApplyMutation(m txn.Mutation) {
	switch m := m.(type) {
	case txn.ObjectStoreMutation:
		s.objects.Replace(m.Key, m.Value)
	case txn.ExtentMutation:
		s.extents.Insert(m.Key, m.Value)
	}
}

// DiscardMutation implements txn.Committer. Object and extent mutations
// have no staging side effects.
func (s *Store) DiscardMutation(txn.Mutation) {}

// CreateObject creates an empty file and returns its id.
func (s *Store) CreateObject(ctx context.Context) (uint64, error) {
	id := s.lastObjectID.Inc()

	tx, err := s.NewTransaction(ctx, LockKey(id, DataAttribute))
	if err != nil {
		return 0, err
	}
	defer tx.Discard()

	now := time.Now().UTC()
	tx.Add(StoreID, txn.NewObjectMutation(record.ObjectRecordKey(id),
		record.FileValue(1, 0, record.Timestamps{CreationTime: now, ModificationTime: now})))
	tx.Add(StoreID, txn.NewObjectMutation(record.AttributeKey(id, DataAttribute), record.AttributeValue(0)))
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	logger.Debug("Created object %d", id)
	return id, nil
}

// HandleOptions configures a DataObjectHandle.
type HandleOptions struct {
	// AttributeID selects the attribute (default: DataAttribute).
	AttributeID uint64

	// Keys encrypts the attribute's data. nil stores plaintext.
	Keys *crypt.UnwrappedKeys

	// Overwrite makes WriteOrAppend write in place over preallocated
	// extents instead of copy-on-write.
	Overwrite bool

	// SkipChecksums writes copy-on-write extents without checksums.
	SkipChecksums bool
}

// OpenObject opens a handle on an existing attribute.
func (s *Store) OpenObject(ctx context.Context, objectID uint64, opts HandleOptions) (*DataObjectHandle, error) {
	v, ok, err := s.objects.Find(ctx, record.AttributeKey(objectID, opts.AttributeID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(ErrNotFound, objectID, "attribute %d not found", opts.AttributeID)
	}
	if v.Kind != record.ValueAttribute || v.Attribute == nil {
		return nil, newError(ErrInconsistent, objectID, "attribute %d record has kind %d", opts.AttributeID, v.Kind)
	}
	return newHandle(s, objectID, v.Attribute.Size, opts), nil
}

// ListObjects returns the ids of every object, in order.
func (s *Store) ListObjects(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := s.objects.Scan(ctx, func(o record.Object) error {
		if o.Key.Kind == record.KeyObject {
			ids = append(ids, o.Key.ObjectID)
		}
		return nil
	})
	return ids, err
}

// Flush persists every committed mutation.
//
// Commits are paused only while the in-memory layers are sealed and the
// allocator is snapshotted; the sealed layers, object records, allocator
// state and superblock are then written in one badger transaction. Device
// writes are flushed first so no persisted extent points at volatile data.
func (s *Store) Flush(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	var (
		state    allocator.State
		sb       superblock
		extLayer int
		objLayer int
	)
	_ = s.mgr.Exclusive(func() error {
		s.extents.Seal()
		s.objects.Seal()
		extLayer = s.extents.SealedLayers()
		objLayer = s.objects.SealedLayers()
		state = s.alloc.Snapshot()
		sb = superblock{UUID: s.id.String(), BlockSize: s.blockSize, LastObjectID: s.lastObjectID.Load()}
		return nil
	})

	if err := s.dev.Flush(ctx); err != nil {
		err = errors.Wrap(err, "object: flush device")
		s.metrics.RecordFlush(0, 0, time.Since(start), err)
		return err
	}

	var extents, objects int
	err := s.db.Update(func(btx *badgerdb.Txn) error {
		var err error
		if extents, err = s.extents.WriteSealed(btx); err != nil {
			return err
		}
		if objects, err = s.objects.WriteSealed(btx); err != nil {
			return err
		}
		if err := putState(btx, stateAllocator, &state); err != nil {
			return err
		}
		return putState(btx, stateSuperblock, &sb)
	})
	if err != nil {
		err = errors.Wrap(err, "object: flush")
		s.metrics.RecordFlush(0, 0, time.Since(start), err)
		return err
	}

	s.extents.DropSealed(extLayer)
	s.objects.DropSealed(objLayer)
	s.metrics.RecordFlush(extents, objects, time.Since(start), nil)
	logger.Debug("Flushed %d extents, %d object records in %s", extents, objects, time.Since(start))
	return nil
}

func putState(btx *badgerdb.Txn, name string, v any) error {
	data, err := lsm.MarshalXDR(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s state", name)
	}
	return btx.Set(lsm.StateKey(name), data)
}
