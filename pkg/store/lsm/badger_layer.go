package lsm

import (
	"math"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/pkg/errors"
)

// badgerIterator walks the persisted extents of one attribute.
type badgerIterator struct {
	txn *badgerdb.Txn
	it  *badgerdb.Iterator
	cur record.Extent
	ok  bool
}

// newBadgerIterator opens a read snapshot and positions it at the first
// extent of (obj, attr) ending after offset.
func newBadgerIterator(db *badgerdb.DB, obj, attr, offset uint64) (*badgerIterator, error) {
	txn := db.NewTransaction(false)
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = keyExtentAttrPrefix(obj, attr)
	opts.PrefetchValues = true
	opts.PrefetchSize = 16

	bi := &badgerIterator{txn: txn, it: txn.NewIterator(opts)}
	seek := uint64(math.MaxUint64)
	if offset < math.MaxUint64 {
		seek = offset + 1
	}
	bi.it.Seek(keyExtent(obj, attr, seek))
	if err := bi.load(); err != nil {
		bi.close()
		return nil, err
	}
	return bi, nil
}

func (bi *badgerIterator) load() error {
	bi.ok = false
	if !bi.it.Valid() {
		return nil
	}
	item := bi.it.Item()
	err := item.Value(func(val []byte) error {
		e, err := decodeExtent(item.KeyCopy(nil), val)
		if err != nil {
			return err
		}
		bi.cur = e
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "lsm: read persisted extent")
	}
	bi.ok = true
	return nil
}

func (bi *badgerIterator) get() (record.Extent, bool) {
	return bi.cur, bi.ok
}

func (bi *badgerIterator) advance() error {
	bi.it.Next()
	return bi.load()
}

func (bi *badgerIterator) close() {
	bi.it.Close()
	bi.txn.Discard()
}

// compactExtent merges e into the persisted layer inside btx. Persisted
// extents overlapping e are trimmed or removed. Tombstones only remove:
// this is the bottom layer, so nothing older can still need shadowing.
func compactExtent(btx *badgerdb.Txn, e record.Extent, blockSize uint64) error {
	r := e.Key.Range
	obj, attr := e.Key.ObjectID, e.Key.AttributeID

	// Badger allows a single iterator per read-write transaction: collect
	// the overlapping extents first, then rewrite.
	var overlapping []record.Extent
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = keyExtentAttrPrefix(obj, attr)
	it := btx.NewIterator(opts)
	for it.Seek(keyExtent(obj, attr, r.Start+1)); it.Valid(); it.Next() {
		item := it.Item()
		var old record.Extent
		err := item.Value(func(val []byte) error {
			var err error
			old, err = decodeExtent(item.KeyCopy(nil), val)
			return err
		})
		if err != nil {
			it.Close()
			return err
		}
		if old.Key.Range.Start >= r.End {
			break
		}
		overlapping = append(overlapping, old)
	}
	it.Close()

	for _, old := range overlapping {
		if err := btx.Delete(keyExtent(obj, attr, old.Key.Range.End)); err != nil {
			return err
		}
		if old.Key.Range.Start < r.Start {
			if err := putExtent(btx, old.Sub(record.Range{Start: old.Key.Range.Start, End: r.Start}, blockSize)); err != nil {
				return err
			}
		}
		if old.Key.Range.End > r.End {
			if err := putExtent(btx, old.Sub(record.Range{Start: r.End, End: old.Key.Range.End}, blockSize)); err != nil {
				return err
			}
		}
	}

	if e.Value.IsLive() {
		return putExtent(btx, e)
	}
	return nil
}

func putExtent(btx *badgerdb.Txn, e record.Extent) error {
	val, err := encodeExtent(e)
	if err != nil {
		return err
	}
	return btx.Set(keyExtent(e.Key.ObjectID, e.Key.AttributeID, e.Key.Range.End), val)
}
