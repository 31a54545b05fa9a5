package lsm

import (
	"context"
	"sort"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/pkg/errors"
)

// ObjectTree is a point-keyed map of object records laid over the
// persisted layer. A ValueNone record acts as a tombstone.
type ObjectTree struct {
	db *badgerdb.DB

	mu      sync.RWMutex
	mutable map[record.ObjectKey]record.ObjectValue
	sealed  []map[record.ObjectKey]record.ObjectValue // newest first
}

// NewObjectTree creates a tree over db (nil for a memory-only tree).
func NewObjectTree(db *badgerdb.DB) *ObjectTree {
	return &ObjectTree{db: db, mutable: make(map[record.ObjectKey]record.ObjectValue)}
}

// Find returns the newest record for key. ok is false when the key has no
// record or was deleted.
func (t *ObjectTree) Find(ctx context.Context, key record.ObjectKey) (record.ObjectValue, bool, error) {
	if err := ctx.Err(); err != nil {
		return record.ObjectValue{}, false, err
	}

	t.mu.RLock()
	if v, ok := t.lookupMemory(key); ok {
		t.mu.RUnlock()
		return v.Clone(), v.Kind != record.ValueNone, nil
	}
	var (
		v     record.ObjectValue
		found bool
		err   error
	)
	if t.db != nil {
		v, found, err = t.lookupBadger(key)
	}
	t.mu.RUnlock()
	return v, found, err
}

// lookupMemory checks the memory layers. Callers hold mu.
func (t *ObjectTree) lookupMemory(key record.ObjectKey) (record.ObjectValue, bool) {
	if v, ok := t.mutable[key]; ok {
		return v, true
	}
	for _, layer := range t.sealed {
		if v, ok := layer[key]; ok {
			return v, true
		}
	}
	return record.ObjectValue{}, false
}

func (t *ObjectTree) lookupBadger(key record.ObjectKey) (record.ObjectValue, bool, error) {
	var v record.ObjectValue
	found := false
	err := t.db.View(func(btx *badgerdb.Txn) error {
		item, err := btx.Get(keyObject(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var err error
			v, err = decodeObjectValue(val)
			found = err == nil
			return err
		})
	})
	if err != nil {
		return record.ObjectValue{}, false, errors.Wrapf(err, "lsm: read %s", key)
	}
	return v, found, nil
}

// Replace sets the record for key.
func (t *ObjectTree) Replace(key record.ObjectKey, value record.ObjectValue) {
	t.mu.Lock()
	t.mutable[key] = value.Clone()
	t.mu.Unlock()
}

// Seal freezes the mutable map. It returns false when it was empty.
func (t *ObjectTree) Seal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.mutable) == 0 {
		return false
	}
	t.sealed = append([]map[record.ObjectKey]record.ObjectValue{t.mutable}, t.sealed...)
	t.mutable = make(map[record.ObjectKey]record.ObjectValue)
	return true
}

// SealedLayers returns the number of sealed maps.
func (t *ObjectTree) SealedLayers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sealed)
}

// WriteSealed writes the sealed maps, oldest first, into btx.
func (t *ObjectTree) WriteSealed(btx *badgerdb.Txn) (int, error) {
	t.mu.RLock()
	sealed := append([]map[record.ObjectKey]record.ObjectValue(nil), t.sealed...)
	t.mu.RUnlock()

	n := 0
	for i := len(sealed) - 1; i >= 0; i-- {
		keys := make([]record.ObjectKey, 0, len(sealed[i]))
		for k := range sealed[i] {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(a, b int) bool { return keys[a].Compare(keys[b]) < 0 })

		for _, k := range keys {
			v := sealed[i][k]
			var err error
			if v.Kind == record.ValueNone {
				err = btx.Delete(keyObject(k))
			} else {
				var data []byte
				if data, err = encodeObjectValue(v); err == nil {
					err = btx.Set(keyObject(k), data)
				}
			}
			if err != nil {
				return n, errors.Wrapf(err, "lsm: flush %s", k)
			}
			n++
		}
	}
	return n, nil
}

// DropSealed discards the count oldest sealed maps.
func (t *ObjectTree) DropSealed(count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if count > len(t.sealed) {
		count = len(t.sealed)
	}
	t.sealed = t.sealed[:len(t.sealed)-count]
}

// Scan calls fn for every persisted and in-memory record in key order,
// newest value per key. Deleted records are skipped.
func (t *ObjectTree) Scan(ctx context.Context, fn func(record.Object) error) error {
	t.mu.RLock()
	merged := make(map[record.ObjectKey]record.ObjectValue)
	if t.db != nil {
		err := t.db.View(func(btx *badgerdb.Txn) error {
			opts := badgerdb.DefaultIteratorOptions
			opts.Prefix = []byte(prefixObject)
			it := btx.NewIterator(opts)
			defer it.Close()
			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				key, err := parseObjectKey(item.KeyCopy(nil))
				if err != nil {
					return err
				}
				err = item.Value(func(val []byte) error {
					v, err := decodeObjectValue(val)
					merged[key] = v
					return err
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.mu.RUnlock()
			return errors.Wrap(err, "lsm: scan object records")
		}
	}
	for i := len(t.sealed) - 1; i >= 0; i-- {
		for k, v := range t.sealed[i] {
			merged[k] = v
		}
	}
	for k, v := range t.mutable {
		merged[k] = v
	}
	t.mu.RUnlock()

	keys := make([]record.ObjectKey, 0, len(merged))
	for k, v := range merged {
		if v.Kind != record.ValueNone {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a].Compare(keys[b]) < 0 })
	for _, k := range keys {
		if err := fn(record.Object{Key: k, Value: merged[k].Clone()}); err != nil {
			return err
		}
	}
	return nil
}
