package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/extentstore/pkg/store/record"
)

var (
	// ErrTransactionDone is returned when committing a transaction that was
	// already committed or discarded.
	ErrTransactionDone = errors.New("txn: transaction already committed or discarded")

	// ErrNoCommitter is returned when a staged mutation targets a store id
	// with no registered committer.
	ErrNoCommitter = errors.New("txn: no committer registered for store")
)

// Transaction is an atomic batch of mutations.
//
// A transaction holds transaction locks on its keys from creation until
// Commit or Discard. Mutations are invisible to other transactions and to
// readers until Commit applies them.
//
// Usage:
//
//	tx, err := mgr.NewTransaction(ctx, keys)
//	if err != nil {
//	    return err
//	}
//	defer tx.Discard()
//	// ... stage mutations ...
//	return tx.Commit(ctx)
type Transaction struct {
	mgr     *Manager
	keys    []LockKey
	mu      sync.Mutex
	entries []Entry
	done    bool
}

// Add stages m for storeID.
func (t *Transaction) Add(storeID uint64, m Mutation) {
	t.AddWithObject(storeID, m, nil)
}

// AddWithObject stages m for storeID and registers obj to be notified when
// m is applied.
//
// An ObjectStoreMutation whose key is already staged for the same store
// replaces the earlier one in place; every other mutation is appended.
func (t *Transaction) AddWithObject(storeID uint64, m Mutation, obj AssociatedObject) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if om, ok := m.(ObjectStoreMutation); ok {
		for i := range t.entries {
			e := &t.entries[i]
			if e.StoreID != storeID {
				continue
			}
			if prev, ok := e.Mutation.(ObjectStoreMutation); ok && prev.Key == om.Key {
				e.Mutation = om
				if obj != nil {
					e.Object = obj
				}
				return
			}
		}
	}
	t.entries = append(t.entries, Entry{StoreID: storeID, Mutation: m, Object: obj})
}

// FindObjectMutation returns the pending mutation for key, if any.
func (t *Transaction) FindObjectMutation(storeID uint64, key record.ObjectKey) (ObjectStoreMutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.StoreID != storeID {
			continue
		}
		if om, ok := e.Mutation.(ObjectStoreMutation); ok && om.Key == key {
			return om, true
		}
	}
	return ObjectStoreMutation{}, false
}

// Entries returns a copy of the staged mutations in staging order.
func (t *Transaction) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of staged mutations.
func (t *Transaction) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Keys returns the locked keys.
func (t *Transaction) Keys() []LockKey {
	return t.keys
}

// Commit applies every staged mutation atomically and releases the locks.
//
// Commit upgrades the transaction locks to write locks, which waits for
// in-flight readers of the same keys and blocks new ones, so no reader
// observes a partially applied batch. If the context is cancelled while
// waiting, nothing is applied and the transaction stays open.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTransactionDone
	}

	committers := make([]Committer, len(t.entries))
	for i, e := range t.entries {
		c, ok := t.mgr.committer(e.StoreID)
		if !ok {
			return fmt.Errorf("%w: %d (%s)", ErrNoCommitter, e.StoreID, e.Mutation)
		}
		committers[i] = c
	}

	if err := t.mgr.locks.upgrade(ctx, t.keys); err != nil {
		return err
	}

	t.mgr.gate.RLock()
	for i, e := range t.entries {
		if e.Object != nil {
			e.Object.WillApplyMutation(e.Mutation)
		}
		committers[i].ApplyMutation(e.Mutation)
	}
	t.mgr.gate.RUnlock()

	t.mgr.locks.release(t.keys)
	t.done = true
	t.entries = nil
	t.mgr.metrics.RecordCommit(len(committers))
	return nil
}

// Discard drops the staged mutations and releases the locks. Committers
// are given each mutation back so they can undo staging side effects.
// Discard after Commit, or a second Discard, is a no-op.
func (t *Transaction) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if c, ok := t.mgr.committer(e.StoreID); ok {
			c.DiscardMutation(e.Mutation)
		}
	}
	t.mgr.locks.release(t.keys)
	t.done = true
	t.entries = nil
}
