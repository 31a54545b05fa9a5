package txn

import (
	"context"
	"slices"
	"sync"
)

// LockKey names one lockable attribute.
type LockKey struct {
	StoreID     uint64
	ObjectID    uint64
	AttributeID uint64
}

// Compare orders keys by (StoreID, ObjectID, AttributeID).
func (k LockKey) Compare(o LockKey) int {
	switch {
	case k.StoreID != o.StoreID:
		return cmp(k.StoreID, o.StoreID)
	case k.ObjectID != o.ObjectID:
		return cmp(k.ObjectID, o.ObjectID)
	default:
		return cmp(k.AttributeID, o.AttributeID)
	}
}

func cmp(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

type lockState struct {
	readers int
	held    bool // transaction lock
	writing bool // held and upgraded, readers drained or draining
}

// LockManager implements the three lock modes used by the store:
//
//   - read: shared, blocked only while a key is being written
//   - transaction: exclusive among transactions, compatible with readers
//   - write: a transaction lock upgraded at commit; waits for readers to
//     drain and blocks new ones
//
// Multi-key acquisitions are all-or-nothing, so callers cannot deadlock on
// partially acquired sets.
type LockManager struct {
	mu      sync.Mutex
	keys    map[LockKey]*lockState
	changed chan struct{}
}

// NewLockManager creates an empty lock manager.
func NewLockManager() *LockManager {
	return &LockManager{
		keys:    make(map[LockKey]*lockState),
		changed: make(chan struct{}),
	}
}

// normalize sorts and dedupes keys.
func normalize(keys []LockKey) []LockKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, LockKey.Compare)
	return slices.CompactFunc(out, func(a, b LockKey) bool { return a == b })
}

func (m *LockManager) state(k LockKey) *lockState {
	s, ok := m.keys[k]
	if !ok {
		s = &lockState{}
		m.keys[k] = s
	}
	return s
}

// notify wakes every waiter. Callers hold mu.
func (m *LockManager) notify() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// gc drops idle entries. Callers hold mu.
func (m *LockManager) gc(k LockKey) {
	if s, ok := m.keys[k]; ok && s.readers == 0 && !s.held && !s.writing {
		delete(m.keys, k)
	}
}

// await blocks until ready returns true, with mu held on return. On context
// cancellation mu is released and the error returned.
func (m *LockManager) await(ctx context.Context, ready func() bool) error {
	m.mu.Lock()
	for !ready() {
		ch := m.changed
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	return nil
}

// ReadLock acquires shared locks on keys.
func (m *LockManager) ReadLock(ctx context.Context, keys ...LockKey) (*ReadGuard, error) {
	keys = normalize(keys)
	err := m.await(ctx, func() bool {
		for _, k := range keys {
			if s, ok := m.keys[k]; ok && s.writing {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		m.state(k).readers++
	}
	m.mu.Unlock()
	return &ReadGuard{m: m, keys: keys}, nil
}

func (m *LockManager) releaseRead(keys []LockKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.keys[k].readers--
		m.gc(k)
	}
	m.notify()
}

// lockTransaction acquires transaction locks on already normalized keys.
func (m *LockManager) lockTransaction(ctx context.Context, keys []LockKey) error {
	err := m.await(ctx, func() bool {
		for _, k := range keys {
			if s, ok := m.keys[k]; ok && s.held {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		m.state(k).held = true
	}
	m.mu.Unlock()
	return nil
}

// upgrade turns held transaction locks into write locks and waits for
// readers to drain. On cancellation the locks revert to transaction mode.
func (m *LockManager) upgrade(ctx context.Context, keys []LockKey) error {
	m.mu.Lock()
	for _, k := range keys {
		m.keys[k].writing = true
	}
	m.mu.Unlock()

	err := m.await(ctx, func() bool {
		for _, k := range keys {
			if m.keys[k].readers > 0 {
				return false
			}
		}
		return true
	})
	if err != nil {
		m.mu.Lock()
		for _, k := range keys {
			m.keys[k].writing = false
		}
		m.notify()
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	return nil
}

// release drops transaction and write locks on keys.
func (m *LockManager) release(keys []LockKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		s := m.keys[k]
		s.held = false
		s.writing = false
		m.gc(k)
	}
	m.notify()
}

// ReadGuard holds shared locks until Release.
type ReadGuard struct {
	m    *LockManager
	keys []LockKey
	once sync.Once
}

// Release drops the read locks. It is safe to call more than once.
func (g *ReadGuard) Release() {
	g.once.Do(func() { g.m.releaseRead(g.keys) })
}
