package txn

import (
	"context"
	"sync"
)

// Metrics observes commits. A nil Metrics disables collection.
type Metrics interface {
	RecordCommit(mutations int)
}

type noopMetrics struct{}

func (noopMetrics) RecordCommit(int) {}

// Manager creates transactions and routes their mutations to the
// committer registered for each store id.
type Manager struct {
	locks   *LockManager
	metrics Metrics

	mu         sync.RWMutex
	committers map[uint64]Committer

	// gate is held shared while a transaction applies its mutations and
	// exclusively by Exclusive, so flushes see whole transactions only.
	gate sync.RWMutex
}

// NewManager creates a manager. metrics may be nil.
func NewManager(metrics Metrics) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{
		locks:      NewLockManager(),
		metrics:    metrics,
		committers: make(map[uint64]Committer),
	}
}

// Register installs the committer for storeID, replacing any previous one.
func (m *Manager) Register(storeID uint64, c Committer) {
	m.mu.Lock()
	m.committers[storeID] = c
	m.mu.Unlock()
}

func (m *Manager) committer(storeID uint64) (Committer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.committers[storeID]
	return c, ok
}

// NewTransaction acquires transaction locks on keys and returns an empty
// transaction. It blocks while another transaction holds any of the keys.
func (m *Manager) NewTransaction(ctx context.Context, keys []LockKey) (*Transaction, error) {
	keys = normalize(keys)
	if err := m.locks.lockTransaction(ctx, keys); err != nil {
		return nil, err
	}
	return &Transaction{mgr: m, keys: keys}, nil
}

// ReadLock acquires shared locks on keys.
func (m *Manager) ReadLock(ctx context.Context, keys ...LockKey) (*ReadGuard, error) {
	return m.locks.ReadLock(ctx, keys...)
}

// Exclusive runs fn while no transaction is applying mutations.
func (m *Manager) Exclusive(fn func() error) error {
	m.gate.Lock()
	defer m.gate.Unlock()
	return fn()
}
