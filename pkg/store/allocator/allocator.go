// Package allocator hands out block-aligned device ranges to transactions.
//
// Allocations are reserved immediately (so concurrent transactions never
// receive overlapping space) but are only charged once the transaction
// commits; a discarded transaction returns its reservations. Deallocated
// space becomes reusable only after the deallocating transaction commits,
// which keeps copy-on-write writers from reusing blocks that committed
// extents still reference.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/extentstore/internal/logger"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"go.uber.org/atomic"
)

// StoreID is the transaction store id the allocator commits under.
const StoreID uint64 = 0

var (
	// ErrNoSpace is returned when no free space is left.
	ErrNoSpace = errors.New("allocator: no space left on device")

	// ErrNotFree is returned by MarkAllocated for ranges that are not
	// entirely free.
	ErrNotFree = errors.New("allocator: range is not free")

	// ErrUnaligned is returned for ranges not aligned to the block size.
	ErrUnaligned = errors.New("allocator: unaligned range")

	// ErrNotAllocated is returned by Deallocate for ranges that are free,
	// reserved by another transaction or already deallocated in the same
	// transaction.
	ErrNotAllocated = errors.New("allocator: range is not allocated")
)

// Metrics observes allocator activity. A nil Metrics disables collection.
type Metrics interface {
	SetAllocatedBytes(bytes uint64)
	RecordGrant(requested, granted uint64)
	RecordDeallocation(bytes uint64)
}

type noopMetrics struct{}

func (noopMetrics) SetAllocatedBytes(uint64)   {}
func (noopMetrics) RecordGrant(uint64, uint64) {}
func (noopMetrics) RecordDeallocation(uint64)  {}

// Config configures an Allocator.
type Config struct {
	// BlockSize is the allocation granularity.
	BlockSize uint64

	// Size is the managed device capacity.
	Size uint64

	// Reserved is a prefix of the device never handed out by Allocate
	// (available to MarkAllocated).
	Reserved uint64

	// MaxContiguous caps a single grant; 0 means unlimited.
	MaxContiguous uint64

	Metrics Metrics
}

// Allocator is a first-fit free-extent allocator.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Allocator struct {
	blockSize     uint64
	size          uint64
	reserved      uint64
	maxContiguous uint64
	metrics       Metrics

	mu sync.Mutex
	// free is sorted by Start and coalesced.
	free []record.Range
	// pending holds ranges reserved by uncommitted transactions.
	pending map[uint64]record.Range

	allocated atomic.Uint64
}

// New creates an allocator with the whole device (past Reserved) free.
func New(cfg Config) (*Allocator, error) {
	if cfg.BlockSize == 0 {
		return nil, fmt.Errorf("allocator: block size is required")
	}
	if cfg.Size%cfg.BlockSize != 0 || cfg.Reserved%cfg.BlockSize != 0 || cfg.MaxContiguous%cfg.BlockSize != 0 {
		return nil, fmt.Errorf("%w: size, reserved and max contiguous must be multiples of %d", ErrUnaligned, cfg.BlockSize)
	}
	if cfg.Reserved > cfg.Size {
		return nil, fmt.Errorf("allocator: reserved %d exceeds size %d", cfg.Reserved, cfg.Size)
	}

	a := &Allocator{
		blockSize:     cfg.BlockSize,
		size:          cfg.Size,
		reserved:      cfg.Reserved,
		maxContiguous: cfg.MaxContiguous,
		metrics:       cfg.Metrics,
		pending:       make(map[uint64]record.Range),
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	if cfg.Size > cfg.Reserved {
		a.free = []record.Range{{Start: cfg.Reserved, End: cfg.Size}}
	}
	return a, nil
}

// BlockSize returns the allocation granularity.
func (a *Allocator) BlockSize() uint64 { return a.blockSize }

// AllocatedBytes returns the committed allocated byte count.
func (a *Allocator) AllocatedBytes() uint64 {
	return a.allocated.Load()
}

// FreeBytes returns the bytes neither committed nor reserved.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for _, r := range a.free {
		n += r.Len()
	}
	return n
}

// Allocate reserves up to length bytes (rounded up to the block size) for
// owner and stages the reservation in tx.
//
// The first free run large enough for the whole request is used; when none
// is, the largest run is granted instead, so the result may be shorter than
// requested and callers must loop. Grants are also capped by MaxContiguous.
func (a *Allocator) Allocate(ctx context.Context, tx *txn.Transaction, owner, length uint64) (record.Range, error) {
	if err := ctx.Err(); err != nil {
		return record.Range{}, err
	}
	want, ok := record.RoundUp(length, a.blockSize)
	if !ok || want == 0 {
		return record.Range{}, fmt.Errorf("allocator: invalid length %d", length)
	}
	if a.maxContiguous != 0 {
		want = min(want, a.maxContiguous)
	}

	a.mu.Lock()
	idx := -1
	largest := -1
	for i, r := range a.free {
		if r.Len() >= want {
			idx = i
			break
		}
		if largest < 0 || r.Len() > a.free[largest].Len() {
			largest = i
		}
	}
	if idx < 0 {
		idx = largest
	}
	if idx < 0 {
		a.mu.Unlock()
		return record.Range{}, ErrNoSpace
	}

	run := a.free[idx]
	grant := record.Range{Start: run.Start, End: run.Start + min(want, run.Len())}
	if grant.End == run.End {
		a.free = append(a.free[:idx], a.free[idx+1:]...)
	} else {
		a.free[idx].Start = grant.End
	}
	a.pending[grant.Start] = grant
	a.mu.Unlock()

	tx.Add(StoreID, txn.AllocatorMutation{Op: txn.OpAllocate, Range: grant, Owner: owner})
	a.metrics.RecordGrant(length, grant.Len())

	if logger.IsDebug() {
		logger.Debug("allocator: owner=%d requested=%d granted=%s", owner, length, grant)
	}
	return grant, nil
}

// MarkAllocated reserves a caller-chosen range. The range must be aligned
// and entirely free.
func (a *Allocator) MarkAllocated(ctx context.Context, tx *txn.Transaction, owner uint64, r record.Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Empty() || !r.IsAligned(a.blockSize) {
		return fmt.Errorf("%w: %s", ErrUnaligned, r)
	}

	a.mu.Lock()
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].End > r.Start })
	if i == len(a.free) || a.free[i].Start > r.Start || a.free[i].End < r.End {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFree, r)
	}
	a.removeAt(i, r)
	a.pending[r.Start] = r
	a.mu.Unlock()

	tx.Add(StoreID, txn.AllocatorMutation{Op: txn.OpAllocate, Range: r, Owner: owner})
	return nil
}

// Deallocate stages the release of r. The space is returned to the free
// list when tx commits.
//
// r must be committed-allocated or reserved by tx itself, and no part of
// it may already be staged for release in tx; otherwise ErrNotAllocated
// is returned and nothing is staged.
func (a *Allocator) Deallocate(ctx context.Context, tx *txn.Transaction, owner uint64, r record.Range) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Empty() || !r.IsAligned(a.blockSize) {
		return fmt.Errorf("%w: %s", ErrUnaligned, r)
	}

	// Collected before taking mu: tx.Add runs outside of it.
	reserved := make(map[uint64]bool)
	for _, e := range tx.Entries() {
		am, ok := e.Mutation.(txn.AllocatorMutation)
		if !ok || e.StoreID != StoreID {
			continue
		}
		switch am.Op {
		case txn.OpAllocate:
			reserved[am.Range.Start] = true
		case txn.OpDeallocate:
			if am.Range.Overlaps(r) {
				return fmt.Errorf("%w: %s already deallocated in this transaction", ErrNotAllocated, r)
			}
		}
	}

	a.mu.Lock()
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].End > r.Start })
	if i < len(a.free) && a.free[i].Start < r.End {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s overlaps free space", ErrNotAllocated, r)
	}
	for start, p := range a.pending {
		if p.Overlaps(r) && !reserved[start] {
			a.mu.Unlock()
			return fmt.Errorf("%w: %s is reserved by another transaction", ErrNotAllocated, r)
		}
	}
	a.mu.Unlock()

	tx.Add(StoreID, txn.AllocatorMutation{Op: txn.OpDeallocate, Range: r, Owner: owner})
	logger.Debug("allocator: owner=%d deallocate %s", owner, r)
	return nil
}

// ApplyMutation implements txn.Committer.
func (a *Allocator) ApplyMutation(m txn.Mutation) {
	am, ok := m.(txn.AllocatorMutation)
	if !ok {
		return
	}

	switch am.Op {
	case txn.OpAllocate:
		a.mu.Lock()
		delete(a.pending, am.Range.Start)
		a.mu.Unlock()
		a.metrics.SetAllocatedBytes(a.allocated.Add(am.Range.Len()))
	case txn.OpDeallocate:
		a.mu.Lock()
		a.insertFree(am.Range)
		a.mu.Unlock()
		a.metrics.SetAllocatedBytes(a.allocated.Sub(am.Range.Len()))
		a.metrics.RecordDeallocation(am.Range.Len())
	}
}

// DiscardMutation implements txn.Committer: reservations of a dropped
// transaction are returned to the free list.
func (a *Allocator) DiscardMutation(m txn.Mutation) {
	am, ok := m.(txn.AllocatorMutation)
	if !ok || am.Op != txn.OpAllocate {
		return
	}
	a.mu.Lock()
	delete(a.pending, am.Range.Start)
	a.insertFree(am.Range)
	a.mu.Unlock()
}

// removeAt cuts r out of free[i], which contains it. Callers hold mu.
func (a *Allocator) removeAt(i int, r record.Range) {
	run := a.free[i]
	var repl []record.Range
	if run.Start < r.Start {
		repl = append(repl, record.Range{Start: run.Start, End: r.Start})
	}
	if r.End < run.End {
		repl = append(repl, record.Range{Start: r.End, End: run.End})
	}
	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
}

// insertFree adds r to the free list, merging with neighbours. Callers
// hold mu.
func (a *Allocator) insertFree(r record.Range) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Start >= r.Start })
	a.free = append(a.free, record.Range{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r

	if i+1 < len(a.free) && a.free[i].End == a.free[i+1].Start {
		a.free[i].End = a.free[i+1].End
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].End == a.free[i].Start {
		a.free[i-1].End = a.free[i].End
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// State is the persistent form of the allocator.
type State struct {
	Allocated uint64
	Free      []record.Range
}

// Snapshot returns the committed state. Ranges reserved by open
// transactions are reported as free, since those transactions may never
// commit.
func (a *Allocator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	free := make([]record.Range, 0, len(a.free)+len(a.pending))
	free = append(free, a.free...)
	for _, r := range a.pending {
		free = append(free, r)
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Start < free[j].Start })

	merged := free[:0]
	for _, r := range free {
		if n := len(merged); n > 0 && merged[n-1].End == r.Start {
			merged[n-1].End = r.End
			continue
		}
		merged = append(merged, r)
	}
	return State{Allocated: a.allocated.Load(), Free: merged}
}

// Load replaces the allocator state. It must not race with open
// transactions.
func (a *Allocator) Load(s State) error {
	var prevEnd uint64
	for i, r := range s.Free {
		if r.Empty() || !r.IsAligned(a.blockSize) || r.End > a.size || (i > 0 && r.Start < prevEnd) {
			return fmt.Errorf("allocator: invalid free range %s in snapshot", r)
		}
		prevEnd = r.End
	}

	a.mu.Lock()
	a.free = append([]record.Range(nil), s.Free...)
	a.pending = make(map[uint64]record.Range)
	a.mu.Unlock()

	a.allocated.Store(s.Allocated)
	a.metrics.SetAllocatedBytes(s.Allocated)
	return nil
}
