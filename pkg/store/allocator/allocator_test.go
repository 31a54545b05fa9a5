package allocator

import (
	"context"
	"testing"

	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bs = 4096

func setup(t *testing.T, cfg Config) (*Allocator, *txn.Manager) {
	t.Helper()
	if cfg.BlockSize == 0 {
		cfg.BlockSize = bs
	}
	a, err := New(cfg)
	require.NoError(t, err)
	mgr := txn.NewManager(nil)
	mgr.Register(StoreID, a)
	return a, mgr
}

func begin(t *testing.T, mgr *txn.Manager) *txn.Transaction {
	t.Helper()
	tx, err := mgr.NewTransaction(context.Background(), []txn.LockKey{{StoreID: 1, ObjectID: 1}})
	require.NoError(t, err)
	return tx
}

func TestAllocateChargesOnCommit(t *testing.T) {
	a, mgr := setup(t, Config{Size: 16 * bs})
	ctx := context.Background()

	tx := begin(t, mgr)
	r, err := a.Allocate(ctx, tx, 1, 3*bs)
	require.NoError(t, err)
	assert.Equal(t, record.Range{Start: 0, End: 3 * bs}, r)
	assert.Zero(t, a.AllocatedBytes(), "not charged before commit")
	assert.Equal(t, uint64(13*bs), a.FreeBytes(), "reserved immediately")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, uint64(3*bs), a.AllocatedBytes())
}

func TestAllocateRoundsUpToBlock(t *testing.T) {
	a, mgr := setup(t, Config{Size: 16 * bs})
	tx := begin(t, mgr)
	defer tx.Discard()

	r, err := a.Allocate(context.Background(), tx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(bs), r.Len())
}

func TestDiscardReturnsReservation(t *testing.T) {
	a, mgr := setup(t, Config{Size: 16 * bs})
	ctx := context.Background()

	tx := begin(t, mgr)
	_, err := a.Allocate(ctx, tx, 1, 4*bs)
	require.NoError(t, err)
	tx.Discard()

	assert.Zero(t, a.AllocatedBytes())
	assert.Equal(t, uint64(16*bs), a.FreeBytes())
	assert.Equal(t, State{Free: []record.Range{{Start: 0, End: 16 * bs}}}, a.Snapshot())
}

func TestShortGrants(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		setup  func(t *testing.T, a *Allocator, tx *txn.Transaction)
		length uint64
		want   uint64
	}{
		{
			name:   "max contiguous cap",
			cfg:    Config{Size: 64 * bs, MaxContiguous: 2 * bs},
			length: 10 * bs,
			want:   2 * bs,
		},
		{
			name:   "device smaller than request",
			cfg:    Config{Size: 3 * bs},
			length: 10 * bs,
			want:   3 * bs,
		},
		{
			name: "fragmented free space grants the largest run",
			cfg:  Config{Size: 10 * bs},
			setup: func(t *testing.T, a *Allocator, tx *txn.Transaction) {
				require.NoError(t, a.MarkAllocated(context.Background(), tx, 9, record.Range{Start: 2 * bs, End: 3 * bs}))
			},
			length: 9 * bs,
			want:   7 * bs,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, mgr := setup(t, tt.cfg)
			tx := begin(t, mgr)
			defer tx.Discard()
			if tt.setup != nil {
				tt.setup(t, a, tx)
			}
			r, err := a.Allocate(context.Background(), tx, 1, tt.length)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Len())
		})
	}
}

func TestNoSpace(t *testing.T) {
	a, mgr := setup(t, Config{Size: 2 * bs})
	tx := begin(t, mgr)
	defer tx.Discard()

	_, err := a.Allocate(context.Background(), tx, 1, 2*bs)
	require.NoError(t, err)
	_, err = a.Allocate(context.Background(), tx, 1, bs)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestDeallocateFreesOnCommitOnly(t *testing.T) {
	a, mgr := setup(t, Config{Size: 4 * bs})
	ctx := context.Background()

	tx := begin(t, mgr)
	r, err := a.Allocate(ctx, tx, 1, 4*bs)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, mgr)
	require.NoError(t, a.Deallocate(ctx, tx, 1, r))
	_, err = a.Allocate(ctx, tx, 1, bs)
	assert.ErrorIs(t, err, ErrNoSpace, "deallocated space is not reusable before commit")
	require.NoError(t, tx.Commit(ctx))

	assert.Zero(t, a.AllocatedBytes())
	assert.Equal(t, uint64(4*bs), a.FreeBytes())

	tx = begin(t, mgr)
	defer tx.Discard()
	r2, err := a.Allocate(ctx, tx, 1, 4*bs)
	require.NoError(t, err)
	assert.Equal(t, r, r2, "freed runs coalesce")
}

func TestDeallocateRejectsUnallocated(t *testing.T) {
	a, mgr := setup(t, Config{Size: 8 * bs})
	ctx := context.Background()

	tx := begin(t, mgr)
	committed, err := a.Allocate(ctx, tx, 1, 2*bs)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	other, err := mgr.NewTransaction(ctx, []txn.LockKey{{StoreID: 1, ObjectID: 2}})
	require.NoError(t, err)
	defer other.Discard()
	foreign, err := a.Allocate(ctx, other, 2, bs)
	require.NoError(t, err)

	tx = begin(t, mgr)
	defer tx.Discard()

	assert.ErrorIs(t, a.Deallocate(ctx, tx, 1, record.Range{Start: 6 * bs, End: 7 * bs}), ErrNotAllocated, "free space")
	assert.ErrorIs(t, a.Deallocate(ctx, tx, 1, foreign), ErrNotAllocated, "reserved by another transaction")

	require.NoError(t, a.Deallocate(ctx, tx, 1, committed))
	assert.ErrorIs(t, a.Deallocate(ctx, tx, 1, record.Range{Start: bs, End: 2 * bs}), ErrNotAllocated, "already deallocated")

	// Space reserved by the same transaction may be released again.
	own, err := a.Allocate(ctx, tx, 1, bs)
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(ctx, tx, 1, own))
	require.NoError(t, tx.Commit(ctx))

	other.Discard()
	assert.Zero(t, a.AllocatedBytes())
	assert.Equal(t, uint64(8*bs), a.FreeBytes())
}

func TestMarkAllocated(t *testing.T) {
	a, mgr := setup(t, Config{Size: 16 * bs, Reserved: 2 * bs})
	ctx := context.Background()

	tx := begin(t, mgr)
	require.NoError(t, a.MarkAllocated(ctx, tx, 1, record.Range{Start: 4 * bs, End: 6 * bs}))
	assert.ErrorIs(t, a.MarkAllocated(ctx, tx, 1, record.Range{Start: 5 * bs, End: 7 * bs}), ErrNotFree)
	assert.ErrorIs(t, a.MarkAllocated(ctx, tx, 1, record.Range{Start: 0, End: bs}), ErrNotFree, "reserved prefix is not free")
	assert.ErrorIs(t, a.MarkAllocated(ctx, tx, 1, record.Range{Start: 1, End: bs}), ErrUnaligned)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, uint64(2*bs), a.AllocatedBytes())

	tx = begin(t, mgr)
	defer tx.Discard()
	r, err := a.Allocate(ctx, tx, 1, 2*bs)
	require.NoError(t, err)
	assert.Equal(t, record.Range{Start: 2 * bs, End: 4 * bs}, r, "first fit skips the reserved prefix")
}

func TestSnapshotLoad(t *testing.T) {
	a, mgr := setup(t, Config{Size: 16 * bs})
	ctx := context.Background()

	tx := begin(t, mgr)
	_, err := a.Allocate(ctx, tx, 1, 4*bs)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	open := begin(t, mgr)
	_, err = a.Allocate(ctx, open, 1, 2*bs)
	require.NoError(t, err)

	snap := a.Snapshot()
	open.Discard()

	assert.Equal(t, uint64(4*bs), snap.Allocated)
	assert.Equal(t, []record.Range{{Start: 4 * bs, End: 16 * bs}}, snap.Free, "open reservations count as free")

	b, err := New(Config{BlockSize: bs, Size: 16 * bs})
	require.NoError(t, err)
	require.NoError(t, b.Load(snap))
	assert.Equal(t, uint64(4*bs), b.AllocatedBytes())
	assert.Equal(t, uint64(12*bs), b.FreeBytes())

	assert.Error(t, b.Load(State{Free: []record.Range{{Start: 0, End: 32 * bs}}}))
}
