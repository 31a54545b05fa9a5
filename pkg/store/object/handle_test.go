package object

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/extentstore/pkg/store/allocator"
	"github.com/marmos91/extentstore/pkg/store/crypt"
	"github.com/marmos91/extentstore/pkg/store/device"
	"github.com/marmos91/extentstore/pkg/store/lsm"
	"github.com/marmos91/extentstore/pkg/store/record"
	"github.com/marmos91/extentstore/pkg/store/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	bs          = 4096
	devBlock    = 512
	deviceBytes = 1 << 20
)

type fixture struct {
	ctx   context.Context
	dev   *device.MemoryDevice
	db    *badgerdb.DB
	store *Store
	cfg   Config
}

func newFixture(t *testing.T, persistent bool, mutate ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		ctx: context.Background(),
		dev: device.NewMemoryDevice(devBlock, deviceBytes),
		cfg: Config{BlockSize: bs, VerifyChecksums: true},
	}
	for _, m := range mutate {
		m(&f.cfg)
	}
	if persistent {
		db, err := lsm.OpenDB(lsm.BadgerConfig{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		f.db = db
	}
	f.open(t)
	return f
}

func (f *fixture) open(t *testing.T) {
	t.Helper()
	s, err := OpenStore(f.ctx, f.dev, f.db, f.cfg)
	require.NoError(t, err)
	f.store = s
}

func (f *fixture) newFile(t *testing.T, opts HandleOptions) *DataObjectHandle {
	t.Helper()
	id, err := f.store.CreateObject(f.ctx)
	require.NoError(t, err)
	h, err := f.store.OpenObject(f.ctx, id, opts)
	require.NoError(t, err)
	return h
}

func (f *fixture) allocated() uint64 {
	return f.store.Allocator().AllocatedBytes()
}

// pattern returns n non-zero bytes that differ per seed.
func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i*7+int(seed))%251) + 1
	}
	return out
}

func write(t *testing.T, h *DataObjectHandle, offset uint64, data []byte) {
	t.Helper()
	_, err := h.WriteOrAppend(context.Background(), &offset, data)
	require.NoError(t, err)
}

func readAll(t *testing.T, h *DataObjectHandle, offset uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got, err := h.Read(context.Background(), offset, buf)
	require.NoError(t, err)
	return buf[:got]
}

func commit(t *testing.T, h *DataObjectHandle, fn func(tx *txn.Transaction) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.NewTransaction(ctx)
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, fn(tx))
	require.NoError(t, tx.Commit(ctx))
}

func TestZeroFill(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	write(t, h, 5000, []byte("hello"))
	assert.Equal(t, uint64(5005), h.Size())

	got := readAll(t, h, 0, 6000)
	require.Len(t, got, 5005)
	assert.Equal(t, make([]byte, 5000), got[:5000])
	assert.Equal(t, []byte("hello"), got[5000:])
}

func TestReadWriteRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		offset uint64
		length int
	}{
		{"AlignedBlock", 0, bs},
		{"Tiny", 1, 3},
		{"CrossesBoundary", bs - 10, 20},
		{"UnalignedMulti", bs + 100, 3*bs + 17},
		{"EndsMidBlock", 2 * bs, bs + 1},
	}

	for _, flushBetween := range []bool{false, true} {
		for _, tt := range tests {
			name := tt.name
			if flushBetween {
				name += "/Flushed"
			}
			t.Run(name, func(t *testing.T) {
				f := newFixture(t, true)
				h := f.newFile(t, HandleOptions{})

				// Surround the write with existing data so head and tail
				// read-back is exercised.
				base := pattern(6*bs, 9)
				write(t, h, 0, base)
				data := pattern(tt.length, 42)
				write(t, h, tt.offset, data)

				if flushBetween {
					require.NoError(t, f.store.Flush(f.ctx))
				}

				want := append([]byte(nil), base...)
				if end := int(tt.offset) + tt.length; end > len(want) {
					want = append(want, make([]byte, end-len(want))...)
				}
				copy(want[tt.offset:], data)

				assert.Equal(t, want, readAll(t, h, 0, len(want)+bs))
			})
		}
	}
}

func TestTruncateThenExtendZeroGap(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	write(t, h, 0, pattern(3*bs, 1))
	commit(t, h, func(tx *txn.Transaction) error { return h.Truncate(f.ctx, tx, 3) })
	assert.Equal(t, uint64(3), h.Size())

	write(t, h, 1500, []byte("new"))
	got := readAll(t, h, 0, 2*bs)
	require.Len(t, got, 1503)
	assert.Equal(t, pattern(3, 1), got[:3])
	assert.Equal(t, make([]byte, 1497), got[3:1500])
	assert.Equal(t, []byte("new"), got[1500:])

	// Extend past the deleted middle and read a window ending inside it.
	write(t, h, 2*bs+100, []byte("tail"))
	got = readAll(t, h, 0, bs+50)
	require.Len(t, got, bs+50)
	assert.Equal(t, make([]byte, bs+50-1503), got[1503:])

	got = readAll(t, h, bs, 2*bs)
	assert.Equal(t, make([]byte, bs+100), got[:bs+100])
	assert.Equal(t, []byte("tail"), got[bs+100:])
}

func TestPreallocateIdempotent(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	r := record.Range{Start: 0, End: 4 * bs}

	var first, second []record.Range
	commit(t, h, func(tx *txn.Transaction) (err error) {
		first, err = h.PreallocateRange(f.ctx, tx, r)
		return err
	})
	allocated := f.allocated()
	assert.Equal(t, uint64(4*bs), allocated)
	assert.Equal(t, uint64(4*bs), h.Size())

	commit(t, h, func(tx *txn.Transaction) (err error) {
		second, err = h.PreallocateRange(f.ctx, tx, r)
		return err
	})
	assert.Equal(t, allocated, f.allocated())
	assert.Equal(t, first, second)
}

func TestPreallocateFillsHoles(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	write(t, h, bs, pattern(bs, 3))
	before := f.allocated()

	var ranges []record.Range
	commit(t, h, func(tx *txn.Transaction) (err error) {
		ranges, err = h.PreallocateRange(f.ctx, tx, record.Range{Start: 0, End: 3 * bs})
		return err
	})

	var total uint64
	for _, r := range ranges {
		total += r.Len()
	}
	assert.Equal(t, uint64(3*bs), total)
	assert.Equal(t, before+2*bs, f.allocated())
	assert.Equal(t, pattern(bs, 3), readAll(t, h, bs, bs), "existing data is kept")

	_, err := h.PreallocateRange(f.ctx, nil, record.Range{Start: 1, End: bs})
	assert.True(t, IsInvalidArgument(err))
}

func TestOverwriteRequiresPreallocation(t *testing.T) {
	f := newFixture(t, false)

	cow := f.newFile(t, HandleOptions{})
	write(t, cow, 0, pattern(bs, 1))
	err := cow.Overwrite(f.ctx, 0, []byte("nope"))
	assert.True(t, IsInconsistent(err), "checksummed extent: %v", err)

	h := f.newFile(t, HandleOptions{})
	commit(t, h, func(tx *txn.Transaction) error {
		_, err := h.PreallocateRange(f.ctx, tx, record.Range{Start: 0, End: 2 * bs})
		return err
	})
	allocated := f.allocated()

	data := pattern(bs+10, 5)
	require.NoError(t, h.Overwrite(f.ctx, 100, data))
	assert.Equal(t, allocated, f.allocated())
	assert.Equal(t, uint64(2*bs), h.Size())
	assert.Equal(t, data, readAll(t, h, 0, 2*bs)[100:100+len(data)])

	err = h.Overwrite(f.ctx, bs, pattern(2*bs, 1))
	assert.True(t, IsInconsistent(err), "gap past the preallocation: %v", err)
}

func TestOverwriteAcrossTombstoneFails(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	commit(t, h, func(tx *txn.Transaction) error {
		_, err := h.PreallocateRange(f.ctx, tx, record.Range{Start: 0, End: 3 * bs})
		return err
	})
	commit(t, h, func(tx *txn.Transaction) error {
		return h.Zero(f.ctx, tx, record.Range{Start: bs, End: 2 * bs})
	})

	err := h.Overwrite(f.ctx, 0, pattern(3*bs, 1))
	assert.True(t, IsInconsistent(err))
}

func TestOverwriteModeWriteOrAppend(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{Overwrite: true})
	commit(t, h, func(tx *txn.Transaction) error {
		_, err := h.PreallocateRange(f.ctx, tx, record.Range{Start: 0, End: bs})
		return err
	})

	off := uint64(0)
	end, err := h.WriteOrAppend(f.ctx, &off, []byte("superblock"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), end)
	assert.Equal(t, []byte("superblock"), readAll(t, h, 0, bs)[:10])

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: bs})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.False(t, maps[0].Checksummed)
}

func TestTruncateDeallocates(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	write(t, h, 0, pattern(5*bs, 1))
	before := f.allocated()
	require.Equal(t, uint64(5*bs), before)

	commit(t, h, func(tx *txn.Transaction) error { return h.Truncate(f.ctx, tx, bs) })
	assert.Equal(t, before-4*bs, f.allocated())

	props, err := h.GetProperties(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(bs), props.AllocatedSize)
	assert.Equal(t, uint64(bs), props.DataAttributeSize)
	assert.Equal(t, pattern(bs, 1), readAll(t, h, 0, 5*bs))
}

func TestTruncateZeroesPartialTail(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	write(t, h, 0, pattern(2*bs, 1))
	commit(t, h, func(tx *txn.Transaction) error { return h.Truncate(f.ctx, tx, 100) })
	commit(t, h, func(tx *txn.Transaction) error { return h.Truncate(f.ctx, tx, 2*bs) })

	got := readAll(t, h, 0, 2*bs)
	assert.Equal(t, pattern(100, 1), got[:100])
	assert.Equal(t, make([]byte, 2*bs-100), got[100:])
	assert.Equal(t, uint64(bs), f.allocated())
}

func TestConcurrentReadDuringWrite(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	oldData := bytes.Repeat([]byte{0x11}, 4*bs)
	newData := bytes.Repeat([]byte{0x22}, 8*bs)
	write(t, h, 0, oldData)

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, h.Write(f.ctx, tx, 0, newData))

	// Staged but not committed: readers see the old state.
	assert.Equal(t, oldData, readAll(t, h, 0, len(newData)))
	assert.Equal(t, uint64(len(newData)), h.TxnGetSize(tx))

	var (
		wg        sync.WaitGroup
		stop      = make(chan struct{})
		torn      atomic.Int64
		reads     atomic.Int64
		readerErr atomic.Error
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(newData))
			for {
				select {
				case <-stop:
					return
				default:
				}
				n, err := h.Read(f.ctx, 0, buf)
				if err != nil {
					readerErr.Store(err)
					return
				}
				reads.Inc()
				got := buf[:n]
				if !bytes.Equal(got, oldData) && !bytes.Equal(got, newData) {
					torn.Inc()
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tx.Commit(f.ctx))
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.NoError(t, readerErr.Load())
	assert.Positive(t, reads.Load())
	assert.Zero(t, torn.Load(), "a reader observed a partially applied write")
	assert.Equal(t, newData, readAll(t, h, 0, len(newData)))
}

func TestReadArguments(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	write(t, h, 0, pattern(10, 1))

	_, err := h.Read(f.ctx, 3, make([]byte, 10))
	assert.True(t, IsInvalidArgument(err))
	assert.True(t, errors.Is(err, &StoreError{Code: ErrInvalidArgument}))

	n, err := h.Read(f.ctx, bs, make([]byte, 10))
	require.NoError(t, err)
	assert.Zero(t, n, "offset past size")

	n, err = h.Read(f.ctx, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestShortAllocationsLoop(t *testing.T) {
	f := newFixture(t, false, func(c *Config) { c.MaxContiguous = bs })
	h := f.newFile(t, HandleOptions{})

	data := pattern(4*bs, 8)
	write(t, h, 0, data)
	assert.Equal(t, data, readAll(t, h, 0, len(data)))

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: 4 * bs})
	require.NoError(t, err)
	assert.Len(t, maps, 4)
	for _, m := range maps {
		assert.Equal(t, uint64(bs), m.Device.Len())
		assert.True(t, m.Checksummed)
	}
}

func TestWriteFailsWhenDeviceFull(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	err = h.Write(f.ctx, tx, 0, make([]byte, deviceBytes+bs))
	assert.ErrorIs(t, err, allocator.ErrNoSpace)
	tx.Discard()

	assert.Equal(t, uint64(deviceBytes), f.store.Allocator().FreeBytes())
	assert.Zero(t, h.Size())
}

func TestDeviceWriteFailure(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	write(t, h, 0, pattern(bs, 1))
	free := f.store.Allocator().FreeBytes()

	boom := errors.New("injected")
	f.dev.SetFault(func(op string, _ uint64, _ int) error {
		if op == "write" {
			return boom
		}
		return nil
	})

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	err = h.Write(f.ctx, tx, 0, pattern(3*bs, 2))
	assert.ErrorIs(t, err, boom)
	tx.Discard()
	f.dev.SetFault(nil)

	assert.Equal(t, free, f.store.Allocator().FreeBytes())
	assert.Equal(t, uint64(bs), h.Size())
	assert.Equal(t, pattern(bs, 1), readAll(t, h, 0, bs))
}

func TestEncryptedRoundTrip(t *testing.T) {
	f := newFixture(t, false)
	key, err := crypt.GenerateKey()
	require.NoError(t, err)
	keys, err := crypt.NewUnwrappedKeys(bs, []crypt.UnwrappedKey{{ID: 7, Key: key}})
	require.NoError(t, err)

	h := f.newFile(t, HandleOptions{Keys: keys})
	data := pattern(2*bs+5, 4)
	write(t, h, 0, data)
	assert.Equal(t, data, readAll(t, h, 0, 3*bs))

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: 3 * bs})
	require.NoError(t, err)
	require.NotEmpty(t, maps)
	assert.Equal(t, uint64(7), maps[0].KeyID)

	raw := make([]byte, devBlock)
	_, err = f.dev.ReadAt(f.ctx, maps[0].Device.Start, raw)
	require.NoError(t, err)
	assert.NotEqual(t, data[:devBlock], raw, "device holds ciphertext")
}

func TestOverwriteRejectsForeignKey(t *testing.T) {
	f := newFixture(t, false)
	newKeys := func(id uint64) *crypt.UnwrappedKeys {
		key, err := crypt.GenerateKey()
		require.NoError(t, err)
		k, err := crypt.NewUnwrappedKeys(bs, []crypt.UnwrappedKey{{ID: id, Key: key}})
		require.NoError(t, err)
		return k
	}

	h := f.newFile(t, HandleOptions{Keys: newKeys(1)})
	commit(t, h, func(tx *txn.Transaction) error {
		_, err := h.PreallocateRange(f.ctx, tx, record.Range{End: bs})
		return err
	})

	other, err := f.store.OpenObject(f.ctx, h.ObjectID(), HandleOptions{Keys: newKeys(2)})
	require.NoError(t, err)
	assert.True(t, IsInconsistent(other.Overwrite(f.ctx, 0, []byte("x"))))
}

func TestChecksumMismatch(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	write(t, h, 0, pattern(bs, 1))

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: bs})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	require.NoError(t, f.dev.WriteAt(f.ctx, maps[0].Device.Start, make([]byte, devBlock)))

	_, err = h.Read(f.ctx, 0, make([]byte, bs))
	assert.True(t, IsIntegrity(err), "got %v", err)

	f.store.verify = false
	_, err = h.Read(f.ctx, 0, make([]byte, bs))
	assert.NoError(t, err, "verification disabled")
}

func TestSkipChecksums(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{SkipChecksums: true})
	write(t, h, 0, pattern(bs, 1))

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: bs})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.False(t, maps[0].Checksummed)
	require.NoError(t, h.Overwrite(f.ctx, 0, []byte("in place")))
}

func TestExtend(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	pinned := record.Range{Start: deviceBytes - 2*bs, End: deviceBytes}

	commit(t, h, func(tx *txn.Transaction) error { return h.Extend(f.ctx, tx, pinned) })
	assert.Equal(t, uint64(2*bs), h.Size())
	assert.Equal(t, uint64(2*bs), f.allocated())

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: 2 * bs})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, pinned, maps[0].Device)

	require.NoError(t, h.Overwrite(f.ctx, 0, []byte("pinned")))
	assert.Equal(t, []byte("pinned"), readAll(t, h, 0, 6))

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	defer tx.Discard()
	assert.ErrorIs(t, h.Extend(f.ctx, tx, pinned), allocator.ErrNotFree)
	assert.True(t, IsInvalidArgument(h.Extend(f.ctx, tx, record.Range{Start: 1, End: bs})))
}

func TestZeroNoop(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	defer tx.Discard()
	require.NoError(t, h.Zero(f.ctx, tx, record.Range{Start: 0, End: 4 * bs}))
	assert.Zero(t, tx.Len())
	assert.True(t, IsInvalidArgument(h.Zero(f.ctx, tx, record.Range{Start: 0, End: 10})))
}

func TestUpdateAllocatedSizeChecked(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	defer tx.Discard()

	assert.True(t, IsInconsistent(h.UpdateAllocatedSize(f.ctx, tx, 0, bs)))
	require.NoError(t, h.UpdateAllocatedSize(f.ctx, tx, 2*bs, bs))

	v, err := h.TxnGetObject(f.ctx, tx)
	require.NoError(t, err)
	file, ok := v.AsFile()
	require.True(t, ok)
	assert.Equal(t, uint64(bs), file.File.AllocatedSize)
}

func TestTooBig(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	defer tx.Discard()

	assert.True(t, IsTooBig(h.Write(f.ctx, tx, MaxFileSize, []byte("x"))))
	assert.True(t, IsTooBig(h.Truncate(f.ctx, tx, MaxFileSize+1)))
	assert.True(t, errors.Is(h.Write(f.ctx, tx, MaxFileSize-1, []byte("xy")), &StoreError{Code: ErrTooBig}))
}

func TestTimestampOverlay(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	mtime := time.Unix(1700000000, 0).UTC()

	h.UpdateTimestamps(nil, &mtime)
	props, err := h.GetProperties(f.ctx)
	require.NoError(t, err)
	assert.True(t, mtime.Equal(props.ModificationTime), "overlay wins")

	// The overlay rides the next write and is cleared when it applies.
	write(t, h, 0, []byte("data"))
	assert.True(t, h.pending.empty())

	fresh, err := f.store.OpenObject(f.ctx, h.ObjectID(), HandleOptions{})
	require.NoError(t, err)
	props, err = fresh.GetProperties(f.ctx)
	require.NoError(t, err)
	assert.True(t, mtime.Equal(props.ModificationTime))
	assert.Equal(t, uint64(4), props.DataAttributeSize)
	assert.Equal(t, uint64(1), props.RefCount)

	ctime := time.Unix(1600000000, 0).UTC()
	h.UpdateTimestamps(&ctime, nil)
	require.NoError(t, h.Flush(f.ctx))
	assert.True(t, h.pending.empty())
	props, err = fresh.GetProperties(f.ctx)
	require.NoError(t, err)
	assert.True(t, ctime.Equal(props.CreationTime))
}

func TestGetPropertiesNotFile(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	commit(t, h, func(tx *txn.Transaction) error {
		tx.Add(StoreID, txn.NewObjectMutation(record.ObjectRecordKey(h.ObjectID()),
			record.DirectoryValue(0, record.Timestamps{})))
		return nil
	})
	_, err := h.GetProperties(f.ctx)
	assert.True(t, IsNotFile(err))
}

func TestOpenMissingObject(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.store.OpenObject(f.ctx, 99, HandleOptions{})
	assert.True(t, IsNotFound(err))
}

func TestAppend(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	end, err := h.WriteOrAppend(f.ctx, nil, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), end)
	end, err = h.WriteOrAppend(f.ctx, nil, []byte("def"))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), end)
	assert.Equal(t, []byte("abcdef"), readAll(t, h, 0, bs))
	assert.Equal(t, uint64(bs), f.allocated(), "rewriting the block frees the old copy")
}

func TestFlushAndReopen(t *testing.T) {
	f := newFixture(t, true)
	h := f.newFile(t, HandleOptions{})
	data := pattern(3*bs+7, 6)
	write(t, h, 0, data)
	commit(t, h, func(tx *txn.Transaction) error { return h.Zero(f.ctx, tx, record.Range{Start: bs, End: 2 * bs}) })

	want := append([]byte(nil), data...)
	clear(want[bs : 2*bs])
	allocated := f.allocated()
	id := f.store.ID()

	require.NoError(t, f.store.Flush(f.ctx))
	require.NoError(t, f.store.Flush(f.ctx), "flushing with nothing new is fine")

	f.open(t)
	assert.Equal(t, id, f.store.ID())
	assert.Equal(t, allocated, f.allocated())

	ids, err := f.store.ListObjects(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{h.ObjectID()}, ids)

	reopened, err := f.store.OpenObject(f.ctx, h.ObjectID(), HandleOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), reopened.Size())
	assert.Equal(t, want, readAll(t, reopened, 0, 4*bs))

	next, err := f.store.CreateObject(f.ctx)
	require.NoError(t, err)
	assert.Greater(t, next, h.ObjectID())

	// New writes must not reuse space owned by persisted extents.
	other, err := f.store.OpenObject(f.ctx, next, HandleOptions{})
	require.NoError(t, err)
	write(t, other, 0, pattern(2*bs, 99))
	assert.Equal(t, want, readAll(t, reopened, 0, 4*bs))
}

func TestReopenRejectsBlockSizeChange(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.Flush(f.ctx))

	_, err := OpenStore(f.ctx, f.dev, f.db, Config{BlockSize: 2 * bs})
	assert.True(t, IsInconsistent(err))
}

func TestOpenStoreValidatesBlockSize(t *testing.T) {
	_, err := OpenStore(context.Background(), device.NewMemoryDevice(devBlock, deviceBytes), nil, Config{BlockSize: 1000})
	assert.Error(t, err)
}

// capacityHeld asserts that no device space was lost or handed out twice.
func (f *fixture) capacityHeld(t *testing.T) {
	t.Helper()
	a := f.store.Allocator()
	assert.Equal(t, uint64(deviceBytes), a.FreeBytes()+a.AllocatedBytes())
}

func TestTwoWritesInOneTransaction(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	write(t, h, 0, pattern(bs, 1))

	commit(t, h, func(tx *txn.Transaction) error {
		if err := h.Write(f.ctx, tx, 0, []byte("aaaa")); err != nil {
			return err
		}
		return h.Write(f.ctx, tx, 4, []byte("bbbb"))
	})

	want := pattern(bs, 1)
	copy(want, "aaaabbbb")
	assert.Equal(t, want, readAll(t, h, 0, bs))
	assert.Equal(t, uint64(bs), f.allocated())
	f.capacityHeld(t)

	props, err := h.GetProperties(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(bs), props.AllocatedSize)
}

func TestTruncateThenWriteInOneTransaction(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})
	data := pattern(2*bs, 2)
	write(t, h, 0, data)

	tail := pattern(10, 3)
	commit(t, h, func(tx *txn.Transaction) error {
		if err := h.Truncate(f.ctx, tx, 3); err != nil {
			return err
		}
		return h.Write(f.ctx, tx, 1500, tail)
	})

	want := make([]byte, 1510)
	copy(want, data[:3])
	copy(want[1500:], tail)
	assert.Equal(t, uint64(1510), h.Size())
	assert.Equal(t, want, readAll(t, h, 0, bs))
	assert.Equal(t, uint64(bs), f.allocated())
	f.capacityHeld(t)
}

func TestZeroAfterWriteInOneTransaction(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	commit(t, h, func(tx *txn.Transaction) error {
		if err := h.Write(f.ctx, tx, 0, pattern(2*bs, 4)); err != nil {
			return err
		}
		return h.Zero(f.ctx, tx, record.Range{Start: bs, End: 2 * bs})
	})

	got := readAll(t, h, 0, 2*bs)
	assert.Equal(t, pattern(2*bs, 4)[:bs], got[:bs])
	assert.Equal(t, make([]byte, bs), got[bs:])
	assert.Equal(t, uint64(bs), f.allocated())
	f.capacityHeld(t)
}

func TestPreallocateFailureStagesNoExtents(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	tx, err := h.NewTransaction(f.ctx)
	require.NoError(t, err)
	_, err = h.PreallocateRange(f.ctx, tx, record.Range{End: deviceBytes + bs})
	assert.ErrorIs(t, err, allocator.ErrNoSpace)

	for _, e := range tx.Entries() {
		_, isExtent := e.Mutation.(txn.ExtentMutation)
		assert.False(t, isExtent, "extent staged by a failed preallocation: %v", e.Mutation)
	}
	_, sized := tx.FindObjectMutation(StoreID, record.AttributeKey(h.ObjectID(), h.AttributeID()))
	assert.False(t, sized)
	tx.Discard()

	assert.Equal(t, uint64(deviceBytes), f.store.Allocator().FreeBytes())
	assert.Zero(t, h.Size())
}

func TestPreallocateAfterWriteInOneTransaction(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	var ranges []record.Range
	commit(t, h, func(tx *txn.Transaction) (err error) {
		if err := h.Write(f.ctx, tx, 0, pattern(bs, 5)); err != nil {
			return err
		}
		ranges, err = h.PreallocateRange(f.ctx, tx, record.Range{End: 2 * bs})
		return err
	})

	require.NotEmpty(t, ranges)
	assert.Equal(t, uint64(2*bs), f.allocated(), "the written block is reused")
	assert.Equal(t, pattern(bs, 5), readAll(t, h, 0, bs))
	f.capacityHeld(t)
}

func TestExtendReplacesStaleExtent(t *testing.T) {
	f := newFixture(t, false)
	h := f.newFile(t, HandleOptions{})

	// A live extent past the end of the file, as left by an interrupted
	// operation.
	commit(t, h, func(tx *txn.Transaction) error {
		r, err := f.store.Allocator().Allocate(f.ctx, tx, h.ObjectID(), bs)
		if err != nil {
			return err
		}
		tx.Add(StoreID, txn.ExtentMutation{
			Key:   record.NewExtentKey(h.ObjectID(), h.AttributeID(), record.Range{End: bs}),
			Value: record.LiveExtent(r.Start, 0, nil),
		})
		return nil
	})
	require.Zero(t, h.Size())

	pinned := record.Range{Start: deviceBytes - bs, End: deviceBytes}
	commit(t, h, func(tx *txn.Transaction) error { return h.Extend(f.ctx, tx, pinned) })

	maps, err := h.GetAllocatedRanges(f.ctx, record.Range{End: bs})
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, pinned, maps[0].Device)
	assert.Equal(t, uint64(bs), f.allocated(), "stale extent deallocated")
	f.capacityHeld(t)
}
