package lsm

import (
	"github.com/marmos91/extentstore/pkg/store/record"
)

// layerIterator is the per-layer cursor the merger drives.
type layerIterator interface {
	get() (record.Extent, bool)
	advance() error
	close()
}

// MergeIterator presents the layers of an ExtentTree as a single sorted,
// non-overlapping sequence of extents for one attribute.
//
// Where layers overlap, the newest layer wins and older items are trimmed
// to the parts it does not cover. Tombstones are yielded with kind
// ExtentDeleted so callers can tell them apart from gaps; ranges no layer
// covers are simply skipped.
type MergeIterator struct {
	layers    []layerIterator // newest first
	blockSize uint64
	pos       uint64
	cur       record.Extent
	ok        bool
}

func newMergeIterator(layers []layerIterator, blockSize, offset uint64) (*MergeIterator, error) {
	m := &MergeIterator{layers: layers, blockSize: blockSize, pos: offset}
	if err := m.settle(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Get returns the current item, or false when the attribute is exhausted.
func (m *MergeIterator) Get() (record.Extent, bool) {
	return m.cur, m.ok
}

// Advance moves to the next item.
func (m *MergeIterator) Advance() error {
	if !m.ok {
		return nil
	}
	m.pos = m.cur.Key.Range.End
	return m.settle()
}

// Close releases layer snapshots. It is safe to call more than once.
func (m *MergeIterator) Close() {
	for _, l := range m.layers {
		l.close()
	}
	m.layers = nil
	m.ok = false
}

// settle computes the item starting at or after pos.
func (m *MergeIterator) settle() error {
	m.ok = false

	// Drop items that end at or before the current position.
	for _, l := range m.layers {
		for {
			e, ok := l.get()
			if !ok || e.Key.Range.End > m.pos {
				break
			}
			if err := l.advance(); err != nil {
				return err
			}
		}
	}

	// The winner is the item with the lowest effective start; on ties the
	// newest layer wins.
	winner := -1
	var start uint64
	for i, l := range m.layers {
		e, ok := l.get()
		if !ok {
			continue
		}
		s := max(e.Key.Range.Start, m.pos)
		if winner < 0 || s < start {
			winner, start = i, s
		}
	}
	if winner < 0 {
		return nil
	}

	w, _ := m.layers[winner].get()
	end := w.Key.Range.End

	// A newer layer's next item cuts the winner short where it begins.
	for i := 0; i < winner; i++ {
		if e, ok := m.layers[i].get(); ok {
			end = min(end, max(e.Key.Range.Start, m.pos))
		}
	}

	m.cur = w.Sub(record.Range{Start: start, End: end}, m.blockSize)
	m.ok = true
	return nil
}
