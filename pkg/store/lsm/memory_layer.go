package lsm

import (
	"sort"

	"github.com/marmos91/extentstore/pkg/store/record"
)

// memLayer is an immutable, sorted, non-overlapping run of extents.
//
// The mutable layer of an ExtentTree is a *memLayer that is replaced on
// every insert, so iterators keep a consistent snapshot by holding on to the
// layer they started with.
type memLayer struct {
	items []record.Extent
}

// seek returns the index of the first item of (obj, attr) ending after
// offset, or the index where such an item would be.
func (l *memLayer) seek(obj, attr, offset uint64) int {
	target := record.NewExtentKey(obj, attr, record.Range{})
	return sort.Search(len(l.items), func(i int) bool {
		k := l.items[i].Key
		if c := k.CompareAttribute(target); c != 0 {
			return c > 0
		}
		return k.Range.End > offset
	})
}

// insert returns a new layer with e added. Parts of existing extents of the
// same attribute overlapping e are cut away, so a later insert always wins.
func (l *memLayer) insert(e record.Extent, blockSize uint64) *memLayer {
	r := e.Key.Range
	first := l.seek(e.Key.ObjectID, e.Key.AttributeID, r.Start)

	last := first
	for last < len(l.items) && l.items[last].Key.SameAttribute(e.Key) && l.items[last].Key.Range.Start < r.End {
		last++
	}

	out := make([]record.Extent, 0, len(l.items)+2)
	out = append(out, l.items[:first]...)
	if first < last {
		head := l.items[first]
		if head.Key.Range.Start < r.Start {
			out = append(out, head.Sub(record.Range{Start: head.Key.Range.Start, End: r.Start}, blockSize))
		}
	}
	out = append(out, e)
	if first < last {
		tail := l.items[last-1]
		if tail.Key.Range.End > r.End {
			out = append(out, tail.Sub(record.Range{Start: r.End, End: tail.Key.Range.End}, blockSize))
		}
	}
	out = append(out, l.items[last:]...)
	return &memLayer{items: out}
}

func (l *memLayer) len() int {
	return len(l.items)
}

// memIterator walks a memLayer within one attribute.
type memIterator struct {
	layer *memLayer
	obj   uint64
	attr  uint64
	pos   int
}

func newMemIterator(l *memLayer, obj, attr, offset uint64) *memIterator {
	return &memIterator{layer: l, obj: obj, attr: attr, pos: l.seek(obj, attr, offset)}
}

func (it *memIterator) get() (record.Extent, bool) {
	if it.pos >= len(it.layer.items) {
		return record.Extent{}, false
	}
	e := it.layer.items[it.pos]
	if e.Key.ObjectID != it.obj || e.Key.AttributeID != it.attr {
		return record.Extent{}, false
	}
	return e, true
}

func (it *memIterator) advance() error {
	it.pos++
	return nil
}

func (it *memIterator) close() {}
