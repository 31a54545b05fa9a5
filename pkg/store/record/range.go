// Package record defines the data model shared by the extent index, the
// transaction layer and the object data handle.
package record

import "fmt"

// Range is a half-open byte range [Start, End).
//
// Ranges are used both for logical file offsets and for device offsets.
type Range struct {
	Start uint64
	End   uint64
}

// Len returns End - Start, or 0 for an inverted range.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range covers no bytes.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

// Overlaps reports whether r and o share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Intersect returns the common part of r and o (possibly empty).
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// Contains reports whether offset lies inside r.
func (r Range) Contains(offset uint64) bool {
	return offset >= r.Start && offset < r.End
}

// IsAligned reports whether both ends are multiples of blockSize.
func (r Range) IsAligned(blockSize uint64) bool {
	return r.Start%blockSize == 0 && r.End%blockSize == 0
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// RoundDown rounds offset down to a multiple of blockSize.
func RoundDown(offset, blockSize uint64) uint64 {
	return offset - offset%blockSize
}

// RoundUp rounds offset up to a multiple of blockSize. ok is false when the
// result would overflow.
func RoundUp(offset, blockSize uint64) (uint64, bool) {
	rem := offset % blockSize
	if rem == 0 {
		return offset, true
	}
	pad := blockSize - rem
	if offset > ^uint64(0)-pad {
		return 0, false
	}
	return offset + pad, true
}
