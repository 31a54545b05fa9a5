package record

import "fmt"

// ExtentKey identifies a logical byte range of one attribute.
//
// Keys order by (ObjectID, AttributeID, Range.End). Within one layer of the
// extent index the ranges of a given (ObjectID, AttributeID) are disjoint, so
// ordering by End is the same as ordering by Start.
type ExtentKey struct {
	ObjectID    uint64
	AttributeID uint64
	Range       Range
}

// NewExtentKey builds an ExtentKey.
func NewExtentKey(objectID, attributeID uint64, r Range) ExtentKey {
	return ExtentKey{ObjectID: objectID, AttributeID: attributeID, Range: r}
}

// SameAttribute reports whether k and o belong to the same attribute.
func (k ExtentKey) SameAttribute(o ExtentKey) bool {
	return k.ObjectID == o.ObjectID && k.AttributeID == o.AttributeID
}

// CompareAttribute orders keys by (ObjectID, AttributeID) only.
func (k ExtentKey) CompareAttribute(o ExtentKey) int {
	switch {
	case k.ObjectID < o.ObjectID:
		return -1
	case k.ObjectID > o.ObjectID:
		return 1
	case k.AttributeID < o.AttributeID:
		return -1
	case k.AttributeID > o.AttributeID:
		return 1
	}
	return 0
}

// Compare orders keys by (ObjectID, AttributeID, Range.End).
func (k ExtentKey) Compare(o ExtentKey) int {
	if c := k.CompareAttribute(o); c != 0 {
		return c
	}
	switch {
	case k.Range.End < o.Range.End:
		return -1
	case k.Range.End > o.Range.End:
		return 1
	}
	return 0
}

func (k ExtentKey) String() string {
	return fmt.Sprintf("extent(%d/%d %s)", k.ObjectID, k.AttributeID, k.Range)
}

// ExtentKind distinguishes the three extent value variants.
type ExtentKind uint32

const (
	// ExtentNone means no record: the range reads as zero.
	ExtentNone ExtentKind = iota

	// ExtentDeleted is an explicit tombstone shadowing older layers.
	ExtentDeleted

	// ExtentLive maps the range to device bytes.
	ExtentLive
)

func (k ExtentKind) String() string {
	switch k {
	case ExtentNone:
		return "none"
	case ExtentDeleted:
		return "deleted"
	case ExtentLive:
		return "live"
	default:
		return "unknown"
	}
}

// ExtentValue is what an ExtentKey maps to.
//
// For live extents, Checksums is either nil or holds exactly one Fletcher-64
// value per filesystem block of the extent, computed over plaintext.
type ExtentValue struct {
	Kind         ExtentKind
	DeviceOffset uint64
	KeyID        uint64
	Checksums    []uint64
}

// LiveExtent returns a live value with checksums (nil for none).
func LiveExtent(deviceOffset, keyID uint64, checksums []uint64) ExtentValue {
	return ExtentValue{Kind: ExtentLive, DeviceOffset: deviceOffset, KeyID: keyID, Checksums: checksums}
}

// DeletedExtent returns a tombstone.
func DeletedExtent() ExtentValue {
	return ExtentValue{Kind: ExtentDeleted}
}

// IsLive reports whether the value maps to device bytes.
func (v ExtentValue) IsLive() bool {
	return v.Kind == ExtentLive
}

// HasChecksums reports whether the extent carries per-block checksums.
func (v ExtentValue) HasChecksums() bool {
	return v.Kind == ExtentLive && v.Checksums != nil
}

// Trim returns the value restricted to the part of its key range that starts
// delta bytes later. Checksums are sliced accordingly; delta must be a
// multiple of blockSize when checksums are present.
func (v ExtentValue) Trim(delta, length, blockSize uint64) ExtentValue {
	if v.Kind != ExtentLive {
		return v
	}
	out := v
	out.DeviceOffset += delta
	if v.Checksums != nil {
		first := delta / blockSize
		count := (length + blockSize - 1) / blockSize
		if first > uint64(len(v.Checksums)) {
			first = uint64(len(v.Checksums))
		}
		last := min(first+count, uint64(len(v.Checksums)))
		out.Checksums = v.Checksums[first:last:last]
	}
	return out
}

// Extent is a key/value pair as yielded by the extent index.
type Extent struct {
	Key   ExtentKey
	Value ExtentValue
}

// DeviceRange returns the device bytes backing e (empty for non-live values).
func (e Extent) DeviceRange() Range {
	if !e.Value.IsLive() {
		return Range{}
	}
	return Range{Start: e.Value.DeviceOffset, End: e.Value.DeviceOffset + e.Key.Range.Len()}
}

// Sub returns e restricted to r, which must lie within e.Key.Range.
func (e Extent) Sub(r Range, blockSize uint64) Extent {
	return Extent{
		Key:   ExtentKey{ObjectID: e.Key.ObjectID, AttributeID: e.Key.AttributeID, Range: r},
		Value: e.Value.Trim(r.Start-e.Key.Range.Start, r.Len(), blockSize),
	}
}
