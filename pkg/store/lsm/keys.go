package lsm

import (
	"encoding/binary"
	"fmt"

	"github.com/marmos91/extentstore/pkg/store/record"
)

// Database Key Namespace Design
// ==============================
//
// The persistent layer is a single BadgerDB. Prefixed keys separate the
// record types, and all integers are big-endian so byte order matches the
// in-memory key order and prefix scans walk one attribute in offset order.
//
// Data Type        Prefix   Key Format                               Value Type
// ================================================================================
// Extents          "e:"     e:<object u64><attribute u64><end u64>   extent (XDR)
// Object records   "o:"     o:<object u64><kind u8><attribute u64>   ObjectValue (JSON)
// Store state      "s:"     s:<name>                                 per-name (XDR/JSON)
//
// Extent keys end with the range End rather than Start: a lower-bound seek
// for End > offset then lands on the first extent that can still contain
// offset, which is exactly where a read at offset starts.

const (
	prefixExtent = "e:"
	prefixObject = "o:"
	prefixState  = "s:"
)

// extentAttrPrefixLen is the length of "e:<object><attribute>".
const extentAttrPrefixLen = len(prefixExtent) + 16

// keyExtent encodes an extent key.
//
// Format: "e:" + object + attribute + range.End
func keyExtent(objectID, attributeID, end uint64) []byte {
	k := make([]byte, extentAttrPrefixLen+8)
	copy(k, prefixExtent)
	binary.BigEndian.PutUint64(k[2:], objectID)
	binary.BigEndian.PutUint64(k[10:], attributeID)
	binary.BigEndian.PutUint64(k[18:], end)
	return k
}

// keyExtentAttrPrefix returns the scan prefix of one attribute's extents.
func keyExtentAttrPrefix(objectID, attributeID uint64) []byte {
	return keyExtent(objectID, attributeID, 0)[:extentAttrPrefixLen]
}

// parseExtentKey decodes the (object, attribute, end) triple.
func parseExtentKey(k []byte) (objectID, attributeID, end uint64, err error) {
	if len(k) != extentAttrPrefixLen+8 || string(k[:2]) != prefixExtent {
		return 0, 0, 0, fmt.Errorf("lsm: malformed extent key %x", k)
	}
	return binary.BigEndian.Uint64(k[2:]), binary.BigEndian.Uint64(k[10:]), binary.BigEndian.Uint64(k[18:]), nil
}

// keyObject encodes an object records tree key.
//
// Format: "o:" + object + kind + attribute
func keyObject(key record.ObjectKey) []byte {
	k := make([]byte, len(prefixObject)+17)
	copy(k, prefixObject)
	binary.BigEndian.PutUint64(k[2:], key.ObjectID)
	k[10] = byte(key.Kind)
	binary.BigEndian.PutUint64(k[11:], key.AttributeID)
	return k
}

func parseObjectKey(k []byte) (record.ObjectKey, error) {
	if len(k) != len(prefixObject)+17 || string(k[:2]) != prefixObject {
		return record.ObjectKey{}, fmt.Errorf("lsm: malformed object key %x", k)
	}
	return record.ObjectKey{
		ObjectID:    binary.BigEndian.Uint64(k[2:]),
		Kind:        record.ObjectKeyKind(k[10]),
		AttributeID: binary.BigEndian.Uint64(k[11:]),
	}, nil
}

// StateKey returns the key of a named store state record.
//
// Format: "s:<name>"
func StateKey(name string) []byte {
	return []byte(prefixState + name)
}
