package lsm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/marmos91/extentstore/pkg/store/record"
	xdr "github.com/rasky/go-xdr/xdr2"
)

// Serialization Strategy
// ======================
//
// Extent values are small, fixed-shape and by far the most numerous
// records, so they are XDR encoded. Object records are JSON, which keeps
// them readable when inspecting the database and tolerates new optional
// fields.

// extentDisk is the persisted form of an extent. Start is stored in the
// value because the key only carries End.
type extentDisk struct {
	Start        uint64
	Kind         uint32
	DeviceOffset uint64
	KeyID        uint64
	HasChecksums bool
	Checksums    []uint64
}

func encodeExtent(e record.Extent) ([]byte, error) {
	d := extentDisk{
		Start:        e.Key.Range.Start,
		Kind:         uint32(e.Value.Kind),
		DeviceOffset: e.Value.DeviceOffset,
		KeyID:        e.Value.KeyID,
		HasChecksums: e.Value.Checksums != nil,
		Checksums:    e.Value.Checksums,
	}
	return MarshalXDR(&d)
}

func decodeExtent(key, value []byte) (record.Extent, error) {
	obj, attr, end, err := parseExtentKey(key)
	if err != nil {
		return record.Extent{}, err
	}

	var d extentDisk
	if err := UnmarshalXDR(value, &d); err != nil {
		return record.Extent{}, fmt.Errorf("lsm: decode extent %x: %w", key, err)
	}
	if d.Start >= end {
		return record.Extent{}, fmt.Errorf("lsm: extent %x has empty range [%d, %d)", key, d.Start, end)
	}

	v := record.ExtentValue{
		Kind:         record.ExtentKind(d.Kind),
		DeviceOffset: d.DeviceOffset,
		KeyID:        d.KeyID,
	}
	if d.HasChecksums {
		v.Checksums = d.Checksums
		if v.Checksums == nil {
			v.Checksums = []uint64{}
		}
	}
	return record.Extent{
		Key:   record.NewExtentKey(obj, attr, record.Range{Start: d.Start, End: end}),
		Value: v,
	}, nil
}

func encodeObjectValue(v record.ObjectValue) ([]byte, error) {
	return json.Marshal(v)
}

func decodeObjectValue(data []byte) (record.ObjectValue, error) {
	var v record.ObjectValue
	if err := json.Unmarshal(data, &v); err != nil {
		return record.ObjectValue{}, fmt.Errorf("lsm: decode object record: %w", err)
	}
	return v, nil
}

// MarshalXDR encodes v with XDR.
func MarshalXDR(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalXDR decodes data into v.
func UnmarshalXDR(data []byte, v any) error {
	_, err := xdr.Unmarshal(bytes.NewReader(data), v)
	return err
}
