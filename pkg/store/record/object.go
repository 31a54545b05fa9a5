package record

import (
	"fmt"
	"time"
)

// ObjectKeyKind selects between the object record and one of its
// attribute records.
type ObjectKeyKind uint8

const (
	KeyObject ObjectKeyKind = iota
	KeyAttribute
)

// ObjectKey addresses one record in the object records tree.
type ObjectKey struct {
	ObjectID    uint64        `json:"object_id"`
	Kind        ObjectKeyKind `json:"kind"`
	AttributeID uint64        `json:"attribute_id,omitempty"`
}

// ObjectRecordKey returns the key of the object's main record.
func ObjectRecordKey(objectID uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Kind: KeyObject}
}

// AttributeKey returns the key of an attribute's size record.
func AttributeKey(objectID, attributeID uint64) ObjectKey {
	return ObjectKey{ObjectID: objectID, Kind: KeyAttribute, AttributeID: attributeID}
}

// Compare orders keys by (ObjectID, Kind, AttributeID).
func (k ObjectKey) Compare(o ObjectKey) int {
	switch {
	case k.ObjectID != o.ObjectID:
		return cmpUint64(k.ObjectID, o.ObjectID)
	case k.Kind != o.Kind:
		return cmpUint64(uint64(k.Kind), uint64(o.Kind))
	default:
		return cmpUint64(k.AttributeID, o.AttributeID)
	}
}

func (k ObjectKey) String() string {
	if k.Kind == KeyAttribute {
		return fmt.Sprintf("attr(%d/%d)", k.ObjectID, k.AttributeID)
	}
	return fmt.Sprintf("object(%d)", k.ObjectID)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// ObjectValueKind is the variant held by an ObjectValue.
type ObjectValueKind uint8

const (
	ValueNone ObjectValueKind = iota
	ValueObject
	ValueAttribute
)

// ObjectKind is the variant of an object record.
type ObjectKind uint8

const (
	KindFile ObjectKind = iota
	KindDirectory
)

// FileRecord holds the per-file counters of an object record.
type FileRecord struct {
	RefCount      uint64 `json:"ref_count"`
	AllocatedSize uint64 `json:"allocated_size"`
}

// DirectoryRecord is the directory variant of an object record.
type DirectoryRecord struct {
	SubDirs uint64 `json:"sub_dirs"`
}

// Timestamps are the mutable time attributes of an object.
type Timestamps struct {
	CreationTime     time.Time `json:"creation_time"`
	ModificationTime time.Time `json:"modification_time"`
}

// ObjectRecord is the value stored under ObjectRecordKey. Exactly one of
// File or Directory is set, matching Kind.
type ObjectRecord struct {
	Kind       ObjectKind       `json:"kind"`
	File       *FileRecord      `json:"file,omitempty"`
	Directory  *DirectoryRecord `json:"directory,omitempty"`
	Timestamps Timestamps       `json:"timestamps"`
}

// AttributeRecord is the value stored under AttributeKey.
type AttributeRecord struct {
	Size uint64 `json:"size"`
}

// ObjectValue is a tagged union over the record types of the object tree.
type ObjectValue struct {
	Kind      ObjectValueKind  `json:"kind"`
	Object    *ObjectRecord    `json:"object,omitempty"`
	Attribute *AttributeRecord `json:"attribute,omitempty"`
}

// FileValue builds the object record of a new file.
func FileValue(refCount, allocatedSize uint64, ts Timestamps) ObjectValue {
	return ObjectValue{
		Kind: ValueObject,
		Object: &ObjectRecord{
			Kind:       KindFile,
			File:       &FileRecord{RefCount: refCount, AllocatedSize: allocatedSize},
			Timestamps: ts,
		},
	}
}

// DirectoryValue builds the object record of a directory.
func DirectoryValue(subDirs uint64, ts Timestamps) ObjectValue {
	return ObjectValue{
		Kind: ValueObject,
		Object: &ObjectRecord{
			Kind:       KindDirectory,
			Directory:  &DirectoryRecord{SubDirs: subDirs},
			Timestamps: ts,
		},
	}
}

// AttributeValue builds an attribute size record.
func AttributeValue(size uint64) ObjectValue {
	return ObjectValue{Kind: ValueAttribute, Attribute: &AttributeRecord{Size: size}}
}

// Clone returns a deep copy, so a pending mutation can be edited without
// touching the committed record it was derived from.
func (v ObjectValue) Clone() ObjectValue {
	out := ObjectValue{Kind: v.Kind}
	if v.Object != nil {
		obj := *v.Object
		if obj.File != nil {
			f := *obj.File
			obj.File = &f
		}
		if obj.Directory != nil {
			d := *obj.Directory
			obj.Directory = &d
		}
		out.Object = &obj
	}
	if v.Attribute != nil {
		a := *v.Attribute
		out.Attribute = &a
	}
	return out
}

// AsFile returns the file view of an object record, or false when v is not
// a file record.
func (v ObjectValue) AsFile() (*ObjectRecord, bool) {
	if v.Kind != ValueObject || v.Object == nil || v.Object.Kind != KindFile || v.Object.File == nil {
		return nil, false
	}
	return v.Object, true
}

// ObjectProperties is the externally visible summary of a file.
type ObjectProperties struct {
	RefCount          uint64
	AllocatedSize     uint64
	DataAttributeSize uint64
	CreationTime      time.Time
	ModificationTime  time.Time
}

// Object is a key/value pair of the object records tree.
type Object struct {
	Key   ObjectKey
	Value ObjectValue
}
