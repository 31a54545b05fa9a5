// Package txn batches metadata and extent mutations and applies them
// atomically under per-attribute locks.
package txn

import (
	"fmt"

	"github.com/marmos91/extentstore/pkg/store/record"
)

// Mutation is a change staged in a transaction. The concrete types are
// ObjectStoreMutation, ExtentMutation and AllocatorMutation.
type Mutation interface {
	fmt.Stringer
	isMutation()
}

// ObjectStoreMutation replaces one record of the object records tree.
type ObjectStoreMutation struct {
	Key   record.ObjectKey
	Value record.ObjectValue
}

func (ObjectStoreMutation) isMutation() {}

func (m ObjectStoreMutation) String() string {
	return fmt.Sprintf("object %s", m.Key)
}

// NewObjectMutation builds an ObjectStoreMutation.
func NewObjectMutation(key record.ObjectKey, value record.ObjectValue) ObjectStoreMutation {
	return ObjectStoreMutation{Key: key, Value: value}
}

// ExtentMutation inserts an extent or a tombstone into the extent index.
type ExtentMutation struct {
	Key   record.ExtentKey
	Value record.ExtentValue
}

func (ExtentMutation) isMutation() {}

func (m ExtentMutation) String() string {
	return fmt.Sprintf("%s %s", m.Key, m.Value.Kind)
}

// AllocatorOp is the kind of an AllocatorMutation.
type AllocatorOp uint8

const (
	OpAllocate AllocatorOp = iota
	OpDeallocate
)

func (op AllocatorOp) String() string {
	if op == OpAllocate {
		return "allocate"
	}
	return "deallocate"
}

// AllocatorMutation records a device range reservation or release.
type AllocatorMutation struct {
	Op    AllocatorOp
	Range record.Range
	Owner uint64
}

func (AllocatorMutation) isMutation() {}

func (m AllocatorMutation) String() string {
	return fmt.Sprintf("%s %s owner=%d", m.Op, m.Range, m.Owner)
}

// AssociatedObject is notified when a mutation it was staged with is
// applied. The transaction does not own the object.
type AssociatedObject interface {
	WillApplyMutation(m Mutation)
}

// Committer applies the mutations staged for one store id.
//
// ApplyMutation runs while the transaction holds its write locks and is
// infallible; any validation must happen while staging. DiscardMutation
// lets the committer undo side effects of staging (for example releasing a
// reservation) when the transaction is dropped.
type Committer interface {
	ApplyMutation(m Mutation)
	DiscardMutation(m Mutation)
}

// Entry is one staged mutation.
type Entry struct {
	StoreID uint64
	Mutation
	Object AssociatedObject
}
