package object

import (
	"errors"
	"fmt"
)

// StoreError is a domain error returned by object handles and the store.
//
// Failures of collaborators (device I/O, allocator, encryption, badger) are
// not StoreErrors; they are returned wrapped with context.
type StoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// ObjectID is the object the error relates to (0 if none)
	ObjectID uint64
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.ObjectID != 0 {
		return fmt.Sprintf("%s: object %d", e.Message, e.ObjectID)
	}
	return e.Message
}

// Is matches any *StoreError with the same code, so
// errors.Is(err, &StoreError{Code: ErrTooBig}) works.
func (e *StoreError) Is(target error) bool {
	var t *StoreError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode represents the category of a StoreError.
type ErrorCode int

const (
	// ErrTooBig indicates size or offset arithmetic would exceed MaxFileSize
	ErrTooBig ErrorCode = iota

	// ErrInconsistent indicates stored metadata violates an invariant the
	// handle relies on (missing record variant, allocated-size underflow,
	// overwrite over an extent that was not preallocated)
	ErrInconsistent

	// ErrNotFile indicates file properties were requested for an object
	// that is not a file
	ErrNotFile

	// ErrInvalidArgument indicates invalid parameters, such as an
	// unaligned offset where alignment is required
	ErrInvalidArgument

	// ErrNotFound indicates the object or attribute has no record
	ErrNotFound

	// ErrIntegrity indicates a block failed checksum verification
	ErrIntegrity
)

func (c ErrorCode) String() string {
	switch c {
	case ErrTooBig:
		return "too big"
	case ErrInconsistent:
		return "inconsistent"
	case ErrNotFile:
		return "not a file"
	case ErrInvalidArgument:
		return "invalid argument"
	case ErrNotFound:
		return "not found"
	case ErrIntegrity:
		return "integrity"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

func newError(code ErrorCode, objectID uint64, format string, args ...any) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...), ObjectID: objectID}
}

func hasCode(err error, code ErrorCode) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == code
}

// IsTooBig reports whether err is an ErrTooBig StoreError.
func IsTooBig(err error) bool { return hasCode(err, ErrTooBig) }

// IsInconsistent reports whether err is an ErrInconsistent StoreError.
func IsInconsistent(err error) bool { return hasCode(err, ErrInconsistent) }

// IsNotFile reports whether err is an ErrNotFile StoreError.
func IsNotFile(err error) bool { return hasCode(err, ErrNotFile) }

// IsInvalidArgument reports whether err is an ErrInvalidArgument StoreError.
func IsInvalidArgument(err error) bool { return hasCode(err, ErrInvalidArgument) }

// IsNotFound reports whether err is an ErrNotFound StoreError.
func IsNotFound(err error) bool { return hasCode(err, ErrNotFound) }

// IsIntegrity reports whether err is an ErrIntegrity StoreError.
func IsIntegrity(err error) bool { return hasCode(err, ErrIntegrity) }
