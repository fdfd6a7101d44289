package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup by ID matches no record.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a local persistence failure. Storage failures are
// fatal to the triggering operation and never retried automatically.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// ValidationError marks a malformed record or payload. Validation
// failures are rejected outright, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
