package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session, turn, or summary does not exist.
var ErrNotFound = errors.New("not found")

// StorageError wraps a durable read/write failure. It is fatal to the
// triggering operation and propagates to the caller; the store never retries
// silently.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError for operation op.
func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
