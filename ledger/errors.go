package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no listing exists for the identifier.
	ErrNotFound = errors.New("ledger: listing not found")
	// ErrPersistence marks failures of the backing store. The transaction was rolled back.
	ErrPersistence = errors.New("ledger: persistence failure")
	// ErrVersionConflict signals that a listing changed between read and write.
	ErrVersionConflict = errors.New("ledger: version conflict")
	// ErrTxDone is returned when a finished transaction is reused.
	ErrTxDone = errors.New("ledger: transaction already finished")
)

// PersistenceError wraps a store failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func persistence(op string, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
