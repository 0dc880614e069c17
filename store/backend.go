package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by mutating operations that address a missing record.
	ErrNotFound = errors.New("geometry record not found")
	// ErrVersionConflict is returned by conditional writes when the record changed underneath.
	ErrVersionConflict = errors.New("geometry record version conflict")
	// ErrPersistence is wrapped by every backend failure.
	ErrPersistence = errors.New("geometry store persistence failure")
)

// PersistenceError wraps a backend failure with the operation that hit it
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// AnyVersion disables the version check in Backend.Put
const AnyVersion int64 = -1

// Backend persists records. Implementations must make Put atomic: readers
// observe either the previous record or the new one, never a mix. Records
// passed in and handed out are owned by the caller.
type Backend interface {
	// LoadByKey returns the record for (ownerID, key), or nil on a miss.
	LoadByKey(ctx context.Context, ownerID, key string) (*Record, error)
	// LoadByID returns the record with the given id belonging to ownerID, or nil.
	LoadByID(ctx context.Context, ownerID, id string) (*Record, error)
	// Put upserts rec keyed by (rec.OwnerID, rec.Key). When ifVersion is not
	// AnyVersion the write only happens if the stored version equals
	// ifVersion, otherwise ErrVersionConflict is returned.
	Put(ctx context.Context, rec *Record, ifVersion int64) error
	// List returns every record of ownerID in no particular order.
	List(ctx context.Context, ownerID string) ([]*Record, error)
	Close() error
}
