package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity id does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict marks a lost race on a unique key.
	ErrConflict = errors.New("registry write conflict")
	// ErrBusy marks transient lock contention; the write may be retried.
	ErrBusy = errors.New("registry busy")
	// ErrUnavailable marks a storage failure. Callers must stop writing.
	ErrUnavailable = errors.New("registry unavailable")
	// ErrMerged is returned when merging an entity that was already merged away.
	ErrMerged = errors.New("entity already merged")
)

// ConflictError reports which entity won a unique-key race.
type ConflictError struct {
	Key      string
	Type     string
	WinnerID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: (%q, %s) already held by entity %d", ErrConflict, e.Key, e.Type, e.WinnerID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsRetryable reports whether err is a conflict or contention error.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrBusy)
}
