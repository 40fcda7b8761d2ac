package cache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an entry id is unknown or expired. A miss is
// a normal negative result, so callers check with errors.Is rather than
// treating it as a failure.
var ErrNotFound = errors.New("entry not found")

// ValidationError reports a rejected input. Validation failures are
// programming errors at the call site and are never retried.
type ValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// TransientStorageError wraps a failure from the persistence collaborator.
// The in-memory cache keeps serving; durability is best-effort.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error {
	return e.Err
}
