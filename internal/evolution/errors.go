// Package evolution holds the domain vocabulary shared by the capability
// evolution engine: enums, the error taxonomy, and open evidence documents.
package evolution

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks a caller error (bad enum, empty required field).
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound marks a reference to a nonexistent row.
	ErrNotFound = errors.New("not found")
	// ErrApprovalRequired marks an execute attempted before human approval.
	ErrApprovalRequired = errors.New("approval required")
	// ErrConflict marks a lost concurrent race. Safe to retry after re-reading state.
	ErrConflict = errors.New("conflict")
	// ErrStoreUnavailable marks a transient store failure. Retried by the caller.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Invalid wraps ErrInvalidArgument with a formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NotFound wraps ErrNotFound with the kind and id of the missing row.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// Conflictf wraps ErrConflict with a formatted detail.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
