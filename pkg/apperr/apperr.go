// Package apperr reifies the error kinds the control plane distinguishes by
// effect (not by Go type name): which HTTP status they map to, whether they
// are safe to treat as idempotent no-ops, and whether they are retried.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the effect it should have on a caller.
type Kind string

const (
	AuthFailure       Kind = "auth_failure"
	NotFound          Kind = "not_found"
	ValidationError   Kind = "validation_error"
	DriverError       Kind = "driver_error"
	IntegrityError    Kind = "integrity_error"
	CorruptStore      Kind = "corrupt_store"
	TransientExternal Kind = "transient_external"
	Canceled          Kind = "canceled"
)

// Error wraps an underlying error with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind, operation label, and cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to DriverError when err is
// non-nil but not an *Error — unclassified failures from a dependency are
// treated as driver/backend failures rather than silently swallowed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return DriverError
}
