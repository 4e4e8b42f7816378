package apperror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrLedger            = errors.New("ledger error")
	ErrValidation        = errors.New("validation error")
)

// Forbidden reports that the actor may not perform the operation.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// NotFound reports an unknown entity id.
func NotFound(entity string, id fmt.Stringer) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

// TransitionError is returned when the current state does not permit the
// requested operation. Allowed lists the states reachable from Current.
type TransitionError struct {
	Entity    string
	Current   string
	Attempted string
	Allowed   []string
}

func (e *TransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("invalid %s transition from %s to %s (allowed: %s)", e.Entity, e.Current, e.Attempted, allowed)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// LedgerError wraps an escrow gateway failure. The command that produced it
// left no state behind and may be retried.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() []error { return []error{ErrLedger, e.Err} }

func (e *LedgerError) Retryable() bool { return true }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}
