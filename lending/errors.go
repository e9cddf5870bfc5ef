/*
errors.go - Centralized error types for the lending engine

PURPOSE:
  All error types in one place. Every failure the engine returns carries a
  stable machine-readable code plus a human message, so transport layers can
  map them deterministically.

ERROR CATEGORIES:
  1. Validation      - malformed input, rejected before touching state
  2. Not found       - referenced id does not exist
  3. Conflict        - email collision, book already borrowed
  4. Authorization   - returner is not the current holder
  5. Infrastructure  - storage unavailable; the only retryable class

USAGE:
  if errors.Is(err, lending.ErrFailedPrecondition) { ... }
  code := lending.CodeOf(err) // "FAILED_PRECONDITION"

SEE ALSO:
  - guard.go: produces precondition/permission failures
  - api/errors.go: maps codes to HTTP statuses
*/
package lending

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// CODES
// =============================================================================

type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInternal           Code = "INTERNAL_ERROR"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced book or member doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyExists is returned when a member email is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrFailedPrecondition is returned for well-formed requests that cannot
	// be applied to the current state (borrowing a borrowed book).
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrPermissionDenied is returned when the returner is not the holder.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInfrastructure marks storage faults.
	ErrInfrastructure = errors.New("infrastructure failure")

	// ErrConcurrentModification is returned by a store when an optimistic
	// commit lost a race. The guard retries it after re-reading state.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInconsistentState is returned when a book's cached availability
	// disagrees with the ledger. The guard refuses to extend such a state.
	ErrInconsistentState = errors.New("book state disagrees with ledger")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Error is a domain failure with a stable code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrNotFound
	case CodeInvalidArgument:
		return ErrInvalidArgument
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeFailedPrecondition:
		return ErrFailedPrecondition
	case CodePermissionDenied:
		return ErrPermissionDenied
	}
	return nil
}

func newError(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return newError(CodeNotFound, format, args...)
}

func InvalidArgument(format string, args ...any) error {
	return newError(CodeInvalidArgument, format, args...)
}

func AlreadyExists(format string, args ...any) error {
	return newError(CodeAlreadyExists, format, args...)
}

func FailedPrecondition(format string, args ...any) error {
	return newError(CodeFailedPrecondition, format, args...)
}

func PermissionDenied(format string, args ...any) error {
	return newError(CodePermissionDenied, format, args...)
}

// StorageError wraps an infrastructure fault with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrInfrastructure, e.Err}
}

// storageFault wraps err unless it already is a domain or storage error,
// an inconsistency report or a context error.
func storageFault(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInconsistentState) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var de *Error
	var se *StorageError
	if errors.As(err, &de) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// InconsistencyError describes a book whose cache disagrees with the ledger.
type InconsistencyError struct {
	BookID     BookID
	CachedHeld *MemberID
	OpenEntry  *LedgerEntry
}

func (e *InconsistencyError) Error() string {
	cached, ledger := "none", "none"
	if e.CachedHeld != nil {
		cached = fmt.Sprintf("member %d", *e.CachedHeld)
	}
	if e.OpenEntry != nil {
		ledger = fmt.Sprintf("member %d (entry %d)", e.OpenEntry.MemberID, e.OpenEntry.ID)
	}
	return fmt.Sprintf("book %d: cached holder %s, ledger holder %s", e.BookID, cached, ledger)
}

func (e *InconsistencyError) Unwrap() error {
	return ErrInconsistentState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf returns the boundary code for err. Anything that is not a domain
// error is an INTERNAL_ERROR.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrFailedPrecondition):
		return CodeFailedPrecondition
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	}
	return CodeInternal
}

// MessageOf returns the human message for err. Internal details are not
// leaked past the boundary.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "request was canceled before it could be applied"
	}
	return "an internal error occurred"
}

// IsRetryable returns true if a caller may retry the failed call. Only
// infrastructure faults qualify, and a caller must re-check state before
// retrying a Borrow or Return.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInfrastructure) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return CodeOf(err) != CodeInternal
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
