// Package fault defines the platform error taxonomy.
//
// Every error that crosses a component boundary is classified with a
// Kind so callers can branch on category instead of string matching.
// The HTTP layer maps kinds to status codes; the engine maps them to
// execution results.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorizes a platform error.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input.
	KindValidation Kind = "validation"

	// KindNotFound marks a reference to a missing resource.
	KindNotFound Kind = "not_found"

	// KindConflict marks an operation illegal in the current state,
	// such as replaying an event that is pending or processing.
	KindConflict Kind = "conflict"

	// KindActionFailed marks a dispatched action that did not succeed.
	KindActionFailed Kind = "action_failed"

	// KindEvalError marks a condition that could not be evaluated
	// against a payload.
	KindEvalError Kind = "eval_error"

	// KindTimeout marks work abandoned after exceeding its budget.
	KindTimeout Kind = "timeout"

	// KindInternal marks unexpected failures: database faults, bugs.
	KindInternal Kind = "internal"
)

// Error is a classified platform error. Details carries structured
// context safe to expose in API responses.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any

	// cause, when set, is the wrapped underlying error.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// WithDetails attaches structured context and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Validation builds a validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound builds a not-found error for a resource and id.
func NotFound(resource string, id any) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %v not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// Conflict builds a conflict error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(err error, format string, args ...any) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// KindOf reports the Kind of err, walking wrapped chains. Errors
// without a classification report KindInternal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return IsKind(err, KindNotFound)
}

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool {
	return IsKind(err, KindConflict)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return IsKind(err, KindValidation)
}

// DetailsOf returns the structured details attached to err, or nil.
func DetailsOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}
