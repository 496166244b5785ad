// Package errors defines the classified error taxonomy surfaced by every
// engine operation. Each error carries a structured code that facades map
// onto the RPC response envelope unchanged.
package errors

import (
	"errors"
	"fmt"
)

// Code is the structured error code surfaced to clients
type Code string

const (
	CodeValidation               Code = "VALIDATION_ERROR"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeConflict                 Code = "CONFLICT"
	CodeForbidden                Code = "FORBIDDEN"
	CodeStaleContext             Code = "STALE_CONTEXT"
	CodeMissingCompletionSummary Code = "MISSING_COMPLETION_SUMMARY"
	CodeDependencyCycle          Code = "DEPENDENCY_CYCLE"
	CodeInternal                 Code = "INTERNAL_ERROR"
)

// Error is a classified error with a structured code and optional cause
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Recoverable indicates a transient infrastructure failure that the
	// caller may retry
	Recoverable bool                   `json:"recoverable,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a detail field and returns the error for chaining
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a classified error
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause with a classified error
func Wrap(cause error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Validation creates a VALIDATION_ERROR naming the offending field
func Validation(field, format string, args ...interface{}) *Error {
	e := New(CodeValidation, format, args...)
	return e.WithDetail("field", field)
}

// NotFound creates a NOT_FOUND error for an entity kind and id
func NotFound(kind, id string) *Error {
	e := New(CodeNotFound, "%s not found: %s", kind, id)
	return e.WithDetail("kind", kind).WithDetail("id", id)
}

// Conflict creates a CONFLICT error
func Conflict(format string, args ...interface{}) *Error {
	return New(CodeConflict, format, args...)
}

// Forbidden creates a FORBIDDEN error. The message must not leak whether
// the target exists.
func Forbidden(format string, args ...interface{}) *Error {
	return New(CodeForbidden, format, args...)
}

// Internal wraps an unexpected failure. Transient infrastructure failures
// set recoverable so clients know a retry may succeed.
func Internal(cause error, recoverable bool) *Error {
	msg := "internal error"
	if recoverable {
		msg = "transient infrastructure error"
	}
	return &Error{Code: CodeInternal, Message: msg, Recoverable: recoverable, cause: cause}
}

// CodeOf extracts the structured code from an error chain, defaulting to
// INTERNAL_ERROR for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// AsError extracts the classified error from a chain, or wraps err as an
// unrecoverable internal error.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err, false)
}
