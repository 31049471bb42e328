package core

import (
	"errors"
	"fmt"
)

// Code classifies an engine error for callers that need to decide
// whether to retry, surface, or treat a failure as a bug.
type Code string

const (
	// CodeInvalidArgument marks empty or malformed required fields.
	// Rejected before any mutation takes place.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeNotFound marks a reference to a nonexistent node, edge, or ID.
	CodeNotFound Code = "NOT_FOUND"

	// CodeUnavailable marks transient resource exhaustion (for example an
	// overloaded embedding backend). Safe to retry.
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeInternal marks storage corruption or an invariant violation.
	// Not retried; surfaced as a hard failure.
	CodeInternal Code = "INTERNAL"
)

// Error is the engine's error type. It carries a Code for classification
// and optionally wraps an underlying cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError creates an Error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps cause in an Error with the given code and message.
// A nil cause returns nil.
func WrapError(code Code, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the Code from err. Unclassified errors report
// CodeInternal; nil reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsInvalidArgument reports whether err is classified as InvalidArgument.
func IsInvalidArgument(err error) bool { return CodeOf(err) == CodeInvalidArgument }

// IsNotFound reports whether err is classified as NotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsUnavailable reports whether err is classified as Unavailable.
func IsUnavailable(err error) bool { return CodeOf(err) == CodeUnavailable }
