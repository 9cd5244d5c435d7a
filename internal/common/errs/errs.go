// Package errs provides the error taxonomy shared across the server.
// Every failure that crosses a component boundary is classified with a Kind
// so the gateway can decide between an error frame and a socket close.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindAuth                Kind = "AUTH"
	KindCapacity            Kind = "CAPACITY"
	KindNotFound            Kind = "NOT_FOUND"
	KindConstraint          Kind = "CONSTRAINT"
	KindStorage             Kind = "STORAGE"
	KindToolDisabled        Kind = "TOOL_DISABLED"
	KindToolPolicy          Kind = "TOOL_POLICY"
	KindToolTimeout         Kind = "TOOL_TIMEOUT"
	KindToolExecutionFailed Kind = "TOOL_EXECUTION_FAILED"
	KindAdapterNotReady     Kind = "ADAPTER_NOT_READY"
	KindAdapterFailed       Kind = "ADAPTER_FAILED"
	KindCancelled           Kind = "CANCELLED"
	KindInternal            Kind = "INTERNAL"
)

// WebSocket close codes for errors that terminate the connection.
const (
	CloseAuth     = 4401
	CloseCapacity = 4409
	CloseIdle     = 4400
)

// Error is an application error with a Kind and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation creates a ValidationError for a bad payload or argument.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Auth creates an AuthError; the gateway closes the socket with 4401.
func Auth(message string) *Error {
	return New(KindAuth, message)
}

// Capacity creates a CapacityError; the gateway closes the socket with 4409.
func Capacity(message string) *Error {
	return New(KindCapacity, message)
}

// NotFound creates a NotFoundError for a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(KindNotFound, "%s not found: %s", resource, id)
}

// Constraint creates a ConstraintError from a store constraint violation.
func Constraint(message string, err error) *Error {
	return Wrap(KindConstraint, message, err)
}

// Storage creates a StorageError from a store I/O failure.
func Storage(message string, err error) *Error {
	return Wrap(KindStorage, message, err)
}

// ToolPolicy creates a ToolPolicy error (path, allow-list or size rejection).
func ToolPolicy(message string) *Error {
	return New(KindToolPolicy, message)
}

// ToolPolicyf creates a formatted ToolPolicy error.
func ToolPolicyf(format string, args ...interface{}) *Error {
	return Newf(KindToolPolicy, format, args...)
}

// Cancelled marks an operation interrupted by the user or a shutdown.
func Cancelled(message string) *Error {
	return New(KindCancelled, message)
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Plain context cancellations map to KindCancelled; everything else
// unclassified maps to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CloseCode returns the WebSocket close code for err, or 0 when the error
// should be surfaced as an error frame with the socket left open.
func CloseCode(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return CloseAuth
	case KindCapacity:
		return CloseCapacity
	default:
		return 0
	}
}
