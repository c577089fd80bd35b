// Package apperr defines the error taxonomy shared by every layer of the
// platform. Errors carry a kind (the classification the HTTP layer and the
// runner act on), a human-readable message, and optional structured details.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindPermission      Kind = "permission"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindUpstreamFailure Kind = "upstream_failure"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
)

// Error is the platform error type. Details hold field-level validation
// errors, the exhausted quota, the required permission, and similar
// structured context surfaced to clients.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// Wrap records the underlying cause and returns the error.
func (e *Error) Wrap(err error) *Error {
	e.wrapped = err
	return e
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a user-fixable malformed-input error.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// Authentication creates a missing/invalid-credentials error. The message
// must not reveal which part of the credential failed.
func Authentication(format string, args ...interface{}) *Error {
	return New(KindAuthentication, format, args...)
}

// Permission creates an authenticated-but-disallowed error carrying the
// required module and action.
func Permission(module, action string) *Error {
	return New(KindPermission, "permission denied").WithDetails(map[string]interface{}{
		"module": module,
		"action": action,
	})
}

// NotFound creates a resource-absent error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates an optimistic-lock or unique-constraint error. Callers
// may retry the operation.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// QuotaExceeded creates an exhausted-quota error naming the quota and limit.
func QuotaExceeded(quotaType string, limit int64) *Error {
	return New(KindQuotaExceeded, "%s quota exceeded", quotaType).WithDetails(map[string]interface{}{
		"quota_type": quotaType,
		"limit":      limit,
	})
}

// Upstream creates a failed AI/connector/webhook call error. Step-level
// retryable.
func Upstream(format string, args ...interface{}) *Error {
	return New(KindUpstreamFailure, format, args...)
}

// Timeout creates a deadline-exceeded error.
func Timeout(format string, args ...interface{}) *Error {
	return New(KindTimeout, format, args...)
}

// Internal creates an opaque internal error wrapping its cause.
func Internal(err error) *Error {
	return New(KindInternal, "internal error").Wrap(err)
}

// KindOf returns the kind of err, or KindInternal when err is not an
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an execution failed with an error worth
// retrying automatically. Upstream and timeout failures are transient;
// validation and permission failures are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamFailure, KindTimeout, KindConflict:
		return true
	}
	return false
}
