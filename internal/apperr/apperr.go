// Package apperr defines the error taxonomy surfaced to sessions. Every
// failed inbound operation is reported to the acting session with exactly one
// of the codes below.
package apperr

import (
	"errors"
	"fmt"
)

// Code is the wire-visible error classification.
type Code string

const (
	CodeRateLimited      Code = "RATE_LIMIT_EXCEEDED"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeInternal         Code = "INTERNAL_FAULT"
)

// Error carries a Code together with the operation that failed.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

// Error formats the error as "op: code: message".
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so errors.Is(err, ErrNotFound)
// works regardless of operation and message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is comparisons.
var (
	ErrRateLimited      = &Error{Code: CodeRateLimited}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied}
	ErrValidation       = &Error{Code: CodeValidation}
	ErrInternal         = &Error{Code: CodeInternal}
)

// RateLimited reports a rejected admission for op.
func RateLimited(op string) *Error {
	return &Error{Code: CodeRateLimited, Op: op, Message: "rate limit exceeded"}
}

// NotFound reports an absent resource.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied reports an actor acting on something it does not own.
func PermissionDenied(op, format string, args ...any) *Error {
	return &Error{Code: CodePermissionDenied, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation reports a missing or malformed inbound field.
func Validation(op, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The message sent to sessions is
// always generic; the cause stays in logs.
func Internal(op string, err error) *Error {
	return &Error{Code: CodeInternal, Op: op, Message: "internal error", Err: err}
}

// CodeOf extracts the Code of err. Errors outside the taxonomy map to
// CodeInternal.
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

// PublicMessage returns the message that may be shown to a session.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Code == CodeInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}
