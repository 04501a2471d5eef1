// Package syncerr defines the error taxonomy shared by every layer of the
// sync core.
//
// Four categories exist:
//   - Transient network failures are retryable with backoff.
//   - Authorization failures trigger one session refresh, then surface.
//   - Validation failures are never retried.
//   - Serialization failures stay inside the persistence boundary.
//
// Callers classify errors with the Is* helpers, which unwrap with errors.As
// so wrapped errors keep their category.
package syncerr

import (
	"errors"
	"fmt"
)

// Code categorizes sync errors.
type Code string

const (
	// CodeTransient indicates a retryable network failure.
	CodeTransient Code = "TRANSIENT_NETWORK"

	// CodeAuthorization indicates the session credentials were rejected.
	CodeAuthorization Code = "AUTHORIZATION"

	// CodeValidation indicates a payload or request failed validation.
	CodeValidation Code = "VALIDATION"

	// CodeSerialization indicates a persisted snapshot could not be encoded
	// or decoded.
	CodeSerialization Code = "SERIALIZATION"
)

// Error is a categorized sync error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed (e.g. "fetch people/u1").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.Op)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps a retryable network failure.
func Transient(op string, err error) *Error {
	return &Error{Code: CodeTransient, Op: op, Err: err}
}

// Authorization wraps a rejected-credentials failure.
func Authorization(op string, err error) *Error {
	return &Error{Code: CodeAuthorization, Op: op, Err: err}
}

// Validation reports a payload that failed validation.
func Validation(op, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Serialization wraps a snapshot encode or decode failure.
func Serialization(op string, err error) *Error {
	return &Error{Code: CodeSerialization, Op: op, Err: err}
}

// CodeOf returns the category of err, or "" if err carries none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsTransient returns true if the error is a transient network failure.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransient
}

// IsAuthorization returns true if the error is an authorization failure.
func IsAuthorization(err error) bool {
	return CodeOf(err) == CodeAuthorization
}

// IsValidation returns true if the error is a validation failure.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsSerialization returns true if the error is a serialization failure.
func IsSerialization(err error) bool {
	return CodeOf(err) == CodeSerialization
}

// Retryable reports whether a fetch that failed with err may be retried
// with backoff. Only transient network failures qualify.
func Retryable(err error) bool {
	return IsTransient(err)
}
