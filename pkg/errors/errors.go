// Package errors provides structured errors with stable codes.
//
// Stage boundaries of the release workflow (build, publish, rewrite, apply, wait)
// return a *StructuredError so callers can tell the failure class apart without
// matching on message text. ExitCode maps a code to the process exit status.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode identifies the class of a failure.
type ErrorCode string

const (
	ErrCodeBuild          ErrorCode = "BUILD_FAILED"
	ErrCodePublish        ErrorCode = "PUBLISH_FAILED"
	ErrCodeRewrite        ErrorCode = "REWRITE_FAILED"
	ErrCodeApply          ErrorCode = "APPLY_FAILED"
	ErrCodeTimeout        ErrorCode = "TIMEOUT"
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrCodeInternal       ErrorCode = "INTERNAL"
)

const (
	// ExitOK is returned when every stage succeeded.
	ExitOK = 0
	// ExitFailure is returned for build, publish, rewrite, apply and config failures.
	ExitFailure = 1
	// ExitTimeout is returned when readiness timed out or the context was canceled.
	ExitTimeout = 2
)

// StructuredError carries a code, a human-readable message, the underlying cause
// and optional context attributes.
type StructuredError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a structured error without a cause.
func New(code ErrorCode, message string) *StructuredError {
	return &StructuredError{Code: code, Message: message}
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, message string, cause error) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause}
}

// WrapWithContext creates a structured error around cause with context attributes.
func WrapWithContext(code ErrorCode, message string, cause error, ctx map[string]any) *StructuredError {
	return &StructuredError{Code: code, Message: message, Cause: cause, Context: ctx}
}

// CodeOf returns the code of the first StructuredError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var se *StructuredError
	return errors.As(err, &se) && se.Code == code
}

// ExitCode maps err to a process exit status. A canceled or expired context
// anywhere in the chain counts as a timeout.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if Is(err, ErrCodeTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return ExitTimeout
	}
	return ExitFailure
}
