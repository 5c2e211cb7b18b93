// Package kerrors defines the tagged error kinds of spec §7, following the
// classification pattern of the teacher's internal/llm/errors.go (a Kind
// string plus Retryable()/RetryAfter() on a common interface) generalized
// from "HTTP status code" to "orchestrator error kind."
package kerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind discriminates the error taxonomy of spec §7.
type Kind string

const (
	RateLimitExceeded    Kind = "RateLimitExceeded"
	SandboxUnavailable   Kind = "SandboxUnavailable"
	PreviewExpired       Kind = "PreviewExpired"
	InvalidArgument      Kind = "InvalidArgument"
	LoopDetected         Kind = "LoopDetected"
	CallLimitExceeded    Kind = "CallLimitExceeded"
	GenerationInProgress Kind = "GenerationInProgress"
	DebugInProgress      Kind = "DebugInProgress"
	NotFound             Kind = "NotFound"
	Transient            Kind = "Transient"
	Fatal                Kind = "Fatal"
	Configuration        Kind = "ConfigurationError"
)

// Error is the unified error type returned by components and operations.
type Error struct {
	kind       Kind
	message    string
	retryable  bool
	retryAfter *time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy tag.
func (e *Error) Kind() Kind { return e.kind }

// Retryable reports whether the operation that produced this error may be
// retried as-is.
func (e *Error) Retryable() bool { return e.retryable }

// RetryAfter returns a server-suggested backoff, if any.
func (e *Error) RetryAfter() *time.Duration { return e.retryAfter }

// New constructs a kerrors.Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message, retryable: defaultRetryable(kind)}
}

// Wrap constructs a kerrors.Error of the given kind, recording cause as the
// wrapped error so errors.Is/As chains still work.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.cause = cause
	return e
}

// WithRetryAfter attaches a server-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = &d
	return e
}

func defaultRetryable(k Kind) bool {
	switch k {
	case RateLimitExceeded, SandboxUnavailable, Transient:
		return true
	default:
		return false
	}
}

// Is reports whether err is a kerrors.Error of the given kind, per spec §7's
// error table. Non-kerrors errors are never of any Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a kerrors.Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return ""
}
