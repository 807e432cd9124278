package marketplace

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the machine-checkable class of a failure.
type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindConflict    ErrorKind = "conflict"
	KindNotFound    ErrorKind = "not_found"
	KindForbidden   ErrorKind = "forbidden"
	KindPending     ErrorKind = "pending"
	KindExternal    ErrorKind = "external"
	KindRateLimited ErrorKind = "rate_limited"
	KindInternal    ErrorKind = "internal"
)

// Error is a typed outcome returned by every guarded operation.
type Error struct {
	Kind       ErrorKind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels (an *Error with no reason) by kind, everything else by identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" {
		return t.Kind == e.Kind
	}
	return t == e
}

// Kind sentinels for errors.Is.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrConflict    = &Error{Kind: KindConflict}
	ErrNotFound    = &Error{Kind: KindNotFound}
	ErrForbidden   = &Error{Kind: KindForbidden}
	ErrPending     = &Error{Kind: KindPending}
	ErrExternal    = &Error{Kind: KindExternal}
	ErrRateLimited = &Error{Kind: KindRateLimited}
)

// KindOf returns the kind of err, or KindInternal for untyped failures.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// RetryAfterOf extracts a retry hint from a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

// Conflictf builds a state-conflict error.
func Conflictf(format string, args ...any) *Error { return newError(KindConflict, format, args...) }

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error { return newError(KindNotFound, format, args...) }

// Forbiddenf builds an ownership/capability error.
func Forbiddenf(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

// Pendingf builds a retryable "not yet" error for verification-style calls.
func Pendingf(format string, args ...any) *Error { return newError(KindPending, format, args...) }

// External wraps a dependency failure.
func External(reason string, err error) *Error {
	return &Error{Kind: KindExternal, Reason: reason, Err: err}
}

// RateLimited builds a rate-limit error with a retry hint.
func RateLimited(scope string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Reason:     fmt.Sprintf("%s rate limit exceeded, retry in %s", scope, retryAfter.Round(time.Second)),
		RetryAfter: retryAfter,
	}
}
