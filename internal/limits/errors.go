package limits

import (
	"errors"
	"fmt"

	"github.com/router-for-me/QuotaLimits/internal/window"
)

// Kind classifies a limits failure.
type Kind string

// Failure kinds.
const (
	KindClientInput       Kind = "CLIENT_INPUT"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindInsufficientLimit Kind = "INSUFFICIENT_LIMIT"
	KindServerInvariant   Kind = "SERVER_INVARIANT"
	KindUnsupportedWindow Kind = "UNSUPPORTED_WINDOW"
	KindLockTimeout       Kind = "LOCK_TIMEOUT"
)

// Error is returned by every Service operation that fails for a known reason.
type Error struct {
	Kind    Kind
	Message string

	// Set for KindInsufficientLimit.
	Scope           string
	RemainingMicros int64
	AmountMicros    int64

	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Retryable reports whether the caller may safely retry the operation.
func (e *Error) Retryable() bool { return e.Kind == KindLockTimeout }

// Sentinels for errors.Is.
var (
	ErrClientInput       = &Error{Kind: KindClientInput}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInsufficientLimit = &Error{Kind: KindInsufficientLimit}
	ErrServerInvariant   = &Error{Kind: KindServerInvariant}
	ErrUnsupportedWindow = &Error{Kind: KindUnsupportedWindow}
	ErrLockTimeout       = &Error{Kind: KindLockTimeout}
)

// KindOf returns the kind of err, or "" when err is not a limits error.
func KindOf(err error) Kind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ""
}

func clientInput(format string, args ...any) *Error {
	return &Error{Kind: KindClientInput, Message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func serverInvariant(format string, args ...any) *Error {
	return &Error{Kind: KindServerInvariant, Message: fmt.Sprintf(format, args...)}
}

func insufficient(scope string, remaining, amount int64) *Error {
	return &Error{
		Kind: KindInsufficientLimit,
		Message: fmt.Sprintf("Insufficient limit in scope=%s (remaining=%s, amount=%s)",
			scope, window.FormatMicros(remaining), window.FormatMicros(amount)),
		Scope:           scope,
		RemainingMicros: remaining,
		AmountMicros:    amount,
	}
}
