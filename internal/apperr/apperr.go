package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and the HTTP layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindConflict
	KindNotFound
	KindExternal
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindExternal:
		return "external"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by the control-plane components.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports bad input, rejected before any state mutation.
func Validation(op, format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflict reports a uniqueness or reference violation.
func Conflict(op, format string, args ...interface{}) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing entity.
func NotFound(op, format string, args ...interface{}) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// External wraps a failure of the edge proxy, CA, DNS provider or a feed.
func External(op string, retryable bool, err error) error {
	return &Error{Kind: KindExternal, Op: op, Retryable: retryable, Err: err}
}

// Invariant reports an internal consistency failure. Always followed by a rollback.
func Invariant(op string, err error) error {
	return &Error{Kind: KindInvariant, Op: op, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsValidation(err error) bool { return KindOf(err) == KindValidation }
func IsConflict(err error) bool   { return KindOf(err) == KindConflict }
func IsNotFound(err error) bool   { return KindOf(err) == KindNotFound }
func IsExternal(err error) bool   { return KindOf(err) == KindExternal }

// IsRetryable reports whether an external failure may succeed when retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
