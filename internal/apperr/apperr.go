// Package apperr defines the error taxonomy shared by every component of the
// callback and broadcast core. Lower-level failures are converted into one of
// these kinds at each component boundary; the HTTP layer maps kinds onto the
// stable response envelope, and logging happens exactly once at the outermost
// handler that owns the record.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	// KindValidation marks bad input at the edge (unknown messaging type,
	// empty script, missing bot id, invalid cron).
	KindValidation Kind = iota + 1
	// KindAuth marks token decryption failures, unknown token hashes,
	// mismatched validation secrets, expired or invalidated tickets, and
	// wrong JWT types.
	KindAuth
	// KindScript marks compile/runtime errors inside the sandbox, use of an
	// unauthorized capability, or a timeout.
	KindScript
	// KindDispatch marks failures to deliver a message to a channel.
	KindDispatch
	// KindProvider marks non-2xx responses from messaging providers.
	KindProvider
	// KindScheduler marks non-2xx responses from the event server.
	KindScheduler
)

// Error carries the kind and the original message across boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving its message.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: err.Error(), Err: err}
}

// KindOf reports the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
