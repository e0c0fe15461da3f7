// Package errkind tags core errors with the taxonomy from the error-handling
// design: a recoverable kind plus the wrapped cause, so callers at an HTTP,
// WebSocket, or tool-RPC boundary can map a single Kind to their own
// surface instead of string-matching error text.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the recovery-relevant error categories the core produces.
type Kind string

// Error kinds. See spec §7 for the recovery semantics of each.
const (
	SessionLimitReached Kind = "session_limit_reached"
	SessionAlreadyExists Kind = "session_already_exists"
	MuxFailure           Kind = "mux_failure"
	NotFound             Kind = "not_found"
	Timeout              Kind = "timeout"
	BDPanic              Kind = "bd_panic"
	CommandFailed        Kind = "command_failed"
	ParseError           Kind = "parse_error"
	AuthFailed           Kind = "auth_failed"
	AuthTimeout          Kind = "auth_timeout"
	RateLimited          Kind = "rate_limited"
	UnknownType          Kind = "unknown_type"
	UnknownSession       Kind = "unknown_session"
	StoreError           Kind = "store_error"
)

// Error wraps an underlying cause with a recovery Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error wrapping an existing error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Of extracts the Kind from err if it is (or wraps) an *Error, reporting ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
