package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how callers must react, not by where
// they originate.
type ErrorKind string

const (
	// ErrValidation is a caller error, rejected synchronously.
	ErrValidation ErrorKind = "validation"
	// ErrNotFound is per-op and never fatal.
	ErrNotFound ErrorKind = "not_found"
	// ErrConflict means the server preferred another concurrent write.
	ErrConflict ErrorKind = "conflict"
	// ErrTransient failures are retried with capped backoff.
	ErrTransient ErrorKind = "transient"
	// ErrDurable means the write was NOT accepted and the path is broken.
	ErrDurable ErrorKind = "durable"
	// ErrIntegrity marks dropped ops (replays, clock regressions).
	ErrIntegrity ErrorKind = "integrity"
)

// Error carries a kind, a stable machine code, and a human message.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a leaf error of the given kind.
func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// WrapError attaches a cause.
func WrapError(kind ErrorKind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain; unknown errors are
// reported as transient so callers retry rather than drop data.
func KindOf(err error) ErrorKind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ErrTransient
}

// CodeOf extracts the stable code, or "internal" for foreign errors.
func CodeOf(err error) string {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return "internal"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
