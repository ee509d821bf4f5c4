// Package errs defines the error taxonomy shared by the gateway managers.
// Every failure surfaced by a manager is an *Error carrying a Kind, so callers
// (the HTTP adapter, the CLI) can decide how to present it without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation marks malformed or out-of-range input rejected before any side effect.
	KindValidation Kind = "validation"
	// KindConflict marks a collision with existing desired state (duplicate port, username, address).
	KindConflict Kind = "conflict"
	// KindNotFound marks an operation on an absent entity.
	KindNotFound Kind = "not_found"
	// KindTransport marks a failure to reach the device: auth, timeout, refused connection.
	KindTransport Kind = "transport"
	// KindApply marks a command that executed but was reported as failed by its target.
	KindApply Kind = "apply"
	// KindInternal marks local failures such as an unreadable store file.
	KindInternal Kind = "internal"
)

// Error is a classified failure. Detail holds raw output from the device or the
// local command, verbatim, for operator diagnosis.
type Error struct {
	Kind    Kind   // Failure class
	Op      string // Operation that failed, e.g. "vpn.add"
	Message string // Human-readable summary
	Detail  string // Raw device or command output, unmodified
	Err     error  // Wrapped cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind, so errors.Is(err, errs.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrApply      = &Error{Kind: KindApply}
)

// Validation returns a KindValidation error.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict returns a KindConflict error.
func Conflict(op, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error.
func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Transport wraps a transport failure.
func Transport(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Message: "device unreachable", Err: err}
}

// Apply returns a KindApply error preserving the raw output.
func Apply(op, message, detail string) *Error {
	return &Error{Kind: KindApply, Op: op, Message: message, Detail: detail}
}

// Internal wraps a local failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err is not classified.
// A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
