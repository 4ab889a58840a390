// Package rqlerr defines the four structural error kinds the protocol's
// error taxonomy names: DriverError, CompileError, ClientError, and
// RuntimeError. Construction and wrapping is built on
// github.com/gravitational/trace, which gives every error a captured
// stack trace and a classification predicate, matching the "typed error
// kinds constructed by the core" contract.
package rqlerr

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// Kind distinguishes the four structural error categories.
type Kind int

const (
	KindDriver Kind = iota
	KindCompile
	KindClient
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindDriver:
		return "DriverError"
	case KindCompile:
		return "CompileError"
	case KindClient:
		return "ClientError"
	case KindRuntime:
		return "RuntimeError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete type behind every error the core constructs.
// Term and Backtrace are populated for server-reported errors
// (Compile/Client/Runtime); they are nil for DriverError.
type Error struct {
	Kind      Kind
	Term      any
	Backtrace any
	cause     error
}

// Error satisfies the error interface. The message text matches the exact
// literals the protocol's testable properties assert on (e.g. "No more
// rows in the cursor.").
func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.cause.Error()
}

// Unwrap exposes the underlying trace-wrapped error for errors.Is/As and
// trace.Unwrap chains.
func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, term, backtrace any, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Term:      term,
		Backtrace: backtrace,
		cause:     trace.Wrap(fmt.Errorf(format, args...)),
	}
}

// NewDriverError builds a local protocol/invariant violation: bad
// arguments, unknown response type, unexpected token, handshake failure,
// connection closed, unknown pseudo-type option, missing pseudo-type field.
func NewDriverError(format string, args ...any) *Error {
	return newError(KindDriver, nil, nil, format, args...)
}

// NewCompileError builds a server-reported compilation fault, carrying the
// root term and backtrace that produced it.
func NewCompileError(term, backtrace any, message string) *Error {
	return newError(KindCompile, term, backtrace, "%s", message)
}

// NewClientError builds a server-reported client-protocol fault.
func NewClientError(term, backtrace any, message string) *Error {
	return newError(KindClient, term, backtrace, "%s", message)
}

// NewRuntimeError builds a server-reported runtime fault during execution.
func NewRuntimeError(term, backtrace any, message string) *Error {
	return newError(KindRuntime, term, backtrace, "%s", message)
}

// ErrNoMoreRows is the sentinel a cursor surfaces once it has been fully
// drained. Each/ToArray treat it specially: it routes to the "finished"
// path instead of the row handler.
var ErrNoMoreRows = NewDriverError("No more rows in the cursor.")

// IsNoMoreRows reports whether err is (or wraps) the drained-cursor
// sentinel. It compares kind and message rather than pointer identity, so
// a DriverError built separately with the same text also matches.
func IsNoMoreRows(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindDriver && e.Error() == ErrNoMoreRows.Error()
	}
	return false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
