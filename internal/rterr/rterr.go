// Package rterr defines the runtime's error kinds and the RemoteError
// carrier value. Plain error wrapping with errors.Is/As support; kinds
// classify failures without string matching.
package rterr

import (
	"errors"
	"fmt"

	"github.com/roasbeef/nursery/internal/rtid"
)

// ErrorKind classifies a runtime-level failure.
type ErrorKind string

const (
	KindTransportClosed  ErrorKind = "transport_closed"
	KindHandshakeFailed  ErrorKind = "handshake_failed"
	KindModuleNotExposed ErrorKind = "module_not_exposed"
	KindFuncNotFound     ErrorKind = "func_not_found"
	KindRemoteError      ErrorKind = "remote_error"
	KindMultiError        ErrorKind = "multi_error"
	KindCancelled        ErrorKind = "cancelled"
	KindTimeout          ErrorKind = "timeout"
)

// RuntimeError is the common wrapping type for every runtime-raised error.
// It carries a Kind so callers can classify failures with errors.Is/As
// without string-matching messages.
type RuntimeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// New constructs a RuntimeError of the given kind.
func New(kind ErrorKind, msg string) *RuntimeError {
	return &RuntimeError{Kind: kind, Msg: msg}
}

// Wrap constructs a RuntimeError of the given kind, wrapping an underlying
// cause for errors.Unwrap/As.
func Wrap(kind ErrorKind, msg string, err error) *RuntimeError {
	return &RuntimeError{Kind: kind, Msg: msg, Err: err}
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a RuntimeError of the same Kind, so that
// errors.Is(err, rterr.New(rterr.KindTimeout, "")) style checks work.
func (e *RuntimeError) Is(target error) bool {
	var other *RuntimeError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// IsCancelled reports whether err represents a cancellation — never a real
// failure, only ever used to unwind scopes.
func IsCancelled(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Kind == KindCancelled
}

// RemoteError is raised locally whenever a peer actor reports a failure.
// It is a distinct type, not a RuntimeError, and has no Kind field of its
// own; OriginKind carries the peer's own classification (e.g. an
// assertion failure) for diagnostics.
type RemoteError struct {
	OriginUID      rtid.UID
	OriginKind     string
	Message        string
	TracebackText  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s (%s): %s",
		e.OriginUID, e.OriginKind, e.Message)
}

// MultiError aggregates sibling failures under one nursery scope exit.
type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msg := fmt.Sprintf("%d sibling errors:", len(e.Errors))
	for _, err := range e.Errors {
		msg += " [" + err.Error() + "]"
	}
	return msg
}

func (e *MultiError) Unwrap() []error {
	return e.Errors
}
