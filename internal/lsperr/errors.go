// Package lsperr defines the structured error taxonomy shared by the LSP
// orchestration layer. Every error crossing a component boundary carries a
// Code so callers can distinguish "process never started" from "server is
// backing off" from "caller gave up".
package lsperr

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies an error from the LSP layer.
type Code string

const (
	// CodeSpawn means the server process could not be resolved or started.
	CodeSpawn Code = "ESPAWN"
	// CodeInit means the initialize handshake failed.
	CodeInit Code = "EINIT"
	// CodeTimedOut means a request or diagnostics wait exceeded its budget.
	CodeTimedOut Code = "ETIMEDOUT"
	// CodePipe means the process exited or the transport broke mid-flight.
	CodePipe Code = "EPIPE"
	// CodeBroken means the (server, root) key is backing off and was not attempted.
	CodeBroken Code = "EBROKEN"
	// CodeAborted means the caller cancelled the operation.
	CodeAborted Code = "EABORTED"
	// CodeInternal is the coercion target for unexpected errors.
	CodeInternal Code = "EINTERNAL"
)

// Error is a structured error with a taxonomy code and the identity of the
// server instance it concerns.
type Error struct {
	Code     Code
	ServerID string
	Root     string
	Command  []string
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.ServerID != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.ServerID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.Err }

// New creates a structured error with the given code and message.
func New(code Code, serverID, root, message string) *Error {
	return &Error{Code: code, ServerID: serverID, Root: root, Message: message}
}

// Wrap wraps err with a code and server identity. A nil err returns nil.
func Wrap(code Code, serverID, root string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, ServerID: serverID, Root: root, Err: err}
}

// CodeOf extracts the taxonomy code from err. Context cancellation maps to
// EABORTED, deadline expiry to ETIMEDOUT, anything else to EINTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimedOut
	}
	return CodeInternal
}

// Coerce guarantees err is structured. Structured errors pass through;
// everything else is wrapped with a code derived from CodeOf, preserving the
// original message. A nil err returns nil.
func Coerce(serverID, root string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeOf(err), ServerID: serverID, Root: root, Err: err}
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
