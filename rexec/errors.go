// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
)

// Sentinels for errors.Is. Each typed error below matches its sentinel.
var (
	ErrConnection    = errors.New("rexec: connection error")
	ErrAuth          = errors.New("rexec: authentication error")
	ErrSessionClosed = errors.New("rexec: session closed")
	ErrExecution     = errors.New("rexec: execution error")

	// ErrReleased is wrapped by the ConnectionError returned when a
	// released Connection is used.
	ErrReleased = errors.New("connection released")
	// ErrAlreadyOpened is returned by a second FileHandle.Open.
	ErrAlreadyOpened = errors.New("rexec: file handle already opened")
)

// ConnectionError reports a malformed or unreachable endpoint, a transport
// failure, or use of a released Connection.
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rexec: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// AuthError reports rejected credentials or an operation that requires an
// authenticated identity.
type AuthError struct {
	Username string
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("rexec: authentication failed for %q: %s", e.Username, e.Reason)
	}
	return "rexec: authentication required: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// SessionClosedError is returned by any operation on a closed Session.
type SessionClosedError struct {
	SessionID string
	Err       error
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("rexec: session %s is closed", e.SessionID)
}

func (e *SessionClosedError) Unwrap() error { return e.Err }

func (e *SessionClosedError) Is(target error) bool { return target == ErrSessionClosed }

// ExecutionError reports a script that could not be resolved, failed at
// runtime, or referenced an inaccessible preload. Kind is the remote error
// type, or "InvalidRequest" for requests rejected before any network call.
type ExecutionError struct {
	Script ScriptRef
	Kind   string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("rexec: execute %s: %v", e.Script, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// DecodeWarning reports a value whose wire form has no variant. It is
// never fatal: the value is kept as Unrecognized.
type DecodeWarning struct {
	Name       string
	Descriptor string
}

func (w *DecodeWarning) Error() string {
	return fmt.Sprintf("rexec: value %q has unrecognized encoding %s", w.Name, w.Descriptor)
}

// SuppressedError carries a primary failure together with the cleanup
// failures that occurred while unwinding it. Unwrap yields only the
// primary error.
type SuppressedError struct {
	Err        error
	Suppressed []error
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("%v (%d suppressed cleanup failure(s))", e.Err, len(e.Suppressed))
}

func (e *SuppressedError) Unwrap() error { return e.Err }

// CleanupWarning is returned when a workflow succeeded but releasing one
// of its resources did not.
type CleanupWarning struct {
	Failures []error
}

func (w *CleanupWarning) Error() string {
	msgs := make([]string, len(w.Failures))
	for i, err := range w.Failures {
		msgs[i] = err.Error()
	}
	return "rexec: cleanup failed: " + strings.Join(msgs, "; ")
}

func (w *CleanupWarning) Unwrap() []error { return w.Failures }

// remoteError maps a wire error onto the client taxonomy. Errors it does
// not recognize are returned unchanged.
func remoteError(err error, endpoint, op string) error {
	var rpcErr *wire.RpcError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Type {
	case protocol.ErrAuth:
		return &AuthError{Reason: rpcErr.Message, Err: rpcErr}
	case protocol.ErrSessionClosed:
		return &SessionClosedError{Err: rpcErr}
	case "ProtocolError", "VersionError":
		return &ConnectionError{Endpoint: endpoint, Op: op, Err: rpcErr}
	default:
		return rpcErr
	}
}

// executionError wraps err as an ExecutionError unless it already belongs
// to the taxonomy.
func executionError(script ScriptRef, err error) error {
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrExecution) {
		return err
	}
	kind := protocol.ErrScriptError
	var rpcErr *wire.RpcError
	if errors.As(err, &rpcErr) {
		kind = rpcErr.Type
	}
	return &ExecutionError{Script: script, Kind: kind, Cause: err}
}
