// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"context"
	"errors"
	"sync"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionClosed
)

func (s SessionState) String() string {
	if s == SessionOpen {
		return "Open"
	}
	return "Closed"
}

// Session is a stateful execution context on the service. Variables and
// working-directory files persist from one ExecuteScript call to the next
// until the session is closed. Closed is terminal.
type Session struct {
	conn *Connection
	id   string

	mu    sync.Mutex
	state SessionState
}

// ID returns the service-assigned session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExecuteScript runs a script inside the session. A closed session fails
// with *SessionClosedError before any remote call is made.
func (s *Session) ExecuteScript(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if s.State() == SessionClosed {
		return nil, &SessionClosedError{SessionID: s.id}
	}
	state, token, principal := s.conn.snapshot()
	if state == Released {
		return nil, s.conn.released("execute")
	}
	res, err := s.conn.execute(ctx, protocol.MethodProjectExecute, s.id, token, principal, req)
	if err != nil {
		var sc *SessionClosedError
		if errors.As(err, &sc) {
			sc.SessionID = s.id
			if s.markClosed() {
				s.conn.forget(s)
			}
		}
		return nil, err
	}
	return res, nil
}

// Close ends the session and discards its remote state. It is idempotent.
// The session counts as closed even if the remote call fails.
func (s *Session) Close(ctx context.Context) error {
	_, token, principal := s.conn.snapshot()
	return s.closeWith(ctx, token, principal)
}

func (s *Session) closeWith(ctx context.Context, token, principal string) error {
	if !s.markClosed() {
		return nil
	}
	s.conn.forget(s)
	err := s.closeRemote(ctx, token, principal)
	if err != nil {
		s.conn.logger.Warn("session close failed", "session", s.id, "err", err)
		return err
	}
	s.conn.logger.Info("session closed", "session", s.id)
	return nil
}

func (s *Session) closeRemote(ctx context.Context, token, principal string) error {
	if token == "" {
		return &AuthError{Reason: "connection released before session close"}
	}
	err := s.conn.tr.call(ctx, protocol.MethodProjectClose, token, principal,
		protocol.ProjectCloseParams{ProjectID: s.id}, nil)
	if errors.Is(err, ErrSessionClosed) {
		// already gone remotely
		return nil
	}
	return err
}

// markClosed transitions to Closed and reports whether this call did so.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return false
	}
	s.state = SessionClosed
	return true
}
