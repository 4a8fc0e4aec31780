// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
)

// State is the identity state of a Connection.
type State int

const (
	// Anonymous connections may only execute public scripts and preload
	// public resources.
	Anonymous State = iota
	// Authenticated connections carry a Principal on every call.
	Authenticated
	// Released connections reject every operation.
	Released
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "Anonymous"
	case Authenticated:
		return "Authenticated"
	case Released:
		return "Released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Credentials are the username/password pair presented to Authenticate.
type Credentials struct {
	Username string
	Password string
}

// Principal is the identity established by Authenticate.
type Principal struct {
	Username  string
	Subject   string
	ExpiresAt time.Time
}

// Connection is a client handle bound to one service endpoint. It starts
// Anonymous, may be upgraded once to Authenticated, and must be released.
//
// A Connection belongs to one workflow. Its calls are synchronous and each
// blocks until its single round trip completes; run independent workflows
// on separate Connections rather than sharing one. The internal lock only
// keeps state transitions consistent.
type Connection struct {
	tr       *transport
	logger   *slog.Logger
	serverID string

	mu        sync.Mutex
	state     State
	token     string
	principal Principal
	sessions  []*Session
}

// Open validates endpoint and confirms the service is reachable. Failures
// are reported as *ConnectionError.
func Open(ctx context.Context, endpoint string, opts ...Option) (*Connection, error) {
	normalized, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Op: "open", Err: err}
	}
	o := buildOptions(opts)
	c := &Connection{
		tr: &transport{
			client:   o.httpClient,
			endpoint: normalized,
			level:    o.level,
			logLevel: o.logLevel,
			logger:   o.logger,
			hook:     o.hook,
		},
		logger: o.logger.With("endpoint", normalized),
	}

	var pong protocol.PingResult
	if err := c.tr.call(ctx, protocol.MethodPing, "", "", protocol.PingParams{Client: userAgent}, &pong); err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			connErr.Op = "open"
			return nil, connErr
		}
		return nil, &ConnectionError{Endpoint: normalized, Op: "open", Err: err}
	}
	c.serverID = pong.ServerID
	c.logger.Debug("connection established", "server_id", pong.ServerID, "server_version", pong.Version)
	return c, nil
}

// Endpoint returns the normalized endpoint URL.
func (c *Connection) Endpoint() string { return c.tr.endpoint }

// ServerID returns the identifier the service reported on connect.
func (c *Connection) ServerID() string { return c.serverID }

// State returns the current identity state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Principal returns the authenticated identity, if any.
func (c *Connection) Principal() (Principal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal, c.state == Authenticated
}

// Authenticate upgrades an Anonymous connection. Rejected credentials yield
// *AuthError and leave the connection Anonymous.
func (c *Connection) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	state, _, _ := c.snapshot()
	switch state {
	case Released:
		return Principal{}, c.released("authenticate")
	case Authenticated:
		return Principal{}, &AuthError{Username: creds.Username, Reason: "connection is already authenticated"}
	}
	if creds.Username == "" {
		return Principal{}, &AuthError{Reason: "username is empty"}
	}

	var res protocol.LoginResult
	err := c.tr.call(ctx, protocol.MethodLogin, "", "", protocol.LoginParams{
		Username: creds.Username,
		Password: creds.Password,
	}, &res)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			authErr.Username = creds.Username
			return Principal{}, authErr
		}
		return Principal{}, err
	}

	principal, err := principalFromToken(res.Token)
	if err != nil {
		return Principal{}, &AuthError{Username: creds.Username, Reason: "malformed token", Err: err}
	}
	principal.Username = creds.Username
	if res.Principal != "" {
		principal.Username = res.Principal
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Anonymous {
		return Principal{}, &AuthError{Username: creds.Username, Reason: "connection changed state during login"}
	}
	c.state = Authenticated
	c.token = res.Token
	c.principal = principal
	c.logger.Info("authenticated", "principal", principal.Username)
	return principal, nil
}

// principalFromToken reads identity claims from the bearer token. The
// signature is the service's to check.
func principalFromToken(token string) (Principal, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Principal{}, err
	}
	p := Principal{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// ExecuteScript runs a script statelessly: no variables or files survive the
// call. Failures are *ExecutionError unless the transport or identity failed.
func (c *Connection) ExecuteScript(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	state, token, principal := c.snapshot()
	if state == Released {
		return nil, c.released("execute")
	}
	return c.execute(ctx, protocol.MethodExecute, "", token, principal, req)
}

func (c *Connection) execute(ctx context.Context, method, projectID, token, principal string, req ExecutionRequest) (*ExecutionResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	params, err := req.params(projectID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var res protocol.ExecuteResult
	if err := c.tr.call(ctx, method, token, principal, params, &res); err != nil {
		return nil, executionError(req.Script, err)
	}

	result, err := c.newResult(req, res, token, principal)
	if err != nil {
		return nil, executionError(req.Script, err)
	}
	c.logger.Debug("script executed",
		"script", req.Script.String(),
		"outputs", len(result.Outputs),
		"artifacts", len(result.Artifacts),
		"plots", len(result.Plots),
		"elapsed", time.Since(started))
	return result, nil
}

// CreateSession opens a stateful Session. The connection must be
// Authenticated; otherwise *AuthError is returned without a remote call.
func (c *Connection) CreateSession(ctx context.Context, opts CreationOptions) (*Session, error) {
	state, token, principal := c.snapshot()
	switch state {
	case Released:
		return nil, c.released("create session")
	case Anonymous:
		return nil, &AuthError{Reason: "sessions require an authenticated connection"}
	}
	if err := checkNames(opts.Inputs); err != nil {
		return nil, &ExecutionError{Kind: protocol.ErrInvalidRequest, Cause: err}
	}
	if err := validatePreload(opts.Preload); err != nil {
		return nil, &ExecutionError{Kind: protocol.ErrInvalidRequest, Cause: err}
	}
	inputs, err := EncodeWorkspace(opts.Inputs)
	if err != nil {
		return nil, &ExecutionError{Kind: protocol.ErrInvalidRequest, Cause: err}
	}

	var res protocol.ProjectCreateResult
	err = c.tr.call(ctx, protocol.MethodProjectCreate, token, principal, protocol.ProjectCreateParams{
		Preload: opts.Preload.wire(),
		Inputs:  inputs,
	}, &res)
	if err != nil {
		return nil, executionError(ScriptRef{}, err)
	}

	s := &Session{conn: c, id: res.ProjectID, state: SessionOpen}
	c.mu.Lock()
	if c.state == Released {
		c.mu.Unlock()
		// lost a race with Release: the session must not outlive it
		_ = s.closeRemote(ctx, token, principal)
		return nil, c.released("create session")
	}
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()

	c.logger.Info("session created", "session", s.id)
	return s, nil
}

// Release closes any sessions still open on the connection, most recent
// first, then revokes the connection's identity. It is idempotent: only the
// first call does any work.
func (c *Connection) Release(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Released {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	token, principal := c.token, c.principal.Username
	sessions := c.sessions
	c.sessions = nil
	c.state = Released
	c.token = ""
	c.mu.Unlock()

	var errs []error
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := sessions[i].closeWith(ctx, token, principal); err != nil {
			errs = append(errs, err)
		}
	}
	if prev == Authenticated {
		if err := c.tr.call(ctx, protocol.MethodRelease, token, principal, protocol.ReleaseParams{}, nil); err != nil {
			errs = append(errs, err)
		}
	}
	c.logger.Debug("connection released", "sessions_closed", len(sessions))
	return errors.Join(errs...)
}

func (c *Connection) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, open := range c.sessions {
		if open == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			return
		}
	}
}

func (c *Connection) snapshot() (State, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.token, c.principal.Username
}

func (c *Connection) released(op string) error {
	return &ConnectionError{Endpoint: c.tr.endpoint, Op: op, Err: ErrReleased}
}
