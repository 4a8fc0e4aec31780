// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CleanupTimeout bounds each release step run by a Scope. Release runs on
// a context detached from the caller's cancellation.
const CleanupTimeout = 15 * time.Second

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// Scope tracks acquired resources and releases them in reverse order of
// acquisition. Use [Run] to get one whose release is guaranteed on every
// exit path.
type Scope struct {
	logger *slog.Logger
	opts   []Option

	mu       sync.Mutex
	cleanups []cleanup
	closed   bool
}

// NewScope returns an empty Scope. opts are applied to connections opened
// through it.
func NewScope(logger *slog.Logger, opts ...Option) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{logger: logger, opts: opts}
}

// Defer registers a release step.
func (s *Scope) Defer(name string, fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanups = append(s.cleanups, cleanup{name: name, fn: fn})
}

// Open opens a Connection and registers its release.
func (s *Scope) Open(ctx context.Context, endpoint string, opts ...Option) (*Connection, error) {
	all := append(append([]Option{WithLogger(s.logger)}, s.opts...), opts...)
	conn, err := Open(ctx, endpoint, all...)
	if err != nil {
		return nil, err
	}
	s.Defer("release connection", conn.Release)
	return conn, nil
}

// CreateSession creates a Session and registers its close.
func (s *Scope) CreateSession(ctx context.Context, conn *Connection, opts CreationOptions) (*Session, error) {
	sess, err := conn.CreateSession(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.Defer("close session "+sess.ID(), sess.Close)
	return sess, nil
}

// Close runs every registered release step, most recent first, and
// reconciles their failures with primary:
//
//   - with a primary error, cleanup failures are logged and attached as
//     suppressed; the result unwraps to primary.
//   - without one, cleanup failures are logged and returned as a
//     *CleanupWarning.
//
// Close is idempotent; later calls return primary unchanged.
func (s *Scope) Close(ctx context.Context, primary error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return primary
	}
	s.closed = true
	steps := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var failures []error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := s.runStep(ctx, steps[i]); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", steps[i].name, err))
		}
	}
	if len(failures) == 0 {
		return primary
	}

	if primary != nil {
		for _, err := range failures {
			s.logger.Warn("suppressed cleanup failure", "err", err, "primary", primary)
		}
		return &SuppressedError{Err: primary, Suppressed: failures}
	}
	for _, err := range failures {
		s.logger.Warn("cleanup failure", "err", err)
	}
	return &CleanupWarning{Failures: failures}
}

func (s *Scope) runStep(ctx context.Context, step cleanup) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
	defer cancel()
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("panic: %v", rv)
		}
	}()
	return step.fn(ctx)
}

// Run executes fn inside a fresh Scope and closes the scope on every exit
// path: normal return, error, or panic. A panic is re-raised after the
// scope has been released.
func Run(ctx context.Context, logger *slog.Logger, fn func(ctx context.Context, s *Scope) error, opts ...Option) (err error) {
	s := NewScope(logger, opts...)
	defer func() {
		if rv := recover(); rv != nil {
			_ = s.Close(ctx, fmt.Errorf("panic: %v", rv))
			panic(rv)
		}
	}()
	err = fn(ctx, s)
	return s.Close(ctx, err)
}
