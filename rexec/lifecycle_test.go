// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/Query-farm/vgi-rexec/rexec"
	"github.com/Query-farm/vgi-rexec/rexec/rexectest"
)

// openSession is the acquire sequence shared by the workflow tests.
func openSession(ctx context.Context, s *rexec.Scope, url string) (*rexec.Connection, *rexec.Session, error) {
	conn, err := s.Open(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if _, err := conn.Authenticate(ctx, rexec.Credentials{Username: testUser, Password: testPassword}); err != nil {
		return nil, nil, err
	}
	sess, err := s.CreateSession(ctx, conn, rexec.CreationOptions{})
	if err != nil {
		return nil, nil, err
	}
	return conn, sess, nil
}

func TestRunReleasesOnSuccess(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)

	var sess *rexec.Session
	err := rexec.Run(context.Background(), discardLogger(), func(ctx context.Context, s *rexec.Scope) error {
		var err error
		_, sess, err = openSession(ctx, s, srv.URL)
		if err != nil {
			return err
		}
		_, err = sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("counter.R")})
		return err
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sess.State() != rexec.SessionClosed {
		t.Errorf("session left %v", sess.State())
	}
	if svc.Calls("project_close") != 1 || svc.Calls("release") != 1 {
		t.Errorf("project_close=%d release=%d", svc.Calls("project_close"), svc.Calls("release"))
	}
}

func TestRunReleasesOnError(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)

	err := rexec.Run(context.Background(), discardLogger(), func(ctx context.Context, s *rexec.Scope) error {
		_, sess, err := openSession(ctx, s, srv.URL)
		if err != nil {
			return err
		}
		_, err = sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("fail.R")})
		return err
	})
	var ee *rexec.ExecutionError
	if !errors.As(err, &ee) || ee.Kind != "ScriptError" {
		t.Fatalf("err = %v, want script error", err)
	}
	if svc.Calls("project_close") != 1 || svc.Calls("release") != 1 {
		t.Errorf("project_close=%d release=%d", svc.Calls("project_close"), svc.Calls("release"))
	}
	if ids := svc.OpenProjects(); len(ids) != 0 {
		t.Errorf("open projects = %v", ids)
	}
}

func TestRunReleasesOnPanic(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)

	defer func() {
		if rv := recover(); rv != "boom" {
			t.Errorf("recovered %v, want re-raised panic", rv)
		}
		if svc.Calls("project_close") != 1 || svc.Calls("release") != 1 {
			t.Errorf("project_close=%d release=%d", svc.Calls("project_close"), svc.Calls("release"))
		}
	}()
	_ = rexec.Run(context.Background(), discardLogger(), func(ctx context.Context, s *rexec.Scope) error {
		if _, _, err := openSession(ctx, s, srv.URL); err != nil {
			return err
		}
		panic("boom")
	})
	t.Error("Run returned instead of panicking")
}

func TestRunSuppressesCleanupFailure(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	err := rexec.Run(context.Background(), logger, func(ctx context.Context, s *rexec.Scope) error {
		_, sess, err := openSession(ctx, s, srv.URL)
		if err != nil {
			return err
		}
		svc.FailNext("project_close", "RuntimeError", "disk full")
		_, err = sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("fail.R")})
		return err
	})

	if !errors.Is(err, rexec.ErrExecution) {
		t.Fatalf("err = %v, want primary execution error", err)
	}
	var se *rexec.SuppressedError
	if !errors.As(err, &se) || len(se.Suppressed) != 1 {
		t.Fatalf("err = %#v, want one suppressed failure", err)
	}
	if !strings.Contains(se.Suppressed[0].Error(), "disk full") {
		t.Errorf("suppressed = %v", se.Suppressed[0])
	}
	if !strings.Contains(logs.String(), "suppressed cleanup failure") {
		t.Errorf("suppressed failure not logged:\n%s", logs.String())
	}
	// the connection was still released after the session close failed
	if n := svc.Calls("release"); n != 1 {
		t.Errorf("release called %d times", n)
	}
	if ids := svc.OpenProjects(); len(ids) != 0 {
		t.Errorf("open projects = %v", ids)
	}
}

func TestRunCleanupWarning(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)

	err := rexec.Run(context.Background(), discardLogger(), func(ctx context.Context, s *rexec.Scope) error {
		if _, _, err := openSession(ctx, s, srv.URL); err != nil {
			return err
		}
		svc.FailNext("release", "RuntimeError", "revocation store offline")
		return nil
	})

	var cw *rexec.CleanupWarning
	if !errors.As(err, &cw) || len(cw.Failures) != 1 {
		t.Fatalf("err = %v, want CleanupWarning", err)
	}
	if errors.Is(err, rexec.ErrExecution) {
		t.Errorf("cleanup warning matches ErrExecution")
	}
}

func TestRunCanceledContextStillReleases(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	ctx, cancel := context.WithCancel(context.Background())

	err := rexec.Run(ctx, discardLogger(), func(ctx context.Context, s *rexec.Scope) error {
		if _, _, err := openSession(ctx, s, srv.URL); err != nil {
			return err
		}
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if svc.Calls("project_close") != 1 || svc.Calls("release") != 1 {
		t.Errorf("project_close=%d release=%d", svc.Calls("project_close"), svc.Calls("release"))
	}
}

func TestScopeClose(t *testing.T) {
	s := rexec.NewScope(discardLogger())
	var order []string
	step := func(name string, err error) {
		s.Defer(name, func(ctx context.Context) error {
			if ctx.Err() != nil {
				t.Errorf("%s: cleanup context already done", name)
			}
			order = append(order, name)
			return err
		})
	}
	step("first", nil)
	step("second", errors.New("second failed"))
	s.Defer("third", func(context.Context) error {
		order = append(order, "third")
		panic("third exploded")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Close(ctx, nil)
	if !slices.Equal(order, []string{"third", "second", "first"}) {
		t.Errorf("order = %v", order)
	}
	var cw *rexec.CleanupWarning
	if !errors.As(err, &cw) || len(cw.Failures) != 2 {
		t.Fatalf("err = %v", err)
	}
	if !strings.HasPrefix(cw.Failures[0].Error(), "third: panic") || !strings.HasPrefix(cw.Failures[1].Error(), "second:") {
		t.Errorf("failures = %v", cw.Failures)
	}

	primary := errors.New("primary")
	if err := s.Close(ctx, primary); err != primary {
		t.Errorf("second Close = %v, want primary unchanged", err)
	}
	if len(order) != 3 {
		t.Errorf("steps ran again: %v", order)
	}
}

func TestScopeCloseWithoutFailures(t *testing.T) {
	s := rexec.NewScope(nil)
	s.Defer("noop", func(context.Context) error { return nil })
	primary := errors.New("primary")
	if err := s.Close(context.Background(), primary); err != primary {
		t.Errorf("Close = %v, want primary", err)
	}
}
