// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/Query-farm/vgi-rexec/rexec"
	"github.com/Query-farm/vgi-rexec/rexec/rexectest"
)

func TestCreateSessionRequiresAuthentication(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := open(t, srv.URL)

	_, err := conn.CreateSession(context.Background(), rexec.CreationOptions{})
	if !errors.Is(err, rexec.ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if n := svc.Calls("project_create"); n != 0 {
		t.Errorf("project_create called %d times", n)
	}
}

func TestSessionPersistsState(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := openAuthenticated(t, srv.URL)
	ctx := context.Background()

	sess, err := conn.CreateSession(ctx, rexec.CreationOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID() == "" || sess.State() != rexec.SessionOpen {
		t.Fatalf("session = %q %v", sess.ID(), sess.State())
	}

	req := rexec.ExecutionRequest{Script: script("counter.R"), Outputs: []string{"n"}}
	for want := 1.0; want <= 2; want++ {
		res, err := sess.ExecuteScript(ctx, req)
		if err != nil {
			t.Fatalf("ExecuteScript: %v", err)
		}
		if got := numeric(t, res, "n"); !slices.Equal(got, []float64{want}) {
			t.Errorf("n = %v, want %v", got, want)
		}
	}

	// files written by earlier runs are part of the working directory
	req.Blackbox = true
	res, err := sess.ExecuteScript(ctx, req)
	if err != nil {
		t.Fatalf("ExecuteScript blackbox: %v", err)
	}
	if got := fileNames(res.Artifacts); !slices.Equal(got, []string{"run3.txt"}) {
		t.Errorf("blackbox artifacts = %v", got)
	}

	// a stateless call on the same connection sees none of it
	res, err = conn.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("counter.R"), Outputs: []string{"n"}})
	if err != nil {
		t.Fatalf("stateless ExecuteScript: %v", err)
	}
	if got := numeric(t, res, "n"); !slices.Equal(got, []float64{1}) {
		t.Errorf("stateless n = %v", got)
	}
}

func TestSessionCreationPreload(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := openAuthenticated(t, srv.URL)
	ctx := context.Background()

	sess, err := conn.CreateSession(ctx, rexec.CreationOptions{
		Preload: rexec.Preload{Workspace: resource("base.rData"), Directory: resource("data.csv")},
		Inputs:  []rexec.Value{rexec.NumericVector{Label: "x", Values: []float64{5, 6}}},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	res, err := sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("double.R"), Outputs: []string{"y", "label"}})
	if err != nil {
		t.Fatalf("ExecuteScript: %v", err)
	}
	if got := numeric(t, res, "y"); !slices.Equal(got, []float64{10, 12}) {
		t.Errorf("y = %v", got)
	}
	if v, ok := res.Output("label"); !ok || v.(rexec.StringVector).Values[0] != "preloaded" {
		t.Errorf("label = %v", v)
	}

	if _, err := sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("touch.R")}); err != nil {
		t.Errorf("preloaded file not in working directory: %v", err)
	}
}

func TestSessionCreationPreloadDenied(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := open(t, srv.URL)
	ctx := context.Background()
	if _, err := conn.Authenticate(ctx, rexec.Credentials{Username: otherUser, Password: "other"}); err != nil {
		t.Fatal(err)
	}

	_, err := conn.CreateSession(ctx, rexec.CreationOptions{
		Preload: rexec.Preload{Workspace: resource("secret.rData")},
	})
	var ee *rexec.ExecutionError
	if !errors.As(err, &ee) || ee.Kind != "AccessDenied" {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
	if ids := svc.OpenProjects(); len(ids) != 0 {
		t.Errorf("open projects = %v", ids)
	}
}

func TestClosedSession(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := openAuthenticated(t, srv.URL)
	ctx := context.Background()

	sess, err := conn.CreateSession(ctx, rexec.CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := svc.Calls("project_close"); n != 1 {
		t.Errorf("project_close called %d times", n)
	}
	if sess.State() != rexec.SessionClosed {
		t.Errorf("State = %v", sess.State())
	}

	_, err = sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("double.R")})
	var sc *rexec.SessionClosedError
	if !errors.As(err, &sc) || sc.SessionID != sess.ID() {
		t.Fatalf("err = %v, want SessionClosedError", err)
	}
	if n := svc.Calls("project_execute"); n != 0 {
		t.Errorf("project_execute called %d times", n)
	}
}

func TestReleaseClosesSessions(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := openAuthenticated(t, srv.URL)
	ctx := context.Background()

	var sessions []*rexec.Session
	for range 3 {
		s, err := conn.CreateSession(ctx, rexec.CreationOptions{})
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}
	if err := sessions[1].Close(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(svc.OpenProjects()); n != 2 {
		t.Fatalf("open projects = %d", n)
	}

	if err := conn.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	for i, s := range sessions {
		if s.State() != rexec.SessionClosed {
			t.Errorf("session %d still %v", i, s.State())
		}
	}
	if ids := svc.OpenProjects(); len(ids) != 0 {
		t.Errorf("open projects after release = %v", ids)
	}
	if n := svc.Calls("project_close"); n != 3 {
		t.Errorf("project_close called %d times, want 3", n)
	}
	if n := svc.Calls("release"); n != 1 {
		t.Errorf("release called %d times", n)
	}
}

func TestSessionClosedRemotely(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := openAuthenticated(t, srv.URL)
	ctx := context.Background()

	sess, err := conn.CreateSession(ctx, rexec.CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	svc.FailNext("project_execute", "SessionClosed", "project expired")

	_, err = sess.ExecuteScript(ctx, rexec.ExecutionRequest{Script: script("counter.R")})
	var sc *rexec.SessionClosedError
	if !errors.As(err, &sc) || sc.SessionID != sess.ID() {
		t.Fatalf("err = %v, want SessionClosedError", err)
	}
	if sess.State() != rexec.SessionClosed {
		t.Errorf("State = %v", sess.State())
	}

	if err := conn.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n := svc.Calls("project_close"); n != 0 {
		t.Errorf("project_close called %d times for a remotely closed session", n)
	}
}

func TestSessionCloseFailure(t *testing.T) {
	svc := newService(t)
	srv := rexectest.NewTestServer(t, svc)
	conn := openAuthenticated(t, srv.URL)
	ctx := context.Background()

	sess, err := conn.CreateSession(ctx, rexec.CreationOptions{})
	if err != nil {
		t.Fatal(err)
	}
	svc.FailNext("project_close", "RuntimeError", "disk full")
	if err := sess.Close(ctx); err == nil {
		t.Fatal("Close succeeded, want error")
	}
	if sess.State() != rexec.SessionClosed {
		t.Errorf("State = %v, want Closed after failed close", sess.State())
	}

	// the service still discards it when the token is released
	if err := conn.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ids := svc.OpenProjects(); len(ids) != 0 {
		t.Errorf("open projects = %v", ids)
	}
}
