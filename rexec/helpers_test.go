// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/Query-farm/vgi-rexec/rexec"
	"github.com/Query-farm/vgi-rexec/rexec/rexectest"
)

const (
	testUser     = "testuser"
	testPassword = "changeme"
	otherUser    = "otheruser"
	testDir      = "demo"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nnot-really-a-png")

func script(name string) rexec.ScriptRef {
	return rexec.ScriptRef{Name: name, Directory: testDir, Author: testUser}
}

func resource(name string) *rexec.ResourceRef {
	return &rexec.ResourceRef{Name: name, Directory: testDir, Author: testUser}
}

func key(name string) rexectest.Key {
	return rexectest.Key{Author: testUser, Directory: testDir, Name: name}
}

// newService returns a service with the scripts and resources the tests in
// this package use.
func newService(t *testing.T) *rexectest.Service {
	t.Helper()
	svc := rexectest.NewService()
	svc.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.AddUser(testUser, testPassword)
	svc.AddUser(otherUser, "other")

	repo := svc.Repository()
	repo.AddScript(key("double.R"), rexectest.Public, func(_ context.Context, sc *rexectest.ScriptContext) error {
		v, ok := sc.Get("x")
		if !ok {
			return fmt.Errorf("object 'x' not found")
		}
		nv, ok := v.(rexec.NumericVector)
		if !ok {
			return fmt.Errorf("non-numeric argument to binary operator")
		}
		y := make([]float64, len(nv.Values))
		var csv strings.Builder
		for i, f := range nv.Values {
			y[i] = 2 * f
			fmt.Fprintf(&csv, "%v,%v\n", f, y[i])
		}
		sc.Set(rexec.NumericVector{Label: "y", Values: y})
		sc.Printf("doubled %d values\n", len(y))
		sc.WriteFile("result.csv", []byte(csv.String()))
		return nil
	})
	repo.AddScript(key("show.R"), rexectest.Public, func(_ context.Context, sc *rexectest.ScriptContext) error {
		sc.Printf("vars: %s\n", strings.Join(sc.Vars(), " "))
		return nil
	})
	repo.AddScript(key("fail.R"), rexectest.Public, func(context.Context, *rexectest.ScriptContext) error {
		return fmt.Errorf("object 'zz' not found")
	})
	repo.AddScript(key("panic.R"), rexectest.Public, func(context.Context, *rexectest.ScriptContext) error {
		panic("segfault in native code")
	})
	repo.AddScript(key("plot.R"), rexectest.Public, func(_ context.Context, sc *rexectest.ScriptContext) error {
		sc.Plot(fakePNG)
		sc.Plot(fakePNG)
		sc.Printf("2 plots\n")
		return nil
	})
	repo.AddScript(key("touch.R"), rexectest.Public, func(_ context.Context, sc *rexectest.ScriptContext) error {
		data, err := sc.ReadFile("data.csv")
		if err != nil {
			return err
		}
		sc.WriteFile("summary.txt", []byte(fmt.Sprintf("%d bytes", len(data))))
		return nil
	})
	repo.AddScript(key("counter.R"), rexectest.Public, func(_ context.Context, sc *rexectest.ScriptContext) error {
		n := 0.0
		if v, ok := sc.Get("n"); ok {
			n = v.(rexec.NumericVector).Values[0]
		}
		sc.Set(rexec.NumericVector{Label: "n", Values: []float64{n + 1}})
		sc.WriteFile(fmt.Sprintf("run%.0f.txt", n+1), []byte("ran"))
		return nil
	})
	repo.AddScript(key("private.R"), rexectest.Private, func(_ context.Context, sc *rexectest.ScriptContext) error {
		sc.Set(rexec.Scalar{Label: "secret", Value: "42"})
		return nil
	})

	repo.AddWorkspace(key("base.rData"), rexectest.Public,
		rexec.NumericVector{Label: "x", Values: []float64{1}},
		rexec.StringVector{Label: "label", Values: []string{"preloaded"}})
	repo.AddWorkspace(key("secret.rData"), rexectest.Private,
		rexec.Scalar{Label: "token", Value: "s3cr3t"})
	repo.AddFile(key("data.csv"), rexectest.Public, []byte("a,b\n1,2\n3,4\n"))
	return svc
}

func open(t *testing.T, url string, opts ...rexec.Option) *rexec.Connection {
	t.Helper()
	opts = append([]rexec.Option{rexec.WithLogger(discardLogger())}, opts...)
	conn, err := rexec.Open(context.Background(), url, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = conn.Release(context.Background()) })
	return conn
}

func openAuthenticated(t *testing.T, url string, opts ...rexec.Option) *rexec.Connection {
	t.Helper()
	conn := open(t, url, opts...)
	if _, err := conn.Authenticate(context.Background(), rexec.Credentials{Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return conn
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func numeric(t *testing.T, res *rexec.ExecutionResult, name string) []float64 {
	t.Helper()
	v, ok := res.Output(name)
	if !ok {
		t.Fatalf("output %q missing; got %v", name, outputNames(res))
	}
	nv, ok := v.(rexec.NumericVector)
	if !ok {
		t.Fatalf("output %q is %T, want NumericVector", name, v)
	}
	return nv.Values
}

func outputNames(res *rexec.ExecutionResult) []string {
	names := make([]string, len(res.Outputs))
	for i, v := range res.Outputs {
		names[i] = v.Name()
	}
	return names
}

func fileNames(handles []*rexec.FileHandle) []string {
	names := make([]string, len(handles))
	for i, h := range handles {
		names[i] = h.Name
	}
	return names
}
