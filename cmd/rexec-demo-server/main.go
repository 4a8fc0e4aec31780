// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command rexec-demo-server serves an in-process analytics service loaded
// with the data I/O example scripts and catalogue. It prints PORT:<n> once
// listening and shuts down cleanly on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Query-farm/vgi-rexec/examples/dataio/fixture"
	"github.com/Query-farm/vgi-rexec/rexec/rexectest"
)

type serverFlags struct {
	addr        string
	username    string
	password    string
	debugErrors bool
	compression int
	logLevel    string
}

func main() {
	if err := rootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd(out, errOut io.Writer) *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:           "rexec-demo-server",
		Short:         "Serve the data I/O example repository",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, f, out, errOut)
		},
	}
	cmd.Flags().StringVar(&f.addr, "addr", "127.0.0.1:0", "listen address")
	cmd.Flags().StringVar(&f.username, "username", fixture.Author, "demo user")
	cmd.Flags().StringVar(&f.password, "password", envOr("REXEC_DEMO_PASSWORD", "changeme"), "demo user password")
	cmd.Flags().BoolVar(&f.debugErrors, "debug-errors", false, "include tracebacks in error responses")
	cmd.Flags().IntVar(&f.compression, "compression-level", 3, "zstd level for response bodies, 0 disables")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// newService builds the demo service. The client is used by scripts that
// fetch the catalogue from a URL input.
func newService(f serverFlags, logger *slog.Logger, client *http.Client) (*rexectest.Service, error) {
	svc := rexectest.NewService()
	svc.SetServerID("rexec-demo")
	svc.SetLogger(logger)
	svc.SetDebugErrors(f.debugErrors)
	svc.SetCompressionLevel(f.compression)
	svc.AddUser(f.username, f.password)
	if err := fixture.Install(svc, client); err != nil {
		return nil, err
	}
	return svc, nil
}

func serve(ctx context.Context, f serverFlags, out, errOut io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	svc, err := newService(f, logger, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", f.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	fmt.Fprintf(out, "PORT:%d\n", port)
	if file, ok := out.(*os.File); ok {
		_ = file.Sync()
	}
	logger.Info("serving", "addr", listener.Addr().String(), "user", f.username)

	srv := &http.Server{Handler: fixture.Handler(svc), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
