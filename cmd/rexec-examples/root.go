// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Query-farm/vgi-rexec/examples/dataio"
	"github.com/Query-farm/vgi-rexec/internal/config"
	"github.com/Query-farm/vgi-rexec/internal/credentials"
	"github.com/Query-farm/vgi-rexec/rexec"
	"github.com/Query-farm/vgi-rexec/rexec/rexecotel"
)

type app struct {
	out, errOut io.Writer

	cfg    config.Config
	logger *slog.Logger

	// Flag overrides applied on top of the environment.
	endpoint  string
	username  string
	logLevel  string
	outputDir string
	otel      bool

	openStore func() (*credentials.Store, error)
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:    out,
		errOut: errOut,
		openStore: func() (*credentials.Store, error) {
			return credentials.Open()
		},
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "rexec-examples",
		Short:             "Run the data I/O example workflows against an analytics service",
		Version:           rexec.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup() },
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.endpoint, "endpoint", "", "service endpoint (overrides REXEC_ENDPOINT)")
	flags.StringVar(&a.username, "username", "", "login name for auth workflows (overrides REXEC_USERNAME)")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides REXEC_LOG_LEVEL)")
	flags.StringVar(&a.outputDir, "output-dir", "", "save downloaded artifacts and plots here")
	flags.BoolVar(&a.otel, "otel", false, "print OpenTelemetry traces and metrics to stderr")

	root.AddCommand(a.listCmd(), a.credentialsCmd())
	for _, c := range a.workflowCmds() {
		root.AddCommand(c)
	}
	return root
}

// setup loads the environment configuration, applies flag overrides and
// builds the logger.
func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.endpoint != "" {
		cfg.Endpoint = a.endpoint
	}
	if a.username != "" {
		cfg.Username = a.username
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.otel {
		cfg.Otel = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	a.cfg = cfg
	a.logger = slog.New(pterm.NewSlogHandler(
		pterm.DefaultLogger.WithLevel(ptermLevel(level)).WithWriter(a.errOut)))
	return nil
}

func ptermLevel(l slog.Level) pterm.LogLevel {
	switch {
	case l <= slog.LevelDebug:
		return pterm.LogLevelDebug
	case l <= slog.LevelInfo:
		return pterm.LogLevelInfo
	case l <= slog.LevelWarn:
		return pterm.LogLevelWarn
	default:
		return pterm.LogLevelError
	}
}

// clientOptions translates the configuration into connection options. The
// returned shutdown flushes telemetry and must be called once the
// workflow has finished.
func (a *app) clientOptions() ([]rexec.Option, func(context.Context) error, error) {
	opts := []rexec.Option{
		rexec.WithTimeout(a.cfg.Timeout),
		rexec.WithCompressionLevel(a.cfg.CompressionLevel),
	}
	if a.cfg.ServerLogLevel != "" {
		opts = append(opts, rexec.WithServerLogLevel(strings.ToUpper(a.cfg.ServerLogLevel)))
	}
	if !a.cfg.Otel {
		return opts, func(context.Context) error { return nil }, nil
	}

	spans, err := stdouttrace.New(stdouttrace.WithWriter(a.errOut), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(a.errOut))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics)))

	oc := rexecotel.DefaultConfig()
	oc.TracerProvider = tp
	oc.MeterProvider = mp
	oc.Propagator = propagation.TraceContext{}
	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return append(opts, rexecotel.Instrument(oc)), shutdown, nil
}

func (a *app) workflowConfig(opts []rexec.Option) dataio.Config {
	return dataio.Config{
		Endpoint:    a.cfg.Endpoint,
		Credentials: rexec.Credentials{Username: a.cfg.Username, Password: a.cfg.Password},
		DataURL:     a.cfg.DataURL,
		OutputDir:   a.outputDir,
		Logger:      a.logger,
		Options:     opts,
	}
}
