// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package rexecotel provides OpenTelemetry instrumentation for rexec
// clients. It implements the [rexec.CallHook] interface to add client spans,
// trace-context propagation and call metrics to every remote call.
//
// Usage:
//
//	conn, err := rexec.Open(ctx, endpoint, rexecotel.Instrument(rexecotel.DefaultConfig()))
package rexecotel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/vgi-rexec/internal/wire"
	"github.com/Query-farm/vgi-rexec/rexec"
)

const instrumentationName = "vgi_rexec"

// Config configures OpenTelemetry instrumentation for a rexec client.
type Config struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator injects trace context into request headers.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed calls.
	// Default true.
	RecordExceptions bool
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns a Config with tracing, metrics and exception
// recording enabled. Providers and the propagator are resolved from the
// global OTel SDK when the hook is built.
func DefaultConfig() Config {
	return Config{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// Instrument returns a connection option installing the hook built by
// [NewHook].
func Instrument(cfg Config) rexec.Option {
	return rexec.WithCallHook(NewHook(cfg))
}

// NewHook builds a CallHook recording one client span and one set of
// metric points per remote call.
func NewHook(cfg Config) rexec.CallHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	h := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}
	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		h.requestCounter, _ = meter.Int64Counter("rpc.client.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of remote calls"),
		)
		h.durationHistogram, _ = meter.Float64Histogram("rpc.client.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of remote calls"),
		)
	}
	return h
}

type otelHook struct {
	cfg               Config
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnCallStart starts a client span and injects its context into the
// request headers.
func (h *otelHook) OnCallStart(ctx context.Context, info rexec.CallInfo) (context.Context, rexec.HookToken) {
	tok := &spanToken{startTime: time.Now()}
	if h.cfg.EnableTracing {
		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "vgi_rexec"),
			attribute.String("rpc.method", info.Method),
			attribute.String("rpc.vgi_rexec.request_id", info.RequestID),
		}
		if u, err := url.Parse(info.Endpoint); err == nil {
			attrs = append(attrs, attribute.String("server.address", u.Hostname()))
		}
		if info.Principal != "" {
			attrs = append(attrs, attribute.String("enduser.id", info.Principal))
		}
		attrs = append(attrs, h.cfg.CustomAttributes...)

		ctx, tok.span = h.tracer.Start(ctx, "vgi_rexec/"+info.Method,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attrs...),
		)
	}
	if h.cfg.Propagator != nil && info.Headers != nil {
		h.cfg.Propagator.Inject(ctx, propagation.MapCarrier(info.Headers))
	}
	return ctx, tok
}

// OnCallEnd records metrics and ends the span.
func (h *otelHook) OnCallEnd(ctx context.Context, token rexec.HookToken, info rexec.CallInfo, stats *rexec.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}
	duration := time.Since(st.startTime)

	status := "ok"
	if err != nil {
		status = "error"
	}
	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "vgi_rexec"),
			attribute.String("rpc.method", info.Method),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, duration.Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if info.ServerID != "" {
		st.span.SetAttributes(attribute.String("rpc.vgi_rexec.server_id", info.ServerID))
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.vgi_rexec.input_rows", stats.InputRows),
			attribute.Int64("rpc.vgi_rexec.output_rows", stats.OutputRows),
			attribute.Int64("rpc.vgi_rexec.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.vgi_rexec.output_bytes", stats.OutputBytes),
			attribute.Int64("rpc.vgi_rexec.wire_bytes_out", stats.WireBytesOut),
			attribute.Int64("rpc.vgi_rexec.wire_bytes_in", stats.WireBytesIn),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		st.span.SetAttributes(attribute.String("rpc.vgi_rexec.error_type", errorType(err)))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}

// errorType names err by its remote type where one is known.
func errorType(err error) string {
	var rpcErr *wire.RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Type
	}
	var execErr *rexec.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return fmt.Sprintf("%T", err)
}
