// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Query-farm/vgi-rexec/internal/wire"
)

// Version is reported to the service on connect.
const Version = "0.3.0"

const userAgent = "vgi-rexec-go/" + Version

// DefaultTimeout bounds each HTTP round trip unless WithHTTPClient or
// WithTimeout says otherwise.
const DefaultTimeout = 60 * time.Second

type options struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	hook       CallHook
	level      int
	logLevel   wire.LogLevel
}

// Option configures a Connection.
type Option func(*options)

// WithHTTPClient sets the HTTP client used for every call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the logger that receives client events and
// server-directed log records. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallHook registers a hook that is called around each remote call.
func WithCallHook(h CallHook) Option {
	return func(o *options) { o.hook = h }
}

// WithCompressionLevel enables zstd request and response bodies at the given
// level (1-22). Zero disables compression.
func WithCompressionLevel(level int) Option {
	return func(o *options) { o.level = min(max(level, 0), 22) }
}

// WithServerLogLevel sets the minimum severity of log records the service
// should send back. Accepts EXCEPTION, ERROR, WARN, INFO, DEBUG or TRACE.
func WithServerLogLevel(level string) Option {
	return func(o *options) {
		if l, ok := wire.ParseLogLevel(level); ok {
			o.logLevel = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		timeout:  DefaultTimeout,
		logLevel: wire.LogInfo,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}
	return o
}
