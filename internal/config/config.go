// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package config loads example-runner settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/Query-farm/vgi-rexec/internal/wire"
)

// Config holds runner settings. Defaults are supplied by struct tags.
type Config struct {
	// Endpoint of the analytics service. ENV: REXEC_ENDPOINT
	Endpoint string `env:"REXEC_ENDPOINT,default=http://localhost:8000"`
	// Username for authenticated workflows. ENV: REXEC_USERNAME
	Username string `env:"REXEC_USERNAME,default=testuser"`
	// Password for authenticated workflows; the keyring is consulted when
	// empty. ENV: REXEC_PASSWORD
	Password string `env:"REXEC_PASSWORD"`
	// DataURL of the raw catalogue; derived from Endpoint when empty.
	// ENV: REXEC_DATA_URL
	DataURL string `env:"REXEC_DATA_URL"`
	// LogLevel of the local logger: debug, info, warn or error.
	// ENV: REXEC_LOG_LEVEL
	LogLevel string `env:"REXEC_LOG_LEVEL,default=info"`
	// ServerLogLevel asks the service to forward its log messages at this
	// level and above. ENV: REXEC_SERVER_LOG_LEVEL
	ServerLogLevel string `env:"REXEC_SERVER_LOG_LEVEL"`
	// Timeout per remote call. ENV: REXEC_TIMEOUT
	Timeout time.Duration `env:"REXEC_TIMEOUT,default=60s"`
	// CompressionLevel for request bodies, 0 disables. ENV: REXEC_COMPRESSION_LEVEL
	CompressionLevel int `env:"REXEC_COMPRESSION_LEVEL,default=3"`
	// Otel exports traces and metrics to stdout. ENV: REXEC_OTEL
	Otel bool `env:"REXEC_OTEL,default=false"`
}

// Load decodes Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks field values that envdecode cannot.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: REXEC_ENDPOINT %q is not an http(s) URL", c.Endpoint)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.ServerLogLevel != "" {
		if _, ok := wire.ParseLogLevel(c.ServerLogLevel); !ok {
			return fmt.Errorf("config: REXEC_SERVER_LOG_LEVEL %q is not a log level", c.ServerLogLevel)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: REXEC_TIMEOUT %s is negative", c.Timeout)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 22 {
		return fmt.Errorf("config: REXEC_COMPRESSION_LEVEL %d is outside 0..22", c.CompressionLevel)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: REXEC_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
