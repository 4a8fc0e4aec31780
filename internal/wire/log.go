// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"log/slog"
	"sort"
	"strings"
)

// LogLevel represents the severity of a server-directed log message.
type LogLevel string

const (
	// LogException terminates request processing; it marks error batches.
	LogException LogLevel = "EXCEPTION"
	LogError     LogLevel = "ERROR"
	LogWarn      LogLevel = "WARN"
	LogInfo      LogLevel = "INFO"
	LogDebug     LogLevel = "DEBUG"
	// LogTrace is the least severe level, used for fine-grained tracing.
	LogTrace LogLevel = "TRACE"
)

// Priority returns a numeric priority for log levels (lower = more severe).
func Priority(level LogLevel) int {
	switch level {
	case LogException:
		return 0
	case LogError:
		return 1
	case LogWarn:
		return 2
	case LogInfo:
		return 3
	case LogDebug:
		return 4
	case LogTrace:
		return 5
	default:
		return 6
	}
}

// ParseLogLevel accepts a level name in any case. Unknown names yield
// LogInfo and false.
func ParseLogLevel(s string) (LogLevel, bool) {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LogWarn
	}
	if Priority(level) > Priority(LogTrace) {
		return LogInfo, false
	}
	return level, true
}

// SlogLevel maps a wire level onto the closest slog level.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogException, LogError:
		return slog.LevelError
	case LogWarn:
		return slog.LevelWarn
	case LogInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// KV is a key-value pair for structured log extras.
type KV struct {
	Key   string
	Value string
}

// LogMessage represents a server-directed log message.
type LogMessage struct {
	Level     LogLevel
	Message   string
	Extras    map[string]string
	ServerID  string
	RequestID string
}

// Attrs flattens the message extras into slog attributes, sorted by key
// so output is stable.
func (m LogMessage) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(m.Extras)+2)
	for _, k := range sortedKeys(m.Extras) {
		attrs = append(attrs, slog.String(k, m.Extras[k]))
	}
	if m.ServerID != "" {
		attrs = append(attrs, slog.String("server_id", m.ServerID))
	}
	if m.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", m.RequestID))
	}
	return attrs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
