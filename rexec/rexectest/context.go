// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import "github.com/Query-farm/vgi-rexec/internal/wire"

// CallContext carries request-scoped information to method handlers.
type CallContext struct {
	// RequestID is the client-supplied identifier, echoed in response
	// metadata.
	RequestID string
	ServerID  string
	Method    string
	// LogLevel is the client-requested minimum log severity.
	LogLevel wire.LogLevel
	// Principal is the authenticated username, or empty for anonymous
	// callers.
	Principal string
	// TokenID identifies the bearer token the call was made with.
	TokenID string

	logs []wire.LogMessage
}

// ClientLog records a log message for the client. Messages below the
// client-requested level are dropped.
func (c *CallContext) ClientLog(level wire.LogLevel, msg string, extras ...wire.KV) {
	if wire.Priority(level) > wire.Priority(c.LogLevel) {
		return
	}
	m := wire.LogMessage{Level: level, Message: msg}
	if len(extras) > 0 {
		m.Extras = make(map[string]string, len(extras))
		for _, kv := range extras {
			m.Extras[kv.Key] = kv.Value
		}
	}
	c.logs = append(c.logs, m)
}

func (c *CallContext) drainLogs() []wire.LogMessage {
	logs := c.logs
	c.logs = nil
	return logs
}
