// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/Query-farm/vgi-rexec/internal/wire"
)

// CallHook provides observability callpoints around each remote call.
// One hook is typically installed on many Connections running in parallel
// workflows, so implementations must be safe for concurrent use.
type CallHook interface {
	OnCallStart(ctx context.Context, info CallInfo) (context.Context, HookToken)
	OnCallEnd(ctx context.Context, token HookToken, info CallInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnCallStart and passed back to
// OnCallEnd. Only meaningful to the CallHook that created it.
type HookToken interface{}

// CallInfo describes one remote call.
type CallInfo struct {
	Method    string // remote method, or "download"
	Endpoint  string
	RequestID string
	Principal string // empty while Anonymous
	// ServerID is filled in from the response before OnCallEnd.
	ServerID string
	// Headers set by OnCallStart are sent with the request, e.g. trace
	// propagation fields.
	Headers map[string]string
}

// CallStatistics holds per-call I/O counters.
type CallStatistics struct {
	InputBatches  int64
	OutputBatches int64
	InputRows     int64
	OutputRows    int64
	InputBytes    int64
	OutputBytes   int64
	// WireBytesOut and WireBytesIn count HTTP body bytes after compression.
	WireBytesOut int64
	WireBytesIn  int64
}

// RecordInput records one request batch.
func (s *CallStatistics) RecordInput(batch arrow.RecordBatch) {
	s.InputBatches++
	s.InputRows += batch.NumRows()
	s.InputBytes += wire.BatchBufferSize(batch)
}

// RecordOutput records one response batch.
func (s *CallStatistics) RecordOutput(batch arrow.RecordBatch) {
	s.OutputBatches++
	s.OutputRows += batch.NumRows()
	s.OutputBytes += wire.BatchBufferSize(batch)
}
