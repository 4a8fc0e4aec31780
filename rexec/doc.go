// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package rexec is a client for remote analytics services that execute
// repository-managed scripts on behalf of a caller.
//
// A caller opens a [Connection] to an endpoint, optionally upgrades it with
// [Connection.Authenticate], and then either executes scripts statelessly
// with [Connection.ExecuteScript] or creates a stateful [Session] in which
// variables and working-directory files persist between executions.
//
// # Values
//
// Data crosses the wire as named [Value]s: [NumericVector], [StringVector],
// [Table], [Scalar], or [Unrecognized] when the service returns something
// with no matching variant. [Encode] and [Decode] convert to and from native
// Go values. Decoding never fails on an unknown type; the value is kept as
// Unrecognized and reported as a [DecodeWarning].
//
// # Execution
//
// An [ExecutionRequest] names a script, the inputs to bind, any repository
// resources to preload, and the outputs to return. Preloads are applied
// first, then inputs, so an input overrides a same-named preloaded
// variable. Outputs are matched by name: a requested output that the script
// never produced is simply absent from the result.
//
// Files written by a script and graphics-device plots come back as
// [FileHandle]s whose content is fetched lazily, once.
//
// # Lifecycle
//
// Sessions must be closed and connections released. [Run] does both on
// every exit path, in reverse order of acquisition, and keeps a release
// failure from hiding the error that caused the unwind:
//
//	err := rexec.Run(ctx, logger, func(ctx context.Context, s *rexec.Scope) error {
//		conn, err := s.Open(ctx, endpoint)
//		if err != nil {
//			return err
//		}
//		res, err := conn.ExecuteScript(ctx, req)
//		...
//	})
//
// # Wire format
//
// Every call is a single HTTP POST of an Apache Arrow IPC stream to
// {endpoint}/{method}. Bodies may be zstd-compressed with
// [WithCompressionLevel]. Log records emitted by the service while handling
// a call are re-emitted on the client's logger (see [WithLogger]).
package rexec
