// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the Arrow IPC framing shared by the rexec client
// and the in-process analytics service.
//
// Every call is one IPC stream in each direction. The request stream holds a
// single 1-row batch whose columns are the call parameters and whose custom
// metadata names the method, protocol version and request ID. The response
// stream holds zero or more zero-row log batches followed by either a 1-row
// "result" batch or a zero-row EXCEPTION batch describing an [RpcError].
//
// # Struct tags
//
// Parameters and results are Go structs annotated with `rexec` tags:
//
//	`rexec:"wire_name[,option[,option...]]"`
//
// Supported options:
//
//   - default=VALUE: default value when the parameter is absent or null
//   - int32: use Arrow Int32 instead of the default Int64
//   - binary: force an Arrow Binary column
//
// Nested structs become Arrow struct columns using the same tag, slices
// become lists and maps become Arrow maps.
package wire
