// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wire

// Well-known metadata keys used on the wire.
// Batch-level keys appear as custom_metadata on Arrow IPC RecordBatch
// messages; MetaKind is attached to workspace fields.
const (
	MetaMethod         = "rexec.method"
	MetaRequestVersion = "rexec.request_version"
	MetaRequestID      = "rexec.request_id"
	MetaLogLevel       = "rexec.log_level"
	MetaLogMessage     = "rexec.log_message"
	MetaLogExtra       = "rexec.log_extra"
	MetaServerID       = "rexec.server_id"
	MetaKind           = "rexec.kind"

	ProtocolVersion = "1"
)

// HTTP framing shared by the client and the in-process service.
const (
	ContentType  = "application/vnd.apache.arrow.stream"
	EncodingZstd = "zstd"
)
