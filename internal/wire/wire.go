// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Request represents a parsed RPC request from the wire.
type Request struct {
	Method    string
	Version   string
	RequestID string
	LogLevel  string
	Batch     arrow.RecordBatch
	Metadata  map[string]string
}

// WriteRequest writes one complete IPC stream carrying a params batch (see
// [EncodeParams]) tagged with the method name, protocol version and request ID.
func WriteRequest(w io.Writer, method, requestID string, logLevel LogLevel, batch arrow.RecordBatch) error {
	keys := []string{MetaMethod, MetaRequestVersion}
	vals := []string{method, ProtocolVersion}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	if logLevel != "" {
		keys = append(keys, MetaLogLevel)
		vals = append(vals, string(logLevel))
	}
	meta := arrow.NewMetadata(keys, vals)

	withMeta := array.NewRecordBatchWithMetadata(batch.Schema(), batch.Columns(), batch.NumRows(), meta)
	defer withMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(batch.Schema()))
	if err := writer.Write(withMeta); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing request batch: %w", err)
	}
	return writer.Close()
}

// ReadRequest reads one complete IPC stream from the reader and extracts
// the method name, version, and parameter values from the first batch.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, io.EOF
	}

	batch := reader.RecordBatch()
	batch.Retain()

	meta := batchMetadata(batch)

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		batch.Release()
		return nil, Errorf("ProtocolError", "missing %q in request batch custom_metadata", MetaMethod)
	}

	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		batch.Release()
		return nil, Errorf("VersionError", "missing %q in request batch custom_metadata", MetaRequestVersion)
	}
	if version != ProtocolVersion {
		batch.Release()
		return nil, Errorf("VersionError", "unsupported request version %q, expected %q", version, ProtocolVersion)
	}

	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		batch.Release()
		return nil, Errorf("ProtocolError", "expected 1 row in request batch, got %d", batch.NumRows())
	}

	requestID, _ := meta.GetValue(MetaRequestID)
	logLevel, _ := meta.GetValue(MetaLogLevel)

	// read to EOS
	for reader.Next() {
	}

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &Request{
		Method:    method,
		Version:   version,
		RequestID: requestID,
		LogLevel:  logLevel,
		Batch:     batch,
		Metadata:  metaMap,
	}, nil
}

// Response is a decoded response stream.
type Response struct {
	// Batch is the result batch, or nil for an error response. The caller
	// must release it.
	Batch     arrow.RecordBatch
	ServerID  string
	RequestID string
}

// ReadResponse reads a complete response IPC stream. Log batches are passed
// to onLog in arrival order. An EXCEPTION batch is returned as an *RpcError
// after the stream has been drained.
func ReadResponse(r io.Reader, onLog func(LogMessage)) (*Response, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading response IPC stream: %w", err)
	}
	defer reader.Release()

	resp := &Response{}
	var rpcErr *RpcError
	for reader.Next() {
		batch := reader.RecordBatch()
		meta := batchMetadata(batch)
		serverID, _ := meta.GetValue(MetaServerID)
		requestID, _ := meta.GetValue(MetaRequestID)
		if serverID != "" {
			resp.ServerID = serverID
		}
		if requestID != "" {
			resp.RequestID = requestID
		}

		level, isLog := meta.GetValue(MetaLogLevel)
		switch {
		case isLog && LogLevel(level) == LogException:
			msg, _ := meta.GetValue(MetaLogMessage)
			extra, _ := meta.GetValue(MetaLogExtra)
			if rpcErr == nil {
				rpcErr = parseErrorBatch(msg, extra, requestID)
			}
		case isLog:
			if onLog != nil {
				onLog(parseLogBatch(meta, LogLevel(level), serverID, requestID))
			}
		default:
			if resp.Batch != nil {
				resp.Batch.Release()
			}
			batch.Retain()
			resp.Batch = batch
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		resp.release()
		return nil, fmt.Errorf("reading response batch: %w", err)
	}
	if rpcErr != nil {
		resp.release()
		return nil, rpcErr
	}
	if resp.Batch == nil {
		return nil, Errorf("ProtocolError", "response stream carried no result batch")
	}
	return resp, nil
}

func (r *Response) release() {
	if r.Batch != nil {
		r.Batch.Release()
		r.Batch = nil
	}
}

func parseLogBatch(meta arrow.Metadata, level LogLevel, serverID, requestID string) LogMessage {
	msg, _ := meta.GetValue(MetaLogMessage)
	out := LogMessage{Level: level, Message: msg, ServerID: serverID, RequestID: requestID}
	if extra, ok := meta.GetValue(MetaLogExtra); ok && extra != "" {
		_ = json.Unmarshal([]byte(extra), &out.Extras)
	}
	return out
}

func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		b := array.NewBuilder(mem, f.Type)
		cols[i] = b.NewArray()
		b.Release()
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, keys, vals []string, serverID, requestID string) error {
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	batch := emptyBatch(schema)
	defer batch.Release()

	withMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer withMeta.Release()

	return w.Write(withMeta)
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	return writeMetaBatch(w, schema, keys, vals, serverID, requestID)
}

// writeErrorBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeErrorBatch(w *ipc.Writer, schema *arrow.Schema, err error, serverID, requestID string, debug bool) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), err.Error(), buildErrorExtra(err, debug)}
	return writeMetaBatch(w, schema, keys, vals, serverID, requestID)
}

// WriteUnaryResponse writes a complete IPC stream containing log batches followed
// by a result batch.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			_ = writer.Close()
			return fmt.Errorf("writing log batch: %w", err)
		}
	}

	keys := []string{}
	vals := []string{}
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	withMeta := array.NewRecordBatchWithMetadata(schema, result.Columns(), result.NumRows(), arrow.NewMetadata(keys, vals))
	defer withMeta.Release()

	if err := writer.Write(withMeta); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing result batch: %w", err)
	}
	return writer.Close()
}

// WriteErrorResponse writes a complete IPC stream containing the given log
// batches followed by an error batch.
func WriteErrorResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage, err error,
	serverID, requestID string, debug bool) error {

	if schema == nil {
		schema = arrow.NewSchema(nil, nil)
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if werr := writeLogBatch(writer, schema, logMsg, serverID, requestID); werr != nil {
			_ = writer.Close()
			return fmt.Errorf("writing log batch: %w", werr)
		}
	}
	if werr := writeErrorBatch(writer, schema, err, serverID, requestID, debug); werr != nil {
		_ = writer.Close()
		return fmt.Errorf("writing error batch: %w", werr)
	}
	return writer.Close()
}

// WriteVoidResponse writes a complete IPC stream with logs and a zero-row empty-schema response.
func WriteVoidResponse(w io.Writer, logs []LogMessage, serverID, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	batch := emptyBatch(schema)
	defer batch.Release()

	return WriteUnaryResponse(w, schema, logs, batch, serverID, requestID)
}

// BatchBufferSize returns the total top-level buffer size in bytes across all
// columns in a record batch.
func BatchBufferSize(batch arrow.RecordBatch) int64 {
	var total int64
	for i := range int(batch.NumCols()) {
		for _, buf := range batch.Column(i).Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}
