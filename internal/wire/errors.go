// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// RpcError is an error carried in an EXCEPTION-level batch.
type RpcError struct {
	Type      string // e.g. "AuthError", "ScriptNotFound"
	Message   string
	Traceback string
	RequestID string
}

// Errorf builds an *RpcError with a formatted message.
func Errorf(errType, format string, args ...any) *RpcError {
	return &RpcError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *RpcError target.
func (e *RpcError) Is(target error) bool {
	_, ok := target.(*RpcError)
	return ok
}

// stackFrame is a single frame of the traceback attached to error batches.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to rexec.log_extra
// for EXCEPTION-level log batches.
type errorExtra struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Traceback        string       `json:"traceback,omitempty"`
	Frames           []stackFrame `json:"frames,omitempty"`
}

// buildErrorExtra creates the JSON string for rexec.log_extra from an error.
// Stack information is only included when debug is set.
func buildErrorExtra(err error, debug bool) string {
	extra := errorExtra{
		ExceptionType:    fmt.Sprintf("%T", err),
		ExceptionMessage: err.Error(),
	}
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		extra.ExceptionType = rpcErr.Type
		extra.ExceptionMessage = rpcErr.Message
		extra.Traceback = rpcErr.Traceback
	}

	if debug {
		if extra.Traceback == "" {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			extra.Traceback = string(buf[:n])
		}
		pcs := make([]uintptr, 10)
		if n := runtime.Callers(3, pcs); n > 0 {
			frames := runtime.CallersFrames(pcs[:n])
			for len(extra.Frames) < 5 {
				frame, more := frames.Next()
				extra.Frames = append(extra.Frames, stackFrame{
					File:     frame.File,
					Line:     frame.Line,
					Function: frame.Function,
				})
				if !more {
					break
				}
			}
		}
	}

	data, _ := json.Marshal(extra)
	return string(data)
}

// parseErrorBatch rebuilds an *RpcError from error batch metadata. A missing
// or malformed extra falls back to the bare log message.
func parseErrorBatch(message, extraJSON, requestID string) *RpcError {
	rpcErr := &RpcError{Type: "RemoteError", Message: message, RequestID: requestID}
	if extraJSON == "" {
		return rpcErr
	}
	var extra errorExtra
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return rpcErr
	}
	if extra.ExceptionType != "" {
		rpcErr.Type = extra.ExceptionType
	}
	if extra.ExceptionMessage != "" {
		rpcErr.Message = extra.ExceptionMessage
	}
	rpcErr.Traceback = extra.Traceback
	return rpcErr
}
