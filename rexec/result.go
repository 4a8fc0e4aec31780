// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
)

// ExecutionResult is the structured outcome of one script execution.
// Artifacts and Plots are never nil.
type ExecutionResult struct {
	Console string
	// Outputs are in the order the service reported them. Match them by
	// name, not position.
	Outputs   []Value
	Artifacts []*FileHandle
	Plots     []*FileHandle
	// Warnings lists outputs that decoded to Unrecognized.
	Warnings []*DecodeWarning
}

// Output returns the output with the given name.
func (r *ExecutionResult) Output(name string) (Value, bool) {
	for _, v := range r.Outputs {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

func (c *Connection) newResult(req ExecutionRequest, res protocol.ExecuteResult, token, principal string) (*ExecutionResult, error) {
	outputs, _, err := DecodeWorkspace(res.Workspace)
	if err != nil {
		return nil, err
	}
	outputs = filterOutputs(outputs, req.Outputs)
	// warnings cover only what the caller receives
	var warnings []*DecodeWarning
	for _, v := range outputs {
		warnings = append(warnings, collectWarnings(v)...)
	}
	for _, w := range warnings {
		c.logger.Warn("output decoded as unrecognized", "name", w.Name, "descriptor", w.Descriptor)
	}

	result := &ExecutionResult{
		Console:   res.Console,
		Outputs:   outputs,
		Artifacts: make([]*FileHandle, 0, len(res.Artifacts)),
		Plots:     make([]*FileHandle, 0, len(res.Plots)),
		Warnings:  warnings,
	}
	for _, f := range res.Artifacts {
		result.Artifacts = append(result.Artifacts, c.newFileHandle(f, token, principal))
	}
	for _, f := range res.Plots {
		result.Plots = append(result.Plots, c.newFileHandle(f, token, principal))
	}
	return result, nil
}

// filterOutputs drops values whose names were not requested. An empty
// request keeps everything the service sent.
func filterOutputs(values []Value, requested []string) []Value {
	if len(requested) == 0 {
		return values
	}
	want := make(map[string]bool, len(requested))
	for _, name := range requested {
		want[name] = true
	}
	out := make([]Value, 0, len(values))
	for _, v := range values {
		if want[v.Name()] {
			out = append(out, v)
		}
	}
	return out
}

// FileHandle refers to a file produced by an execution: a working-directory
// artifact or a graphics-device plot. Its content is fetched lazily with a
// single round trip, and a handle can be opened only once.
type FileHandle struct {
	Name      string
	Size      int64
	MediaType string

	conn      *Connection
	token     string
	authToken string
	principal string
	opened    atomic.Bool
}

func (c *Connection) newFileHandle(f protocol.FileInfo, authToken, principal string) *FileHandle {
	return &FileHandle{
		Name:      f.Name,
		Size:      f.Size,
		MediaType: f.MediaType,
		conn:      c,
		token:     f.Token,
		authToken: authToken,
		principal: principal,
	}
}

// Open starts the download. The caller must close the returned reader. A
// second call returns ErrAlreadyOpened.
func (f *FileHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	if !f.opened.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpened, f.Name)
	}
	if f.conn.State() == Released {
		return nil, f.conn.released("download " + f.Name)
	}
	return f.conn.tr.download(ctx, f.token, f.authToken, f.principal)
}

// Drain opens the handle and reads it to the end, returning the byte count.
func (f *FileHandle) Drain(ctx context.Context, w io.Writer) (int64, error) {
	rc, err := f.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	if w == nil {
		w = io.Discard
	}
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, &ConnectionError{Endpoint: f.conn.tr.endpoint, Op: "download " + f.Name, Err: err}
	}
	return n, nil
}
