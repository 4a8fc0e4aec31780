// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
)

func (s *Service) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /"+protocol.FilesPath+"/{token}", s.handleFile)
	mux.HandleFunc("POST /{method}", s.handleUnary)
	mux.HandleFunc("GET /{$}", s.handleLandingPage)
	return mux
}

// ServeHTTP implements http.Handler:
//
//	POST /{method}        unary call
//	GET  /files/{token}   artifact or plot download
//	GET  /                repository landing page
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// NewTestServer serves svc on a loopback httptest.Server that is closed when
// the test ends.
func NewTestServer(tb testing.TB, svc *Service) *httptest.Server {
	tb.Helper()
	srv := httptest.NewServer(svc)
	tb.Cleanup(srv.Close)
	return srv
}

func (s *Service) handleUnary(w http.ResponseWriter, r *http.Request) {
	method := r.PathValue("method")

	if ct := r.Header.Get("Content-Type"); ct != wire.ContentType {
		s.writeHttpError(w, r, http.StatusUnsupportedMediaType,
			wire.Errorf("ProtocolError", "unsupported content type: %s", ct), "")
		return
	}

	info, ok := s.methods[method]
	if !ok {
		s.writeHttpError(w, r, http.StatusNotFound,
			wire.Errorf("AttributeError", "Unknown method: '%s'", method), "")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxDecodedSize))
	if err != nil {
		s.writeHttpError(w, r, http.StatusBadRequest, err, "")
		return
	}
	body, err := wire.DecodeBody(raw, r.Header.Get("Content-Encoding"))
	if err != nil {
		s.writeHttpError(w, r, http.StatusBadRequest, err, "")
		return
	}

	req, err := wire.ReadRequest(bytes.NewReader(body))
	if err != nil {
		s.writeHttpError(w, r, http.StatusBadRequest, err, "")
		return
	}
	defer req.Batch.Release()
	if req.Method != method {
		s.writeHttpError(w, r, http.StatusBadRequest,
			wire.Errorf("ProtocolError", "request names method %q but was posted to %q", req.Method, method), req.RequestID)
		return
	}

	callCtx := &CallContext{
		RequestID: req.RequestID,
		ServerID:  s.serverID,
		Method:    method,
		LogLevel:  wire.LogLevel(req.LogLevel),
	}
	if callCtx.LogLevel == "" {
		callCtx.LogLevel = wire.LogTrace
	}
	if token, ok := bearerToken(r); ok {
		principal, id, err := s.auth.verify(token)
		if err != nil {
			s.writeHttpError(w, r, http.StatusUnauthorized, err, req.RequestID)
			return
		}
		callCtx.Principal, callCtx.TokenID = principal, id
	}

	resultVal, callErr := s.dispatch(r.Context(), info, callCtx, req.Batch)
	logs := callCtx.drainLogs()

	var buf bytes.Buffer
	if callErr != nil {
		s.logger.Debug("call failed", "method", method, "request_id", req.RequestID, "err", callErr)
		_ = wire.WriteErrorResponse(&buf, info.ResultSchema, logs, callErr, s.serverID, req.RequestID, s.debugErrors)
		s.writeArrow(w, r, statusFor(callErr), buf.Bytes())
		return
	}

	if info.ResultType == nil {
		_ = wire.WriteVoidResponse(&buf, logs, s.serverID, req.RequestID)
		s.writeArrow(w, r, http.StatusOK, buf.Bytes())
		return
	}

	resultBatch, err := wire.EncodeResult(info.ResultSchema, resultVal.Interface())
	if err != nil {
		s.writeHttpError(w, r, http.StatusInternalServerError,
			wire.Errorf("SerializationError", "%v", err), req.RequestID)
		return
	}
	defer resultBatch.Release()

	if err := wire.WriteUnaryResponse(&buf, info.ResultSchema, logs, resultBatch, s.serverID, req.RequestID); err != nil {
		s.writeHttpError(w, r, http.StatusInternalServerError, err, req.RequestID)
		return
	}
	s.writeArrow(w, r, http.StatusOK, buf.Bytes())
}

func (s *Service) handleFile(w http.ResponseWriter, r *http.Request) {
	var principal string
	if token, ok := bearerToken(r); ok {
		p, _, err := s.auth.verify(token)
		if err != nil {
			s.writeHttpError(w, r, http.StatusUnauthorized, err, "")
			return
		}
		principal = p
	}
	s.mu.Lock()
	s.calls["download"]++
	s.mu.Unlock()

	b, err := s.artifact.get(r.PathValue("token"), principal)
	if err != nil {
		s.writeHttpError(w, r, statusFor(err), err, "")
		return
	}

	w.Header().Set("Content-Type", b.mediaType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.name))
	data := b.data
	if s.level > 0 && acceptsZstd(r) {
		if compressed, err := wire.Compress(data, s.level); err == nil {
			data = compressed
			w.Header().Set("Content-Encoding", wire.EncodingZstd)
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// statusFor maps a remote error type onto an HTTP status.
func statusFor(err error) int {
	var rpcErr *wire.RpcError
	if !errors.As(err, &rpcErr) {
		return http.StatusInternalServerError
	}
	switch rpcErr.Type {
	case protocol.ErrAuth:
		return http.StatusUnauthorized
	case protocol.ErrAccessDenied:
		return http.StatusForbidden
	case protocol.ErrScriptNotFound, protocol.ErrProjectNotFound, protocol.ErrFileNotFound:
		return http.StatusNotFound
	case protocol.ErrInvalidRequest, "ProtocolError", "VersionError":
		return http.StatusBadRequest
	case protocol.ErrSessionClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

func acceptsZstd(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == wire.EncodingZstd {
			return true
		}
	}
	return false
}

func (s *Service) writeHttpError(w http.ResponseWriter, r *http.Request, statusCode int, err error, requestID string) {
	var buf bytes.Buffer
	_ = wire.WriteErrorResponse(&buf, nil, nil, err, s.serverID, requestID, s.debugErrors)
	s.writeArrow(w, r, statusCode, buf.Bytes())
}

func (s *Service) writeArrow(w http.ResponseWriter, r *http.Request, statusCode int, data []byte) {
	w.Header().Set("Content-Type", wire.ContentType)
	if s.level > 0 && acceptsZstd(r) {
		if compressed, err := wire.Compress(data, s.level); err == nil {
			data = compressed
			w.Header().Set("Content-Encoding", wire.EncodingZstd)
		}
	}
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
