// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
)

// transport performs single round-trip calls against one endpoint.
type transport struct {
	client   *http.Client
	endpoint string // normalized, no trailing slash
	level    int    // zstd level; 0 sends identity bodies
	logLevel wire.LogLevel
	logger   *slog.Logger
	hook     CallHook
}

// call sends params to method and decodes the "result" column into out
// (which may be nil for void methods).
func (t *transport) call(ctx context.Context, method, token, principal string, params, out any) (err error) {
	info := CallInfo{
		Method:    method,
		Endpoint:  t.endpoint,
		RequestID: uuid.NewString(),
		Principal: principal,
		Headers:   map[string]string{},
	}
	stats := &CallStatistics{}
	ctx, finish := t.startHook(ctx, &info)
	defer func() { finish(stats, err) }()

	batch, err := wire.EncodeParams(params)
	if err != nil {
		return fmt.Errorf("rexec: encoding %s params: %w", method, err)
	}
	defer batch.Release()
	stats.RecordInput(batch)

	var buf bytes.Buffer
	if err := wire.WriteRequest(&buf, method, info.RequestID, t.logLevel, batch); err != nil {
		return fmt.Errorf("rexec: %w", err)
	}
	body := buf.Bytes()
	if t.level > 0 {
		if body, err = wire.Compress(body, t.level); err != nil {
			return fmt.Errorf("rexec: %w", err)
		}
	}
	stats.WireBytesOut = int64(len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/"+method, bytes.NewReader(body))
	if err != nil {
		return &ConnectionError{Endpoint: t.endpoint, Op: method, Err: err}
	}
	req.Header.Set("Content-Type", wire.ContentType)
	if t.level > 0 {
		req.Header.Set("Content-Encoding", wire.EncodingZstd)
		req.Header.Set("Accept-Encoding", wire.EncodingZstd)
	}
	t.setCommonHeaders(req, token, info.Headers)

	resp, err := t.client.Do(req)
	if err != nil {
		return &ConnectionError{Endpoint: t.endpoint, Op: method, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, wire.MaxDecodedSize))
	if err != nil {
		return &ConnectionError{Endpoint: t.endpoint, Op: method, Err: err}
	}
	stats.WireBytesIn = int64(len(raw))

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, wire.ContentType) {
		return &ConnectionError{
			Endpoint: t.endpoint,
			Op:       method,
			Err:      fmt.Errorf("unexpected response %s (content type %q)", resp.Status, ct),
		}
	}
	raw, err = wire.DecodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return &ConnectionError{Endpoint: t.endpoint, Op: method, Err: err}
	}

	result, err := wire.ReadResponse(bytes.NewReader(raw), func(msg wire.LogMessage) {
		t.serverLog(ctx, method, msg)
	})
	if err != nil {
		return remoteError(err, t.endpoint, method)
	}
	defer result.Batch.Release()
	info.ServerID = result.ServerID
	stats.RecordOutput(result.Batch)

	if out == nil {
		return nil
	}
	if err := wire.DecodeResult(result.Batch, out); err != nil {
		return &ConnectionError{Endpoint: t.endpoint, Op: method, Err: err}
	}
	return nil
}

// download opens the byte stream behind an artifact token.
func (t *transport) download(ctx context.Context, fileToken, authToken, principal string) (_ io.ReadCloser, err error) {
	info := CallInfo{
		Method:    "download",
		Endpoint:  t.endpoint,
		RequestID: uuid.NewString(),
		Principal: principal,
		Headers:   map[string]string{},
	}
	stats := &CallStatistics{}
	ctx, finish := t.startHook(ctx, &info)
	defer func() { finish(stats, err) }()

	u := t.endpoint + "/" + protocol.FilesPath + "/" + url.PathEscape(fileToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &ConnectionError{Endpoint: t.endpoint, Op: "download", Err: err}
	}
	if t.level > 0 {
		req.Header.Set("Accept-Encoding", wire.EncodingZstd)
	}
	t.setCommonHeaders(req, authToken, info.Headers)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Endpoint: t.endpoint, Op: "download", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if strings.HasPrefix(resp.Header.Get("Content-Type"), wire.ContentType) {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if raw, derr := wire.DecodeBody(raw, resp.Header.Get("Content-Encoding")); derr == nil {
				if _, rerr := wire.ReadResponse(bytes.NewReader(raw), nil); rerr != nil {
					return nil, remoteError(rerr, t.endpoint, "download")
				}
			}
		}
		return nil, &ConnectionError{Endpoint: t.endpoint, Op: "download", Err: fmt.Errorf("unexpected response %s", resp.Status)}
	}
	stats.WireBytesIn = resp.ContentLength

	switch enc := resp.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return resp.Body, nil
	case wire.EncodingZstd:
		zr, err := zstd.NewReader(resp.Body, zstd.WithDecoderMaxMemory(wire.MaxDecodedSize))
		if err != nil {
			resp.Body.Close()
			return nil, &ConnectionError{Endpoint: t.endpoint, Op: "download", Err: err}
		}
		return &zstdBody{Decoder: zr, body: resp.Body}, nil
	default:
		resp.Body.Close()
		return nil, &ConnectionError{Endpoint: t.endpoint, Op: "download", Err: fmt.Errorf("unsupported content encoding %q", enc)}
	}
}

type zstdBody struct {
	*zstd.Decoder
	body io.ReadCloser
}

func (z *zstdBody) Close() error {
	z.Decoder.Close()
	return z.body.Close()
}

func (t *transport) setCommonHeaders(req *http.Request, token string, extra map[string]string) {
	req.Header.Set("User-Agent", userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
}

// startHook runs OnCallStart and returns the function that runs OnCallEnd.
// Hook panics are logged and never reach the caller.
func (t *transport) startHook(ctx context.Context, info *CallInfo) (context.Context, func(*CallStatistics, error)) {
	if t.hook == nil {
		return ctx, func(*CallStatistics, error) {}
	}
	var token HookToken
	active := false
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				t.logger.Error("call hook start panic", "err", rv)
			}
		}()
		var hookCtx context.Context
		hookCtx, token = t.hook.OnCallStart(ctx, *info)
		if hookCtx != nil {
			ctx = hookCtx
		}
		active = true
	}()
	return ctx, func(stats *CallStatistics, err error) {
		if !active {
			return
		}
		defer func() {
			if rv := recover(); rv != nil {
				t.logger.Error("call hook end panic", "err", rv)
			}
		}()
		t.hook.OnCallEnd(ctx, token, *info, stats, err)
	}
}

// serverLog re-emits a server-directed log record on the client logger.
func (t *transport) serverLog(ctx context.Context, method string, msg wire.LogMessage) {
	attrs := append([]slog.Attr{slog.String("source", "server"), slog.String("method", method)}, msg.Attrs()...)
	t.logger.LogAttrs(ctx, msg.Level.SlogLevel(), msg.Message, attrs...)
}

// parseEndpoint validates and normalizes an endpoint URL.
func parseEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("endpoint must not carry a query or fragment")
	}
	u.User = nil
	return strings.TrimRight(u.String(), "/"), nil
}
