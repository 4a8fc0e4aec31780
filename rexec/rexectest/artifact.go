// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
)

const hmacLen = sha256.Size

type blob struct {
	name      string
	mediaType string
	data      []byte
	created   time.Time
}

// artifactToken is the signed payload of a download token. Owner is empty
// for files produced by anonymous executions.
type artifactToken struct {
	CreatedAt int64
	ID        string
	Owner     string
}

// artifactStore keeps execution outputs available for download behind
// HMAC-signed, TTL-bounded tokens.
type artifactStore struct {
	key []byte
	ttl time.Duration

	mu    sync.Mutex
	blobs map[string]blob
}

func newArtifactStore(key []byte, ttl time.Duration) *artifactStore {
	return &artifactStore{key: key, ttl: ttl, blobs: make(map[string]blob)}
}

// put stores a file and returns its listing with a fresh token.
func (a *artifactStore) put(name string, data []byte, owner string) (protocol.FileInfo, error) {
	id := uuid.NewString()
	mediaType := mime.TypeByExtension(path.Ext(name))
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	now := time.Now()
	token, err := a.pack(artifactToken{CreatedAt: now.Unix(), ID: id, Owner: owner})
	if err != nil {
		return protocol.FileInfo{}, err
	}
	a.mu.Lock()
	a.evictLocked(now)
	a.blobs[id] = blob{name: name, mediaType: mediaType, data: data, created: now}
	a.mu.Unlock()
	return protocol.FileInfo{Name: name, Token: token, Size: int64(len(data)), MediaType: mediaType}, nil
}

// get resolves a token presented by principal.
func (a *artifactStore) get(token, principal string) (blob, error) {
	t, err := a.unpack(token)
	if err != nil {
		return blob{}, err
	}
	if t.Owner != "" && t.Owner != principal {
		return blob{}, wire.Errorf(protocol.ErrAccessDenied, "file belongs to another user")
	}
	a.mu.Lock()
	a.evictLocked(time.Now())
	b, ok := a.blobs[t.ID]
	a.mu.Unlock()
	if !ok {
		return blob{}, wire.Errorf(protocol.ErrFileNotFound, "file %s is no longer available", t.ID)
	}
	return b, nil
}

// evictLocked drops blobs whose tokens can no longer be valid.
func (a *artifactStore) evictLocked(now time.Time) {
	for id, b := range a.blobs {
		if now.Sub(b.created) > a.ttl {
			delete(a.blobs, id)
		}
	}
}

func (a *artifactStore) pack(t artifactToken) (string, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(&t); err != nil {
		return "", fmt.Errorf("artifact token encode: %w", err)
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(payload.Bytes())
	return base64.RawURLEncoding.EncodeToString(mac.Sum(payload.Bytes())), nil
}

func (a *artifactStore) unpack(token string) (artifactToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < hmacLen {
		return artifactToken{}, wire.Errorf(protocol.ErrFileNotFound, "malformed file token")
	}
	payload, sig := raw[:len(raw)-hmacLen], raw[len(raw)-hmacLen:]

	mac := hmac.New(sha256.New, a.key)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return artifactToken{}, wire.Errorf(protocol.ErrFileNotFound, "file token signature verification failed")
	}

	var t artifactToken
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&t); err != nil {
		return artifactToken{}, wire.Errorf(protocol.ErrFileNotFound, "file token decode: %v", err)
	}
	if age := time.Since(time.Unix(t.CreatedAt, 0)); age > a.ttl {
		return artifactToken{}, wire.Errorf(protocol.ErrFileNotFound, "file token expired (age: %v, ttl: %v)", age.Round(time.Second), a.ttl)
	}
	return t, nil
}
