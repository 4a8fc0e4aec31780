// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
)

const tokenIssuer = "rexectest"

// authority issues and verifies HS256 bearer tokens for registered users.
type authority struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration

	mu      sync.Mutex
	users   map[string]string
	revoked map[string]bool
}

func newAuthority(key []byte) *authority {
	return &authority{
		key:     key,
		ttl:     defaultTokenTTL,
		leeway:  5 * time.Second,
		users:   make(map[string]string),
		revoked: make(map[string]bool),
	}
}

func (a *authority) addUser(username, password string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[username] = password
}

// login checks credentials and returns a signed token.
func (a *authority) login(username, password string) (string, error) {
	a.mu.Lock()
	want, ok := a.users[username]
	a.mu.Unlock()
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return "", wire.Errorf(protocol.ErrAuth, "invalid username or password")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   username,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

// verify returns the subject and token ID of a valid, unrevoked token.
func (a *authority) verify(token string) (subject, id string, err error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithLeeway(a.leeway),
	)
	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return a.key, nil }); err != nil {
		return "", "", wire.Errorf(protocol.ErrAuth, "invalid token: %v", err)
	}
	if claims.Subject == "" {
		return "", "", wire.Errorf(protocol.ErrAuth, "token has no subject")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revoked[claims.ID] {
		return "", "", wire.Errorf(protocol.ErrAuth, "token has been released")
	}
	return claims.Subject, claims.ID, nil
}

func (a *authority) revoke(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked[id] = true
}
