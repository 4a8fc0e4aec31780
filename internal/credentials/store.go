// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package credentials keeps service passwords in the OS credential store.
// Entries are keyed by user and endpoint host so one user can hold
// different passwords for different services.
package credentials

import (
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/99designs/keyring"
)

// ServiceName identifies the keyring namespace.
const ServiceName = "vgi-rexec"

// ErrNotFound reports that no password is stored for the user and endpoint.
var ErrNotFound = errors.New("credentials: no stored password")

// Store is a thread-safe password store over a keyring.
type Store struct {
	mu   sync.RWMutex
	ring keyring.Keyring
}

// Open opens the OS keyring. With no backends given, keyring picks the
// platform default order.
func Open(backends ...keyring.BackendType) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     ServiceName,
		AllowedBackends: backends,
		KeychainName:    "login",
		PassPrefix:      ServiceName,
		WinCredPrefix:   ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("credentials: open keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Key returns the keyring key for username on endpoint.
func Key(username, endpoint string) string {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return username + "@" + host
}

// Password loads the stored password.
func (s *Store) Password(username, endpoint string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, err := s.ring.Get(Key(username, endpoint))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: %w", err)
	}
	if len(it.Data) == 0 {
		return "", ErrNotFound
	}
	return string(it.Data), nil
}

// SetPassword stores a password, replacing any existing one.
func (s *Store) SetPassword(username, endpoint, password string) error {
	if username == "" || password == "" {
		return errors.New("credentials: username and password are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Set(keyring.Item{
		Key:         Key(username, endpoint),
		Data:        []byte(password),
		Label:       ServiceName + " " + Key(username, endpoint),
		Description: "vgi-rexec service password",
	})
}

// DeletePassword removes a stored password. Removing a missing entry is
// not an error.
func (s *Store) DeletePassword(username, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ring.Remove(Key(username, endpoint))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("credentials: %w", err)
	}
	return nil
}

// Resolve returns password when it is set, and otherwise the stored one.
// A nil Store resolves only the given password.
func (s *Store) Resolve(username, endpoint, password string) (string, error) {
	if password != "" {
		return password, nil
	}
	if s == nil {
		return "", ErrNotFound
	}
	return s.Password(username, endpoint)
}
