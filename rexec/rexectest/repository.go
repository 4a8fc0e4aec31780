// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"context"
	"sort"
	"sync"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
	"github.com/Query-farm/vgi-rexec/internal/wire"
	"github.com/Query-farm/vgi-rexec/rexec"
)

// Script is the body of a repository-managed script. It reads and writes
// variables and working-directory files through sc. A returned error is
// reported to the client as a ScriptError.
type Script func(ctx context.Context, sc *ScriptContext) error

// Access controls who may execute or preload a repository resource.
type Access int

const (
	// Private resources are visible to their author only.
	Private Access = iota
	// Public resources are visible to everyone, anonymous callers included.
	Public
)

// Key addresses a repository resource.
type Key struct {
	Author    string
	Directory string
	Name      string
}

func (k Key) String() string { return k.Author + "/" + k.Directory + "/" + k.Name }

func keyOf(ref protocol.ResourceRef) Key {
	return Key{Author: ref.Author, Directory: ref.Directory, Name: ref.Name}
}

type entry[T any] struct {
	access Access
	item   T
}

// Repository holds the scripts, workspace objects and data files a
// Service can execute and preload.
type Repository struct {
	mu         sync.RWMutex
	scripts    map[Key]entry[Script]
	workspaces map[Key]entry[[]rexec.Value]
	files      map[Key]entry[[]byte]
}

// NewRepository returns an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		scripts:    make(map[Key]entry[Script]),
		workspaces: make(map[Key]entry[[]rexec.Value]),
		files:      make(map[Key]entry[[]byte]),
	}
}

// AddScript stores a script.
func (r *Repository) AddScript(k Key, access Access, fn Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[k] = entry[Script]{access: access, item: fn}
}

// AddWorkspace stores a workspace object: a set of variables loaded as a
// unit by a workspace preload.
func (r *Repository) AddWorkspace(k Key, access Access, values ...rexec.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workspaces[k] = entry[[]rexec.Value]{access: access, item: append([]rexec.Value(nil), values...)}
}

// AddFile stores a data file copied into the working directory by a
// directory preload.
func (r *Repository) AddFile(k Key, access Access, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[k] = entry[[]byte]{access: access, item: append([]byte(nil), data...)}
}

// Listing describes one repository resource.
type Listing struct {
	Key    Key
	Kind   string // "script", "workspace" or "file"
	Access Access
}

// List returns every resource, sorted by key.
func (r *Repository) List() []Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Listing
	for k, e := range r.scripts {
		out = append(out, Listing{Key: k, Kind: "script", Access: e.access})
	}
	for k, e := range r.workspaces {
		out = append(out, Listing{Key: k, Kind: "workspace", Access: e.access})
	}
	for k, e := range r.files {
		out = append(out, Listing{Key: k, Kind: "file", Access: e.access})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key.String() < out[j].Key.String()
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func (r *Repository) script(ref protocol.ResourceRef, principal string) (Script, error) {
	r.mu.RLock()
	e, ok := r.scripts[keyOf(ref)]
	r.mu.RUnlock()
	if !ok {
		return nil, wire.Errorf(protocol.ErrScriptNotFound, "script %s not found", keyOf(ref))
	}
	if err := checkAccess(keyOf(ref), e.access, principal); err != nil {
		return nil, err
	}
	return e.item, nil
}

func (r *Repository) workspace(ref protocol.ResourceRef, principal string) ([]rexec.Value, error) {
	r.mu.RLock()
	e, ok := r.workspaces[keyOf(ref)]
	r.mu.RUnlock()
	if !ok {
		return nil, wire.Errorf(protocol.ErrPreload, "workspace %s not found", keyOf(ref))
	}
	if err := checkAccess(keyOf(ref), e.access, principal); err != nil {
		return nil, err
	}
	return e.item, nil
}

func (r *Repository) file(ref protocol.ResourceRef, principal string) ([]byte, error) {
	r.mu.RLock()
	e, ok := r.files[keyOf(ref)]
	r.mu.RUnlock()
	if !ok {
		return nil, wire.Errorf(protocol.ErrPreload, "file %s not found", keyOf(ref))
	}
	if err := checkAccess(keyOf(ref), e.access, principal); err != nil {
		return nil, err
	}
	return e.item, nil
}

func checkAccess(k Key, access Access, principal string) error {
	if access == Public || (principal != "" && principal == k.Author) {
		return nil
	}
	if principal == "" {
		return wire.Errorf(protocol.ErrAccessDenied, "%s is not public; anonymous access denied", k)
	}
	return wire.Errorf(protocol.ErrAccessDenied, "%s is private to %s", k, k.Author)
}
