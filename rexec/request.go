// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"fmt"

	"github.com/Query-farm/vgi-rexec/internal/protocol"
)

// ScriptRef names a repository-managed script.
type ScriptRef struct {
	Name      string
	Directory string
	Author    string
}

func (s ScriptRef) String() string {
	return resourceString(s.Author, s.Directory, s.Name)
}

// ResourceRef names a repository-managed workspace or data file.
type ResourceRef struct {
	Name      string
	Directory string
	Author    string
}

func (r ResourceRef) String() string {
	return resourceString(r.Author, r.Directory, r.Name)
}

func resourceString(author, dir, name string) string {
	switch {
	case author != "" && dir != "":
		return author + "/" + dir + "/" + name
	case dir != "":
		return dir + "/" + name
	default:
		return name
	}
}

// Preload lists resources loaded into the execution context before any
// inputs are applied. Workspace objects become variables; a directory
// resource is copied into the working directory.
type Preload struct {
	Workspace *ResourceRef
	Directory *ResourceRef
}

// ExecutionRequest describes one script execution.
//
// The remote side applies Preload first, then Inputs (overriding any
// same-named preloaded variable), runs the script, and finally reports the
// variables named in Outputs. Outputs never present in the context are
// omitted from the result rather than failing the call.
type ExecutionRequest struct {
	Script   ScriptRef
	Inputs   []Value
	Preload  Preload
	Outputs  []string
	Blackbox bool
}

// CreationOptions configure a new Session. Preload and Inputs are applied
// once, in that order, when the session is created.
type CreationOptions struct {
	Preload Preload
	Inputs  []Value
}

// validate rejects requests that could never succeed remotely.
func (r ExecutionRequest) validate() error {
	if r.Script.Name == "" {
		return r.invalid("script name is empty")
	}
	if err := checkNames(r.Inputs); err != nil {
		return r.invalid(err.Error())
	}
	seen := make(map[string]bool, len(r.Outputs))
	for _, name := range r.Outputs {
		if name == "" {
			return r.invalid("empty output name")
		}
		if seen[name] {
			return r.invalid(fmt.Sprintf("duplicate output name %q", name))
		}
		seen[name] = true
	}
	if err := validatePreload(r.Preload); err != nil {
		return r.invalid(err.Error())
	}
	return nil
}

func (r ExecutionRequest) invalid(msg string) error {
	return &ExecutionError{Script: r.Script, Kind: protocol.ErrInvalidRequest, Cause: fmt.Errorf("invalid request: %s", msg)}
}

func validatePreload(p Preload) error {
	if p.Workspace != nil && p.Workspace.Name == "" {
		return fmt.Errorf("preload workspace has no name")
	}
	if p.Directory != nil && p.Directory.Name == "" {
		return fmt.Errorf("preload directory file has no name")
	}
	return nil
}

func (r ExecutionRequest) params(projectID string) (protocol.ExecuteParams, error) {
	inputs, err := EncodeWorkspace(r.Inputs)
	if err != nil {
		return protocol.ExecuteParams{}, r.invalid(err.Error())
	}
	return protocol.ExecuteParams{
		ProjectID: projectID,
		Script:    protocol.ResourceRef{Name: r.Script.Name, Directory: r.Script.Directory, Author: r.Script.Author},
		Inputs:    inputs,
		Preload:   r.Preload.wire(),
		Outputs:   r.Outputs,
		Blackbox:  r.Blackbox,
	}, nil
}

func (pl Preload) wire() protocol.Preload {
	var out protocol.Preload
	if pl.Workspace != nil {
		out.Workspace = &protocol.ResourceRef{Name: pl.Workspace.Name, Directory: pl.Workspace.Directory, Author: pl.Workspace.Author}
	}
	if pl.Directory != nil {
		out.Directory = &protocol.ResourceRef{Name: pl.Directory.Name, Directory: pl.Directory.Directory, Author: pl.Directory.Author}
	}
	return out
}
