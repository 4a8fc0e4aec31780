// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexectest

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/Query-farm/vgi-rexec/rexec"
)

// ScriptContext is the execution environment of one script run: its
// variables, working directory, console and graphics device.
type ScriptContext struct {
	principal string

	vars  []rexec.Value
	files map[string][]byte
	order []string // file creation order

	console strings.Builder
	plots   []plot
}

type plot struct {
	name string
	data []byte
}

func newScriptContext(principal string) *ScriptContext {
	return &ScriptContext{principal: principal, files: make(map[string][]byte)}
}

// Principal returns the authenticated caller, or empty when anonymous.
func (sc *ScriptContext) Principal() string { return sc.principal }

// Get returns the variable with the given name.
func (sc *ScriptContext) Get(name string) (rexec.Value, bool) {
	for _, v := range sc.vars {
		if v.Name() == name {
			return v, true
		}
	}
	return nil, false
}

// Set binds a variable, replacing any existing one with the same name in
// place.
func (sc *ScriptContext) Set(v rexec.Value) {
	for i, old := range sc.vars {
		if old.Name() == v.Name() {
			sc.vars[i] = v
			return
		}
	}
	sc.vars = append(sc.vars, v)
}

// Vars returns the names of all bound variables in binding order.
func (sc *ScriptContext) Vars() []string {
	names := make([]string, len(sc.vars))
	for i, v := range sc.vars {
		names[i] = v.Name()
	}
	return names
}

// Printf appends to the console.
func (sc *ScriptContext) Printf(format string, args ...any) {
	fmt.Fprintf(&sc.console, format, args...)
}

// Console returns everything printed so far.
func (sc *ScriptContext) Console() string { return sc.console.String() }

// ReadFile reads a working-directory file.
func (sc *ScriptContext) ReadFile(name string) ([]byte, error) {
	data, ok := sc.files[name]
	if !ok {
		return nil, fmt.Errorf("cannot open file '%s': %w", name, os.ErrNotExist)
	}
	return data, nil
}

// WriteFile creates or replaces a working-directory file.
func (sc *ScriptContext) WriteFile(name string, data []byte) {
	if _, ok := sc.files[name]; !ok {
		sc.order = append(sc.order, name)
	}
	sc.files[name] = append([]byte(nil), data...)
}

// Files returns working-directory file names in creation order.
func (sc *ScriptContext) Files() []string { return slices.Clone(sc.order) }

// Plot records an image on the graphics device. Plots are named
// unnamedplot001.png, unnamedplot002.png and so on.
func (sc *ScriptContext) Plot(png []byte) string {
	name := fmt.Sprintf("unnamedplot%03d.png", len(sc.plots)+1)
	sc.plots = append(sc.plots, plot{name: name, data: append([]byte(nil), png...)})
	return name
}

// state is the persistent part of a context carried between project
// executions.
type state struct {
	vars  []rexec.Value
	files map[string][]byte
	order []string
}

func (sc *ScriptContext) snapshot() state {
	files := make(map[string][]byte, len(sc.files))
	for k, v := range sc.files {
		files[k] = v
	}
	return state{vars: slices.Clone(sc.vars), files: files, order: slices.Clone(sc.order)}
}

func (sc *ScriptContext) restore(st state) {
	sc.vars = slices.Clone(st.vars)
	sc.order = slices.Clone(st.order)
	sc.files = make(map[string][]byte, len(st.files))
	for k, v := range st.files {
		sc.files[k] = v
	}
}
