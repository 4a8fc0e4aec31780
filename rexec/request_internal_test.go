// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"errors"
	"slices"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8000/deployr", want: "http://localhost:8000/deployr"},
		{in: "  https://example.com/api/  ", want: "https://example.com/api"},
		{in: "http://user:pw@example.com/x", want: "http://example.com/x"},
		{in: "ftp://example.com", wantErr: true},
		{in: "example.com:8000", wantErr: true},
		{in: "http:///nohost", wantErr: true},
		{in: "http://example.com/?q=1", wantErr: true},
		{in: "http://example.com/#frag", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseEndpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEndpoint(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFilterOutputs(t *testing.T) {
	values := []Value{
		Scalar{Label: "b"},
		Scalar{Label: "a"},
		Scalar{Label: "extra"},
	}
	names := func(vs []Value) []string {
		out := make([]string, len(vs))
		for i, v := range vs {
			out[i] = v.Name()
		}
		return out
	}
	if got := names(filterOutputs(values, nil)); !slices.Equal(got, []string{"b", "a", "extra"}) {
		t.Errorf("unfiltered = %v", got)
	}
	if got := names(filterOutputs(values, []string{"a", "b", "missing"})); !slices.Equal(got, []string{"b", "a"}) {
		t.Errorf("filtered = %v", got)
	}
}

func TestResourceString(t *testing.T) {
	tests := []struct {
		ref  ScriptRef
		want string
	}{
		{ScriptRef{Name: "a.R", Directory: "d", Author: "u"}, "u/d/a.R"},
		{ScriptRef{Name: "a.R", Directory: "d"}, "d/a.R"},
		{ScriptRef{Name: "a.R"}, "a.R"},
	}
	for _, tt := range tests {
		if got := tt.ref.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestExecutionRequestValidate(t *testing.T) {
	ok := ScriptRef{Name: "s.R", Directory: "d", Author: "u"}
	tests := []struct {
		name string
		req  ExecutionRequest
		ok   bool
	}{
		{"minimal", ExecutionRequest{Script: ok}, true},
		{"no script", ExecutionRequest{}, false},
		{"duplicate input", ExecutionRequest{Script: ok, Inputs: []Value{Scalar{Label: "x"}, Scalar{Label: "x"}}}, false},
		{"unnamed input", ExecutionRequest{Script: ok, Inputs: []Value{Scalar{}}}, false},
		{"nil input", ExecutionRequest{Script: ok, Inputs: []Value{nil}}, false},
		{"empty output", ExecutionRequest{Script: ok, Outputs: []string{""}}, false},
		{"duplicate output", ExecutionRequest{Script: ok, Outputs: []string{"y", "y"}}, false},
		{"unnamed preload", ExecutionRequest{Script: ok, Preload: Preload{Workspace: &ResourceRef{}}}, false},
		{"unnamed directory", ExecutionRequest{Script: ok, Preload: Preload{Directory: &ResourceRef{Directory: "d"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.validate()
			if tt.ok {
				if err != nil {
					t.Errorf("validate = %v", err)
				}
				return
			}
			var ee *ExecutionError
			if !errors.As(err, &ee) || ee.Kind != "InvalidRequest" {
				t.Errorf("validate = %v, want InvalidRequest", err)
			}
		})
	}
}

func TestPrincipalFromToken(t *testing.T) {
	if _, err := principalFromToken("not-a-jwt"); err == nil {
		t.Error("malformed token accepted")
	}
}
