// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"fmt"
	"math"
)

// Kind identifies the variant of a [Value].
type Kind int

const (
	KindNumericVector Kind = iota
	KindStringVector
	KindTable
	KindScalar
	KindUnrecognized
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNumericVector:
		return "numeric"
	case KindStringVector:
		return "character"
	case KindTable:
		return "table"
	case KindScalar:
		return "scalar"
	case KindUnrecognized:
		return "unrecognized"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Value is a named, typed datum exchanged with the remote service. The set
// of implementations is closed: [NumericVector], [StringVector], [Table],
// [Scalar] and [Unrecognized].
//
// Callers discriminate with a type switch:
//
//	switch v := out.(type) {
//	case rexec.NumericVector:
//	case rexec.Table:
//	}
type Value interface {
	Name() string
	Kind() Kind
	isValue()
}

// NumericVector is an ordered sequence of float64 values. Missing values
// are NaN.
type NumericVector struct {
	Label  string
	Values []float64
}

func (v NumericVector) Name() string { return v.Label }
func (NumericVector) Kind() Kind     { return KindNumericVector }
func (NumericVector) isValue()       {}

// StringVector is an ordered sequence of strings.
type StringVector struct {
	Label  string
	Values []string
}

func (v StringVector) Name() string { return v.Label }
func (StringVector) Kind() Kind     { return KindStringVector }
func (StringVector) isValue()       {}

// Table is an ordered collection of named columns. Columns built by callers
// are NumericVector or StringVector; decoded tables may also hold
// Unrecognized columns.
type Table struct {
	Label   string
	Columns []Value
}

func (v Table) Name() string { return v.Label }
func (Table) Kind() Kind     { return KindTable }
func (Table) isValue()       {}

// Column returns the column with the given name.
func (v Table) Column(name string) (Value, bool) {
	for _, c := range v.Columns {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Rows returns the length of the longest vector column.
func (v Table) Rows() int {
	n := 0
	for _, c := range v.Columns {
		switch c := c.(type) {
		case NumericVector:
			n = max(n, len(c.Values))
		case StringVector:
			n = max(n, len(c.Values))
		}
	}
	return n
}

// Scalar is a single string value.
type Scalar struct {
	Label string
	Value string
}

func (v Scalar) Name() string { return v.Label }
func (Scalar) Kind() Kind     { return KindScalar }
func (Scalar) isValue()       {}

// Unrecognized stands in for a decoded value whose wire type has no
// variant. Descriptor is the raw wire type.
type Unrecognized struct {
	Label      string
	Descriptor string
}

func (v Unrecognized) Name() string { return v.Label }
func (Unrecognized) Kind() Kind     { return KindUnrecognized }
func (Unrecognized) isValue()       {}

// Frame is the native form of a decoded Table: column names and values in
// declaration order. Each entry of Columns is []float64, []string or nil
// for an unrecognized column.
type Frame struct {
	Names   []string
	Columns []any
}

// maxExactInt is the largest integer magnitude a float64 holds exactly.
const maxExactInt = 1 << 53

// Encode builds a Value from a native Go value. Supported inputs are
// []float64, []float32, []int, []int32, float64, []string, string,
// []Value (a table of vector columns) and Frame, the form Decode returns
// for a table.
func Encode(name string, native any) (Value, error) {
	if name == "" {
		return nil, fmt.Errorf("rexec: encode: empty value name")
	}
	switch v := native.(type) {
	case []float64:
		return NumericVector{Label: name, Values: append([]float64(nil), v...)}, nil
	case float64:
		return NumericVector{Label: name, Values: []float64{v}}, nil
	case []float32:
		out := make([]float64, len(v))
		for i, f := range v {
			out[i] = float64(f)
		}
		return NumericVector{Label: name, Values: out}, nil
	case []int32:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return NumericVector{Label: name, Values: out}, nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			if n > maxExactInt || n < -maxExactInt {
				return nil, fmt.Errorf("rexec: encode %q: element %d (%d) is not exactly representable as float64", name, i, n)
			}
			out[i] = float64(n)
		}
		return NumericVector{Label: name, Values: out}, nil
	case []string:
		return StringVector{Label: name, Values: append([]string(nil), v...)}, nil
	case string:
		return Scalar{Label: name, Value: v}, nil
	case []Value:
		return NewTable(name, v...)
	case Frame:
		return encodeFrame(name, v)
	default:
		return nil, fmt.Errorf("rexec: encode %q: unsupported type %T", name, native)
	}
}

func encodeFrame(name string, f Frame) (Value, error) {
	if len(f.Names) != len(f.Columns) {
		return nil, fmt.Errorf("rexec: encode %q: frame has %d names and %d columns", name, len(f.Names), len(f.Columns))
	}
	columns := make([]Value, len(f.Columns))
	for i, col := range f.Columns {
		switch col := col.(type) {
		case []float64:
			columns[i] = NumericVector{Label: f.Names[i], Values: append([]float64(nil), col...)}
		case []string:
			columns[i] = StringVector{Label: f.Names[i], Values: append([]string(nil), col...)}
		default:
			return nil, fmt.Errorf("rexec: encode %q: frame column %q is %T, want []float64 or []string", name, f.Names[i], col)
		}
	}
	return NewTable(name, columns...)
}

// NewTable builds a Table from vector columns. Column names must be
// non-empty and unique.
func NewTable(name string, columns ...Value) (Table, error) {
	if name == "" {
		return Table{}, fmt.Errorf("rexec: table: empty name")
	}
	if err := checkColumns(name, columns); err != nil {
		return Table{}, fmt.Errorf("rexec: %w", err)
	}
	return Table{Label: name, Columns: append([]Value(nil), columns...)}, nil
}

// checkColumns requires named, unique vector columns.
func checkColumns(table string, columns []Value) error {
	seen := make(map[string]bool, len(columns))
	for i, c := range columns {
		switch c.(type) {
		case NumericVector, StringVector:
		default:
			return fmt.Errorf("table %q: column %d is %T, want a vector", table, i, c)
		}
		if c.Name() == "" {
			return fmt.Errorf("table %q: column %d has no name", table, i)
		}
		if seen[c.Name()] {
			return fmt.Errorf("table %q: duplicate column %q", table, c.Name())
		}
		seen[c.Name()] = true
	}
	return nil
}

// Decode returns the native form of v: []float64, []string, string or
// Frame. An Unrecognized value yields a *DecodeWarning.
func Decode(v Value) (any, error) {
	switch v := v.(type) {
	case NumericVector:
		return v.Values, nil
	case StringVector:
		return v.Values, nil
	case Scalar:
		return v.Value, nil
	case Table:
		f := Frame{Names: make([]string, len(v.Columns)), Columns: make([]any, len(v.Columns))}
		for i, c := range v.Columns {
			f.Names[i] = c.Name()
			native, err := Decode(c)
			if err != nil {
				continue
			}
			f.Columns[i] = native
		}
		return f, nil
	case Unrecognized:
		return nil, &DecodeWarning{Name: v.Label, Descriptor: v.Descriptor}
	default:
		return nil, fmt.Errorf("rexec: decode: unknown value %T", v)
	}
}

// IsNA reports whether a numeric element is missing.
func IsNA(f float64) bool { return math.IsNaN(f) }
