// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec_test

import (
	"bytes"
	"errors"
	"math"
	"reflect"
	"slices"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-rexec/rexec"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		native any
		want   rexec.Value
	}{
		{"floats", []float64{1, 2.5}, rexec.NumericVector{Label: "v", Values: []float64{1, 2.5}}},
		{"float", 3.25, rexec.NumericVector{Label: "v", Values: []float64{3.25}}},
		{"float32", []float32{0.5}, rexec.NumericVector{Label: "v", Values: []float64{0.5}}},
		{"int32", []int32{-1, 7}, rexec.NumericVector{Label: "v", Values: []float64{-1, 7}}},
		{"ints", []int{1 << 53, -(1 << 53)}, rexec.NumericVector{Label: "v", Values: []float64{1 << 53, -(1 << 53)}}},
		{"strings", []string{"a", ""}, rexec.StringVector{Label: "v", Values: []string{"a", ""}}},
		{"scalar", "http://example.com/data.csv", rexec.Scalar{Label: "v", Value: "http://example.com/data.csv"}},
		{
			"table",
			[]rexec.Value{
				rexec.StringVector{Label: "id", Values: []string{"a", "b"}},
				rexec.NumericVector{Label: "n", Values: []float64{1, 2}},
			},
			rexec.Table{Label: "v", Columns: []rexec.Value{
				rexec.StringVector{Label: "id", Values: []string{"a", "b"}},
				rexec.NumericVector{Label: "n", Values: []float64{1, 2}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rexec.Encode("v", tt.native)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Encode = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		native any
		want   any
	}{
		{"floats", []float64{3, 1, 2}, []float64{3, 1, 2}},
		{"float", 2.5, []float64{2.5}},
		{"ints", []int{-4, 9}, []float64{-4, 9}},
		{"strings", []string{"z", "a"}, []string{"z", "a"}},
		{"scalar", "hipStar.dat", "hipStar.dat"},
		{
			"table",
			[]rexec.Value{
				rexec.NumericVector{Label: "HIP", Values: []float64{7, 3, 5}},
				rexec.StringVector{Label: "name", Values: []string{"c", "a", "b"}},
			},
			rexec.Frame{
				Names:   []string{"HIP", "name"},
				Columns: []any{[]float64{7, 3, 5}, []string{"c", "a", "b"}},
			},
		},
		{
			"frame",
			rexec.Frame{Names: []string{"x"}, Columns: []any{[]float64{1, 2}}},
			rexec.Frame{Names: []string{"x"}, Columns: []any{[]float64{1, 2}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := rexec.Encode("v", tt.native)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := rexec.Decode(v)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode = %#v, want %#v", got, tt.want)
			}
			again, err := rexec.Encode("v", got)
			if err != nil {
				t.Fatalf("Encode(Decode(v)): %v", err)
			}
			if !reflect.DeepEqual(again, v) {
				t.Errorf("Encode(Decode(v)) = %#v, want %#v", again, v)
			}
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		label  string
		native any
	}{
		{"empty name", "", []float64{1}},
		{"unsupported type", "v", map[string]int{}},
		{"inexact int", "v", []int{1<<53 + 1}},
		{"nested table", "v", []rexec.Value{rexec.Table{Label: "t"}}},
		{"scalar column", "v", []rexec.Value{rexec.Scalar{Label: "a"}}},
		{"unnamed column", "v", []rexec.Value{rexec.NumericVector{}}},
		{"nil column", "v", []rexec.Value{nil}},
		{"frame length mismatch", "v", rexec.Frame{Names: []string{"a", "b"}, Columns: []any{[]float64{1}}}},
		{"frame unrecognized column", "v", rexec.Frame{Names: []string{"a"}, Columns: []any{nil}}},
		{"frame duplicate column", "v", rexec.Frame{Names: []string{"a", "a"}, Columns: []any{[]float64{1}, []string{"x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rexec.Encode(tt.label, tt.native); err == nil {
				t.Error("Encode succeeded, want error")
			}
		})
	}
}

func TestNewTableValidation(t *testing.T) {
	a := rexec.NumericVector{Label: "a", Values: []float64{1}}
	if _, err := rexec.NewTable("t", a, a); err == nil {
		t.Error("duplicate columns accepted")
	}
	if _, err := rexec.NewTable("t", rexec.NumericVector{}); err == nil {
		t.Error("unnamed column accepted")
	}
	tbl, err := rexec.NewTable("t", a, rexec.StringVector{Label: "b", Values: []string{"x", "y"}})
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Rows() != 2 {
		t.Errorf("Rows = %d, want 2", tbl.Rows())
	}
	if c, ok := tbl.Column("b"); !ok || c.Kind() != rexec.KindStringVector {
		t.Errorf("Column(b) = %v, %v", c, ok)
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	values := []rexec.Value{
		rexec.NumericVector{Label: "precise", Values: []float64{0.1 + 0.2, math.MaxFloat64, math.SmallestNonzeroFloat64, -0.0, math.Inf(1)}},
		rexec.StringVector{Label: "names", Values: []string{"HIP", "Vmag", "RA", "ünïcode"}},
		rexec.Scalar{Label: "url", Value: "http://example.com/hip.csv"},
		rexec.Table{Label: "frame", Columns: []rexec.Value{
			rexec.NumericVector{Label: "z", Values: []float64{3, 2, 1}},
			rexec.StringVector{Label: "a", Values: []string{"c", "b", "a"}},
		}},
		rexec.NumericVector{Label: "empty", Values: []float64{}},
	}
	data, err := rexec.EncodeWorkspace(values)
	if err != nil {
		t.Fatalf("EncodeWorkspace: %v", err)
	}
	got, warnings, err := rexec.DecodeWorkspace(data)
	if err != nil {
		t.Fatalf("DecodeWorkspace: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if !reflect.DeepEqual(got, values) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, values)
	}
}

func TestWorkspaceMissingValues(t *testing.T) {
	data, err := rexec.EncodeWorkspace([]rexec.Value{
		rexec.NumericVector{Label: "v", Values: []float64{1, math.NaN(), 3}},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := rexec.DecodeWorkspace(data)
	if err != nil {
		t.Fatal(err)
	}
	vals := got[0].(rexec.NumericVector).Values
	if vals[0] != 1 || !rexec.IsNA(vals[1]) || vals[2] != 3 {
		t.Errorf("values = %v", vals)
	}
}

func TestEncodeWorkspaceRejectsDuplicates(t *testing.T) {
	num := rexec.NumericVector{Label: "n", Values: []float64{1}}
	tests := []struct {
		name   string
		values []rexec.Value
	}{
		{"duplicate values", []rexec.Value{rexec.Scalar{Label: "a", Value: "1"}, rexec.Scalar{Label: "a", Value: "2"}}},
		{"nil value", []rexec.Value{nil}},
		{"nil column", []rexec.Value{rexec.Table{Label: "t", Columns: []rexec.Value{nil}}}},
		{"duplicate columns", []rexec.Value{rexec.Table{Label: "t", Columns: []rexec.Value{num, num}}}},
		{"unnamed column", []rexec.Value{rexec.Table{Label: "t", Columns: []rexec.Value{rexec.StringVector{}}}}},
		{"scalar column", []rexec.Value{rexec.Table{Label: "t", Columns: []rexec.Value{rexec.Scalar{Label: "s"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := rexec.EncodeWorkspace(tt.values); err == nil {
				t.Error("EncodeWorkspace succeeded, want error")
			}
		})
	}
}

func TestDecodeWorkspaceEmpty(t *testing.T) {
	for _, data := range [][]byte{nil, {}} {
		got, warnings, err := rexec.DecodeWorkspace(data)
		if err != nil || len(got) != 0 || got == nil || warnings != nil {
			t.Errorf("DecodeWorkspace(%v) = %v, %v, %v", data, got, warnings, err)
		}
	}
	if _, _, err := rexec.DecodeWorkspace([]byte("not arrow")); err == nil {
		t.Error("garbage decoded without error")
	}
}

func TestDecodeWorkspaceUnrecognized(t *testing.T) {
	got, warnings, err := rexec.DecodeWorkspace(unrecognizedWorkspace(t))
	if err != nil {
		t.Fatalf("DecodeWorkspace: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d values", len(got))
	}

	count, ok := got[0].(rexec.Unrecognized)
	if !ok || count.Label != "count" || count.Descriptor != "int64" {
		t.Errorf("count = %#v", got[0])
	}

	frame, ok := got[1].(rexec.Table)
	if !ok {
		t.Fatalf("frame = %#v", got[1])
	}
	x, _ := frame.Column("x")
	if nv, ok := x.(rexec.NumericVector); !ok || !slices.Equal(nv.Values, []float64{1, 2}) {
		t.Errorf("sibling column x = %#v", x)
	}
	if flags, _ := frame.Column("flags"); flags.Kind() != rexec.KindUnrecognized {
		t.Errorf("flags = %#v", flags)
	}
	if s, _ := got[2].(rexec.Scalar); s.Value != "yes" {
		t.Errorf("ok = %#v", got[2])
	}

	if len(warnings) != 2 || warnings[0].Name != "count" || warnings[1].Name != "frame.flags" {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestDecode(t *testing.T) {
	native, err := rexec.Decode(rexec.Table{Label: "t", Columns: []rexec.Value{
		rexec.NumericVector{Label: "n", Values: []float64{1}},
		rexec.Unrecognized{Label: "u", Descriptor: "list<item: bool>"},
		rexec.StringVector{Label: "s", Values: []string{"a"}},
	}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f := native.(rexec.Frame)
	if !slices.Equal(f.Names, []string{"n", "u", "s"}) {
		t.Errorf("Names = %v", f.Names)
	}
	if f.Columns[1] != nil {
		t.Errorf("unrecognized column decoded to %v", f.Columns[1])
	}
	if s := f.Columns[2].([]string); !slices.Equal(s, []string{"a"}) {
		t.Errorf("s = %v", s)
	}

	_, err = rexec.Decode(rexec.Unrecognized{Label: "u", Descriptor: "int64"})
	var w *rexec.DecodeWarning
	if !errors.As(err, &w) || w.Name != "u" || w.Descriptor != "int64" {
		t.Errorf("Decode(Unrecognized) = %v", err)
	}

	native, err = rexec.Decode(rexec.Scalar{Label: "s", Value: "x"})
	if err != nil || native != "x" {
		t.Errorf("Decode(Scalar) = %v, %v", native, err)
	}
}

func TestKindString(t *testing.T) {
	kinds := map[rexec.Kind]string{
		rexec.KindNumericVector: "numeric",
		rexec.KindStringVector:  "character",
		rexec.KindTable:         "table",
		rexec.KindScalar:        "scalar",
		rexec.KindUnrecognized:  "unrecognized",
		rexec.Kind(42):          "Kind(42)",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(k), k.String(), want)
		}
	}
}

// unrecognizedWorkspace builds a workspace as a foreign service might: an
// int64 scalar, a table with one unsupported column, and a plain string.
func unrecognizedWorkspace(t *testing.T) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()
	frameType := arrow.StructOf(
		arrow.Field{Name: "x", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64), Nullable: true},
		arrow.Field{Name: "flags", Type: arrow.ListOf(arrow.FixedWidthTypes.Boolean), Nullable: true},
	)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "count", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "frame", Type: frameType, Nullable: true},
		{Name: "ok", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	count := array.NewInt64Builder(mem)
	defer count.Release()
	count.Append(7)

	frame := array.NewStructBuilder(mem, frameType)
	defer frame.Release()
	frame.Append(true)
	xb := frame.FieldBuilder(0).(*array.ListBuilder)
	xb.Append(true)
	xb.ValueBuilder().(*array.Float64Builder).AppendValues([]float64{1, 2}, nil)
	fb := frame.FieldBuilder(1).(*array.ListBuilder)
	fb.Append(true)
	fb.ValueBuilder().(*array.BooleanBuilder).AppendValues([]bool{true, false}, nil)

	ok := array.NewStringBuilder(mem)
	defer ok.Release()
	ok.Append("yes")

	cols := []arrow.Array{count.NewArray(), frame.NewArray(), ok.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	batch := array.NewRecordBatch(schema, cols, 1)
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
