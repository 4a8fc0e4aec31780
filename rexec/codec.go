// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rexec

import (
	"bytes"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/vgi-rexec/internal/wire"
)

var (
	numericListType = arrow.ListOf(arrow.PrimitiveTypes.Float64)
	stringListType  = arrow.ListOf(arrow.BinaryTypes.String)
)

// arrowTypeOf maps a Value onto its workspace column type.
func arrowTypeOf(v Value) (arrow.DataType, error) {
	switch v := v.(type) {
	case NumericVector:
		return numericListType, nil
	case StringVector:
		return stringListType, nil
	case Scalar:
		return arrow.BinaryTypes.String, nil
	case Table:
		if err := checkColumns(v.Label, v.Columns); err != nil {
			return nil, err
		}
		fields := make([]arrow.Field, len(v.Columns))
		for i, c := range v.Columns {
			dt := numericListType
			if c.Kind() == KindStringVector {
				dt = stringListType
			}
			fields[i] = arrow.Field{Name: c.Name(), Type: dt, Nullable: true}
		}
		return arrow.StructOf(fields...), nil
	default:
		return nil, fmt.Errorf("value %q of kind %s cannot be encoded", v.Name(), v.Kind())
	}
}

// EncodeWorkspace serializes an ordered set of values into a single-row
// Arrow IPC stream, one column per value.
func EncodeWorkspace(values []Value) ([]byte, error) {
	if err := checkNames(values); err != nil {
		return nil, err
	}

	mem := memory.NewGoAllocator()
	fields := make([]arrow.Field, len(values))
	cols := make([]arrow.Array, len(values))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for i, v := range values {
		dt, err := arrowTypeOf(v)
		if err != nil {
			return nil, fmt.Errorf("rexec: encode workspace: %w", err)
		}
		fields[i] = arrow.Field{
			Name:     v.Name(),
			Type:     dt,
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{wire.MetaKind}, []string{v.Kind().String()}),
		}
		b := array.NewBuilder(mem, dt)
		appendWorkspaceValue(b, v)
		cols[i] = b.NewArray()
		b.Release()
	}

	schema := arrow.NewSchema(fields, nil)
	batch := array.NewRecordBatch(schema, cols, 1)
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		return nil, fmt.Errorf("rexec: encode workspace: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("rexec: encode workspace: %w", err)
	}
	return buf.Bytes(), nil
}

func appendWorkspaceValue(b array.Builder, v Value) {
	switch v := v.(type) {
	case NumericVector:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder().(*array.Float64Builder)
		for _, f := range v.Values {
			if math.IsNaN(f) {
				vb.AppendNull()
			} else {
				vb.Append(f)
			}
		}
	case StringVector:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		lb.ValueBuilder().(*array.StringBuilder).AppendValues(v.Values, nil)
	case Scalar:
		b.(*array.StringBuilder).Append(v.Value)
	case Table:
		sb := b.(*array.StructBuilder)
		sb.Append(true)
		for i, c := range v.Columns {
			appendWorkspaceValue(sb.FieldBuilder(i), c)
		}
	}
}

// DecodeWorkspace reverses EncodeWorkspace. Columns with no matching variant
// decode to Unrecognized and are reported as warnings; only a malformed
// stream is an error.
func DecodeWorkspace(data []byte) ([]Value, []*DecodeWarning, error) {
	if len(data) == 0 {
		return []Value{}, nil, nil
	}
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("rexec: decode workspace: %w", err)
	}
	defer reader.Release()

	schema := reader.Schema()
	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, nil, fmt.Errorf("rexec: decode workspace: %w", err)
		}
		if schema.NumFields() == 0 {
			return []Value{}, nil, nil
		}
		return nil, nil, fmt.Errorf("rexec: decode workspace: no batch for %d fields", schema.NumFields())
	}
	batch := reader.RecordBatch()
	if batch.NumCols() > 0 && batch.NumRows() != 1 {
		return nil, nil, fmt.Errorf("rexec: decode workspace: expected 1 row, got %d", batch.NumRows())
	}

	values := make([]Value, 0, batch.NumCols())
	var warnings []*DecodeWarning
	for i, f := range schema.Fields() {
		v := decodeColumn(f.Name, batch.Column(i), 0)
		values = append(values, v)
		warnings = append(warnings, collectWarnings(v)...)
	}
	return values, warnings, nil
}

// decodeColumn decodes one workspace cell. It never fails: anything without
// a variant becomes Unrecognized.
func decodeColumn(name string, col arrow.Array, idx int) Value {
	if col.IsNull(idx) {
		return Unrecognized{Label: name, Descriptor: "null " + col.DataType().String()}
	}
	switch c := col.(type) {
	case *array.String:
		return Scalar{Label: name, Value: c.Value(idx)}
	case *array.List:
		return decodeVector(name, c, idx)
	case *array.Struct:
		st := c.DataType().(*arrow.StructType)
		t := Table{Label: name, Columns: make([]Value, st.NumFields())}
		for i := range st.NumFields() {
			colName := st.Field(i).Name
			child := decodeColumn(colName, c.Field(i), idx)
			switch child.(type) {
			case NumericVector, StringVector, Unrecognized:
			default:
				child = Unrecognized{Label: colName, Descriptor: c.Field(i).DataType().String()}
			}
			t.Columns[i] = child
		}
		return t
	default:
		return Unrecognized{Label: name, Descriptor: col.DataType().String()}
	}
}

func decodeVector(name string, c *array.List, idx int) Value {
	start, end := c.ValueOffsets(idx)
	n := int(end - start)
	switch elems := c.ListValues().(type) {
	case *array.Float64:
		out := make([]float64, n)
		for j := range n {
			if elems.IsNull(int(start) + j) {
				out[j] = math.NaN()
			} else {
				out[j] = elems.Value(int(start) + j)
			}
		}
		return NumericVector{Label: name, Values: out}
	case *array.Int32:
		out := make([]float64, n)
		for j := range n {
			if elems.IsNull(int(start) + j) {
				out[j] = math.NaN()
			} else {
				out[j] = float64(elems.Value(int(start) + j))
			}
		}
		return NumericVector{Label: name, Values: out}
	case *array.String:
		out := make([]string, n)
		for j := range n {
			out[j] = elems.Value(int(start) + j)
		}
		return StringVector{Label: name, Values: out}
	default:
		return Unrecognized{Label: name, Descriptor: c.DataType().String()}
	}
}

func collectWarnings(v Value) []*DecodeWarning {
	switch v := v.(type) {
	case Unrecognized:
		return []*DecodeWarning{{Name: v.Label, Descriptor: v.Descriptor}}
	case Table:
		var out []*DecodeWarning
		for _, c := range v.Columns {
			if u, ok := c.(Unrecognized); ok {
				out = append(out, &DecodeWarning{Name: v.Label + "." + u.Label, Descriptor: u.Descriptor})
			}
		}
		return out
	default:
		return nil
	}
}

// checkNames enforces non-empty, unique names within one value set.
func checkNames(values []Value) error {
	seen := make(map[string]bool, len(values))
	for i, v := range values {
		if v == nil {
			return fmt.Errorf("rexec: value %d is nil", i)
		}
		if v.Name() == "" {
			return fmt.Errorf("rexec: value %d has no name", i)
		}
		if seen[v.Name()] {
			return fmt.Errorf("rexec: duplicate value name %q", v.Name())
		}
		seen[v.Name()] = true
	}
	return nil
}
