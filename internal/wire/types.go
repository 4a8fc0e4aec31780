// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TagName is the struct tag that maps Go fields onto Arrow columns, both
// for top-level parameters and for nested struct columns.
const TagName = "rexec"

// tagInfo holds parsed information from a `rexec` struct tag.
type tagInfo struct {
	Name      string
	Default   *string // nil if no default
	ArrowType string  // explicit type override: "int32", "binary"
}

// parseTag parses a rexec struct tag like "name", "name,default=foo" or "name,int32".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		if val, ok := strings.CutPrefix(part, "default="); ok {
			info.Default = &val
		} else {
			info.ArrowType = part
		}
	}
	return info
}

// taggedFields returns the exported fields of t that carry a usable tag.
func taggedFields(t reflect.Type) []fieldInfo {
	var out []fieldInfo
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get(TagName)
		if tag == "" || tag == "-" || !f.IsExported() {
			continue
		}
		out = append(out, fieldInfo{Index: i, Type: f.Type, Tag: parseTag(tag)})
	}
	return out
}

type fieldInfo struct {
	Index int
	Type  reflect.Type
	Tag   tagInfo
}

// goTypeToArrowType maps a Go reflect.Type to an Arrow DataType.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false
	if t.Kind() == reflect.Ptr {
		nullable = true
		t = t.Elem()
	}

	switch tag.ArrowType {
	case "int32":
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Int32:
		return arrow.PrimitiveTypes.Int32, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Bool:
		return arrow.FixedWidthTypes.Boolean, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		elemType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("list element: %w", err)
		}
		return arrow.ListOf(elemType), nullable, nil
	case reflect.Map:
		keyType, _, err := goTypeToArrowType(t.Key(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("map key: %w", err)
		}
		valType, _, err := goTypeToArrowType(t.Elem(), tagInfo{})
		if err != nil {
			return nil, false, fmt.Errorf("map value: %w", err)
		}
		return arrow.MapOf(keyType, valType), nullable, nil
	case reflect.Struct:
		fields, err := structFields(t)
		if err != nil {
			return nil, false, err
		}
		return arrow.StructOf(fields...), nullable, nil
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

func structFields(t reflect.Type) ([]arrow.Field, error) {
	var fields []arrow.Field
	for _, f := range taggedFields(t) {
		arrowType, nullable, err := goTypeToArrowType(f.Type, f.Tag)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Tag.Name, err)
		}
		fields = append(fields, arrow.Field{Name: f.Tag.Name, Type: arrowType, Nullable: nullable})
	}
	return fields, nil
}

// StructSchema builds an Arrow schema from a Go struct type using rexec tags.
func StructSchema(t reflect.Type) (*arrow.Schema, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	fields, err := structFields(t)
	if err != nil {
		return nil, err
	}
	return arrow.NewSchema(fields, nil), nil
}

// ResultSchema builds the single-column "result" schema for a return type.
// A nil type yields the empty schema used by void methods.
func ResultSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return arrow.NewSchema(nil, nil), nil
	}
	arrowType, nullable, err := goTypeToArrowType(t, tagInfo{})
	if err != nil {
		return nil, fmt.Errorf("result type: %w", err)
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: "result", Type: arrowType, Nullable: nullable},
	}, nil), nil
}

// EncodeParams builds a 1-row record batch from a tagged struct value.
func EncodeParams(params any) (arrow.RecordBatch, error) {
	rv := reflect.ValueOf(params)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	schema, err := StructSchema(rv.Type())
	if err != nil {
		return nil, err
	}

	mem := memory.NewGoAllocator()
	fields := taggedFields(rv.Type())
	cols := make([]arrow.Array, len(fields))
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()
	for i, f := range fields {
		b := array.NewBuilder(mem, schema.Field(i).Type)
		err := appendValue(b, schema.Field(i).Type, rv.Field(f.Index))
		if err == nil {
			cols[i] = b.NewArray()
		}
		b.Release()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Tag.Name, err)
		}
	}
	return array.NewRecordBatch(schema, cols, 1), nil
}

// DecodeParams reads row 0 of a record batch into a new value of the struct
// type target. Missing or null columns take the tag default, if any.
func DecodeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	result := reflect.New(target).Elem()
	if err := decodeRow(batch, result); err != nil {
		return reflect.Value{}, err
	}
	return result, nil
}

func decodeRow(batch arrow.RecordBatch, result reflect.Value) error {
	schema := batch.Schema()
	for _, f := range taggedFields(result.Type()) {
		indices := schema.FieldIndices(f.Tag.Name)
		if len(indices) == 0 || batch.NumRows() == 0 || batch.Column(indices[0]).IsNull(0) {
			if f.Tag.Default != nil {
				if err := setFieldFromString(result.Field(f.Index), *f.Tag.Default); err != nil {
					return fmt.Errorf("default for %s: %w", f.Tag.Name, err)
				}
			}
			continue
		}
		if err := setValue(result.Field(f.Index), batch.Column(indices[0]), 0); err != nil {
			return fmt.Errorf("field %s: %w", f.Tag.Name, err)
		}
	}
	return nil
}

// EncodeResult builds a 1-row record batch with a single "result" column.
func EncodeResult(schema *arrow.Schema, value any) (arrow.RecordBatch, error) {
	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}
	mem := memory.NewGoAllocator()
	dt := schema.Field(0).Type
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	if err := appendValue(b, dt, reflect.ValueOf(value)); err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	arr := b.NewArray()
	defer arr.Release()
	return array.NewRecordBatch(schema, []arrow.Array{arr}, 1), nil
}

// DecodeResult reads the "result" column of a response batch into the
// value pointed to by out.
func DecodeResult(batch arrow.RecordBatch, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("decode result: expected non-nil pointer, got %T", out)
	}
	indices := batch.Schema().FieldIndices("result")
	if len(indices) == 0 {
		return fmt.Errorf("decode result: response has no result column")
	}
	if batch.NumRows() != 1 {
		return fmt.Errorf("decode result: expected 1 row, got %d", batch.NumRows())
	}
	return setValue(rv.Elem(), batch.Column(indices[0]), 0)
}

// setValue sets v from an Arrow array at index idx. Nulls leave v at its zero value.
func setValue(v reflect.Value, col arrow.Array, idx int) error {
	if col.IsNull(idx) {
		return nil
	}
	if v.Kind() == reflect.Ptr {
		ptr := reflect.New(v.Type().Elem())
		if err := setValue(ptr.Elem(), col, idx); err != nil {
			return err
		}
		v.Set(ptr)
		return nil
	}

	switch c := col.(type) {
	case *array.String:
		if v.Kind() != reflect.String {
			return mismatch(v, col)
		}
		v.SetString(strings.Clone(c.Value(idx)))
	case *array.Int64:
		return setInt(v, col, c.Value(idx))
	case *array.Int32:
		return setInt(v, col, int64(c.Value(idx)))
	case *array.Float64:
		if v.Kind() != reflect.Float64 && v.Kind() != reflect.Float32 {
			return mismatch(v, col)
		}
		v.SetFloat(c.Value(idx))
	case *array.Boolean:
		if v.Kind() != reflect.Bool {
			return mismatch(v, col)
		}
		v.SetBool(c.Value(idx))
	case *array.Binary:
		if v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Uint8 {
			return mismatch(v, col)
		}
		v.SetBytes(bytes.Clone(c.Value(idx)))
	case *array.List:
		return setListValue(v, c, idx)
	case *array.Map:
		return setMapValue(v, c, idx)
	case *array.Struct:
		return setStructValue(v, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

func mismatch(v reflect.Value, col arrow.Array) error {
	return fmt.Errorf("cannot assign %s to Go %v", col.DataType(), v.Type())
}

func setInt(v reflect.Value, col arrow.Array, n int64) error {
	switch v.Kind() {
	case reflect.Int, reflect.Int64, reflect.Int32:
		v.SetInt(n)
		return nil
	default:
		return mismatch(v, col)
	}
}

func setListValue(v reflect.Value, listArr *array.List, idx int) error {
	if v.Kind() != reflect.Slice {
		return mismatch(v, listArr)
	}
	start, end := listArr.ValueOffsets(idx)
	values := listArr.ListValues()
	length := int(end - start)

	slice := reflect.MakeSlice(v.Type(), length, length)
	for j := range length {
		if err := setValue(slice.Index(j), values, int(start)+j); err != nil {
			return fmt.Errorf("list element [%d]: %w", j, err)
		}
	}
	v.Set(slice)
	return nil
}

func setStructValue(v reflect.Value, structArr *array.Struct, idx int) error {
	if v.Kind() != reflect.Struct {
		return mismatch(v, structArr)
	}
	structType := structArr.DataType().(*arrow.StructType)
	for _, f := range taggedFields(v.Type()) {
		childIdx, ok := structType.FieldIdx(f.Tag.Name)
		if !ok {
			continue
		}
		if err := setValue(v.Field(f.Index), structArr.Field(childIdx), idx); err != nil {
			return fmt.Errorf("struct field %s: %w", f.Tag.Name, err)
		}
	}
	return nil
}

func setMapValue(v reflect.Value, mapArr *array.Map, idx int) error {
	if v.Kind() != reflect.Map {
		return mismatch(v, mapArr)
	}
	start, end := mapArr.ValueOffsets(idx)
	keys := mapArr.Keys()
	items := mapArr.Items()
	length := int(end - start)

	m := reflect.MakeMapWithSize(v.Type(), length)
	for j := range length {
		k := reflect.New(v.Type().Key()).Elem()
		val := reflect.New(v.Type().Elem()).Elem()
		if err := setValue(k, keys, int(start)+j); err != nil {
			return fmt.Errorf("map key [%d]: %w", j, err)
		}
		if err := setValue(val, items, int(start)+j); err != nil {
			return fmt.Errorf("map value [%d]: %w", j, err)
		}
		m.SetMapIndex(k, val)
	}
	v.Set(m)
	return nil
}

// setFieldFromString sets a struct field from a string default value.
func setFieldFromString(field reflect.Value, s string) error {
	if field.Kind() == reflect.Ptr {
		ptr := reflect.New(field.Type().Elem())
		if err := setFieldFromString(ptr.Elem(), s); err != nil {
			return err
		}
		field.Set(ptr)
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Int64, reflect.Int, reflect.Int32:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing int default %q: %w", s, err)
		}
		field.SetInt(v)
	case reflect.Float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parsing float default %q: %w", s, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("parsing bool default %q: %w", s, err)
		}
		field.SetBool(v)
	default:
		return fmt.Errorf("default value parsing not supported for %v", field.Kind())
	}
	return nil
}

// appendValue appends a single Go value to an Arrow array builder.
func appendValue(b array.Builder, dt arrow.DataType, rv reflect.Value) error {
	if !rv.IsValid() {
		b.AppendNull()
		return nil
	}
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			b.AppendNull()
			return nil
		}
		rv = rv.Elem()
	}

	switch dt.ID() {
	case arrow.STRING:
		b.(*array.StringBuilder).Append(rv.String())
	case arrow.INT64:
		if !rv.CanInt() {
			return fmt.Errorf("cannot convert %v to int64", rv.Type())
		}
		b.(*array.Int64Builder).Append(rv.Int())
	case arrow.INT32:
		if !rv.CanInt() {
			return fmt.Errorf("cannot convert %v to int32", rv.Type())
		}
		b.(*array.Int32Builder).Append(int32(rv.Int()))
	case arrow.FLOAT64:
		if !rv.CanFloat() {
			return fmt.Errorf("cannot convert %v to float64", rv.Type())
		}
		b.(*array.Float64Builder).Append(rv.Float())
	case arrow.BOOL:
		b.(*array.BooleanBuilder).Append(rv.Bool())
	case arrow.BINARY:
		b.(*array.BinaryBuilder).Append(rv.Bytes())
	case arrow.LIST:
		lb := b.(*array.ListBuilder)
		lb.Append(true)
		vb := lb.ValueBuilder()
		elemType := dt.(*arrow.ListType).Elem()
		for i := range rv.Len() {
			if err := appendValue(vb, elemType, rv.Index(i)); err != nil {
				return fmt.Errorf("list element [%d]: %w", i, err)
			}
		}
	case arrow.MAP:
		mt := dt.(*arrow.MapType)
		mb := b.(*array.MapBuilder)
		mb.Append(true)
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			if err := appendValue(mb.KeyBuilder(), mt.KeyType(), k); err != nil {
				return fmt.Errorf("map key: %w", err)
			}
			if err := appendValue(mb.ItemBuilder(), mt.ItemType(), rv.MapIndex(k)); err != nil {
				return fmt.Errorf("map value: %w", err)
			}
		}
	case arrow.STRUCT:
		st := dt.(*arrow.StructType)
		sb := b.(*array.StructBuilder)
		sb.Append(true)
		fields := taggedFields(rv.Type())
		for ci := range st.NumFields() {
			sf := st.Field(ci)
			fb := sb.FieldBuilder(ci)
			found := false
			for _, f := range fields {
				if f.Tag.Name == sf.Name {
					if err := appendValue(fb, sf.Type, rv.Field(f.Index)); err != nil {
						return fmt.Errorf("struct field %s: %w", sf.Name, err)
					}
					found = true
					break
				}
			}
			if !found {
				fb.AppendNull()
			}
		}
	default:
		return fmt.Errorf("unsupported type in appendValue: %v", dt)
	}
	return nil
}
