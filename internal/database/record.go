package database

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/buger/jsonparser"
)

// Field is one name/value pair of an ordered JSON object.
type Field struct {
	Name  string
	Value any
}

// Object is a decoded JSON object that keeps its key order.
type Object []Field

// Record is one remote row. Columns holds the column names in the order the
// row arrived in; a repeated name keeps its first position and its last value.
type Record struct {
	Columns []string
	Values  map[string]any
}

// NewRecord builds a record from fields in order.
func NewRecord(fields ...Field) Record {
	r := Record{Values: make(map[string]any, len(fields))}
	for _, f := range fields {
		r.Set(f.Name, f.Value)
	}
	return r
}

// Set stores v under name, appending name to Columns if it is new.
func (r *Record) Set(name string, v any) {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	if _, ok := r.Values[name]; !ok {
		r.Columns = append(r.Columns, name)
	}
	r.Values[name] = v
}

// Get returns the value stored under name.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Len returns the number of columns in the record.
func (r Record) Len() int {
	return len(r.Columns)
}

// DecodeRecords parses a JSON array of objects into records, preserving the
// key order of every object, nested ones included. Numbers are kept as
// json.Number so integers and floats stay distinguishable.
func DecodeRecords(data []byte) ([]Record, error) {
	_, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if typ != jsonparser.Array {
		return nil, fmt.Errorf("decode records: expected array, got %s", typ)
	}

	var (
		records   []Record
		decodeErr error
	)
	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, err error) {
		if decodeErr != nil {
			return
		}
		if err != nil {
			decodeErr = err
			return
		}
		if dataType != jsonparser.Object {
			decodeErr = fmt.Errorf("record %d is %s, not an object", len(records), dataType)
			return
		}
		obj, err := decodeObject(value)
		if err != nil {
			decodeErr = fmt.Errorf("record %d: %w", len(records), err)
			return
		}
		records = append(records, NewRecord(obj...))
	})
	if err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode records: %w", decodeErr)
	}
	return records, nil
}

// decodeJSON decodes a single JSON document of any type.
func decodeJSON(data []byte) (any, error) {
	value, typ, _, err := jsonparser.Get(data)
	if err != nil {
		return nil, err
	}
	return decodeValue(value, typ)
}

func decodeValue(value []byte, typ jsonparser.ValueType) (any, error) {
	switch typ {
	case jsonparser.Null:
		return nil, nil
	case jsonparser.Boolean:
		return jsonparser.ParseBoolean(value)
	case jsonparser.Number:
		return json.Number(string(value)), nil
	case jsonparser.String:
		return jsonparser.ParseString(value)
	case jsonparser.Object:
		return decodeObject(value)
	case jsonparser.Array:
		return decodeArray(value)
	default:
		return nil, fmt.Errorf("unexpected JSON value %q", value)
	}
}

func decodeObject(data []byte) (Object, error) {
	obj := Object{}
	err := jsonparser.ObjectEach(data, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		v, err := decodeValue(value, typ)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		obj = append(obj, Field{Name: string(key), Value: v})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeArray(data []byte) ([]any, error) {
	items := []any{}
	var decodeErr error
	_, err := jsonparser.ArrayEach(data, func(value []byte, typ jsonparser.ValueType, _ int, err error) {
		if decodeErr != nil {
			return
		}
		if err != nil {
			decodeErr = err
			return
		}
		v, err := decodeValue(value, typ)
		if err != nil {
			decodeErr = err
			return
		}
		items = append(items, v)
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return items, nil
}

// EncodeJSON renders v as JSON text with ", " and ": " separators. Objects
// keep their key order; plain Go maps are written with sorted keys.
func EncodeJSON(v any) (string, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeJSON(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeScalar(buf, val)
	case Object:
		buf.WriteByte('{')
		for i, f := range val {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeScalar(buf, f.Name); err != nil {
				return err
			}
			buf.WriteString(": ")
			if err := writeJSON(buf, f.Value); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case Record:
		obj := make(Object, 0, len(val.Columns))
		for _, c := range val.Columns {
			obj = append(obj, Field{Name: c, Value: val.Values[c]})
		}
		return writeJSON(buf, obj)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(Object, 0, len(keys))
		for _, k := range keys {
			obj = append(obj, Field{Name: k, Value: val[k]})
		}
		return writeJSON(buf, obj)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeJSON(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return writeScalar(buf, val)
	}
	return nil
}

// writeScalar falls back to encoding/json without HTML escaping.
func writeScalar(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.WriteString(strings.TrimSuffix(tmp.String(), "\n"))
	return nil
}
