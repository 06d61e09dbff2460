package database

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// StorageClass is the SQLite column type a value is stored under.
type StorageClass int

const (
	Text StorageClass = iota
	Integer
	Real
)

func (c StorageClass) String() string {
	switch c {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// ValueKind classifies a decoded remote value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInteger
	KindFloat
	KindText
	KindStructured
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindStructured:
		return "structured"
	default:
		return "text"
	}
}

// PrimaryKeyColumn is the column name marked PRIMARY KEY in every table.
const PrimaryKeyColumn = "id"

// KindOf reports the kind of v.
func KindOf(v any) ValueKind {
	switch val := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInteger
	case float32, float64:
		return KindFloat
	case json.Number:
		if strings.ContainsAny(val.String(), ".eE") {
			return KindFloat
		}
		return KindInteger
	case string, []byte, time.Time:
		return KindText
	case Object, Record, []any, map[string]any:
		return KindStructured
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return KindStructured
	case reflect.Pointer:
		rv := reflect.ValueOf(v)
		if rv.IsNil() {
			return KindNull
		}
		return KindOf(rv.Elem().Interface())
	}
	return KindText
}

// StorageClassFor maps a value kind to the class its column is declared as.
func StorageClassFor(k ValueKind) StorageClass {
	switch k {
	case KindBool, KindInteger:
		return Integer
	case KindFloat:
		return Real
	default:
		return Text
	}
}

// InferSchema derives the column list of a table from one sample record.
// Columns come out in the sample's order and the "id" column, whatever its
// kind, is the primary key.
func InferSchema(sample Record) []Column {
	cols := make([]Column, 0, sample.Len())
	for _, name := range sample.Columns {
		cols = append(cols, Column{
			Name:       name,
			Class:      StorageClassFor(KindOf(sample.Values[name])),
			PrimaryKey: name == PrimaryKeyColumn,
		})
	}
	return cols
}

// hasPrimaryKey reports whether any column is marked primary key.
func hasPrimaryKey(cols []Column) bool {
	for _, c := range cols {
		if c.PrimaryKey {
			return true
		}
	}
	return false
}

// encodeValue converts a decoded value into something database/sql can bind.
// Structured values become JSON text and booleans become 0/1.
func encodeValue(v any) (any, error) {
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem().Interface())
	}

	switch KindOf(v) {
	case KindNull:
		return nil, nil
	case KindBool:
		if v.(bool) {
			return int64(1), nil
		}
		return int64(0), nil
	case KindStructured:
		text, err := EncodeJSON(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode structured value: %w", err)
		}
		return text, nil
	}

	switch val := v.(type) {
	case json.Number:
		if KindOf(val) == KindInteger {
			if i, err := val.Int64(); err == nil {
				return i, nil
			}
			// out of int64 range, keep the digits
			return val.String(), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return f, nil
	case []byte:
		return val, nil
	case time.Time:
		return val.Format(time.RFC3339Nano), nil
	case string, int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64:
		return val, nil
	case uint, uint64:
		return fmt.Sprint(val), nil
	}
	return fmt.Sprint(v), nil
}
