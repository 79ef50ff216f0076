package siosession

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	NullValue ValueKind = iota
	BoolValue
	NumberValue
	StringValue
	ListValue
	MapValue
)

func (k ValueKind) String() string {
	switch k {
	case NullValue:
		return "null"
	case BoolValue:
		return "bool"
	case NumberValue:
		return "number"
	case StringValue:
		return "string"
	case ListValue:
		return "list"
	case MapValue:
		return "map"
	default:
		return "unknown"
	}
}

// Value is an opaque, JSON-serializable event payload. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	l    []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: BoolValue, b: b} }
func Number(n float64) Value { return Value{kind: NumberValue, n: n} }
func String(s string) Value { return Value{kind: StringValue, s: s} }
func List(items ...Value) Value { return Value{kind: ListValue, l: append([]Value(nil), items...)} }
func Map(m map[string]Value) Value {
	cp := make(map[string]Value, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Value{kind: MapValue, m: cp}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool { return v.kind == NullValue }

func (v Value) AsBool() (bool, bool) { return v.b, v.kind == BoolValue }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == NumberValue }
func (v Value) AsString() (string, bool) { return v.s, v.kind == StringValue }

func (v Value) AsList() ([]Value, bool) {
	if v.kind != ListValue {
		return nil, false
	}
	return append([]Value(nil), v.l...), true
}

func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != MapValue {
		return nil, false
	}
	cp := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		cp[k] = e
	}
	return cp, true
}

// Get returns the map entry for key. ok is false for non-map values.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != MapValue {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Interface converts back to plain Go values (nil, bool, float64, string,
// []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case BoolValue:
		return v.b
	case NumberValue:
		return v.n
	case StringValue:
		return v.s
	case ListValue:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Interface()
		}
		return out
	case MapValue:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case BoolValue:
		return v.b == o.b
	case NumberValue:
		return v.n == o.n
	case StringValue:
		return v.s == o.s
	case ListValue:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	case MapValue:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}

// ValueOf converts a Go value into a Value. Values that are not one of the
// primitive shapes go through encoding/json, so structs with json tags work.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Number(n), nil
	case []Value:
		return List(t...), nil
	case map[string]Value:
		return Map(t), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			out[i] = ev
		}
		return Value{kind: ListValue, l: out}, nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, err
			}
			out[k] = ev
		}
		return Value{kind: MapValue, m: out}, nil
	}

	raw, err := json.Marshal(x)
	if err != nil {
		return Value{}, fmt.Errorf("unsupported payload type %s: %w", reflect.TypeOf(x), err)
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return Value{}, err
	}
	return v, nil
}

// MustValue is ValueOf for literals known to convert.
func MustValue(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case NullValue:
		return []byte("null"), nil
	case BoolValue:
		return strconv.AppendBool(nil, v.b), nil
	case NumberValue:
		return json.Marshal(v.n)
	case StringValue:
		return json.Marshal(v.s)
	case ListValue:
		if v.l == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.l)
	case MapValue:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			eb, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(eb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}
