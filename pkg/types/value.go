package types

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// ValueKind enumerates the closed set of value variants carried by CRDT
// operations and stored rows.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// Value is the tagged union used for all document data inside the core.
// Deserialization from wire JSON happens exactly once at the boundary;
// internal operations carry Values, never opaque blobs.
type Value struct {
	Kind  ValueKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Bytes []byte
	Arr   []Value
	Obj   map[string]Value
}

func Null() Value                     { return Value{Kind: KindNull} }
func BoolValue(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value      { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value       { return Value{Kind: KindBytes, Bytes: b} }
func ArrayValue(vs ...Value) Value    { return Value{Kind: KindArray, Arr: vs} }
func ObjectValue(m map[string]Value) Value {
	if m == nil {
		m = make(map[string]Value)
	}
	return Value{Kind: KindObject, Obj: m}
}

// FromJSON decodes raw wire JSON into a Value. Numbers without a fraction
// or exponent become KindInt; everything else numeric becomes KindFloat.
func FromJSON(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("decode value: %w", err)
	}
	return FromAny(v)
}

// FromAny converts a decoded interface tree (json.Number for numbers) into
// the tagged representation.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return BoolValue(t), nil
	case string:
		return StringValue(t), nil
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("parse number %q: %w", t.String(), err)
		}
		return FloatValue(f), nil
	case float64:
		if f := t; f == float64(int64(f)) {
			return IntValue(int64(f)), nil
		}
		return FloatValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case []byte:
		return BytesValue(t), nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, el := range t {
			ev, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, ev)
		}
		return Value{Kind: KindArray, Arr: arr}, nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, el := range t {
			ev, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			obj[k] = ev
		}
		return Value{Kind: KindObject, Obj: obj}, nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// ToAny converts back to the natural interface representation for JSON
// encoding at the wire and storage boundaries.
func (v Value) ToAny() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, el := range v.Arr {
			out[i] = el.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, el := range v.Obj {
			out[k] = el.ToAny()
		}
		return out
	}
	return nil
}

// MarshalJSON encodes the natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON decodes wire JSON into the tagged form.
func (v *Value) UnmarshalJSON(raw []byte) error {
	dv, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*v = dv
	return nil
}

// Equal reports deep equality of two values. Int and Float never compare
// equal even when numerically identical; the tag is part of the value.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindArray:
		if len(v.Arr) != len(o.Arr) {
			return false
		}
		for i := range v.Arr {
			if !v.Arr[i].Equal(o.Arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.Obj) != len(o.Obj) {
			return false
		}
		for k, el := range v.Obj {
			oe, ok := o.Obj[k]
			if !ok || !el.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Canonical renders a stable string form with sorted object keys. OR-Set
// membership and convergence checks key on this, so it must be identical
// for equal values at every replica.
func (v Value) Canonical() string {
	var buf bytes.Buffer
	v.writeCanonical(&buf)
	return buf.String()
}

func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.Kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		fmt.Fprintf(buf, "b:%t", v.Bool)
	case KindInt:
		fmt.Fprintf(buf, "i:%d", v.Int)
	case KindFloat:
		fmt.Fprintf(buf, "f:%s", strconv.FormatFloat(v.Float, 'g', -1, 64))
	case KindString:
		fmt.Fprintf(buf, "s:%q", v.Str)
	case KindBytes:
		fmt.Fprintf(buf, "x:%s", base64.StdEncoding.EncodeToString(v.Bytes))
	case KindArray:
		buf.WriteByte('[')
		for i, el := range v.Arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			el.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.Obj))
		for k := range v.Obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(buf, "%q:", k)
			el := v.Obj[k]
			el.writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}
