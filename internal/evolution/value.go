package evolution

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is a schema-open scalar or structure used for evidence, metrics,
// gate results and genome specs. Only known keys are ever interpreted.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    Doc
}

func Null() Value               { return Value{} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Number(n float64) Value    { return Value{kind: KindNumber, n: n} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(d Doc) Value           { return Value{kind: KindMap, m: d} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// AsNumber returns the number, accepting numeric strings.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return f, err == nil
	}
	return 0, false
}

// AsBool returns the bool, accepting "true"/"false" strings.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.s))
		return b, err == nil
	}
	return false, false
}

// AsString returns the string variant only.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsList returns the list variant only.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsDoc returns the map variant only.
func (v Value) AsDoc() (Doc, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// Any converts v into plain Go values (nil, bool, float64, string, []any, map[string]any).
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		return v.m.Any()
	default:
		return nil
	}
}

// FromAny converts decoded JSON/YAML values into a Value. Unknown types are
// rendered with %v so nothing is silently dropped.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return List(items...)
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return List(items...)
	case map[string]any:
		return Map(DocFromMap(t))
	case Doc:
		return Map(t)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}

// MarshalYAML renders v as plain values for yaml.v3.
func (v Value) MarshalYAML() (any, error) {
	return v.Any(), nil
}

// Doc is an open structured map.
type Doc map[string]Value

// DocFromMap converts a decoded map into a Doc.
func DocFromMap(m map[string]any) Doc {
	if m == nil {
		return Doc{}
	}
	d := make(Doc, len(m))
	for k, v := range m {
		d[k] = FromAny(v)
	}
	return d
}

// Any converts d into a plain map.
func (d Doc) Any() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v.Any()
	}
	return out
}

// Keys returns the keys in sorted order.
func (d Doc) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Number looks up a numeric key.
func (d Doc) Number(key string) (float64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	return v.AsNumber()
}

// Bool looks up a boolean key.
func (d Doc) Bool(key string) (bool, bool) {
	v, ok := d[key]
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// String looks up a string key.
func (d Doc) String(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Clone returns a shallow copy.
func (d Doc) Clone() Doc {
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Doc) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Any())
}

func (d *Doc) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*d = DocFromMap(m)
	return nil
}

// MarshalYAML renders d as a plain map for yaml.v3.
func (d Doc) MarshalYAML() (any, error) {
	return d.Any(), nil
}

// Value stores d as a JSON TEXT column.
func (d Doc) Value() (driver.Value, error) {
	b, err := d.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON TEXT column. NULL and empty text decode to an empty Doc.
func (d *Doc) Scan(src any) error {
	var raw []byte
	switch t := src.(type) {
	case nil:
		*d = Doc{}
		return nil
	case string:
		raw = []byte(t)
	case []byte:
		raw = t
	default:
		return fmt.Errorf("doc: unsupported scan type %T", src)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		*d = Doc{}
		return nil
	}
	return d.UnmarshalJSON(raw)
}
