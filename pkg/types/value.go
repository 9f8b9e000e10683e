package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueKind enumerates the six transport types.
type ValueKind uint8

const (
	KindBool ValueKind = iota
	KindInt32
	KindInt64
	KindDouble
	KindString
	KindTime
)

// String returns the wire tag used by schema declarations.
func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	}
	return "unknown"
}

// KindFromTag maps a schema type tag back to its kind.
func KindFromTag(tag string) (ValueKind, bool) {
	switch tag {
	case "bool":
		return KindBool, true
	case "int32":
		return KindInt32, true
	case "int64":
		return KindInt64, true
	case "double":
		return KindDouble, true
	case "string":
		return KindString, true
	case "time":
		return KindTime, true
	}
	return 0, false
}

// Value is the tagged union carried by every row column.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	t    TimeValue
}

// Constructors for each variant.

func BoolValue(b bool) *Value      { return &Value{kind: KindBool, b: b} }
func Int32Value(i int32) *Value    { return &Value{kind: KindInt32, i: int64(i)} }
func Int64Value(i int64) *Value    { return &Value{kind: KindInt64, i: i} }
func DoubleValue(f float64) *Value { return &Value{kind: KindDouble, f: f} }
func StringValue(s string) *Value  { return &Value{kind: KindString, s: s} }
func TimeValueOf(t TimeValue) *Value {
	return &Value{kind: KindTime, t: t}
}

// Kind returns the variant tag.
func (v *Value) Kind() ValueKind { return v.kind }

// IsNumeric reports whether the value participates in arithmetic.
func (v *Value) IsNumeric() bool {
	switch v.kind {
	case KindInt32, KindInt64, KindDouble:
		return true
	}
	return false
}

// IsString reports whether the value is a string.
func (v *Value) IsString() bool { return v.kind == KindString }

// Bool returns the boolean payload.
func (v *Value) Bool() bool { return v.b }

// Int returns the integer payload.
func (v *Value) Int() int64 { return v.i }

// Double returns the floating-point payload.
func (v *Value) Double() float64 { return v.f }

// Str returns the string payload.
func (v *Value) Str() string { return v.s }

// Time returns the timestamp payload.
func (v *Value) Time() TimeValue { return v.t }

// ToDouble widens any numeric variant to float64; non-numeric values
// yield zero.
func (v *Value) ToDouble() float64 {
	switch v.kind {
	case KindInt32, KindInt64:
		return float64(v.i)
	case KindDouble:
		return v.f
	}
	return 0
}

// Scale multiplies a numeric value in place. Applying a scale to a
// non-numeric value is a silent no-op.
func (v *Value) Scale(factor float64) {
	switch v.kind {
	case KindInt32, KindInt64:
		v.i = int64(float64(v.i) * factor)
	case KindDouble:
		v.f *= factor
	}
}

// Equal compares kind and payload.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt32, KindInt64:
		return v.i == o.i
	case KindDouble:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
	}
	return false
}

// Copy returns an independent copy of the value.
func (v *Value) Copy() *Value {
	c := *v
	return &c
}

// String renders the payload for file sinks and log lines.
func (v *Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.String()
	}
	return ""
}

// WireSize estimates the serialized size of the value for the table
// sink's byte budget. Strings count double-byte plus a length prefix;
// the other types have fixed sizes.
func (v *Value) WireSize() int {
	switch v.kind {
	case KindBool:
		return 2
	case KindInt32:
		return 4
	case KindInt64, KindDouble, KindTime:
		return 8
	case KindString:
		return 2*len(v.s) + 2
	}
	return 0
}

// ParseValue converts a decoded JSON payload element into a Value of the
// requested kind, applying the ingest conversion rules.
func ParseValue(kind ValueKind, raw interface{}) (*Value, error) {
	switch kind {
	case KindBool:
		switch x := raw.(type) {
		case bool:
			return BoolValue(x), nil
		case string:
			switch strings.ToLower(x) {
			case "true":
				return BoolValue(true), nil
			case "false":
				return BoolValue(false), nil
			}
		}
	case KindInt32, KindInt64:
		switch x := raw.(type) {
		case float64:
			if x == float64(int64(x)) {
				if kind == KindInt32 {
					return Int32Value(int32(x)), nil
				}
				return Int64Value(int64(x)), nil
			}
		case int64:
			if kind == KindInt32 {
				return Int32Value(int32(x)), nil
			}
			return Int64Value(x), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err == nil {
				if kind == KindInt32 {
					return Int32Value(int32(n)), nil
				}
				return Int64Value(n), nil
			}
		}
	case KindDouble:
		switch x := raw.(type) {
		case float64:
			return DoubleValue(x), nil
		case int64:
			return DoubleValue(float64(x)), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err == nil {
				return DoubleValue(f), nil
			}
		}
	case KindString:
		if s, ok := raw.(string); ok {
			return StringValue(s), nil
		}
	case KindTime:
		switch x := raw.(type) {
		case float64:
			if x == float64(int64(x)) {
				return TimeValueOf(TimeValue{Sec: int64(x)}), nil
			}
			return TimeValueOf(FromSeconds(x)), nil
		case int64:
			return TimeValueOf(TimeValue{Sec: x}), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, x)
			if err == nil {
				return TimeValueOf(FromTime(t)), nil
			}
		case []interface{}:
			// [sec, nsec] pair from the JSON protocol.
			if len(x) == 2 {
				sec, ok1 := asInt64(x[0])
				nsec, ok2 := asInt64(x[1])
				if ok1 && ok2 {
					return TimeValueOf(FromUnix(sec, nsec/1000)), nil
				}
			}
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", raw, kind)
}

func asInt64(raw interface{}) (int64, bool) {
	switch x := raw.(type) {
	case float64:
		return int64(x), true
	case int64:
		return x, true
	}
	return 0, false
}
