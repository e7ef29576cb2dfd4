package types

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xtxerr/statehist/internal/errors"
)

// Kind is the type tag of a Value.
type Kind uint8

const (
	// KindNull means the attribute has no defined value.
	KindNull Kind = iota
	// KindInt is a 32-bit signed integer.
	KindInt
	// KindLong is a 64-bit signed integer.
	KindLong
	// KindDouble is a 64-bit float.
	KindDouble
	// KindString is a string.
	KindString
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String. "str" is accepted for KindString.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(s) {
	case "null":
		return KindNull, true
	case "int":
		return KindInt, true
	case "long":
		return KindLong, true
	case "double":
		return KindDouble, true
	case "string", "str":
		return KindString, true
	default:
		return KindNull, false
	}
}

// Value is a state value. The zero Value is Null.
//
// Values are immutable and safe to copy. Two values are ordered by kind
// first, then by payload.
type Value struct {
	kind Kind
	num  int64
	dbl  float64
	str  string
}

// NullValue returns the Null value.
func NullValue() Value { return Value{} }

// IntValue returns an Int value.
func IntValue(v int32) Value { return Value{kind: KindInt, num: int64(v)} }

// LongValue returns a Long value.
func LongValue(v int64) Value { return Value{kind: KindLong, num: v} }

// DoubleValue returns a Double value.
func DoubleValue(v float64) Value { return Value{kind: KindDouble, dbl: v} }

// StringValue returns a String value.
func StringValue(v string) Value { return Value{kind: KindString, str: v} }

// Kind returns the type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is Null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Int returns the payload of an Int value.
func (v Value) Int() (int32, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return int32(v.num), true
}

// Long returns the payload of a Long value.
func (v Value) Long() (int64, bool) {
	if v.kind != KindLong {
		return 0, false
	}
	return v.num, true
}

// Double returns the payload of a Double value.
func (v Value) Double() (float64, bool) {
	if v.kind != KindDouble {
		return 0, false
	}
	return v.dbl, true
}

// Str returns the payload of a String value.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Equal reports whether v and o have the same kind and payload.
// Two NaN doubles are equal.
func (v Value) Equal(o Value) bool {
	return v.Compare(o) == 0
}

// Compare orders values by kind, then by payload. It returns -1, 0 or +1.
func (v Value) Compare(o Value) int {
	if c := cmp.Compare(v.kind, o.kind); c != 0 {
		return c
	}
	switch v.kind {
	case KindInt, KindLong:
		return cmp.Compare(v.num, o.num)
	case KindDouble:
		return cmp.Compare(v.dbl, o.dbl)
	case KindString:
		return strings.Compare(v.str, o.str)
	default:
		return 0
	}
}

// String returns the payload for display ("null" for Null).
func (v Value) String() string {
	switch v.kind {
	case KindInt, KindLong:
		return strconv.FormatInt(v.num, 10)
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case KindString:
		return v.str
	default:
		return "null"
	}
}

// Tagged returns "kind:payload", the form accepted by ParseValue.
func (v Value) Tagged() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.kind.String() + ":" + v.String()
}

// ParseValue parses the tagged form produced by Value.Tagged, for example
// "int:5", "long:-3", "double:0.5", "string:running" or "null".
//
// Untagged input is accepted as a convenience: integers that fit 32 bits
// become Int, larger ones Long, other numbers Double and anything else a
// String.
func ParseValue(s string) (Value, error) {
	if s == "" || strings.EqualFold(s, "null") {
		return NullValue(), nil
	}

	tag, payload, found := strings.Cut(s, ":")
	if found {
		if kind, ok := ParseKind(tag); ok {
			return parseTagged(kind, payload)
		}
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return IntValue(int32(n)), nil
		}
		return LongValue(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return DoubleValue(f), nil
	}
	return StringValue(s), nil
}

func parseTagged(kind Kind, payload string) (Value, error) {
	switch kind {
	case KindNull:
		return NullValue(), nil
	case KindInt:
		n, err := strconv.ParseInt(payload, 10, 32)
		if err != nil {
			return Value{}, fmt.Errorf("int %q: %w", payload, errors.ErrInvalidValue)
		}
		return IntValue(int32(n)), nil
	case KindLong:
		n, err := strconv.ParseInt(payload, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("long %q: %w", payload, errors.ErrInvalidValue)
		}
		return LongValue(n), nil
	case KindDouble:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return Value{}, fmt.Errorf("double %q: %w", payload, errors.ErrInvalidValue)
		}
		return DoubleValue(f), nil
	default:
		return StringValue(payload), nil
	}
}
