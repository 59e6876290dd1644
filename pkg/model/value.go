package model

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ValueType identifies the primitive type carried by a Value.
type ValueType int

const (
	TypeInt     ValueType = iota // int64
	TypeFloat                    // float64
	TypeDecimal                  // arbitrary-precision decimal
	TypeString                   // string
)

// String returns the type name used in schemas and error messages.
func (t ValueType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeDecimal:
		return "decimal"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// ValueTypeFromName is the inverse of ValueType.String.
func ValueTypeFromName(name string) (ValueType, bool) {
	switch name {
	case "int":
		return TypeInt, true
	case "float":
		return TypeFloat, true
	case "decimal":
		return TypeDecimal, true
	case "string":
		return TypeString, true
	default:
		return 0, false
	}
}

// Value is the tagged primitive used in records, comparisons, and aggregates.
// Only the member selected by Type is meaningful.
type Value struct {
	Type  ValueType
	Int   int64
	Float float64
	Dec   decimal.Decimal
	Str   string
}

// IntValue builds an int Value.
func IntValue(v int64) Value { return Value{Type: TypeInt, Int: v} }

// FloatValue builds a float Value.
func FloatValue(v float64) Value { return Value{Type: TypeFloat, Float: v} }

// DecimalValue builds a decimal Value.
func DecimalValue(d decimal.Decimal) Value { return Value{Type: TypeDecimal, Dec: d} }

// StringValue builds a string Value.
func StringValue(s string) Value { return Value{Type: TypeString, Str: s} }

// Numeric reports whether the value participates in numeric comparison
// and arithmetic.
func (v Value) Numeric() bool {
	return v.Type == TypeInt || v.Type == TypeFloat || v.Type == TypeDecimal
}

// AsDecimal widens any numeric value to a decimal. It panics on strings;
// callers must check Numeric first.
func (v Value) AsDecimal() decimal.Decimal {
	switch v.Type {
	case TypeInt:
		return decimal.NewFromInt(v.Int)
	case TypeFloat:
		return decimal.NewFromFloat(v.Float)
	case TypeDecimal:
		return v.Dec
	default:
		panic("model: AsDecimal on non-numeric value")
	}
}

// AsFloat widens any numeric value to a float64.
func (v Value) AsFloat() float64 {
	switch v.Type {
	case TypeInt:
		return float64(v.Int)
	case TypeFloat:
		return v.Float
	case TypeDecimal:
		f, _ := v.Dec.Float64()
		return f
	default:
		panic("model: AsFloat on non-numeric value")
	}
}

// String renders the value for messages and group keys.
func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("%d", v.Int)
	case TypeFloat:
		return fmt.Sprintf("%g", v.Float)
	case TypeDecimal:
		return v.Dec.String()
	case TypeString:
		return v.Str
	default:
		return "<invalid>"
	}
}

// Ordering is the result of comparing two Values.
type Ordering int

const (
	Less         Ordering = -1
	Equal        Ordering = 0
	Greater      Ordering = 1
	Incomparable Ordering = 2
)

// Compare orders two values. Values of the same type compare directly;
// numeric values of different types compare through decimal widening.
// Every other mixed-type pair is Incomparable, which makes the enclosing
// predicate evaluate false.
func Compare(a, b Value) Ordering {
	if a.Type == TypeString || b.Type == TypeString {
		if a.Type != TypeString || b.Type != TypeString {
			return Incomparable
		}
		switch {
		case a.Str < b.Str:
			return Less
		case a.Str > b.Str:
			return Greater
		default:
			return Equal
		}
	}
	if !a.Numeric() || !b.Numeric() {
		return Incomparable
	}
	switch a.AsDecimal().Cmp(b.AsDecimal()) {
	case -1:
		return Less
	case 1:
		return Greater
	default:
		return Equal
	}
}

// Add sums two numeric values. The result is int only when both operands
// are ints; decimal when either operand is decimal; float otherwise.
func Add(a, b Value) (Value, error) {
	if !a.Numeric() || !b.Numeric() {
		return Value{}, fmt.Errorf("cannot add %s and %s", a.Type, b.Type)
	}
	switch {
	case a.Type == TypeInt && b.Type == TypeInt:
		return IntValue(a.Int + b.Int), nil
	case a.Type == TypeDecimal || b.Type == TypeDecimal:
		return DecimalValue(a.AsDecimal().Add(b.AsDecimal())), nil
	default:
		return FloatValue(a.AsFloat() + b.AsFloat()), nil
	}
}

// Div divides a numeric value by a count, used by avg at merge time.
// Decimal operands stay decimal; everything else divides as float.
func Div(a Value, count int64) (Value, error) {
	if !a.Numeric() {
		return Value{}, fmt.Errorf("cannot divide %s", a.Type)
	}
	if count == 0 {
		return Value{}, fmt.Errorf("division by zero count")
	}
	if a.Type == TypeDecimal {
		return DecimalValue(a.Dec.Div(decimal.NewFromInt(count))), nil
	}
	return FloatValue(a.AsFloat() / float64(count)), nil
}

// MatchesWildcard reports whether s matches pattern, where '$' and '%'
// each match any run of characters (including the empty run).
func MatchesWildcard(s, pattern string) bool {
	var si, pi int
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '$' || pattern[pi] == '%'):
			star, mark = pi, si
			pi++
		case pi < len(pattern) && pattern[pi] == s[si]:
			si++
			pi++
		case star >= 0:
			// Backtrack: let the last wildcard consume one more character.
			mark++
			si, pi = mark, star+1
		default:
			return false
		}
	}
	for pi < len(pattern) && (pattern[pi] == '$' || pattern[pi] == '%') {
		pi++
	}
	return pi == len(pattern)
}

// Sort key tags. Numeric kinds share one tag so that a single range scan
// covers ints, floats, decimals, and timestamps.
const (
	sortTagNumeric byte = 0x01
	sortTagString  byte = 0x02
)

// SortKey encodes the value into bytes whose lexicographic order matches
// Compare, stable across restarts. Numeric keys collate by float64 value;
// exact comparison always happens again on the decoded record.
func (v Value) SortKey() []byte {
	if v.Type == TypeString {
		key := make([]byte, 1+len(v.Str))
		key[0] = sortTagString
		copy(key[1:], v.Str)
		return key
	}
	key := make([]byte, 9)
	key[0] = sortTagNumeric
	binary.BigEndian.PutUint64(key[1:], orderedFloatBits(v.AsFloat()))
	return key
}

// orderedFloatBits maps a float64 onto a uint64 whose unsigned order
// equals the float order.
func orderedFloatBits(f float64) uint64 {
	u := math.Float64bits(f)
	if f >= 0 {
		return u | (1 << 63)
	}
	return ^u
}

type valueJSON struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}. Decimals
// serialize as strings to preserve precision.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Type: v.Type.String()}
	switch v.Type {
	case TypeInt:
		out.Value = v.Int
	case TypeFloat:
		out.Value = v.Float
	case TypeDecimal:
		out.Value = v.Dec.String()
	case TypeString:
		out.Value = v.Str
	default:
		return nil, fmt.Errorf("marshal invalid value type %d", int(v.Type))
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, ok := ValueTypeFromName(raw.Type)
	if !ok {
		return fmt.Errorf("unknown value type %q", raw.Type)
	}
	switch typ {
	case TypeInt:
		var i int64
		if err := json.Unmarshal(raw.Value, &i); err != nil {
			return err
		}
		*v = IntValue(i)
	case TypeFloat:
		var f float64
		if err := json.Unmarshal(raw.Value, &f); err != nil {
			return err
		}
		*v = FloatValue(f)
	case TypeDecimal:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return err
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("invalid decimal %q: %w", s, err)
		}
		*v = DecimalValue(d)
	case TypeString:
		var s string
		if err := json.Unmarshal(raw.Value, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	}
	return nil
}
