package statement

import (
	"fmt"
	"strings"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// Expression is a node of a WHERE condition tree.
type Expression interface {
	expression()
	String() string
}

// ComparisonOperator is one of < <= > >=.
type ComparisonOperator int

const (
	OpGreater ComparisonOperator = iota
	OpGreaterEq
	OpLess
	OpLessEq
)

// String returns the SQL form of the operator.
func (op ComparisonOperator) String() string {
	switch op {
	case OpGreater:
		return ">"
	case OpGreaterEq:
		return ">="
	case OpLess:
		return "<"
	case OpLessEq:
		return "<="
	default:
		return "?"
	}
}

// ComparisonValue is an operand of a comparison: either an absolute
// literal or a time relative to the caller-supplied clock, resolved at
// plan time.
type ComparisonValue struct {
	Absolute *model.Value  `json:"absolute,omitempty"`
	Relative *RelativeTime `json:"relative,omitempty"`
}

// AbsoluteValue wraps a literal into a ComparisonValue.
func AbsoluteValue(v model.Value) ComparisonValue {
	return ComparisonValue{Absolute: &v}
}

// RelativeValue wraps a relative time into a ComparisonValue.
func RelativeValue(r RelativeTime) ComparisonValue {
	return ComparisonValue{Relative: &r}
}

// Resolve turns the operand into an absolute value against the given
// current time in milliseconds.
func (c ComparisonValue) Resolve(now int64) (model.Value, error) {
	if c.Absolute != nil {
		return *c.Absolute, nil
	}
	if c.Relative != nil {
		ts, err := c.Relative.Resolve(now)
		if err != nil {
			return model.Value{}, err
		}
		return model.IntValue(ts), nil
	}
	return model.Value{}, fmt.Errorf("empty comparison value")
}

func (c ComparisonValue) String() string {
	if c.Absolute != nil {
		if c.Absolute.Type == model.TypeString {
			return fmt.Sprintf("'%s'", c.Absolute.Str)
		}
		return c.Absolute.String()
	}
	if c.Relative != nil {
		return c.Relative.String()
	}
	return "<empty>"
}

// RelativeTime is a `now ± quantity unit` literal.
type RelativeTime struct {
	Operator string `json:"operator"` // "+" or "-"
	Quantity int64  `json:"quantity"`
	Unit     string `json:"unit"`
}

// Resolve computes the absolute timestamp in milliseconds.
func (r RelativeTime) Resolve(now int64) (int64, error) {
	ms, ok := unitMillis(r.Unit)
	if !ok {
		return 0, fmt.Errorf("unknown time unit %q", r.Unit)
	}
	delta := r.Quantity * ms
	switch r.Operator {
	case "+":
		return now + delta, nil
	case "-":
		return now - delta, nil
	default:
		return 0, fmt.Errorf("unknown relative time operator %q", r.Operator)
	}
}

func (r RelativeTime) String() string {
	return fmt.Sprintf("now %s %d %s", r.Operator, r.Quantity, r.Unit)
}

// unitMillis maps a time unit name to milliseconds.
func unitMillis(unit string) (int64, bool) {
	switch strings.ToLower(unit) {
	case "ms", "millisecond":
		return 1, true
	case "s", "sec", "second":
		return 1000, true
	case "min", "minute":
		return 60 * 1000, true
	case "h", "hour":
		return 60 * 60 * 1000, true
	case "d", "day":
		return 24 * 60 * 60 * 1000, true
	default:
		return 0, false
	}
}

// EqualityExpression matches records whose field equals the operand.
type EqualityExpression struct {
	Dimension string          `json:"dimension"`
	Value     ComparisonValue `json:"value"`
}

func (*EqualityExpression) expression() {}

func (e *EqualityExpression) String() string {
	return fmt.Sprintf("%s = %s", e.Dimension, e.Value)
}

// ComparisonExpression matches records by an ordered comparison.
type ComparisonExpression struct {
	Dimension string             `json:"dimension"`
	Operator  ComparisonOperator `json:"operator"`
	Value     ComparisonValue    `json:"value"`
}

func (*ComparisonExpression) expression() {}

func (e *ComparisonExpression) String() string {
	return fmt.Sprintf("%s %s %s", e.Dimension, e.Operator, e.Value)
}

// RangeExpression matches records with From <= field <= To.
type RangeExpression struct {
	Dimension string          `json:"dimension"`
	From      ComparisonValue `json:"from"`
	To        ComparisonValue `json:"to"`
}

func (*RangeExpression) expression() {}

func (e *RangeExpression) String() string {
	return fmt.Sprintf("%s between %s and %s", e.Dimension, e.From, e.To)
}

// LikeExpression matches string fields against a wildcard pattern where
// '$' and '%' stand for any substring.
type LikeExpression struct {
	Dimension string `json:"dimension"`
	Pattern   string `json:"pattern"`
}

func (*LikeExpression) expression() {}

func (e *LikeExpression) String() string {
	return fmt.Sprintf("%s like '%s'", e.Dimension, e.Pattern)
}

// NullableExpression matches records that do not carry the field.
type NullableExpression struct {
	Dimension string `json:"dimension"`
}

func (*NullableExpression) expression() {}

func (e *NullableExpression) String() string {
	return fmt.Sprintf("%s isnull", e.Dimension)
}

// NotExpression negates its child.
type NotExpression struct {
	Expression Expression `json:"expression"`
}

func (*NotExpression) expression() {}

func (e *NotExpression) String() string {
	return fmt.Sprintf("not (%s)", e.Expression)
}

// AndExpression requires both children.
type AndExpression struct {
	Left  Expression `json:"left"`
	Right Expression `json:"right"`
}

func (*AndExpression) expression() {}

func (e *AndExpression) String() string {
	return fmt.Sprintf("(%s and %s)", e.Left, e.Right)
}

// OrExpression requires either child.
type OrExpression struct {
	Left  Expression `json:"left"`
	Right Expression `json:"right"`
}

func (*OrExpression) expression() {}

func (e *OrExpression) String() string {
	return fmt.Sprintf("(%s or %s)", e.Left, e.Right)
}
