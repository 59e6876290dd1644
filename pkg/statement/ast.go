// Package statement defines the parsed representation of NSDb statements:
// SELECT, INSERT, DELETE, and DROP, together with their expression trees.
// The AST plus its JSON codec is the wire contract between the core and
// any RPC façade.
package statement

import (
	"fmt"
	"strings"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// Statement is implemented by every parsed statement.
type Statement interface {
	statement()
	// Target returns the (db, namespace, metric) the statement addresses.
	Target() (db, namespace, metric string)
}

// Aggregation names an aggregate over the value field.
type Aggregation int

const (
	AggCount Aggregation = iota
	AggSum
	AggMin
	AggMax
	AggFirst
	AggLast
	AggAvg
)

// String returns the SQL name of the aggregation.
func (a Aggregation) String() string {
	switch a {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	case AggFirst:
		return "first"
	case AggLast:
		return "last"
	case AggAvg:
		return "avg"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// AggregationFromName parses an aggregation name, case-insensitively.
func AggregationFromName(name string) (Aggregation, bool) {
	switch strings.ToLower(name) {
	case "count":
		return AggCount, true
	case "sum":
		return AggSum, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	case "first":
		return AggFirst, true
	case "last":
		return AggLast, true
	case "avg":
		return AggAvg, true
	default:
		return 0, false
	}
}

// Global reports whether the aggregation is legal without a GROUP BY.
func (a Aggregation) Global() bool {
	return a == AggCount || a == AggAvg
}

// Field is one projected field of a SELECT, optionally aggregated.
type Field struct {
	Name        string       `json:"name"`
	Aggregation *Aggregation `json:"aggregation,omitempty"`
}

// FieldSelection is either all stored fields (SELECT *) or an explicit
// field list.
type FieldSelection struct {
	All    bool    `json:"all,omitempty"`
	Fields []Field `json:"fields,omitempty"`
}

// Aggregated reports whether any projected field carries an aggregation.
func (f FieldSelection) Aggregated() bool {
	for _, fld := range f.Fields {
		if fld.Aggregation != nil {
			return true
		}
	}
	return false
}

// GroupBy is either a simple grouping on a tag or a temporal grouping on
// timestamp buckets.
type GroupBy interface {
	groupBy()
}

// SimpleGroupBy groups by the values of one tag.
type SimpleGroupBy struct {
	Tag string `json:"tag"`
}

func (*SimpleGroupBy) groupBy() {}

// TemporalGroupBy groups by timestamp bucketed to multiples of the
// interval.
type TemporalGroupBy struct {
	Quantity int64  `json:"quantity"`
	Unit     string `json:"unit"`
}

func (*TemporalGroupBy) groupBy() {}

// Interval returns the bucket width in milliseconds.
func (g *TemporalGroupBy) Interval() (int64, error) {
	ms, ok := unitMillis(g.Unit)
	if !ok {
		return 0, fmt.Errorf("unknown interval unit %q", g.Unit)
	}
	return g.Quantity * ms, nil
}

// OrderOperator is the ORDER BY clause.
type OrderOperator struct {
	Dimension  string `json:"dimension"`
	Descending bool   `json:"descending,omitempty"`
}

// LimitOperator is the LIMIT clause.
type LimitOperator struct {
	Value int `json:"value"`
}

// TimeOrder describes whether a SELECT orders by the timestamp field.
type TimeOrder int

const (
	NoTimeOrder TimeOrder = iota
	TimeAscending
	TimeDescending
)

// SelectStatement is a parsed SELECT.
type SelectStatement struct {
	DB        string
	Namespace string
	Metric    string
	Distinct  bool
	Fields    FieldSelection
	Condition Expression
	GroupBy   GroupBy
	Order     *OrderOperator
	Limit     *LimitOperator
}

func (*SelectStatement) statement() {}

// Target returns the statement coordinates.
func (s *SelectStatement) Target() (string, string, string) {
	return s.DB, s.Namespace, s.Metric
}

// TimeOrdering yields an ordering if and only if ORDER BY targets the
// timestamp field.
func (s *SelectStatement) TimeOrdering() TimeOrder {
	if s.Order == nil || s.Order.Dimension != model.FieldTimestamp {
		return NoTimeOrder
	}
	if s.Order.Descending {
		return TimeDescending
	}
	return TimeAscending
}

// EnrichWithTimeRange AND-combines an inclusive range on field with the
// existing condition, or installs it when there is none.
func (s *SelectStatement) EnrichWithTimeRange(field string, from, to int64) {
	rng := &RangeExpression{
		Dimension: field,
		From:      AbsoluteValue(model.IntValue(from)),
		To:        AbsoluteValue(model.IntValue(to)),
	}
	if s.Condition == nil {
		s.Condition = rng
		return
	}
	s.Condition = &AndExpression{Left: rng, Right: s.Condition}
}

// FilterOperator names the operator of a simple filter.
type FilterOperator string

const (
	FilterEq        FilterOperator = "="
	FilterGt        FilterOperator = ">"
	FilterGte       FilterOperator = ">="
	FilterLt        FilterOperator = "<"
	FilterLte       FilterOperator = "<="
	FilterLike      FilterOperator = "like"
	FilterIsNull    FilterOperator = "isnull"
	FilterIsNotNull FilterOperator = "isnotnull"
)

// Filter is one simple (field, op, value) predicate used by
// AddConditions. Value is nil for the null checks.
type Filter struct {
	Dimension string
	Operator  FilterOperator
	Value     *model.Value
}

// AddConditions reduces the filters into a left-folded AND and combines
// it with the existing condition.
func (s *SelectStatement) AddConditions(filters []Filter) error {
	var folded Expression
	for _, f := range filters {
		expr, err := f.expression()
		if err != nil {
			return err
		}
		if folded == nil {
			folded = expr
		} else {
			folded = &AndExpression{Left: folded, Right: expr}
		}
	}
	if folded == nil {
		return nil
	}
	if s.Condition == nil {
		s.Condition = folded
	} else {
		s.Condition = &AndExpression{Left: s.Condition, Right: folded}
	}
	return nil
}

func (f Filter) expression() (Expression, error) {
	switch f.Operator {
	case FilterIsNull:
		return &NullableExpression{Dimension: f.Dimension}, nil
	case FilterIsNotNull:
		return &NotExpression{Expression: &NullableExpression{Dimension: f.Dimension}}, nil
	}
	if f.Value == nil {
		return nil, fmt.Errorf("filter %s on %q requires a value", f.Operator, f.Dimension)
	}
	switch f.Operator {
	case FilterEq:
		return &EqualityExpression{Dimension: f.Dimension, Value: AbsoluteValue(*f.Value)}, nil
	case FilterGt:
		return &ComparisonExpression{Dimension: f.Dimension, Operator: OpGreater, Value: AbsoluteValue(*f.Value)}, nil
	case FilterGte:
		return &ComparisonExpression{Dimension: f.Dimension, Operator: OpGreaterEq, Value: AbsoluteValue(*f.Value)}, nil
	case FilterLt:
		return &ComparisonExpression{Dimension: f.Dimension, Operator: OpLess, Value: AbsoluteValue(*f.Value)}, nil
	case FilterLte:
		return &ComparisonExpression{Dimension: f.Dimension, Operator: OpLessEq, Value: AbsoluteValue(*f.Value)}, nil
	case FilterLike:
		if f.Value.Type != model.TypeString {
			return nil, fmt.Errorf("like filter on %q requires a string pattern", f.Dimension)
		}
		return &LikeExpression{Dimension: f.Dimension, Pattern: f.Value.Str}, nil
	default:
		return nil, fmt.Errorf("unknown filter operator %q", f.Operator)
	}
}

// InsertStatement is a parsed INSERT.
type InsertStatement struct {
	DB         string
	Namespace  string
	Metric     string
	Timestamp  *int64
	Dimensions map[string]model.Value
	Tags       map[string]model.Value
	Value      model.Value
}

func (*InsertStatement) statement() {}

// Target returns the statement coordinates.
func (s *InsertStatement) Target() (string, string, string) {
	return s.DB, s.Namespace, s.Metric
}

// Bit builds the record the statement inserts. now supplies the
// timestamp when the statement does not carry one.
func (s *InsertStatement) Bit(now int64) *model.Bit {
	ts := now
	if s.Timestamp != nil {
		ts = *s.Timestamp
	}
	return &model.Bit{
		Timestamp:  ts,
		Value:      s.Value,
		Dimensions: s.Dimensions,
		Tags:       s.Tags,
	}
}

// DeleteStatement is a parsed DELETE.
type DeleteStatement struct {
	DB        string
	Namespace string
	Metric    string
	Condition Expression
}

func (*DeleteStatement) statement() {}

// Target returns the statement coordinates.
func (s *DeleteStatement) Target() (string, string, string) {
	return s.DB, s.Namespace, s.Metric
}

// DropStatement is a parsed DROP METRIC.
type DropStatement struct {
	DB        string `json:"db"`
	Namespace string `json:"namespace"`
	Metric    string `json:"metric"`
}

func (*DropStatement) statement() {}

// Target returns the statement coordinates.
func (s *DropStatement) Target() (string, string, string) {
	return s.DB, s.Namespace, s.Metric
}
