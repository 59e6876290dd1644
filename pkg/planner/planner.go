// Package planner lowers a statement AST plus schema into a physical
// query: a backing index query, a projection, sort, limit, and an
// optional aggregation. Planning is a pure function of (statement,
// schema, clock); the same statement planned twice against the same
// clock yields the same physical query.
package planner

import (
	"fmt"

	"github.com/nsdb-io/nsdb/pkg/index"
	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// PlanError reports a statement that is well-formed but invalid against
// the metric's schema.
type PlanError struct {
	Msg string
}

func (e *PlanError) Error() string { return "plan error: " + e.Msg }

func planErrorf(format string, args ...interface{}) error {
	return &PlanError{Msg: fmt.Sprintf(format, args...)}
}

// AggregationPlan describes the collector a physical query needs.
type AggregationPlan struct {
	Agg      index.AggregateFunc
	GroupTag string // tag to bucket by; empty for global and temporal plans
	Interval int64  // temporal bucket width in ms; 0 otherwise
}

// NewCollector builds a fresh collector for one shard's partial run.
func (p *AggregationPlan) NewCollector() *index.Collector {
	switch {
	case p.GroupTag != "":
		return index.NewTagCollector(p.GroupTag)
	case p.Interval > 0:
		return index.NewTemporalCollector(p.Interval)
	default:
		return index.NewGlobalCollector()
	}
}

// PhysicalQuery is the planner's output, executed per shard and merged
// by the read coordinator.
type PhysicalQuery struct {
	Query       index.Query
	Fields      []string // projected field names; nil selects all stored fields
	Distinct    bool
	Sort        *index.SortField
	Limit       int
	Aggregation *AggregationPlan
}

// Plan lowers a SELECT against the metric's schema. Relative times
// resolve against now (ms); defaultLimit caps unbounded non-aggregated
// reads.
func Plan(stmt *statement.SelectStatement, sch *model.Schema, now int64, defaultLimit int) (*PhysicalQuery, error) {
	backing, err := PlanCondition(stmt.Condition, sch, now)
	if err != nil {
		return nil, err
	}

	plan := &PhysicalQuery{Query: backing, Distinct: stmt.Distinct}

	if err := planProjection(plan, stmt, sch); err != nil {
		return nil, err
	}
	if err := planGrouping(plan, stmt, sch); err != nil {
		return nil, err
	}

	if stmt.Order != nil {
		if _, ok := sch.Field(stmt.Order.Dimension); !ok {
			return nil, planErrorf("order by unknown field %q", stmt.Order.Dimension)
		}
		plan.Sort = &index.SortField{Field: stmt.Order.Dimension, Descending: stmt.Order.Descending}
	}

	switch {
	case stmt.Limit != nil:
		plan.Limit = stmt.Limit.Value
	case plan.Aggregation == nil:
		// Safety cap on unbounded non-aggregated reads.
		plan.Limit = defaultLimit
	}
	return plan, nil
}

func planProjection(plan *PhysicalQuery, stmt *statement.SelectStatement, sch *model.Schema) error {
	if stmt.Fields.All {
		if stmt.Fields.Aggregated() {
			return planErrorf("cannot mix * with aggregated fields")
		}
		return nil
	}
	if len(stmt.Fields.Fields) == 0 {
		return planErrorf("empty field list")
	}

	var aggregations int
	for _, f := range stmt.Fields.Fields {
		field, ok := sch.Field(f.Name)
		if !ok {
			return planErrorf("unknown field %q on metric %q", f.Name, sch.Metric)
		}
		if f.Aggregation == nil {
			continue
		}
		aggregations++
		agg := *f.Aggregation
		if agg != statement.AggCount {
			if f.Name != model.FieldValue {
				return planErrorf("%s aggregates the value field, not %q", agg, f.Name)
			}
			if field.Type == model.TypeString {
				return planErrorf("%s on non-numeric field %q", agg, f.Name)
			}
		}
	}
	if aggregations > 1 {
		return planErrorf("at most one aggregation per statement")
	}
	if aggregations > 0 && len(stmt.Fields.Fields) > aggregations && stmt.GroupBy == nil {
		return planErrorf("cannot mix plain and aggregated fields without group by")
	}

	if aggregations == 0 {
		plan.Fields = make([]string, 0, len(stmt.Fields.Fields))
		for _, f := range stmt.Fields.Fields {
			plan.Fields = append(plan.Fields, f.Name)
		}
	}
	return nil
}

func planGrouping(plan *PhysicalQuery, stmt *statement.SelectStatement, sch *model.Schema) error {
	var agg *statement.Aggregation
	for _, f := range stmt.Fields.Fields {
		if f.Aggregation != nil {
			agg = f.Aggregation
		}
	}

	if stmt.GroupBy == nil {
		if agg == nil {
			return nil // plain query
		}
		if !agg.Global() {
			return planErrorf("%s requires a group by", *agg)
		}
		if stmt.Distinct {
			return planErrorf("distinct is not allowed with aggregations")
		}
		plan.Aggregation = &AggregationPlan{Agg: lowerAggregation(*agg)}
		return nil
	}

	if agg == nil {
		return planErrorf("group by requires an aggregated field")
	}
	if stmt.Distinct {
		return planErrorf("distinct is not allowed with aggregations")
	}

	switch g := stmt.GroupBy.(type) {
	case *statement.SimpleGroupBy:
		field, ok := sch.Field(g.Tag)
		if !ok {
			return planErrorf("group by unknown field %q", g.Tag)
		}
		if field.Class != model.ClassTag {
			return planErrorf("group by field %q is a %s, not a tag", g.Tag, field.Class)
		}
		plan.Aggregation = &AggregationPlan{Agg: lowerAggregation(*agg), GroupTag: g.Tag}
	case *statement.TemporalGroupBy:
		interval, err := g.Interval()
		if err != nil {
			return planErrorf("%v", err)
		}
		if interval <= 0 {
			return planErrorf("group by interval must be positive")
		}
		plan.Aggregation = &AggregationPlan{Agg: lowerAggregation(*agg), Interval: interval}
	default:
		return planErrorf("unknown group by clause %T", stmt.GroupBy)
	}
	return nil
}

func lowerAggregation(a statement.Aggregation) index.AggregateFunc {
	switch a {
	case statement.AggCount:
		return index.AggCount
	case statement.AggSum:
		return index.AggSum
	case statement.AggMin:
		return index.AggMin
	case statement.AggMax:
		return index.AggMax
	case statement.AggFirst:
		return index.AggFirst
	case statement.AggLast:
		return index.AggLast
	default:
		return index.AggAvg
	}
}

// PlanCondition lowers a condition tree into a backing index query. The
// delete path uses it directly, without projection, sort, or limit.
func PlanCondition(cond statement.Expression, sch *model.Schema, now int64) (index.Query, error) {
	if cond == nil {
		return index.AllQuery{}, nil
	}
	switch e := cond.(type) {
	case *statement.EqualityExpression:
		field, err := knownField(sch, e.Dimension)
		if err != nil {
			return nil, err
		}
		v, err := resolveOperand(e.Value, now)
		if err != nil {
			return nil, err
		}
		if err := checkOperandType(field, v); err != nil {
			return nil, err
		}
		return index.TermQuery{Field: e.Dimension, Value: v}, nil
	case *statement.ComparisonExpression:
		field, err := knownField(sch, e.Dimension)
		if err != nil {
			return nil, err
		}
		if field.Type == model.TypeString {
			return nil, planErrorf("comparison on string field %q", e.Dimension)
		}
		v, err := resolveOperand(e.Value, now)
		if err != nil {
			return nil, err
		}
		if err := checkOperandType(field, v); err != nil {
			return nil, err
		}
		q := index.RangeQuery{Field: e.Dimension}
		switch e.Operator {
		case statement.OpGreater:
			q.From = &v
		case statement.OpGreaterEq:
			q.From, q.IncludeFrom = &v, true
		case statement.OpLess:
			q.To = &v
		case statement.OpLessEq:
			q.To, q.IncludeTo = &v, true
		}
		return q, nil
	case *statement.RangeExpression:
		field, err := knownField(sch, e.Dimension)
		if err != nil {
			return nil, err
		}
		from, err := resolveOperand(e.From, now)
		if err != nil {
			return nil, err
		}
		to, err := resolveOperand(e.To, now)
		if err != nil {
			return nil, err
		}
		if err := checkOperandType(field, from); err != nil {
			return nil, err
		}
		if err := checkOperandType(field, to); err != nil {
			return nil, err
		}
		return index.RangeQuery{Field: e.Dimension, From: &from, To: &to, IncludeFrom: true, IncludeTo: true}, nil
	case *statement.LikeExpression:
		field, err := knownField(sch, e.Dimension)
		if err != nil {
			return nil, err
		}
		if field.Type != model.TypeString {
			return nil, planErrorf("like on non-string field %q", e.Dimension)
		}
		return index.WildcardQuery{Field: e.Dimension, Pattern: e.Pattern}, nil
	case *statement.NullableExpression:
		if _, err := knownField(sch, e.Dimension); err != nil {
			return nil, err
		}
		return index.NotQuery{Inner: index.ExistsQuery{Field: e.Dimension}}, nil
	case *statement.NotExpression:
		inner, err := PlanCondition(e.Expression, sch, now)
		if err != nil {
			return nil, err
		}
		return index.NotQuery{Inner: inner}, nil
	case *statement.AndExpression:
		left, err := PlanCondition(e.Left, sch, now)
		if err != nil {
			return nil, err
		}
		right, err := PlanCondition(e.Right, sch, now)
		if err != nil {
			return nil, err
		}
		return index.AndQuery{Subs: []index.Query{left, right}}, nil
	case *statement.OrExpression:
		left, err := PlanCondition(e.Left, sch, now)
		if err != nil {
			return nil, err
		}
		right, err := PlanCondition(e.Right, sch, now)
		if err != nil {
			return nil, err
		}
		return index.OrQuery{Subs: []index.Query{left, right}}, nil
	default:
		return nil, planErrorf("unknown expression %T", cond)
	}
}

func knownField(sch *model.Schema, name string) (model.SchemaField, error) {
	field, ok := sch.Field(name)
	if !ok {
		return model.SchemaField{}, planErrorf("unknown field %q on metric %q", name, sch.Metric)
	}
	return field, nil
}

func resolveOperand(cv statement.ComparisonValue, now int64) (model.Value, error) {
	v, err := cv.Resolve(now)
	if err != nil {
		return model.Value{}, planErrorf("%v", err)
	}
	return v, nil
}

func checkOperandType(field model.SchemaField, v model.Value) error {
	if field.Type == model.TypeString {
		if v.Type != model.TypeString {
			return planErrorf("field %q is a string, got %s literal", field.Name, v.Type)
		}
		return nil
	}
	if !v.Numeric() {
		return planErrorf("field %q is %s, got %s literal", field.Name, field.Type, v.Type)
	}
	return nil
}
