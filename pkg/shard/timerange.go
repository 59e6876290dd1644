package shard

import (
	"math"

	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// TimeBounds derives the timestamp interval a condition can possibly
// match, after relative-time resolution against now. The result may
// over-approximate (OR widens to the convex hull, NOT and non-timestamp
// predicates are unbounded) but never under-approximates.
func TimeBounds(cond statement.Expression, now int64) (lo, hi int64) {
	if cond == nil {
		return math.MinInt64, math.MaxInt64
	}
	switch e := cond.(type) {
	case *statement.EqualityExpression:
		if e.Dimension != model.FieldTimestamp {
			return math.MinInt64, math.MaxInt64
		}
		v, ok := resolveTimestamp(e.Value, now)
		if !ok {
			return math.MinInt64, math.MaxInt64
		}
		return v, v
	case *statement.ComparisonExpression:
		if e.Dimension != model.FieldTimestamp {
			return math.MinInt64, math.MaxInt64
		}
		v, ok := resolveTimestamp(e.Value, now)
		if !ok {
			return math.MinInt64, math.MaxInt64
		}
		switch e.Operator {
		case statement.OpGreater, statement.OpGreaterEq:
			return v, math.MaxInt64
		default:
			return math.MinInt64, v
		}
	case *statement.RangeExpression:
		if e.Dimension != model.FieldTimestamp {
			return math.MinInt64, math.MaxInt64
		}
		from, fromOK := resolveTimestamp(e.From, now)
		to, toOK := resolveTimestamp(e.To, now)
		if !fromOK {
			from = math.MinInt64
		}
		if !toOK {
			to = math.MaxInt64
		}
		return from, to
	case *statement.AndExpression:
		leftLo, leftHi := TimeBounds(e.Left, now)
		rightLo, rightHi := TimeBounds(e.Right, now)
		return max(leftLo, rightLo), min(leftHi, rightHi)
	case *statement.OrExpression:
		// Convex hull of both branches: cheap and safe, never excludes a
		// shard that could match.
		leftLo, leftHi := TimeBounds(e.Left, now)
		rightLo, rightHi := TimeBounds(e.Right, now)
		return min(leftLo, rightLo), max(leftHi, rightHi)
	default:
		// LIKE, ISNULL, and NOT place no usable bound on the timestamp.
		return math.MinInt64, math.MaxInt64
	}
}

func resolveTimestamp(cv statement.ComparisonValue, now int64) (int64, bool) {
	v, err := cv.Resolve(now)
	if err != nil || v.Type != model.TypeInt {
		return 0, false
	}
	return v.Int, true
}
