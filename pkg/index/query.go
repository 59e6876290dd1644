package index

import (
	"fmt"
	"strings"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// Query is a physical index query. Execution resolves candidate documents
// through the postings; Matches re-checks the exact predicate on the
// decoded record, so candidate retrieval may over-approximate but never
// under-approximate.
type Query interface {
	Matches(b *model.Bit) bool
	String() string
}

// FieldValueOf resolves a queryable field on a record. The reserved
// timestamp and value fields are always present.
func FieldValueOf(b *model.Bit, field string) (model.Value, bool) {
	switch field {
	case model.FieldTimestamp:
		return model.IntValue(b.Timestamp), true
	case model.FieldValue:
		return b.Value, true
	}
	if v, ok := b.Dimensions[field]; ok {
		return v, true
	}
	v, ok := b.Tags[field]
	return v, ok
}

// AllQuery matches every record.
type AllQuery struct{}

func (AllQuery) Matches(*model.Bit) bool { return true }
func (AllQuery) String() string          { return "*" }

// TermQuery matches records whose field equals Value.
type TermQuery struct {
	Field string
	Value model.Value
}

func (q TermQuery) Matches(b *model.Bit) bool {
	v, ok := FieldValueOf(b, q.Field)
	return ok && model.Compare(v, q.Value) == model.Equal
}

func (q TermQuery) String() string {
	return fmt.Sprintf("%s=%s", q.Field, q.Value)
}

// RangeQuery matches records whose field lies between From and To. A nil
// bound is open; IncludeFrom/IncludeTo control bound inclusivity.
type RangeQuery struct {
	Field       string
	From        *model.Value
	To          *model.Value
	IncludeFrom bool
	IncludeTo   bool
}

func (q RangeQuery) Matches(b *model.Bit) bool {
	v, ok := FieldValueOf(b, q.Field)
	if !ok {
		return false
	}
	if q.From != nil {
		switch model.Compare(v, *q.From) {
		case model.Less, model.Incomparable:
			return false
		case model.Equal:
			if !q.IncludeFrom {
				return false
			}
		}
	}
	if q.To != nil {
		switch model.Compare(v, *q.To) {
		case model.Greater, model.Incomparable:
			return false
		case model.Equal:
			if !q.IncludeTo {
				return false
			}
		}
	}
	return true
}

func (q RangeQuery) String() string {
	lo, hi := "-inf", "+inf"
	if q.From != nil {
		lo = q.From.String()
	}
	if q.To != nil {
		hi = q.To.String()
	}
	return fmt.Sprintf("%s in [%s,%s]", q.Field, lo, hi)
}

// WildcardQuery matches string fields against a pattern where '$' and
// '%' stand for any substring.
type WildcardQuery struct {
	Field   string
	Pattern string
}

func (q WildcardQuery) Matches(b *model.Bit) bool {
	v, ok := FieldValueOf(b, q.Field)
	if !ok || v.Type != model.TypeString {
		return false
	}
	return model.MatchesWildcard(v.Str, q.Pattern)
}

func (q WildcardQuery) String() string {
	return fmt.Sprintf("%s like '%s'", q.Field, q.Pattern)
}

// ExistsQuery matches records that carry the field.
type ExistsQuery struct {
	Field string
}

func (q ExistsQuery) Matches(b *model.Bit) bool {
	_, ok := FieldValueOf(b, q.Field)
	return ok
}

func (q ExistsQuery) String() string {
	return fmt.Sprintf("exists(%s)", q.Field)
}

// NotQuery negates its inner query.
type NotQuery struct {
	Inner Query
}

func (q NotQuery) Matches(b *model.Bit) bool {
	return !q.Inner.Matches(b)
}

func (q NotQuery) String() string {
	return fmt.Sprintf("not(%s)", q.Inner)
}

// AndQuery requires every sub-query (boolean MUST).
type AndQuery struct {
	Subs []Query
}

func (q AndQuery) Matches(b *model.Bit) bool {
	for _, sub := range q.Subs {
		if !sub.Matches(b) {
			return false
		}
	}
	return true
}

func (q AndQuery) String() string {
	parts := make([]string, len(q.Subs))
	for i, sub := range q.Subs {
		parts[i] = sub.String()
	}
	return "(" + strings.Join(parts, " and ") + ")"
}

// OrQuery requires at least one sub-query (boolean SHOULD).
type OrQuery struct {
	Subs []Query
}

func (q OrQuery) Matches(b *model.Bit) bool {
	for _, sub := range q.Subs {
		if sub.Matches(b) {
			return true
		}
	}
	return false
}

func (q OrQuery) String() string {
	parts := make([]string, len(q.Subs))
	for i, sub := range q.Subs {
		parts[i] = sub.String()
	}
	return "(" + strings.Join(parts, " or ") + ")"
}
