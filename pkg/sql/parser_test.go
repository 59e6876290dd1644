package sql

import (
	"testing"

	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		input    string
		expected []TokenType
	}{
		{
			input:    "SELECT * FROM people",
			expected: []TokenType{TokenSelect, TokenStar, TokenFrom, TokenIdent, TokenEOF},
		},
		{
			input:    "where timestamp >= now - 100ms",
			expected: []TokenType{TokenWhere, TokenIdent, TokenGreaterEqual, TokenNow, TokenMinus, TokenDuration, TokenEOF},
		},
		{
			input:    "count(*)",
			expected: []TokenType{TokenIdent, TokenLeftParen, TokenStar, TokenRightParen, TokenEOF},
		},
		{
			input:    "name = 'John' AND age <= 30",
			expected: []TokenType{TokenIdent, TokenEqual, TokenString, TokenAnd, TokenIdent, TokenLessEqual, TokenNumber, TokenEOF},
		},
		{
			input:    "GROUP BY interval 60 ms",
			expected: []TokenType{TokenGroup, TokenBy, TokenInterval, TokenNumber, TokenIdent, TokenEOF},
		},
	}
	for _, tt := range tests {
		lexer := NewLexer(tt.input)
		for i, expected := range tt.expected {
			tok := lexer.NextToken()
			if tok.Type != expected {
				t.Errorf("%q token[%d]: expected %v, got %v (literal %q)", tt.input, i, expected, tok.Type, tok.Literal)
			}
		}
	}
}

func TestParseSelectAllFields(t *testing.T) {
	stmt, err := Parse("db", "ns", "SELECT * FROM people WHERE timestamp >= 10 AND timestamp <= 20")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel, ok := stmt.(*statement.SelectStatement)
	if !ok {
		t.Fatalf("expected SelectStatement, got %T", stmt)
	}
	if !sel.Fields.All {
		t.Error("expected all fields")
	}
	if sel.Metric != "people" || sel.DB != "db" || sel.Namespace != "ns" {
		t.Errorf("wrong target: %s %s %s", sel.DB, sel.Namespace, sel.Metric)
	}
	and, ok := sel.Condition.(*statement.AndExpression)
	if !ok {
		t.Fatalf("expected AndExpression, got %T", sel.Condition)
	}
	left, ok := and.Left.(*statement.ComparisonExpression)
	if !ok || left.Operator != statement.OpGreaterEq {
		t.Errorf("unexpected left comparison: %v", and.Left)
	}
	right, ok := and.Right.(*statement.ComparisonExpression)
	if !ok || right.Operator != statement.OpLessEq {
		t.Errorf("unexpected right comparison: %v", and.Right)
	}
}

func TestParseSelectClauses(t *testing.T) {
	stmt, err := Parse("db", "ns",
		"SELECT name, count(*) FROM people WHERE city = 'rome' OR NOT city ISNULL GROUP BY city ORDER BY timestamp DESC LIMIT 5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*statement.SelectStatement)

	if len(sel.Fields.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(sel.Fields.Fields))
	}
	if sel.Fields.Fields[0].Name != "name" || sel.Fields.Fields[0].Aggregation != nil {
		t.Errorf("unexpected first field: %+v", sel.Fields.Fields[0])
	}
	if sel.Fields.Fields[1].Name != model.FieldValue || *sel.Fields.Fields[1].Aggregation != statement.AggCount {
		t.Errorf("count(*) should project the value field: %+v", sel.Fields.Fields[1])
	}

	or, ok := sel.Condition.(*statement.OrExpression)
	if !ok {
		t.Fatalf("expected OrExpression, got %T", sel.Condition)
	}
	if _, ok := or.Left.(*statement.EqualityExpression); !ok {
		t.Errorf("expected equality on the left, got %T", or.Left)
	}
	not, ok := or.Right.(*statement.NotExpression)
	if !ok {
		t.Fatalf("expected NotExpression, got %T", or.Right)
	}
	if _, ok := not.Expression.(*statement.NullableExpression); !ok {
		t.Errorf("expected nullable under not, got %T", not.Expression)
	}

	groupBy, ok := sel.GroupBy.(*statement.SimpleGroupBy)
	if !ok || groupBy.Tag != "city" {
		t.Errorf("unexpected group by: %#v", sel.GroupBy)
	}
	if sel.Order == nil || sel.Order.Dimension != "timestamp" || !sel.Order.Descending {
		t.Errorf("unexpected order: %#v", sel.Order)
	}
	if sel.Limit == nil || sel.Limit.Value != 5 {
		t.Errorf("unexpected limit: %#v", sel.Limit)
	}
}

func TestParseTemporalGroupBy(t *testing.T) {
	for _, input := range []string{
		"SELECT avg(value) FROM m GROUP BY interval 60ms",
		"SELECT avg(value) FROM m GROUP BY interval 60 ms",
	} {
		stmt, err := Parse("db", "ns", input)
		if err != nil {
			t.Fatalf("%q: %v", input, err)
		}
		sel := stmt.(*statement.SelectStatement)
		temporal, ok := sel.GroupBy.(*statement.TemporalGroupBy)
		if !ok {
			t.Fatalf("%q: expected TemporalGroupBy, got %#v", input, sel.GroupBy)
		}
		interval, err := temporal.Interval()
		if err != nil || interval != 60 {
			t.Errorf("%q: interval = %d, %v", input, interval, err)
		}
	}
}

func TestParseRelativeTime(t *testing.T) {
	stmt, err := Parse("db", "ns", "SELECT * FROM m WHERE timestamp >= now - 2 s")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*statement.SelectStatement)
	cmp := sel.Condition.(*statement.ComparisonExpression)
	if cmp.Value.Relative == nil {
		t.Fatal("expected relative time operand")
	}
	ts, err := cmp.Value.Relative.Resolve(10_000)
	if err != nil || ts != 8000 {
		t.Errorf("Resolve = %d, %v", ts, err)
	}
}

func TestParseBetween(t *testing.T) {
	stmt, err := Parse("db", "ns", "SELECT * FROM m WHERE value BETWEEN 2 AND 4 AND name = john")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := stmt.(*statement.SelectStatement)
	and, ok := sel.Condition.(*statement.AndExpression)
	if !ok {
		t.Fatalf("expected AndExpression, got %T", sel.Condition)
	}
	rng, ok := and.Left.(*statement.RangeExpression)
	if !ok {
		t.Fatalf("expected RangeExpression, got %T", and.Left)
	}
	if rng.From.Absolute.Int != 2 || rng.To.Absolute.Int != 4 {
		t.Errorf("unexpected bounds: %s", rng)
	}
	eq := and.Right.(*statement.EqualityExpression)
	if eq.Value.Absolute.Str != "john" {
		t.Errorf("bare identifier should parse as string, got %v", eq.Value)
	}
}

func TestParseInsert(t *testing.T) {
	stmt, err := Parse("db", "ns", "INSERT INTO people TS 123 DIM (name='John', age=26) TAGS (city='rome') VAL 23.5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ins, ok := stmt.(*statement.InsertStatement)
	if !ok {
		t.Fatalf("expected InsertStatement, got %T", stmt)
	}
	if ins.Timestamp == nil || *ins.Timestamp != 123 {
		t.Errorf("unexpected timestamp: %v", ins.Timestamp)
	}
	if got := ins.Dimensions["name"]; got.Str != "John" {
		t.Errorf("unexpected name dimension: %v", got)
	}
	if got := ins.Dimensions["age"]; got.Int != 26 {
		t.Errorf("unexpected age dimension: %v", got)
	}
	if got := ins.Tags["city"]; got.Str != "rome" {
		t.Errorf("unexpected city tag: %v", got)
	}
	if ins.Value.Type != model.TypeFloat || ins.Value.Float != 23.5 {
		t.Errorf("unexpected value: %v", ins.Value)
	}
}

func TestParseDeleteAndDrop(t *testing.T) {
	stmt, err := Parse("db", "ns", "DELETE FROM people WHERE timestamp < 100")
	if err != nil {
		t.Fatalf("Parse delete: %v", err)
	}
	del := stmt.(*statement.DeleteStatement)
	if del.Metric != "people" || del.Condition == nil {
		t.Errorf("unexpected delete: %#v", del)
	}

	stmt, err = Parse("db", "ns", "DROP METRIC people")
	if err != nil {
		t.Fatalf("Parse drop: %v", err)
	}
	drop := stmt.(*statement.DropStatement)
	if drop.Metric != "people" {
		t.Errorf("unexpected drop: %#v", drop)
	}
}

func TestParseErrors(t *testing.T) {
	inputs := []string{
		"",
		"SELECT FROM people",
		"SELECT * people",
		"SELECT * FROM people WHERE",
		"SELECT * FROM people WHERE name ~ 'x'",
		"SELECT * FROM people WHERE name LIKE 5",
		"SELECT bogus(value) FROM people",
		"SELECT * FROM people GROUP BY",
		"SELECT * FROM people LIMIT x",
		"INSERT INTO people DIM (name) VAL 1",
		"INSERT INTO people VAL 'text'",
		"DELETE FROM people",
		"DROP people",
		"SELECT * FROM people trailing",
	}
	for _, input := range inputs {
		if _, err := Parse("db", "ns", input); err == nil {
			t.Errorf("expected parse error for %q", input)
		}
	}
}
