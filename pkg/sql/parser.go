package sql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nsdb-io/nsdb/pkg/model"
	"github.com/nsdb-io/nsdb/pkg/statement"
)

// ParseError reports a malformed statement.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Pos, e.Msg)
}

// Parser parses one statement using recursive descent.
type Parser struct {
	lexer   *Lexer
	current Token
	peek    Token
}

// Parse parses input into a statement addressed to (db, namespace).
func Parse(db, namespace, input string) (statement.Statement, error) {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	p.nextToken()

	var (
		stmt statement.Statement
		err  error
	)
	switch p.current.Type {
	case TokenSelect:
		stmt, err = p.parseSelect(db, namespace)
	case TokenInsert:
		stmt, err = p.parseInsert(db, namespace)
	case TokenDelete:
		stmt, err = p.parseDelete(db, namespace)
	case TokenDrop:
		stmt, err = p.parseDrop(db, namespace)
	default:
		return nil, p.errorf("expected SELECT, INSERT, DELETE or DROP, got %q", p.current.Literal)
	}
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, p.errorf("unexpected input after statement: %q", p.current.Literal)
	}
	return stmt, nil
}

func (p *Parser) nextToken() {
	p.current = p.peek
	p.peek = p.lexer.NextToken()
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Pos: p.current.Pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) expect(t TokenType, what string) (Token, error) {
	if p.current.Type != t {
		return Token{}, p.errorf("expected %s, got %q", what, p.current.Literal)
	}
	tok := p.current
	p.nextToken()
	return tok, nil
}

// parseSelect parses
//
//	SELECT [DISTINCT] (* | field_list) FROM metric [WHERE expr]
//	  [GROUP BY (tag | interval quantity unit)] [ORDER BY field [ASC|DESC]] [LIMIT n]
func (p *Parser) parseSelect(db, namespace string) (statement.Statement, error) {
	p.nextToken() // consume SELECT

	stmt := &statement.SelectStatement{DB: db, Namespace: namespace}

	if p.current.Type == TokenDistinct {
		stmt.Distinct = true
		p.nextToken()
	}

	fields, err := p.parseFieldSelection()
	if err != nil {
		return nil, err
	}
	stmt.Fields = fields

	if _, err := p.expect(TokenFrom, "FROM"); err != nil {
		return nil, err
	}
	metric, err := p.expect(TokenIdent, "metric name")
	if err != nil {
		return nil, err
	}
	stmt.Metric = metric.Literal

	if p.current.Type == TokenWhere {
		p.nextToken()
		cond, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		stmt.Condition = cond
	}

	if p.current.Type == TokenGroup {
		p.nextToken()
		if _, err := p.expect(TokenBy, "BY"); err != nil {
			return nil, err
		}
		groupBy, err := p.parseGroupBy()
		if err != nil {
			return nil, err
		}
		stmt.GroupBy = groupBy
	}

	if p.current.Type == TokenOrder {
		p.nextToken()
		if _, err := p.expect(TokenBy, "BY"); err != nil {
			return nil, err
		}
		field, err := p.expect(TokenIdent, "order field")
		if err != nil {
			return nil, err
		}
		order := &statement.OrderOperator{Dimension: field.Literal}
		switch p.current.Type {
		case TokenAsc:
			p.nextToken()
		case TokenDesc:
			order.Descending = true
			p.nextToken()
		}
		stmt.Order = order
	}

	if p.current.Type == TokenLimit {
		p.nextToken()
		num, err := p.expect(TokenNumber, "limit value")
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(num.Literal)
		if err != nil || n < 0 {
			return nil, p.errorf("invalid limit %q", num.Literal)
		}
		stmt.Limit = &statement.LimitOperator{Value: n}
	}

	return stmt, nil
}

func (p *Parser) parseFieldSelection() (statement.FieldSelection, error) {
	if p.current.Type == TokenStar {
		p.nextToken()
		return statement.FieldSelection{All: true}, nil
	}
	var fields []statement.Field
	for {
		field, err := p.parseField()
		if err != nil {
			return statement.FieldSelection{}, err
		}
		fields = append(fields, field)
		if p.current.Type != TokenComma {
			break
		}
		p.nextToken()
	}
	return statement.FieldSelection{Fields: fields}, nil
}

func (p *Parser) parseField() (statement.Field, error) {
	name, err := p.expect(TokenIdent, "field name")
	if err != nil {
		return statement.Field{}, err
	}
	if p.current.Type != TokenLeftParen {
		return statement.Field{Name: name.Literal}, nil
	}
	// agg(field) or agg(*)
	agg, ok := statement.AggregationFromName(name.Literal)
	if !ok {
		return statement.Field{}, p.errorf("unknown aggregation %q", name.Literal)
	}
	p.nextToken() // consume '('
	target := model.FieldValue
	switch p.current.Type {
	case TokenStar:
		p.nextToken()
	case TokenIdent:
		target = p.current.Literal
		p.nextToken()
	default:
		return statement.Field{}, p.errorf("expected field name or * inside %s()", agg)
	}
	if _, err := p.expect(TokenRightParen, ")"); err != nil {
		return statement.Field{}, err
	}
	return statement.Field{Name: target, Aggregation: &agg}, nil
}

func (p *Parser) parseGroupBy() (statement.GroupBy, error) {
	if p.current.Type == TokenInterval {
		p.nextToken()
		quantity, unit, err := p.parseQuantityUnit()
		if err != nil {
			return nil, err
		}
		return &statement.TemporalGroupBy{Quantity: quantity, Unit: unit}, nil
	}
	tag, err := p.expect(TokenIdent, "tag name")
	if err != nil {
		return nil, err
	}
	return &statement.SimpleGroupBy{Tag: tag.Literal}, nil
}

// parseQuantityUnit accepts either a fused duration (60ms) or a number
// followed by a unit identifier (60 ms).
func (p *Parser) parseQuantityUnit() (int64, string, error) {
	switch p.current.Type {
	case TokenDuration:
		quantity, unit, err := splitDuration(p.current.Literal)
		if err != nil {
			return 0, "", p.errorf("%v", err)
		}
		p.nextToken()
		return quantity, unit, nil
	case TokenNumber:
		quantity, err := strconv.ParseInt(p.current.Literal, 10, 64)
		if err != nil {
			return 0, "", p.errorf("invalid quantity %q", p.current.Literal)
		}
		p.nextToken()
		unit, err := p.expect(TokenIdent, "time unit")
		if err != nil {
			return 0, "", err
		}
		return quantity, strings.ToLower(unit.Literal), nil
	default:
		return 0, "", p.errorf("expected duration, got %q", p.current.Literal)
	}
}

func splitDuration(literal string) (int64, string, error) {
	i := 0
	for i < len(literal) && literal[i] >= '0' && literal[i] <= '9' {
		i++
	}
	quantity, err := strconv.ParseInt(literal[:i], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid duration %q", literal)
	}
	return quantity, strings.ToLower(literal[i:]), nil
}

// Expression parsing. OR binds loosest, then AND, then NOT.

func (p *Parser) parseExpression() (statement.Expression, error) {
	return p.parseOr()
}

func (p *Parser) parseOr() (statement.Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenOr {
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &statement.OrExpression{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (statement.Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenAnd {
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &statement.AndExpression{Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (statement.Expression, error) {
	if p.current.Type == TokenNot {
		p.nextToken()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &statement.NotExpression{Expression: inner}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (statement.Expression, error) {
	if p.current.Type == TokenLeftParen {
		p.nextToken()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRightParen, ")"); err != nil {
			return nil, err
		}
		return expr, nil
	}

	field, err := p.expect(TokenIdent, "field name")
	if err != nil {
		return nil, err
	}

	switch p.current.Type {
	case TokenEqual:
		p.nextToken()
		value, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		return &statement.EqualityExpression{Dimension: field.Literal, Value: value}, nil
	case TokenGreater, TokenGreaterEqual, TokenLess, TokenLessEqual:
		op := comparisonOperator(p.current.Type)
		p.nextToken()
		value, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		return &statement.ComparisonExpression{Dimension: field.Literal, Operator: op, Value: value}, nil
	case TokenBetween:
		p.nextToken()
		from, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenAnd, "AND"); err != nil {
			return nil, err
		}
		to, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		return &statement.RangeExpression{Dimension: field.Literal, From: from, To: to}, nil
	case TokenLike:
		p.nextToken()
		pattern, err := p.expect(TokenString, "pattern string")
		if err != nil {
			return nil, err
		}
		return &statement.LikeExpression{Dimension: field.Literal, Pattern: pattern.Literal}, nil
	case TokenIsNull:
		p.nextToken()
		return &statement.NullableExpression{Dimension: field.Literal}, nil
	case TokenIsNotNull:
		p.nextToken()
		return &statement.NotExpression{
			Expression: &statement.NullableExpression{Dimension: field.Literal},
		}, nil
	default:
		return nil, p.errorf("expected operator after %q, got %q", field.Literal, p.current.Literal)
	}
}

func comparisonOperator(t TokenType) statement.ComparisonOperator {
	switch t {
	case TokenGreater:
		return statement.OpGreater
	case TokenGreaterEqual:
		return statement.OpGreaterEq
	case TokenLessEqual:
		return statement.OpLessEq
	default:
		return statement.OpLess
	}
}

// parseComparisonValue parses a literal, a quoted string, an identifier
// (treated as a string), or a `now ± quantity unit` relative time.
func (p *Parser) parseComparisonValue() (statement.ComparisonValue, error) {
	switch p.current.Type {
	case TokenNow:
		p.nextToken()
		var op string
		switch p.current.Type {
		case TokenPlus:
			op = "+"
		case TokenMinus:
			op = "-"
		default:
			// Bare `now`.
			return statement.RelativeValue(statement.RelativeTime{Operator: "+", Quantity: 0, Unit: "ms"}), nil
		}
		p.nextToken()
		quantity, unit, err := p.parseQuantityUnit()
		if err != nil {
			return statement.ComparisonValue{}, err
		}
		return statement.RelativeValue(statement.RelativeTime{Operator: op, Quantity: quantity, Unit: unit}), nil
	case TokenMinus:
		p.nextToken()
		v, err := p.parseNumber(true)
		if err != nil {
			return statement.ComparisonValue{}, err
		}
		return statement.AbsoluteValue(v), nil
	case TokenNumber:
		v, err := p.parseNumber(false)
		if err != nil {
			return statement.ComparisonValue{}, err
		}
		return statement.AbsoluteValue(v), nil
	case TokenString, TokenIdent:
		v := model.StringValue(p.current.Literal)
		p.nextToken()
		return statement.AbsoluteValue(v), nil
	default:
		return statement.ComparisonValue{}, p.errorf("expected value, got %q", p.current.Literal)
	}
}

func (p *Parser) parseNumber(negative bool) (model.Value, error) {
	tok, err := p.expect(TokenNumber, "number")
	if err != nil {
		return model.Value{}, err
	}
	if strings.Contains(tok.Literal, ".") {
		f, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			return model.Value{}, p.errorf("invalid number %q", tok.Literal)
		}
		if negative {
			f = -f
		}
		return model.FloatValue(f), nil
	}
	i, err := strconv.ParseInt(tok.Literal, 10, 64)
	if err != nil {
		return model.Value{}, p.errorf("invalid number %q", tok.Literal)
	}
	if negative {
		i = -i
	}
	return model.IntValue(i), nil
}

// parseInsert parses
//
//	INSERT INTO metric [TS timestamp] DIM (k=v, …) TAGS (k=v, …) VAL numeric
func (p *Parser) parseInsert(db, namespace string) (statement.Statement, error) {
	p.nextToken() // consume INSERT
	if _, err := p.expect(TokenInto, "INTO"); err != nil {
		return nil, err
	}
	metric, err := p.expect(TokenIdent, "metric name")
	if err != nil {
		return nil, err
	}
	stmt := &statement.InsertStatement{DB: db, Namespace: namespace, Metric: metric.Literal}

	if p.current.Type == TokenTS {
		p.nextToken()
		negative := false
		if p.current.Type == TokenMinus {
			negative = true
			p.nextToken()
		}
		v, err := p.parseNumber(negative)
		if err != nil {
			return nil, err
		}
		if v.Type != model.TypeInt {
			return nil, p.errorf("timestamp must be an integer")
		}
		ts := v.Int
		stmt.Timestamp = &ts
	}

	if p.current.Type == TokenDim {
		p.nextToken()
		dims, err := p.parseKeyValueList()
		if err != nil {
			return nil, err
		}
		stmt.Dimensions = dims
	}

	if p.current.Type == TokenTags {
		p.nextToken()
		tags, err := p.parseKeyValueList()
		if err != nil {
			return nil, err
		}
		stmt.Tags = tags
	}

	if _, err := p.expect(TokenVal, "VAL"); err != nil {
		return nil, err
	}
	negative := false
	if p.current.Type == TokenMinus {
		negative = true
		p.nextToken()
	}
	value, err := p.parseNumber(negative)
	if err != nil {
		return nil, err
	}
	stmt.Value = value
	return stmt, nil
}

func (p *Parser) parseKeyValueList() (map[string]model.Value, error) {
	if _, err := p.expect(TokenLeftParen, "("); err != nil {
		return nil, err
	}
	out := make(map[string]model.Value)
	for p.current.Type != TokenRightParen {
		key, err := p.expect(TokenIdent, "field name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenEqual, "="); err != nil {
			return nil, err
		}
		value, err := p.parseComparisonValue()
		if err != nil {
			return nil, err
		}
		if value.Absolute == nil {
			return nil, p.errorf("field %q requires a literal value", key.Literal)
		}
		out[key.Literal] = *value.Absolute
		if p.current.Type == TokenComma {
			p.nextToken()
		}
	}
	p.nextToken() // consume ')'
	return out, nil
}

// parseDelete parses DELETE FROM metric WHERE expr.
func (p *Parser) parseDelete(db, namespace string) (statement.Statement, error) {
	p.nextToken() // consume DELETE
	if _, err := p.expect(TokenFrom, "FROM"); err != nil {
		return nil, err
	}
	metric, err := p.expect(TokenIdent, "metric name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokenWhere, "WHERE"); err != nil {
		return nil, err
	}
	cond, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	return &statement.DeleteStatement{DB: db, Namespace: namespace, Metric: metric.Literal, Condition: cond}, nil
}

// parseDrop parses DROP METRIC metric.
func (p *Parser) parseDrop(db, namespace string) (statement.Statement, error) {
	p.nextToken() // consume DROP
	if _, err := p.expect(TokenMetric, "METRIC"); err != nil {
		return nil, err
	}
	metric, err := p.expect(TokenIdent, "metric name")
	if err != nil {
		return nil, err
	}
	return &statement.DropStatement{DB: db, Namespace: namespace, Metric: metric.Literal}, nil
}
