package statement

import (
	"encoding/json"
	"fmt"

	"github.com/nsdb-io/nsdb/pkg/model"
)

// Neutral wire form of an expression node. One struct covers the whole
// union; Type selects which members are meaningful.
type exprJSON struct {
	Type      string           `json:"type"`
	Dimension string           `json:"dimension,omitempty"`
	Operator  string           `json:"operator,omitempty"`
	Value     *ComparisonValue `json:"value,omitempty"`
	From      *ComparisonValue `json:"from,omitempty"`
	To        *ComparisonValue `json:"to,omitempty"`
	Pattern   string           `json:"pattern,omitempty"`
	Child     *exprJSON        `json:"child,omitempty"`
	Left      *exprJSON        `json:"left,omitempty"`
	Right     *exprJSON        `json:"right,omitempty"`
}

func exprToJSON(e Expression) (*exprJSON, error) {
	if e == nil {
		return nil, nil
	}
	switch ex := e.(type) {
	case *EqualityExpression:
		v := ex.Value
		return &exprJSON{Type: "equality", Dimension: ex.Dimension, Value: &v}, nil
	case *ComparisonExpression:
		v := ex.Value
		return &exprJSON{Type: "comparison", Dimension: ex.Dimension, Operator: ex.Operator.String(), Value: &v}, nil
	case *RangeExpression:
		from, to := ex.From, ex.To
		return &exprJSON{Type: "range", Dimension: ex.Dimension, From: &from, To: &to}, nil
	case *LikeExpression:
		return &exprJSON{Type: "like", Dimension: ex.Dimension, Pattern: ex.Pattern}, nil
	case *NullableExpression:
		return &exprJSON{Type: "nullable", Dimension: ex.Dimension}, nil
	case *NotExpression:
		child, err := exprToJSON(ex.Expression)
		if err != nil {
			return nil, err
		}
		return &exprJSON{Type: "not", Child: child}, nil
	case *AndExpression:
		left, err := exprToJSON(ex.Left)
		if err != nil {
			return nil, err
		}
		right, err := exprToJSON(ex.Right)
		if err != nil {
			return nil, err
		}
		return &exprJSON{Type: "and", Left: left, Right: right}, nil
	case *OrExpression:
		left, err := exprToJSON(ex.Left)
		if err != nil {
			return nil, err
		}
		right, err := exprToJSON(ex.Right)
		if err != nil {
			return nil, err
		}
		return &exprJSON{Type: "or", Left: left, Right: right}, nil
	default:
		return nil, fmt.Errorf("unknown expression %T", e)
	}
}

func exprFromJSON(j *exprJSON) (Expression, error) {
	if j == nil {
		return nil, nil
	}
	switch j.Type {
	case "equality":
		if j.Value == nil {
			return nil, fmt.Errorf("equality node without value")
		}
		return &EqualityExpression{Dimension: j.Dimension, Value: *j.Value}, nil
	case "comparison":
		if j.Value == nil {
			return nil, fmt.Errorf("comparison node without value")
		}
		var op ComparisonOperator
		switch j.Operator {
		case ">":
			op = OpGreater
		case ">=":
			op = OpGreaterEq
		case "<":
			op = OpLess
		case "<=":
			op = OpLessEq
		default:
			return nil, fmt.Errorf("unknown comparison operator %q", j.Operator)
		}
		return &ComparisonExpression{Dimension: j.Dimension, Operator: op, Value: *j.Value}, nil
	case "range":
		if j.From == nil || j.To == nil {
			return nil, fmt.Errorf("range node without bounds")
		}
		return &RangeExpression{Dimension: j.Dimension, From: *j.From, To: *j.To}, nil
	case "like":
		return &LikeExpression{Dimension: j.Dimension, Pattern: j.Pattern}, nil
	case "nullable":
		return &NullableExpression{Dimension: j.Dimension}, nil
	case "not":
		child, err := exprFromJSON(j.Child)
		if err != nil {
			return nil, err
		}
		if child == nil {
			return nil, fmt.Errorf("not node without child")
		}
		return &NotExpression{Expression: child}, nil
	case "and", "or":
		left, err := exprFromJSON(j.Left)
		if err != nil {
			return nil, err
		}
		right, err := exprFromJSON(j.Right)
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, fmt.Errorf("%s node without both children", j.Type)
		}
		if j.Type == "and" {
			return &AndExpression{Left: left, Right: right}, nil
		}
		return &OrExpression{Left: left, Right: right}, nil
	default:
		return nil, fmt.Errorf("unknown expression type %q", j.Type)
	}
}

type groupByJSON struct {
	Type     string `json:"type"`
	Tag      string `json:"tag,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
}

func groupByToJSON(g GroupBy) *groupByJSON {
	switch gb := g.(type) {
	case *SimpleGroupBy:
		return &groupByJSON{Type: "simple", Tag: gb.Tag}
	case *TemporalGroupBy:
		return &groupByJSON{Type: "temporal", Quantity: gb.Quantity, Unit: gb.Unit}
	default:
		return nil
	}
}

func groupByFromJSON(j *groupByJSON) (GroupBy, error) {
	if j == nil {
		return nil, nil
	}
	switch j.Type {
	case "simple":
		return &SimpleGroupBy{Tag: j.Tag}, nil
	case "temporal":
		return &TemporalGroupBy{Quantity: j.Quantity, Unit: j.Unit}, nil
	default:
		return nil, fmt.Errorf("unknown group by type %q", j.Type)
	}
}

type selectJSON struct {
	DB        string         `json:"db"`
	Namespace string         `json:"namespace"`
	Metric    string         `json:"metric"`
	Distinct  bool           `json:"distinct,omitempty"`
	Fields    FieldSelection `json:"fields"`
	Condition *exprJSON      `json:"condition,omitempty"`
	GroupBy   *groupByJSON   `json:"groupBy,omitempty"`
	Order     *OrderOperator `json:"order,omitempty"`
	Limit     *LimitOperator `json:"limit,omitempty"`
}

// MarshalJSON encodes the SELECT including its interface-typed clauses.
func (s *SelectStatement) MarshalJSON() ([]byte, error) {
	cond, err := exprToJSON(s.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(selectJSON{
		DB:        s.DB,
		Namespace: s.Namespace,
		Metric:    s.Metric,
		Distinct:  s.Distinct,
		Fields:    s.Fields,
		Condition: cond,
		GroupBy:   groupByToJSON(s.GroupBy),
		Order:     s.Order,
		Limit:     s.Limit,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *SelectStatement) UnmarshalJSON(data []byte) error {
	var raw selectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cond, err := exprFromJSON(raw.Condition)
	if err != nil {
		return err
	}
	groupBy, err := groupByFromJSON(raw.GroupBy)
	if err != nil {
		return err
	}
	*s = SelectStatement{
		DB:        raw.DB,
		Namespace: raw.Namespace,
		Metric:    raw.Metric,
		Distinct:  raw.Distinct,
		Fields:    raw.Fields,
		Condition: cond,
		GroupBy:   groupBy,
		Order:     raw.Order,
		Limit:     raw.Limit,
	}
	return nil
}

type deleteJSON struct {
	DB        string    `json:"db"`
	Namespace string    `json:"namespace"`
	Metric    string    `json:"metric"`
	Condition *exprJSON `json:"condition,omitempty"`
}

// MarshalJSON encodes the DELETE including its condition tree.
func (s *DeleteStatement) MarshalJSON() ([]byte, error) {
	cond, err := exprToJSON(s.Condition)
	if err != nil {
		return nil, err
	}
	return json.Marshal(deleteJSON{DB: s.DB, Namespace: s.Namespace, Metric: s.Metric, Condition: cond})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *DeleteStatement) UnmarshalJSON(data []byte) error {
	var raw deleteJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cond, err := exprFromJSON(raw.Condition)
	if err != nil {
		return err
	}
	*s = DeleteStatement{DB: raw.DB, Namespace: raw.Namespace, Metric: raw.Metric, Condition: cond}
	return nil
}

type insertJSON struct {
	DB         string                 `json:"db"`
	Namespace  string                 `json:"namespace"`
	Metric     string                 `json:"metric"`
	Timestamp  *int64                 `json:"timestamp,omitempty"`
	Dimensions map[string]model.Value `json:"dimensions,omitempty"`
	Tags       map[string]model.Value `json:"tags,omitempty"`
	Value      model.Value            `json:"value"`
}

// MarshalJSON encodes the INSERT.
func (s *InsertStatement) MarshalJSON() ([]byte, error) {
	return json.Marshal(insertJSON{
		DB:         s.DB,
		Namespace:  s.Namespace,
		Metric:     s.Metric,
		Timestamp:  s.Timestamp,
		Dimensions: s.Dimensions,
		Tags:       s.Tags,
		Value:      s.Value,
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *InsertStatement) UnmarshalJSON(data []byte) error {
	var raw insertJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = InsertStatement{
		DB:         raw.DB,
		Namespace:  raw.Namespace,
		Metric:     raw.Metric,
		Timestamp:  raw.Timestamp,
		Dimensions: raw.Dimensions,
		Tags:       raw.Tags,
		Value:      raw.Value,
	}
	return nil
}

type statementEnvelope struct {
	Type      string          `json:"type"`
	Statement json.RawMessage `json:"statement"`
}

// Encode wraps any statement into a typed envelope.
func Encode(s Statement) ([]byte, error) {
	var typ string
	switch s.(type) {
	case *SelectStatement:
		typ = "select"
	case *InsertStatement:
		typ = "insert"
	case *DeleteStatement:
		typ = "delete"
	case *DropStatement:
		typ = "drop"
	default:
		return nil, fmt.Errorf("unknown statement %T", s)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return json.Marshal(statementEnvelope{Type: typ, Statement: body})
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Statement, error) {
	var env statementEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "select":
		var s SelectStatement
		if err := json.Unmarshal(env.Statement, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "insert":
		var s InsertStatement
		if err := json.Unmarshal(env.Statement, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "delete":
		var s DeleteStatement
		if err := json.Unmarshal(env.Statement, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case "drop":
		var s DropStatement
		if err := json.Unmarshal(env.Statement, &s); err != nil {
			return nil, err
		}
		return &s, nil
	default:
		return nil, fmt.Errorf("unknown statement type %q", env.Type)
	}
}
