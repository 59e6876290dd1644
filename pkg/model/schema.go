package model

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
)

// FieldClass says how a schema field is used by the index and the planner.
type FieldClass int

const (
	ClassDimension FieldClass = iota // filterable
	ClassTag                         // filterable and groupable
	ClassTimestamp
	ClassValue
)

// String returns the class name used in persisted schemas.
func (c FieldClass) String() string {
	switch c {
	case ClassDimension:
		return "dimension"
	case ClassTag:
		return "tag"
	case ClassTimestamp:
		return "timestamp"
	case ClassValue:
		return "value"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// FieldClassFromName is the inverse of FieldClass.String.
func FieldClassFromName(name string) (FieldClass, bool) {
	switch name {
	case "dimension":
		return ClassDimension, true
	case "tag":
		return ClassTag, true
	case "timestamp":
		return ClassTimestamp, true
	case "value":
		return ClassValue, true
	default:
		return 0, false
	}
}

// SchemaField describes one field of a metric.
type SchemaField struct {
	Name  string     `json:"name"`
	Class FieldClass `json:"class"`
	Type  ValueType  `json:"type"`
}

// Schema is the declared field set of a metric, inferred from incoming
// records and widened monotonically: once a field is recorded, its class
// and type never change.
type Schema struct {
	Metric string                 `json:"metric"`
	Fields map[string]SchemaField `json:"fields"`
}

// SchemaOf infers a schema from a single record.
func SchemaOf(metric string, b *Bit) *Schema {
	fields := map[string]SchemaField{
		FieldTimestamp: {Name: FieldTimestamp, Class: ClassTimestamp, Type: TypeInt},
		FieldValue:     {Name: FieldValue, Class: ClassValue, Type: b.Value.Type},
	}
	for name, v := range b.Dimensions {
		fields[name] = SchemaField{Name: name, Class: ClassDimension, Type: v.Type}
	}
	for name, v := range b.Tags {
		fields[name] = SchemaField{Name: name, Class: ClassTag, Type: v.Type}
	}
	return &Schema{Metric: metric, Fields: fields}
}

// Field looks up a field by name.
func (s *Schema) Field(name string) (SchemaField, bool) {
	f, ok := s.Fields[name]
	return f, ok
}

// FieldNames returns all field names in sorted order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tags returns the names of the tag fields in sorted order.
func (s *Schema) Tags() []string {
	var names []string
	for name, f := range s.Fields {
		if f.Class == ClassTag {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Union widens s with the fields of other. Every field present in both
// must agree on class and type; on disagreement the result is a
// SchemaConflictError naming every incompatible field and s is returned
// unchanged. Union never removes a field.
func (s *Schema) Union(other *Schema) (*Schema, error) {
	var conflicts *multierror.Error
	merged := make(map[string]SchemaField, len(s.Fields))
	for name, f := range s.Fields {
		merged[name] = f
	}
	for name, f := range other.Fields {
		existing, ok := merged[name]
		if !ok {
			merged[name] = f
			continue
		}
		if existing.Class != f.Class || existing.Type != f.Type {
			conflicts = multierror.Append(conflicts, fmt.Errorf(
				"field %q: expected %s %s, got %s %s",
				name, existing.Class, existing.Type, f.Class, f.Type))
		}
	}
	if err := conflicts.ErrorOrNil(); err != nil {
		return s, &SchemaConflictError{Metric: s.Metric, Err: err}
	}
	return &Schema{Metric: s.Metric, Fields: merged}, nil
}

// SchemaConflictError reports an incompatible record or schema update.
// It wraps one error per incompatible field.
type SchemaConflictError struct {
	Metric string
	Err    error
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict on metric %q: %v", e.Metric, e.Err)
}

func (e *SchemaConflictError) Unwrap() error { return e.Err }
