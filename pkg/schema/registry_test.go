package schema

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nsdb-io/nsdb/pkg/model"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open("", zerolog.Nop())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestUpdateFromRecordInstallsAndWidens(t *testing.T) {
	r := openTestRegistry(t)

	first := &model.Bit{
		Timestamp:  10,
		Value:      model.IntValue(1),
		Dimensions: map[string]model.Value{"name": model.StringValue("A")},
	}
	s, err := r.UpdateFromRecord("people", first)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, ok := s.Field("name"); !ok {
		t.Fatal("schema should record the name dimension")
	}

	wider := &model.Bit{
		Timestamp:  20,
		Value:      model.IntValue(2),
		Dimensions: map[string]model.Value{"name": model.StringValue("B"), "age": model.IntValue(26)},
		Tags:       map[string]model.Value{"city": model.StringValue("rome")},
	}
	s, err = r.UpdateFromRecord("people", wider)
	if err != nil {
		t.Fatalf("widen: %v", err)
	}
	for _, field := range []string{"name", "age", "city", "timestamp", "value"} {
		if _, ok := s.Field(field); !ok {
			t.Errorf("widened schema should contain %q", field)
		}
	}
	if f, _ := s.Field("city"); f.Class != model.ClassTag {
		t.Errorf("city should be a tag, got %v", f.Class)
	}
}

func TestSchemaConflictLeavesSchemaUnchanged(t *testing.T) {
	r := openTestRegistry(t)

	_, err := r.UpdateFromRecord("people", &model.Bit{
		Timestamp:  10,
		Value:      model.IntValue(1),
		Dimensions: map[string]model.Value{"name": model.StringValue("A")},
	})
	if err != nil {
		t.Fatalf("install: %v", err)
	}

	_, err = r.UpdateFromRecord("people", &model.Bit{
		Timestamp:  20,
		Value:      model.IntValue(2),
		Dimensions: map[string]model.Value{"name": model.IntValue(42)},
	})
	var conflict *model.SchemaConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected SchemaConflictError, got %v", err)
	}

	s, ok := r.Get("people")
	if !ok {
		t.Fatal("schema should survive the conflict")
	}
	if f, _ := s.Field("name"); f.Type != model.TypeString {
		t.Errorf("name should still be a string, got %v", f.Type)
	}
}

// Compatible records must converge on the same schema regardless of
// arrival order.
func TestSchemaOrderIndependence(t *testing.T) {
	a := &model.Bit{
		Timestamp:  10,
		Value:      model.IntValue(1),
		Dimensions: map[string]model.Value{"name": model.StringValue("A")},
	}
	b := &model.Bit{
		Timestamp: 20,
		Value:     model.IntValue(2),
		Tags:      map[string]model.Value{"city": model.StringValue("rome")},
	}

	r1 := openTestRegistry(t)
	if _, err := r1.UpdateFromRecord("m", a); err != nil {
		t.Fatal(err)
	}
	s1, err := r1.UpdateFromRecord("m", b)
	if err != nil {
		t.Fatal(err)
	}

	r2 := openTestRegistry(t)
	if _, err := r2.UpdateFromRecord("m", b); err != nil {
		t.Fatal(err)
	}
	s2, err := r2.UpdateFromRecord("m", a)
	if err != nil {
		t.Fatal(err)
	}

	if len(s1.Fields) != len(s2.Fields) {
		t.Fatalf("field count differs: %d vs %d", len(s1.Fields), len(s2.Fields))
	}
	for name, f1 := range s1.Fields {
		f2, ok := s2.Fields[name]
		if !ok || f1 != f2 {
			t.Errorf("field %q differs: %+v vs %+v", name, f1, f2)
		}
	}
}

func TestDelete(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.UpdateFromRecord("m", &model.Bit{Timestamp: 1, Value: model.IntValue(1)})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Delete("m"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := r.Get("m"); ok {
		t.Fatal("schema should be gone")
	}
	if got := r.Metrics(); len(got) != 0 {
		t.Fatalf("metrics should be empty, got %v", got)
	}
}
