package types

import (
	"errors"
	"testing"
	"time"
)

func TestSchema_Validate(t *testing.T) {
	valid := &Schema{
		Name:           "Person",
		CollectionName: "persons",
		Fields: []Field{
			{Name: "name", Type: FieldString},
			{Name: "age", Type: FieldInt},
			{Name: "address", Type: FieldObject, ObjectType: "Address"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	cases := []struct {
		name   string
		schema *Schema
	}{
		{"bad schema name", &Schema{Name: "1bad", CollectionName: "c"}},
		{"missing collection", &Schema{Name: "Person"}},
		{"bad field name", &Schema{Name: "Person", CollectionName: "c", Fields: []Field{{Name: "no-dash", Type: FieldString}}}},
		{"duplicate field", &Schema{Name: "Person", CollectionName: "c", Fields: []Field{{Name: "a", Type: FieldString}, {Name: "a", Type: FieldInt}}}},
		{"object without type", &Schema{Name: "Person", CollectionName: "c", Fields: []Field{{Name: "a", Type: FieldObject}}}},
		{"scalar with object type", &Schema{Name: "Person", CollectionName: "c", Fields: []Field{{Name: "a", Type: FieldString, ObjectType: "X"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.schema.Validate(); !errors.Is(err, ErrInvalidSchema) {
				t.Errorf("expected ErrInvalidSchema, got %v", err)
			}
		})
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	s := &Schema{Name: "Person", CollectionName: "persons"}
	if err := r.Register(s); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Lookup("Person")
	if !ok || got.CollectionName != "persons" {
		t.Fatalf("lookup failed: %v %v", got, ok)
	}

	if _, ok := r.Lookup("Missing"); ok {
		t.Error("expected missing schema lookup to fail")
	}

	if all := r.All(); len(all) != 1 {
		t.Errorf("expected 1 schema, got %d", len(all))
	}
}

func TestFieldType_Wrapped(t *testing.T) {
	for _, ft := range []FieldType{FieldString, FieldInt, FieldDouble, FieldBool} {
		if !ft.Wrapped() {
			t.Errorf("%s should require wrapper records in arrays", ft)
		}
	}
	for _, ft := range []FieldType{FieldObject, FieldGeoPoint, FieldTime} {
		if ft.Wrapped() {
			t.Errorf("%s should not be wrapper-typed", ft)
		}
	}
}

func TestDetach_DeepCopy(t *testing.T) {
	now := time.Now().UTC()
	src := &Entity{
		ID:       "e1",
		ACL:      &ACL{Creator: "user-1"},
		Metadata: &Metadata{Lmt: now, Ect: now},
		Fields: map[string]any{
			"name": "Victor",
			"tags": []any{"a", "b"},
			"address": map[string]any{
				"city": "Boston",
			},
		},
	}

	dst := detach(src)

	dst.Fields["name"] = "changed"
	dst.Fields["tags"].([]any)[0] = "z"
	dst.Fields["address"].(map[string]any)["city"] = "NYC"
	dst.ACL.Creator = "user-2"

	if src.Fields["name"] != "Victor" {
		t.Error("scalar field mutated through detached copy")
	}
	if src.Fields["tags"].([]any)[0] != "a" {
		t.Error("array field mutated through detached copy")
	}
	if src.Fields["address"].(map[string]any)["city"] != "Boston" {
		t.Error("nested object mutated through detached copy")
	}
	if src.ACL.Creator != "user-1" {
		t.Error("ACL mutated through detached copy")
	}
}

func TestDetach_CyclicGraph(t *testing.T) {
	// a -> b -> a. The copy walk must re-link the cycle, not recurse.
	a := &Entity{ID: "a", Fields: map[string]any{}}
	b := &Entity{ID: "b", Fields: map[string]any{}}
	a.Fields["peer"] = b
	b.Fields["peer"] = a

	got := detach(a)

	gotB, ok := got.Fields["peer"].(*Entity)
	if !ok {
		t.Fatal("nested entity not copied as entity")
	}
	gotA, ok := gotB.Fields["peer"].(*Entity)
	if !ok {
		t.Fatal("cycle not preserved")
	}
	if gotA != got {
		t.Error("cycle copied more than once instead of re-linked")
	}
	if gotA == a || gotB == b {
		t.Error("copy still references source objects")
	}
}

func TestDetach_SharedSliceCopiedOnce(t *testing.T) {
	shared := []any{"x"}
	src := &Entity{ID: "e", Fields: map[string]any{"a": shared, "b": shared}}

	got := detach(src)

	ga := got.Fields["a"].([]any)
	gb := got.Fields["b"].([]any)
	ga[0] = "mutated"
	if gb[0] != "mutated" {
		t.Error("shared slice identity not preserved in copy")
	}
	if shared[0] != "x" {
		t.Error("source slice mutated")
	}
}
