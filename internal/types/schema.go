package types

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// FieldType enumerates the storage types a schema field can declare.
type FieldType int

const (
	FieldString FieldType = iota
	FieldInt
	FieldDouble
	FieldBool
	FieldTime
	FieldObject
	FieldGeoPoint
)

// String returns the canonical name of the field type.
func (t FieldType) String() string {
	switch t {
	case FieldString:
		return "string"
	case FieldInt:
		return "int"
	case FieldDouble:
		return "double"
	case FieldBool:
		return "bool"
	case FieldTime:
		return "time"
	case FieldObject:
		return "object"
	case FieldGeoPoint:
		return "geopoint"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Wrapped reports whether array elements of this type must be stored as
// single-field wrapper records. The storage engine cannot hold arrays of
// bare primitives addressable by structural path, so every
// array-of-primitive field is persisted as an array of {value: X} rows.
func (t FieldType) Wrapped() bool {
	switch t {
	case FieldString, FieldInt, FieldDouble, FieldBool:
		return true
	default:
		return false
	}
}

// Field declares one property of a schema: its portable name, storage
// type, whether it is an array, and the nested schema name for
// object-typed fields.
type Field struct {
	Name       string
	Type       FieldType
	IsArray    bool
	ObjectType string
}

// CascadeDeletable lets an entity type take full control of its own
// cascade behaviour, bypassing automatic reference counting.
type CascadeDeletable interface {
	CascadeDelete(exec CascadeExecutor) error
}

// CascadeExecutor is handed to a CascadeDeletable contract so it can
// delete nested rows inside the enclosing transaction.
type CascadeExecutor interface {
	DeleteNested(schemaName, rowID string) error
}

// Schema describes one entity type: the remote collection it maps to and
// its ordered field list. EntityID, ACL and metadata are implicit and not
// part of Fields.
type Schema struct {
	Name           string
	CollectionName string
	Fields         []Field

	// Cascade, when non-nil, is the explicit cascade-delete contract for
	// rows of this schema. Nil means automatic reference counting.
	Cascade func(rowID string, fields map[string]any, exec CascadeExecutor) error

	// CustomPrimaryKey marks schemas whose primary-key mapping breaks
	// identity correlation with the remote store. Such types are
	// incompatible with delta tracking and always use full fetch.
	CustomPrimaryKey bool
}

// Field returns the declared field with the given name, or nil.
func (s *Schema) Field(name string) *Field {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate checks that the schema is a valid persisted entity schema.
// Violations are fatal at registration time and never retried.
func (s *Schema) Validate() error {
	if !identRe.MatchString(s.Name) {
		return fmt.Errorf("schema name %q: %w", s.Name, ErrInvalidSchema)
	}
	if s.CollectionName == "" {
		return fmt.Errorf("schema %s: missing collection name: %w", s.Name, ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if !identRe.MatchString(f.Name) {
			return fmt.Errorf("schema %s: field name %q: %w", s.Name, f.Name, ErrInvalidSchema)
		}
		if seen[f.Name] {
			return fmt.Errorf("schema %s: duplicate field %q: %w", s.Name, f.Name, ErrInvalidSchema)
		}
		seen[f.Name] = true
		if f.IsArray && (f.Type == FieldTime || f.Type == FieldGeoPoint) {
			return fmt.Errorf("schema %s: field %q: arrays of %s are not supported: %w", s.Name, f.Name, f.Type, ErrInvalidSchema)
		}
		if f.Type == FieldObject && f.ObjectType == "" {
			return fmt.Errorf("schema %s: object field %q missing object type: %w", s.Name, f.Name, ErrInvalidSchema)
		}
		if f.Type != FieldObject && f.ObjectType != "" {
			return fmt.Errorf("schema %s: non-object field %q declares object type: %w", s.Name, f.Name, ErrInvalidSchema)
		}
	}
	return nil
}

// Registry is the explicit schema registry built at startup. The cascade
// resolver and query translator consult it instead of runtime type
// introspection.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*Schema)}
}

// Register validates and adds a schema. Registering the same name twice
// replaces the previous descriptor.
func (r *Registry) Register(s *Schema) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
	return nil
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// All returns every registered schema in name order.
func (r *Registry) All() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
