// Package query defines the portable query model callers build against a
// collection. It is storage-agnostic; the cache translates it into the
// storage engine's native filter syntax.
package query

import "github.com/hyperengineering/syncstore/internal/types"

// Op is a comparison operator in a leaf predicate.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

// String returns the canonical operator token.
func (o Op) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// Predicate is a node of the portable predicate tree.
type Predicate interface {
	isPredicate()
}

// Cmp compares a field keypath ("age", "address.city") against a constant.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

// And matches when every sub-predicate matches.
type And struct {
	Preds []Predicate
}

// Or matches when any sub-predicate matches.
type Or struct {
	Preds []Predicate
}

// Not inverts its sub-predicate.
type Not struct {
	Pred Predicate
}

// Contains matches entities whose array field contains an element equal
// to Value. For arrays of nested objects, Value is the element's id.
type Contains struct {
	Field string
	Value any
}

// Subquery matches entities for which any element of an array-of-object
// field satisfies Pred, evaluated against the nested schema's fields.
type Subquery struct {
	Field string
	Pred  Predicate
}

// WithinCircle matches geo-typed fields inside a circle. Radius is in
// meters. Not executable by the storage engine; evaluated by
// post-filtering fetched candidates.
type WithinCircle struct {
	Field  string
	Center types.GeoPoint
	Radius float64
}

// WithinPolygon matches geo-typed fields inside a closed polygon.
type WithinPolygon struct {
	Field  string
	Points []types.GeoPoint
}

func (Cmp) isPredicate()           {}
func (And) isPredicate()           {}
func (Or) isPredicate()            {}
func (Not) isPredicate()           {}
func (Contains) isPredicate()      {}
func (Subquery) isPredicate()      {}
func (WithinCircle) isPredicate()  {}
func (WithinPolygon) isPredicate() {}

// Sort orders results by a top-level field.
type Sort struct {
	Field      string
	Descending bool
}

// Query is a portable query: predicate, sort order, result window and an
// optional field projection. Skip and Limit are applied to the in-memory
// materialization after sorting, never pushed to storage, to preserve
// sort-then-slice semantics. Limit of zero means no limit.
type Query struct {
	Predicate Predicate
	Sort      []Sort
	Skip      int
	Limit     int
	Fields    []string
}

// New returns a query with the given predicate.
func New(p Predicate) *Query {
	return &Query{Predicate: p}
}
