package cache

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/syncstore/internal/query"
	"github.com/hyperengineering/syncstore/internal/types"
)

// compiledQuery is the storage-native form of a portable query: a SQL
// boolean expression over the entity table alias "t", plus any geo-shape
// predicates the engine cannot execute. Geo predicates are replaced with
// an always-true placeholder in the push-down filter and applied as an
// in-memory second pass over the fetched candidates.
type compiledQuery struct {
	where string
	args  []any
	order string
	geo   []geoFilter
}

type geoFilter struct {
	field   string
	circle  *query.WithinCircle
	polygon *query.WithinPolygon
}

type translator struct {
	registry *types.Registry
	aliasN   int
	geo      []geoFilter
}

func (s *Store) compile(schema *types.Schema, q *query.Query) (*compiledQuery, error) {
	tr := &translator{registry: s.registry}

	where := "1=1"
	var args []any
	if q != nil && q.Predicate != nil {
		var err error
		where, args, err = tr.pred(schema, "t", q.Predicate)
		if err != nil {
			// Unknown fields match nothing rather than failing the read.
			if errors.Is(err, ErrUnknownField) {
				return &compiledQuery{where: "1=0", order: "ORDER BY t.rowid"}, nil
			}
			return nil, err
		}
	}

	return &compiledQuery{where: where, args: args, order: compileOrder(schema, q), geo: tr.geo}, nil
}

func compileOrder(schema *types.Schema, q *query.Query) string {
	if q == nil || len(q.Sort) == 0 {
		// rowid order keeps results in first-insertion order, which
		// upserts preserve (ON CONFLICT DO UPDATE does not move rows).
		return "ORDER BY t.rowid"
	}
	terms := make([]string, 0, len(q.Sort))
	for _, srt := range q.Sort {
		f := schema.Field(srt.Field)
		if f == nil || f.IsArray || f.Type == types.FieldObject || f.Type == types.FieldGeoPoint {
			// Unsortable or unknown fields are skipped, not fatal.
			continue
		}
		dir := "ASC"
		if srt.Descending {
			dir = "DESC"
		}
		terms = append(terms, "t."+srt.Field+" "+dir)
	}
	if len(terms) == 0 {
		return "ORDER BY t.rowid"
	}
	return "ORDER BY " + strings.Join(terms, ", ")
}

func (tr *translator) nextAlias() string {
	tr.aliasN++
	return fmt.Sprintf("n%d", tr.aliasN)
}

func (tr *translator) pred(schema *types.Schema, alias string, p query.Predicate) (string, []any, error) {
	switch v := p.(type) {
	case query.Cmp:
		return tr.comparePath(schema, alias, strings.Split(v.Field, "."), v.Op, v.Value)
	case query.And:
		return tr.combine(schema, alias, v.Preds, " AND ")
	case query.Or:
		return tr.combine(schema, alias, v.Preds, " OR ")
	case query.Not:
		inner, args, err := tr.pred(schema, alias, v.Pred)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + inner + ")", args, nil
	case query.Contains:
		return tr.contains(schema, alias, v.Field, v.Value)
	case query.Subquery:
		return tr.subquery(schema, alias, v)
	case query.WithinCircle:
		return tr.geoShape(schema, v.Field, geoFilter{field: v.Field, circle: &v})
	case query.WithinPolygon:
		return tr.geoShape(schema, v.Field, geoFilter{field: v.Field, polygon: &v})
	default:
		return "", nil, fmt.Errorf("unsupported predicate %T: %w", p, ErrUnknownField)
	}
}

func (tr *translator) combine(schema *types.Schema, alias string, preds []query.Predicate, sep string) (string, []any, error) {
	if len(preds) == 0 {
		return "1=1", nil, nil
	}
	parts := make([]string, 0, len(preds))
	var args []any
	for _, p := range preds {
		sub, subArgs, err := tr.pred(schema, alias, p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sub+")")
		args = append(args, subArgs...)
	}
	return strings.Join(parts, sep), args, nil
}

// geoShape validates the target field and defers the true geometric test
// to the post-filter pass.
func (tr *translator) geoShape(schema *types.Schema, field string, gf geoFilter) (string, []any, error) {
	f := schema.Field(field)
	if f == nil || f.Type != types.FieldGeoPoint || f.IsArray {
		return "", nil, fmt.Errorf("geo field %q: %w", field, ErrUnknownField)
	}
	tr.geo = append(tr.geo, gf)
	return "1=1", nil, nil
}

// comparePath translates a leaf comparison on a field keypath. Paths into
// wrapper-typed array fields are rewritten through the wrapper's value
// column; direct containment does not traverse the wrapper layer, so the
// rewrite is a count-based subquery over matching wrapper rows.
func (tr *translator) comparePath(schema *types.Schema, alias string, parts []string, op query.Op, value any) (string, []any, error) {
	f := schema.Field(parts[0])
	if f == nil {
		return "", nil, fmt.Errorf("field %q: %w", parts[0], ErrUnknownField)
	}

	if len(parts) == 1 {
		if f.IsArray {
			if f.Type.Wrapped() {
				return tr.wrapperMatch(schema, alias, f, op, value)
			}
			// Array of nested objects: compare element ids.
			link := linkTableFor(schema.Name, f.Name)
			return fmt.Sprintf("EXISTS (SELECT 1 FROM %s l WHERE l.parent_id = %s.entity_id AND l.ref %s ?)",
				link, alias, sqlOp(op)), []any{value}, nil
		}
		switch f.Type {
		case types.FieldObject:
			return fmt.Sprintf("%s.%s %s ?", alias, refColumn(f.Name), sqlOp(op)), []any{value}, nil
		case types.FieldGeoPoint:
			return "", nil, fmt.Errorf("field %q: %w", f.Name, ErrUnknownField)
		default:
			return fmt.Sprintf("%s.%s %s ?", alias, f.Name, sqlOp(op)), []any{sqlValue(value)}, nil
		}
	}

	// Keypath into a wrapper-typed array spelled out explicitly.
	if f.IsArray && f.Type.Wrapped() && len(parts) == 2 && parts[1] == "value" {
		return tr.wrapperMatch(schema, alias, f, op, value)
	}

	if f.Type != types.FieldObject {
		return "", nil, fmt.Errorf("keypath %q: %w", strings.Join(parts, "."), ErrUnknownField)
	}
	nested, ok := tr.registry.Lookup(f.ObjectType)
	if !ok {
		return "", nil, fmt.Errorf("nested schema %q: %w", f.ObjectType, ErrUnknownField)
	}

	na := tr.nextAlias()
	inner, args, err := tr.comparePath(nested, na, parts[1:], op, value)
	if err != nil {
		return "", nil, err
	}

	if f.IsArray {
		la := tr.nextAlias()
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s JOIN %s %s ON %s.entity_id = %s.ref WHERE %s.parent_id = %s.entity_id AND (%s))",
			linkTableFor(schema.Name, f.Name), la, tableFor(nested.Name), na, na, la, la, alias, inner), args, nil
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.entity_id = %s.%s AND (%s))",
		tableFor(nested.Name), na, na, alias, refColumn(f.Name), inner), args, nil
}

// wrapperMatch emits the count-based subquery over wrapper records:
// SUBQUERY(field, $item, $item.value == V).count > 0 in the portable
// form becomes a COUNT over the link/wrapper join here.
func (tr *translator) wrapperMatch(schema *types.Schema, alias string, f *types.Field, op query.Op, value any) (string, []any, error) {
	wt := wrapperTableFor(f.Type)
	if wt == "" {
		return "", nil, fmt.Errorf("field %q: %w", f.Name, ErrUnknownField)
	}
	link := linkTableFor(schema.Name, f.Name)
	la, wa := tr.nextAlias(), tr.nextAlias()
	expr := fmt.Sprintf(
		"(SELECT COUNT(*) FROM %s %s JOIN %s %s ON %s.id = %s.ref WHERE %s.parent_id = %s.entity_id AND %s.value %s ?) > 0",
		link, la, wt, wa, wa, la, la, alias, wa, sqlOp(op))
	return expr, []any{sqlValue(value)}, nil
}

func (tr *translator) contains(schema *types.Schema, alias string, field string, value any) (string, []any, error) {
	f := schema.Field(field)
	if f == nil || !f.IsArray {
		return "", nil, fmt.Errorf("contains field %q: %w", field, ErrUnknownField)
	}
	if f.Type.Wrapped() {
		return tr.wrapperMatch(schema, alias, f, query.OpEq, value)
	}
	link := linkTableFor(schema.Name, f.Name)
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s l WHERE l.parent_id = %s.entity_id AND l.ref = ?)",
		link, alias), []any{value}, nil
}

func (tr *translator) subquery(schema *types.Schema, alias string, v query.Subquery) (string, []any, error) {
	f := schema.Field(v.Field)
	if f == nil || !f.IsArray || f.Type != types.FieldObject {
		return "", nil, fmt.Errorf("subquery field %q: %w", v.Field, ErrUnknownField)
	}
	nested, ok := tr.registry.Lookup(f.ObjectType)
	if !ok {
		return "", nil, fmt.Errorf("nested schema %q: %w", f.ObjectType, ErrUnknownField)
	}

	la, na := tr.nextAlias(), tr.nextAlias()
	inner, args, err := tr.pred(nested, na, v.Pred)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s JOIN %s %s ON %s.entity_id = %s.ref WHERE %s.parent_id = %s.entity_id AND (%s))",
		linkTableFor(schema.Name, v.Field), la, tableFor(nested.Name), na, na, la, la, alias, inner), args, nil
}

func sqlOp(op query.Op) string {
	switch op {
	case query.OpEq:
		return "="
	case query.OpNe:
		return "!="
	case query.OpLt:
		return "<"
	case query.OpLe:
		return "<="
	case query.OpGt:
		return ">"
	case query.OpGe:
		return ">="
	default:
		return "="
	}
}

// sqlValue converts portable constants into storage parameters.
func sqlValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case time.Time:
		return formatTime(val)
	default:
		return v
	}
}
