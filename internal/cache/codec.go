package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/syncstore/internal/types"
	"github.com/oklog/ulid/v2"
)

// sideRecordID derives the deterministic id of an entity's ACL/metadata
// side record, so upserts replace instead of orphaning.
func sideRecordID(schema *types.Schema, entityID string) string {
	return tableFor(schema.Name) + "/" + entityID
}

// upsertEntity writes one entity inside tx. The prior row, when present,
// is released through the cascade resolver first so nested records it
// exclusively owned do not leak; the row itself is preserved and updated
// in place to keep insertion order stable.
func (s *Store) upsertEntity(ctx context.Context, tx *sql.Tx, schema *types.Schema, e *types.Entity) error {
	if e.ID == "" {
		return types.ErrMissingID
	}

	var exists bool
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE entity_id = ?)", tableFor(schema.Name)),
		e.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check prior row: %w", err)
	}
	if exists {
		if err := s.cascadeDelete(ctx, tx, schema, e.ID, false); err != nil {
			return fmt.Errorf("release prior row: %w", err)
		}
	}

	aclRef, err := s.writeACL(ctx, tx, schema, e)
	if err != nil {
		return err
	}
	kmdRef, err := s.writeMetadata(ctx, tx, schema, e)
	if err != nil {
		return err
	}

	cols := []string{"entity_id", "acl_ref", "kmd_ref"}
	args := []any{e.ID, aclRef, kmdRef}

	for i := range schema.Fields {
		f := &schema.Fields[i]
		value := e.Get(f.Name)

		if f.IsArray {
			if err := s.writeArray(ctx, tx, schema, f, e.ID, value); err != nil {
				return err
			}
			continue
		}

		switch f.Type {
		case types.FieldObject:
			ref, err := s.writeNested(ctx, tx, f, value)
			if err != nil {
				return err
			}
			cols = append(cols, refColumn(f.Name))
			args = append(args, ref)
		case types.FieldGeoPoint:
			lat, lng := geoColumns(f.Name)
			cols = append(cols, lat, lng)
			if gp := asGeoPoint(value); gp != nil {
				args = append(args, gp.Latitude, gp.Longitude)
			} else {
				args = append(args, nil, nil)
			}
		default:
			cols = append(cols, f.Name)
			v, err := columnValue(f, value)
			if err != nil {
				return fmt.Errorf("entity %s field %s: %w", e.ID, f.Name, err)
			}
			args = append(args, v)
		}
	}

	placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, c+" = excluded."+c)
	}

	// ON CONFLICT DO UPDATE keeps the existing rowid, so repeated upserts
	// do not reorder unsorted results.
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(entity_id) DO UPDATE SET %s",
		tableFor(schema.Name), strings.Join(cols, ", "), placeholders, strings.Join(updates, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("upsert %s row %s: %w", schema.Name, e.ID, err)
	}
	return nil
}

func (s *Store) writeACL(ctx context.Context, tx *sql.Tx, schema *types.Schema, e *types.Entity) (any, error) {
	if e.ACL == nil {
		return nil, nil
	}
	id := sideRecordID(schema, e.ID)
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO acl_records (id, creator, globally_readable, globally_writable)
		VALUES (?, ?, ?, ?)
	`, id, e.ACL.Creator, boolToInt(e.ACL.GloballyR), boolToInt(e.ACL.GloballyW))
	if err != nil {
		return nil, fmt.Errorf("write acl record: %w", err)
	}
	return id, nil
}

func (s *Store) writeMetadata(ctx context.Context, tx *sql.Tx, schema *types.Schema, e *types.Entity) (any, error) {
	if e.Metadata == nil {
		return nil, nil
	}
	id := sideRecordID(schema, e.ID)
	var lmt, ect any
	if !e.Metadata.Lmt.IsZero() {
		lmt = formatTime(e.Metadata.Lmt)
	}
	if !e.Metadata.Ect.IsZero() {
		ect = formatTime(e.Metadata.Ect)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO kmd_records (id, lmt, ect, authtoken)
		VALUES (?, ?, ?, ?)
	`, id, lmt, ect, nullableString(e.Metadata.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("write metadata record: %w", err)
	}
	return id, nil
}

// writeArray persists an array field: wrapper rows for primitive
// elements, nested rows for object elements, and link rows carrying the
// element order. The prior links were released by the cascade pass.
func (s *Store) writeArray(ctx context.Context, tx *sql.Tx, schema *types.Schema, f *types.Field, parentID string, value any) error {
	elems, _ := value.([]any)
	if len(elems) == 0 {
		return nil
	}
	link := linkTableFor(schema.Name, f.Name)

	for i, elem := range elems {
		var ref string
		if f.Type.Wrapped() {
			id := ulid.Make().String()
			v, err := columnValue(f, elem)
			if err != nil {
				return fmt.Errorf("array %s[%d]: %w", f.Name, i, err)
			}
			_, err = tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (id, value) VALUES (?, ?)", wrapperTableFor(f.Type)),
				id, v)
			if err != nil {
				return fmt.Errorf("write wrapper record: %w", err)
			}
			ref = id
		} else {
			var err error
			ref, err = s.writeNested(ctx, tx, f, elem)
			if err != nil {
				return fmt.Errorf("array %s[%d]: %w", f.Name, i, err)
			}
			if ref == "" {
				continue
			}
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (parent_id, position, ref) VALUES (?, ?, ?)", link),
			parentID, i, ref)
		if err != nil {
			return fmt.Errorf("write link row: %w", err)
		}
	}
	return nil
}

// writeNested persists a nested object value into its own schema's table
// and returns the row id. Values carrying an explicit _id share a row
// across parents; anonymous values get a fresh local id.
func (s *Store) writeNested(ctx context.Context, tx *sql.Tx, f *types.Field, value any) (string, error) {
	m, ok := value.(map[string]any)
	if !ok || m == nil {
		return "", nil
	}
	nested, ok := s.registry.Lookup(f.ObjectType)
	if !ok {
		return "", fmt.Errorf("nested schema %q: %w", f.ObjectType, ErrUnknownSchema)
	}

	id, _ := m[types.EntityIDKey].(string)
	if id == "" {
		id = ulid.Make().String()
	}

	ne := &types.Entity{ID: id, Fields: make(map[string]any, len(m))}
	for k, v := range m {
		if k == types.EntityIDKey || k == types.ACLKey || k == types.MetadataKey {
			continue
		}
		ne.Fields[k] = v
	}

	// An id-only map is a reference, not a value: link to the row as it
	// stands instead of overwriting it with an empty entity.
	if len(ne.Fields) == 0 && id != "" {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT OR IGNORE INTO %s (entity_id) VALUES (?)", tableFor(nested.Name)), id)
		if err != nil {
			return "", fmt.Errorf("reference %s row %s: %w", nested.Name, id, err)
		}
		return id, nil
	}

	if err := s.upsertEntity(ctx, tx, nested, ne); err != nil {
		return "", err
	}
	return id, nil
}

// loadEntity materializes one entity row, following nested refs and
// array links. The result is a detached snapshot by construction. A
// visited set re-links cyclic references instead of recursing.
func (s *Store) loadEntity(ctx context.Context, q dbtx, schema *types.Schema, id string, visited map[string]bool) (*types.Entity, error) {
	key := tableFor(schema.Name) + "/" + id
	if visited[key] {
		return &types.Entity{ID: id}, nil
	}
	visited[key] = true
	defer delete(visited, key)

	cols := []string{"entity_id", "acl_ref", "kmd_ref"}
	for i := range schema.Fields {
		f := &schema.Fields[i]
		if f.IsArray {
			continue
		}
		switch f.Type {
		case types.FieldObject:
			cols = append(cols, refColumn(f.Name))
		case types.FieldGeoPoint:
			lat, lng := geoColumns(f.Name)
			cols = append(cols, lat, lng)
		default:
			cols = append(cols, f.Name)
		}
	}

	row := q.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE entity_id = ?",
		strings.Join(cols, ", "), tableFor(schema.Name)), id)

	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = new(sql.NullString)
	}
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan %s row: %w", schema.Name, err)
	}

	e := &types.Entity{ID: id, Fields: make(map[string]any)}

	next := 3
	if aclRef := dest[1].(*sql.NullString); aclRef.Valid {
		acl, err := s.loadACL(ctx, q, aclRef.String)
		if err != nil {
			return nil, err
		}
		e.ACL = acl
	}
	if kmdRef := dest[2].(*sql.NullString); kmdRef.Valid {
		md, err := s.loadMetadata(ctx, q, kmdRef.String)
		if err != nil {
			return nil, err
		}
		e.Metadata = md
	}

	for i := range schema.Fields {
		f := &schema.Fields[i]
		if f.IsArray {
			arr, err := s.loadArray(ctx, q, schema, f, id, visited)
			if err != nil {
				return nil, err
			}
			e.Fields[f.Name] = arr
			continue
		}
		switch f.Type {
		case types.FieldObject:
			ref := dest[next].(*sql.NullString)
			next++
			if ref.Valid && ref.String != "" {
				nestedVal, err := s.loadNested(ctx, q, f, ref.String, visited)
				if err != nil {
					return nil, err
				}
				e.Fields[f.Name] = nestedVal
			}
		case types.FieldGeoPoint:
			lat := dest[next].(*sql.NullString)
			lng := dest[next+1].(*sql.NullString)
			next += 2
			if lat.Valid && lng.Valid {
				var gp types.GeoPoint
				fmt.Sscanf(lat.String, "%g", &gp.Latitude)
				fmt.Sscanf(lng.String, "%g", &gp.Longitude)
				e.Fields[f.Name] = &gp
			}
		default:
			raw := dest[next].(*sql.NullString)
			next++
			if raw.Valid {
				v, err := fieldValue(f, raw.String)
				if err != nil {
					return nil, fmt.Errorf("field %s: %w", f.Name, err)
				}
				e.Fields[f.Name] = v
			}
		}
	}

	return e, nil
}

func (s *Store) loadACL(ctx context.Context, q dbtx, ref string) (*types.ACL, error) {
	var acl types.ACL
	var gr, gw int
	err := q.QueryRowContext(ctx,
		"SELECT creator, globally_readable, globally_writable FROM acl_records WHERE id = ?", ref).
		Scan(&acl.Creator, &gr, &gw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load acl record: %w", err)
	}
	acl.GloballyR = gr != 0
	acl.GloballyW = gw != 0
	return &acl, nil
}

func (s *Store) loadMetadata(ctx context.Context, q dbtx, ref string) (*types.Metadata, error) {
	var lmt, ect, token sql.NullString
	err := q.QueryRowContext(ctx,
		"SELECT lmt, ect, authtoken FROM kmd_records WHERE id = ?", ref).
		Scan(&lmt, &ect, &token)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load metadata record: %w", err)
	}
	md := &types.Metadata{AuthToken: token.String}
	if t, ok := parseTime(lmt.String); ok {
		md.Lmt = t
	}
	if t, ok := parseTime(ect.String); ok {
		md.Ect = t
	}
	return md, nil
}

func (s *Store) loadArray(ctx context.Context, q dbtx, schema *types.Schema, f *types.Field, parentID string, visited map[string]bool) ([]any, error) {
	link := linkTableFor(schema.Name, f.Name)

	if f.Type.Wrapped() {
		rows, err := q.QueryContext(ctx, fmt.Sprintf(
			"SELECT w.value FROM %s l JOIN %s w ON w.id = l.ref WHERE l.parent_id = ? ORDER BY l.position",
			link, wrapperTableFor(f.Type)), parentID)
		if err != nil {
			return nil, fmt.Errorf("load wrapper array %s: %w", f.Name, err)
		}
		defer rows.Close()

		out := []any{}
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return nil, fmt.Errorf("scan wrapper row: %w", err)
			}
			v, err := fieldValue(f, raw)
			if err != nil {
				return nil, fmt.Errorf("array %s: %w", f.Name, err)
			}
			out = append(out, v)
		}
		return out, rows.Err()
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT ref FROM %s WHERE parent_id = ? ORDER BY position", link), parentID)
	if err != nil {
		return nil, fmt.Errorf("load array %s: %w", f.Name, err)
	}
	refs := []string{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan link row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]any, 0, len(refs))
	for _, ref := range refs {
		nestedVal, err := s.loadNested(ctx, q, f, ref, visited)
		if err != nil {
			return nil, err
		}
		if nestedVal != nil {
			out = append(out, nestedVal)
		}
	}
	return out, nil
}

func (s *Store) loadNested(ctx context.Context, q dbtx, f *types.Field, ref string, visited map[string]bool) (map[string]any, error) {
	nested, ok := s.registry.Lookup(f.ObjectType)
	if !ok {
		return nil, fmt.Errorf("nested schema %q: %w", f.ObjectType, ErrUnknownSchema)
	}
	ne, err := s.loadEntity(ctx, q, nested, ref, visited)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	m := make(map[string]any, len(ne.Fields)+1)
	m[types.EntityIDKey] = ne.ID
	for k, v := range ne.Fields {
		m[k] = v
	}
	return m, nil
}

// columnValue converts an API-level value into its storage parameter.
func columnValue(f *types.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case types.FieldString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case types.FieldInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		default:
			return nil, fmt.Errorf("expected int, got %T", v)
		}
	case types.FieldDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", v)
		}
	case types.FieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return boolToInt(b), nil
	case types.FieldTime:
		switch t := v.(type) {
		case time.Time:
			return formatTime(t), nil
		case string:
			return t, nil
		default:
			return nil, fmt.Errorf("expected time, got %T", v)
		}
	default:
		return nil, fmt.Errorf("unsupported column type %s", f.Type)
	}
}

// fieldValue converts a stored text value back to the API-level type.
// NullString scanning yields text for every affinity, so numeric types
// re-parse here.
func fieldValue(f *types.Field, raw string) (any, error) {
	switch f.Type {
	case types.FieldString:
		return raw, nil
	case types.FieldInt:
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			return nil, fmt.Errorf("parse int %q: %w", raw, err)
		}
		return n, nil
	case types.FieldDouble:
		var n float64
		if _, err := fmt.Sscanf(raw, "%g", &n); err != nil {
			return nil, fmt.Errorf("parse double %q: %w", raw, err)
		}
		return n, nil
	case types.FieldBool:
		return raw != "0" && raw != "", nil
	case types.FieldTime:
		if t, ok := parseTime(raw); ok {
			return t, nil
		}
		return nil, fmt.Errorf("parse time %q", raw)
	default:
		return raw, nil
	}
}

func asGeoPoint(v any) *types.GeoPoint {
	switch gp := v.(type) {
	case *types.GeoPoint:
		return gp
	case types.GeoPoint:
		return &gp
	case map[string]any:
		lat, okLat := gp["latitude"].(float64)
		lng, okLng := gp["longitude"].(float64)
		if okLat && okLng {
			return &types.GeoPoint{Latitude: lat, Longitude: lng}
		}
		return nil
	default:
		return nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
