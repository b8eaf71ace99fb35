package cache

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/syncstore/internal/types"
)

// cascadeExec is the executor handed to a schema's custom cascade
// handler. Deletions go through the same reference-aware path as the
// automatic pass, so a handler cannot delete a row another parent still
// points at.
type cascadeExec struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store
}

func (c cascadeExec) DeleteNested(schemaName, rowID string) error {
	nested, ok := c.store.registry.Lookup(schemaName)
	if !ok {
		return fmt.Errorf("%s: %w", schemaName, ErrUnknownSchema)
	}
	return c.store.releaseNested(c.ctx, c.tx, nested, rowID)
}

// cascadeDelete releases everything an entity row owns. With deleteSelf
// the row itself goes too; without it the row is kept for an in-place
// update and only its nested and side records are released. Nested
// object rows are deleted only when no other stored reference points at
// them; wrapper records and link rows are always exclusive to the
// parent and always deleted.
func (s *Store) cascadeDelete(ctx context.Context, tx *sql.Tx, schema *types.Schema, entityID string, deleteSelf bool) error {
	if schema.Cascade != nil {
		e, err := s.loadEntity(ctx, tx, schema, entityID, map[string]bool{})
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("load for cascade handler: %w", err)
		}
		if e != nil {
			if err := schema.Cascade(entityID, e.Fields, cascadeExec{ctx: ctx, tx: tx, store: s}); err != nil {
				return fmt.Errorf("cascade handler for %s: %w", schema.Name, err)
			}
		}
	}

	for i := range schema.Fields {
		f := &schema.Fields[i]
		switch {
		case f.IsArray && f.Type.Wrapped():
			if err := s.releaseWrapperArray(ctx, tx, schema, f, entityID); err != nil {
				return err
			}
		case f.IsArray:
			if err := s.releaseObjectArray(ctx, tx, schema, f, entityID); err != nil {
				return err
			}
		case f.Type == types.FieldObject:
			if err := s.releaseObjectRef(ctx, tx, schema, f, entityID); err != nil {
				return err
			}
		}
	}

	sideID := sideRecordID(schema, entityID)
	if _, err := tx.ExecContext(ctx, "DELETE FROM acl_records WHERE id = ?", sideID); err != nil {
		return fmt.Errorf("delete acl record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM kmd_records WHERE id = ?", sideID); err != nil {
		return fmt.Errorf("delete metadata record: %w", err)
	}

	if deleteSelf {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE entity_id = ?", tableFor(schema.Name)), entityID); err != nil {
			return fmt.Errorf("delete %s row %s: %w", schema.Name, entityID, err)
		}
	}
	return nil
}

func (s *Store) releaseWrapperArray(ctx context.Context, tx *sql.Tx, schema *types.Schema, f *types.Field, parentID string) error {
	link := linkTableFor(schema.Name, f.Name)
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE id IN (SELECT ref FROM %s WHERE parent_id = ?)",
		wrapperTableFor(f.Type), link), parentID)
	if err != nil {
		return fmt.Errorf("delete wrapper records for %s: %w", f.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", link), parentID); err != nil {
		return fmt.Errorf("delete link rows for %s: %w", f.Name, err)
	}
	return nil
}

func (s *Store) releaseObjectArray(ctx context.Context, tx *sql.Tx, schema *types.Schema, f *types.Field, parentID string) error {
	nested, ok := s.registry.Lookup(f.ObjectType)
	if !ok {
		return fmt.Errorf("nested schema %q: %w", f.ObjectType, ErrUnknownSchema)
	}
	link := linkTableFor(schema.Name, f.Name)

	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT ref FROM %s WHERE parent_id = ?", link), parentID)
	if err != nil {
		return fmt.Errorf("list links for %s: %w", f.Name, err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return fmt.Errorf("scan link row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	// Links go first so the owner's own reference no longer counts.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", link), parentID); err != nil {
		return fmt.Errorf("delete link rows for %s: %w", f.Name, err)
	}
	for _, ref := range refs {
		if err := s.releaseNested(ctx, tx, nested, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) releaseObjectRef(ctx context.Context, tx *sql.Tx, schema *types.Schema, f *types.Field, parentID string) error {
	var ref sql.NullString
	err := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE entity_id = ?", refColumn(f.Name), tableFor(schema.Name)), parentID).
		Scan(&ref)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("read ref %s: %w", f.Name, err)
	}
	if !ref.Valid || ref.String == "" {
		return nil
	}
	nested, ok := s.registry.Lookup(f.ObjectType)
	if !ok {
		return fmt.Errorf("nested schema %q: %w", f.ObjectType, ErrUnknownSchema)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s = NULL WHERE entity_id = ?", tableFor(schema.Name), refColumn(f.Name)), parentID); err != nil {
		return fmt.Errorf("clear ref %s: %w", f.Name, err)
	}
	return s.releaseNested(ctx, tx, nested, ref.String)
}

// releaseNested deletes a nested row unless some stored reference still
// points at it. The releasing parent clears its own reference before
// calling, so any remaining reference means another parent holds the
// row.
func (s *Store) releaseNested(ctx context.Context, tx *sql.Tx, nested *types.Schema, ref string) error {
	n, err := s.countReferences(ctx, tx, nested, ref, 1)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.cascadeDelete(ctx, tx, nested, ref, true)
}

// countReferences counts stored references to a row of the given schema
// across every registered schema's ref columns and link tables, stopping
// as soon as the count reaches threshold.
func (s *Store) countReferences(ctx context.Context, tx *sql.Tx, nested *types.Schema, ref string, threshold int) (int, error) {
	total := 0
	for _, owner := range s.registry.All() {
		for i := range owner.Fields {
			f := &owner.Fields[i]
			if f.Type != types.FieldObject || f.ObjectType != nested.Name {
				continue
			}
			var stmt string
			if f.IsArray {
				stmt = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE ref = ?", linkTableFor(owner.Name, f.Name))
			} else {
				stmt = fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", tableFor(owner.Name), refColumn(f.Name))
			}
			var n int
			if err := tx.QueryRowContext(ctx, stmt, ref).Scan(&n); err != nil {
				return 0, fmt.Errorf("count references in %s.%s: %w", owner.Name, f.Name, err)
			}
			total += n
			if total >= threshold {
				return total, nil
			}
		}
	}
	return total, nil
}
