package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncstore/internal/geo"
	"github.com/hyperengineering/syncstore/internal/query"
	"github.com/hyperengineering/syncstore/internal/types"
	"github.com/oklog/ulid/v2"
)

// Collection is the typed handle for one registered schema. All reads
// return detached snapshots; later writes never mutate entities a
// caller already holds.
type Collection struct {
	store  *Store
	schema *types.Schema
	ttl    time.Duration
}

// Name returns the backend collection the schema maps to.
func (c *Collection) Name() string {
	if c.schema.CollectionName != "" {
		return c.schema.CollectionName
	}
	return c.schema.Name
}

// DeltaCompatible reports whether this schema can participate in delta
// fetches. Custom primary-key mappings break identity correlation with
// the backend, so they always take the full-fetch path.
func (c *Collection) DeltaCompatible() bool {
	return !c.schema.CustomPrimaryKey
}

// WithTTL returns a read view that treats entities whose metadata lmt is
// older than d as absent. Zero disables the filter.
func (c *Collection) WithTTL(d time.Duration) *Collection {
	cp := *c
	cp.ttl = d
	return &cp
}

// FindByID returns the entity with the given id, or ErrNotFound.
func (c *Collection) FindByID(ctx context.Context, id string) (*types.Entity, error) {
	var e *types.Entity
	err := c.store.run(func() error {
		var err error
		e, err = c.store.loadEntity(ctx, c.store.db, c.schema, id, map[string]bool{})
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 && !ttlAlive(e, c.ttl, time.Now()) {
		return nil, ErrNotFound
	}
	return e, nil
}

// Find returns the entities matching q in query order. Geo-shape
// predicates and the TTL filter run as an in-memory pass over the
// fetched candidates; skip and limit window the final slice.
func (c *Collection) Find(ctx context.Context, q *query.Query) ([]*types.Entity, error) {
	var out []*types.Entity
	err := c.store.run(func() error {
		var err error
		out, err = c.findLocked(ctx, c.store.db, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return window(out, q), nil
}

// findLocked materializes all matches without the skip/limit window.
func (c *Collection) findLocked(ctx context.Context, dbq dbtx, q *query.Query) ([]*types.Entity, error) {
	cq, err := c.store.compile(c.schema, q)
	if err != nil {
		return nil, err
	}
	ids, err := c.matchingIDs(ctx, dbq, cq)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]*types.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := c.store.loadEntity(ctx, dbq, c.schema, id, map[string]bool{})
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if !geoMatch(e, cq.geo) {
			continue
		}
		if c.ttl > 0 && !ttlAlive(e, c.ttl, now) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Collection) matchingIDs(ctx context.Context, dbq dbtx, cq *compiledQuery) ([]string, error) {
	rows, err := dbq.QueryContext(ctx, fmt.Sprintf(
		"SELECT t.entity_id FROM %s t WHERE %s %s",
		tableFor(c.schema.Name), cq.where, cq.order), cq.args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.schema.Name, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count reports how many entities match q. Without geo or TTL filters
// this is a pure storage-side count.
func (c *Collection) Count(ctx context.Context, q *query.Query) (int, error) {
	cq, err := c.store.compile(c.schema, q)
	if err != nil {
		return 0, err
	}
	if len(cq.geo) == 0 && c.ttl == 0 {
		var n int
		err := c.store.run(func() error {
			return c.store.db.QueryRowContext(ctx, fmt.Sprintf(
				"SELECT COUNT(*) FROM %s t WHERE %s",
				tableFor(c.schema.Name), cq.where), cq.args...).Scan(&n)
		})
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", c.schema.Name, err)
		}
		return n, nil
	}

	var out []*types.Entity
	err = c.store.run(func() error {
		var err error
		out, err = c.findLocked(ctx, c.store.db, q)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// FindIDsLmts returns the id to last-modified-time map for the matching
// entities, used by delta comparison paths. Entities without metadata
// map to the zero time.
func (c *Collection) FindIDsLmts(ctx context.Context, q *query.Query) (map[string]time.Time, error) {
	cq, err := c.store.compile(c.schema, q)
	if err != nil {
		return nil, err
	}

	out := make(map[string]time.Time)
	if len(cq.geo) > 0 || c.ttl > 0 {
		ents, err := c.Find(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, e := range ents {
			var lmt time.Time
			if e.Metadata != nil {
				lmt = e.Metadata.Lmt
			}
			out[e.ID] = lmt
		}
		return out, nil
	}

	err = c.store.run(func() error {
		rows, err := c.store.db.QueryContext(ctx, fmt.Sprintf(
			"SELECT t.entity_id, k.lmt FROM %s t LEFT JOIN kmd_records k ON k.id = t.kmd_ref WHERE %s",
			tableFor(c.schema.Name), cq.where), cq.args...)
		if err != nil {
			return fmt.Errorf("query id/lmt pairs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var lmt sql.NullString
			if err := rows.Scan(&id, &lmt); err != nil {
				return fmt.Errorf("scan id/lmt pair: %w", err)
			}
			t, _ := parseTime(lmt.String)
			out[id] = t
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts one entity. Locally created entities without an id get a
// fresh one assigned before the write.
func (c *Collection) Save(ctx context.Context, e *types.Entity) error {
	return c.SaveAll(ctx, []*types.Entity{e}, nil)
}

// SaveAll upserts the entities in one transaction. When sq is non-nil
// its sync-query row is written in the same transaction, so the cache
// content and the recorded sync time can never disagree.
func (c *Collection) SaveAll(ctx context.Context, entities []*types.Entity, sq *SyncQuery) error {
	for _, e := range entities {
		if e.ID == "" && !c.schema.CustomPrimaryKey {
			e.ID = ulid.Make().String()
		}
	}
	err := c.store.Write(ctx, func(tx *sql.Tx) error {
		for _, e := range entities {
			if err := c.store.upsertEntity(ctx, tx, c.schema, e); err != nil {
				return err
			}
		}
		if sq != nil {
			return saveSyncQueryTx(ctx, tx, sq)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.store.watch.notify(c.schema.Name)
	return nil
}

// Remove cascade-deletes the entity with the given id.
func (c *Collection) Remove(ctx context.Context, id string) error {
	n, err := c.RemoveAll(ctx, []string{id})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", c.schema.Name, id, ErrNotFound)
	}
	return nil
}

// RemoveAll cascade-deletes the given ids, each in its own transaction,
// and returns how many rows existed. Missing ids are not an error. A
// mid-batch failure keeps the deletions already committed and reports
// their count alongside the error.
func (c *Collection) RemoveAll(ctx context.Context, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		var n int
		err := c.store.Write(ctx, func(tx *sql.Tx) error {
			var err error
			n, err = c.removeTx(ctx, tx, id)
			return err
		})
		if err != nil {
			if removed > 0 {
				c.store.watch.notify(c.schema.Name)
			}
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		c.store.watch.notify(c.schema.Name)
	}
	return removed, nil
}

func (c *Collection) removeTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT EXISTS (SELECT 1 FROM %s WHERE entity_id = ?)", tableFor(c.schema.Name)), id).
		Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check %s row: %w", c.schema.Name, err)
	}
	if !exists {
		return 0, nil
	}
	if err := c.store.cascadeDelete(ctx, tx, c.schema, id, true); err != nil {
		return 0, err
	}
	return 1, nil
}

// RemoveByQuery cascade-deletes every entity matching q and returns the
// count. Geo predicates are honored through the same post-filter pass
// reads use.
func (c *Collection) RemoveByQuery(ctx context.Context, q *query.Query) (int, error) {
	removed := 0
	err := c.store.Write(ctx, func(tx *sql.Tx) error {
		matches, err := c.findLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		for _, e := range matches {
			n, err := c.removeTx(ctx, tx, e.ID)
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.store.watch.notify(c.schema.Name)
	}
	return removed, nil
}

// Clear deletes matching entities and the bookkeeping attached to the
// scope. A nil query wipes the whole collection, its pending operations
// and every sync-query row; a non-nil query deletes only the matches and
// that query's sync row. With cascade false, nested object rows shared
// with other parents are left untouched and so is everything the row
// exclusively owns except wrapper and link records.
func (c *Collection) Clear(ctx context.Context, q *query.Query, cascade bool) error {
	err := c.store.Write(ctx, func(tx *sql.Tx) error {
		matches, err := c.findLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		for _, e := range matches {
			if cascade {
				if err := c.store.cascadeDelete(ctx, tx, c.schema, e.ID, true); err != nil {
					return err
				}
			} else if err := c.shallowDeleteTx(ctx, tx, e.ID); err != nil {
				return err
			}
		}
		if q == nil {
			if err := deletePendingTx(ctx, tx, c.Name()); err != nil {
				return err
			}
			return deleteSyncQueriesTx(ctx, tx, c.Name())
		}
		return invalidateLastSyncTx(ctx, tx, c.Name(), q)
	})
	if err != nil {
		return err
	}
	c.store.watch.notify(c.schema.Name)
	slog.Debug("collection cleared", "component", "cache", "schema", c.schema.Name, "scoped", q != nil)
	return nil
}

// shallowDeleteTx removes the row, its side records and its wrapper and
// link rows, but never touches nested object rows.
func (c *Collection) shallowDeleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	for i := range c.schema.Fields {
		f := &c.schema.Fields[i]
		if !f.IsArray {
			continue
		}
		if f.Type.Wrapped() {
			if err := c.store.releaseWrapperArray(ctx, tx, c.schema, f, id); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE parent_id = ?", linkTableFor(c.schema.Name, f.Name)), id); err != nil {
			return fmt.Errorf("delete link rows for %s: %w", f.Name, err)
		}
	}
	sideID := sideRecordID(c.schema, id)
	if _, err := tx.ExecContext(ctx, "DELETE FROM acl_records WHERE id = ?", sideID); err != nil {
		return fmt.Errorf("delete acl record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM kmd_records WHERE id = ?", sideID); err != nil {
		return fmt.Errorf("delete metadata record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE entity_id = ?", tableFor(c.schema.Name)), id); err != nil {
		return fmt.Errorf("delete %s row %s: %w", c.schema.Name, id, err)
	}
	return nil
}

// LastSync returns the recorded last sync time for q, and whether one
// exists.
func (c *Collection) LastSync(ctx context.Context, q *query.Query) (time.Time, bool, error) {
	var t time.Time
	var ok bool
	err := c.store.run(func() error {
		var err error
		t, ok, err = lastSync(ctx, c.store.db, c.Name(), q)
		return err
	})
	return t, ok, err
}

// InvalidateLastSync forgets the recorded sync time for q, forcing the
// next pull onto the full-fetch path.
func (c *Collection) InvalidateLastSync(ctx context.Context, q *query.Query) error {
	return c.store.Write(ctx, func(tx *sql.Tx) error {
		return invalidateLastSyncTx(ctx, tx, c.Name(), q)
	})
}

// ApplyDelta applies one delta response atomically: changed entities are
// upserted, deleted ids are cascade-removed, and the sync-query row is
// advanced, all in one transaction.
func (c *Collection) ApplyDelta(ctx context.Context, changed []*types.Entity, deletedIDs []string, sq *SyncQuery) error {
	err := c.store.Write(ctx, func(tx *sql.Tx) error {
		for _, e := range changed {
			if err := c.store.upsertEntity(ctx, tx, c.schema, e); err != nil {
				return err
			}
		}
		for _, id := range deletedIDs {
			if _, err := c.removeTx(ctx, tx, id); err != nil {
				return err
			}
		}
		if sq != nil {
			return saveSyncQueryTx(ctx, tx, sq)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.store.watch.notify(c.schema.Name)
	return nil
}

// ReplaceAll applies one full-fetch response atomically: every record is
// upserted, local entities matching q but absent from the response are
// cascade-removed, and the sync-query row is replaced, in one
// transaction.
func (c *Collection) ReplaceAll(ctx context.Context, q *query.Query, records []*types.Entity, sq *SyncQuery) error {
	err := c.store.Write(ctx, func(tx *sql.Tx) error {
		keep := make(map[string]bool, len(records))
		for _, e := range records {
			keep[e.ID] = true
		}

		local, err := c.findLocked(ctx, tx, q)
		if err != nil {
			return err
		}
		for _, e := range local {
			if keep[e.ID] {
				continue
			}
			if _, err := c.removeTx(ctx, tx, e.ID); err != nil {
				return err
			}
		}

		for _, e := range records {
			if err := c.store.upsertEntity(ctx, tx, c.schema, e); err != nil {
				return err
			}
		}
		if sq != nil {
			return saveSyncQueryTx(ctx, tx, sq)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.store.watch.notify(c.schema.Name)
	return nil
}

// window applies the query's skip/limit to the already-sorted slice.
func window(results []*types.Entity, q *query.Query) []*types.Entity {
	if q == nil {
		return results
	}
	if q.Skip > 0 {
		if q.Skip >= len(results) {
			return []*types.Entity{}
		}
		results = results[q.Skip:]
	}
	if q.Limit > 0 && q.Limit < len(results) {
		results = results[:q.Limit]
	}
	return results
}

func geoMatch(e *types.Entity, filters []geoFilter) bool {
	for _, g := range filters {
		gp, _ := e.Fields[g.field].(*types.GeoPoint)
		if gp == nil {
			return false
		}
		if g.circle != nil && !geo.InCircle(*gp, g.circle.Center, g.circle.Radius) {
			return false
		}
		if g.polygon != nil && !geo.InPolygon(*gp, g.polygon.Points) {
			return false
		}
	}
	return true
}

func ttlAlive(e *types.Entity, ttl time.Duration, now time.Time) bool {
	if e.Metadata == nil || e.Metadata.Lmt.IsZero() {
		return false
	}
	return !e.Metadata.Lmt.Before(now.Add(-ttl))
}
