package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hyperengineering/syncstore/internal/query"
)

// SyncQuery records the last time a (collection, query) pair was
// reconciled with the backend. The key is the canonical hash of the
// collection name, predicate and field projection, so logically equal
// queries share one row.
type SyncQuery struct {
	Collection string
	Query      *query.Query
	LastSync   time.Time
}

func saveSyncQueryTx(ctx context.Context, tx *sql.Tx, sq *SyncQuery) error {
	var pred query.Predicate
	var fields []string
	if sq.Query != nil {
		pred = sq.Query.Predicate
		fields = sq.Query.Fields
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_queries (key, collection_name, predicate, fields, last_sync)
		VALUES (?, ?, ?, ?, ?)
	`, query.Key(sq.Collection, sq.Query), sq.Collection,
		query.Canonical(pred), query.FieldsCanonical(fields), formatTime(sq.LastSync))
	if err != nil {
		return fmt.Errorf("save sync query: %w", err)
	}
	return nil
}

func lastSync(ctx context.Context, q dbtx, collection string, qry *query.Query) (time.Time, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		"SELECT last_sync FROM sync_queries WHERE key = ?",
		query.Key(collection, qry)).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("read sync query: %w", err)
	}
	t, ok := parseTime(raw)
	return t, ok, nil
}

func invalidateLastSyncTx(ctx context.Context, tx *sql.Tx, collection string, qry *query.Query) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM sync_queries WHERE key = ?", query.Key(collection, qry))
	if err != nil {
		return fmt.Errorf("invalidate sync query: %w", err)
	}
	return nil
}

func deleteSyncQueriesTx(ctx context.Context, tx *sql.Tx, collection string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM sync_queries WHERE collection_name = ?", collection)
	if err != nil {
		return fmt.Errorf("purge sync queries for %s: %w", collection, err)
	}
	return nil
}
