package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/syncstore/internal/types"
	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed entity store. One storage file per
// application install holds one table per entity schema plus the fixed
// bookkeeping tables (pending operations, sync query cache, side
// records, wrapper records), so a logical operation touching more than
// one of them commits in a single transaction.
type Store struct {
	db       *sql.DB
	registry *types.Registry
	exec     *executor
	watch    *watchRegistry
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the store at path, applying pragmas and the
// bookkeeping-table migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// The connection is confined to the executor worker anyway, but a
	// single pooled connection keeps :memory: stores coherent.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:       db,
		registry: types.NewRegistry(),
		exec:     newExecutor(),
		watch:    newWatchRegistry(),
	}
	slog.Debug("store opened", "component", "cache", "path", path)
	return s, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close stops the worker and closes the underlying storage file.
func (s *Store) Close() error {
	s.watch.closeAll()
	s.exec.close()
	return s.db.Close()
}

// Registry exposes the schema registry for cascade analysis and query
// translation.
func (s *Store) Registry() *types.Registry {
	return s.registry
}

// RegisterSchema validates the schema, adds it to the registry and
// creates its entity table and per-array link tables. Schema violations
// are fatal at setup time and never retried.
func (s *Store) RegisterSchema(ctx context.Context, schema *types.Schema) error {
	for _, f := range schema.Fields {
		if reservedColumns[strings.ToLower(f.Name)] {
			return fmt.Errorf("schema %s: field %q shadows a reserved column: %w",
				schema.Name, f.Name, types.ErrInvalidSchema)
		}
	}
	if err := s.registry.Register(schema); err != nil {
		return err
	}

	var ddlErr error
	ok := s.exec.do(func() {
		for _, stmt := range schemaDDL(schema) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				ddlErr = fmt.Errorf("create tables for %s: %w", schema.Name, err)
				return
			}
		}
	})
	if !ok {
		return ErrClosed
	}
	return ddlErr
}

// schemaDDL returns the CREATE TABLE statements for a schema: the entity
// table with implicit entity_id/acl_ref/kmd_ref columns, scalar columns
// per non-array field, ref columns for nested objects, lat/lng column
// pairs for geo points, and one link table per array field.
func schemaDDL(schema *types.Schema) []string {
	cols := []string{
		"entity_id TEXT PRIMARY KEY",
		"acl_ref TEXT",
		"kmd_ref TEXT",
	}
	var stmts []string

	for _, f := range schema.Fields {
		if f.IsArray {
			stmts = append(stmts, fmt.Sprintf(
				"CREATE TABLE IF NOT EXISTS %s (parent_id TEXT NOT NULL, position INTEGER NOT NULL, ref TEXT NOT NULL, PRIMARY KEY (parent_id, position))",
				linkTableFor(schema.Name, f.Name)))
			continue
		}
		switch f.Type {
		case types.FieldObject:
			cols = append(cols, refColumn(f.Name)+" TEXT")
		case types.FieldGeoPoint:
			lat, lng := geoColumns(f.Name)
			cols = append(cols, lat+" REAL", lng+" REAL")
		default:
			cols = append(cols, f.Name+" "+sqlTypeFor(f.Type))
		}
	}

	entity := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		tableFor(schema.Name), strings.Join(cols, ", "))
	return append([]string{entity}, stmts...)
}

// Collection returns the handle for a registered schema.
func (s *Store) Collection(schemaName string) (*Collection, error) {
	schema, ok := s.registry.Lookup(schemaName)
	if !ok {
		return nil, fmt.Errorf("%s: %w", schemaName, ErrUnknownSchema)
	}
	return &Collection{store: s, schema: schema}, nil
}

// Write runs fn inside a storage transaction on the store worker. The
// transaction handle is released on every exit path: commit on success,
// rollback on error or panic.
func (s *Store) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var outer error
	ok := s.exec.do(func() {
		outer = s.writeLocked(ctx, fn)
	})
	if !ok {
		return ErrClosed
	}
	return outer
}

// run executes fn on the store worker without opening a transaction.
func (s *Store) run(fn func() error) error {
	var err error
	ok := s.exec.do(func() {
		err = fn()
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// writeLocked must only run on the executor worker.
func (s *Store) writeLocked(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. Time values are
// stored and compared as TEXT, so trailing fractional zeros must be
// kept or lexicographic order diverges from temporal order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
