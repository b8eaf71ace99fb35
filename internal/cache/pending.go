package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingOperation is a replayable mutation captured while offline. The
// request is stored in wire shape so replay rebuilds it without knowing
// which store operation produced it.
type PendingOperation struct {
	RequestID  string
	Collection string
	ObjectID   string
	Method     string
	URL        string
	Headers    map[string]string
	Body       []byte
	CreatedAt  time.Time
}

// Enqueue persists a pending operation. A missing request id gets a
// fresh one; CreatedAt is stamped at enqueue time and fixes replay
// order.
func (s *Store) Enqueue(ctx context.Context, op *PendingOperation) error {
	if op.RequestID == "" {
		op.RequestID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	return s.Write(ctx, func(tx *sql.Tx) error {
		return enqueueTx(ctx, tx, op)
	})
}

func enqueueTx(ctx context.Context, tx *sql.Tx, op *PendingOperation) error {
	headers, err := json.Marshal(op.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_operations
			(request_id, collection_name, object_id, method, url, headers, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, op.RequestID, op.Collection, nullableString(op.ObjectID), op.Method, op.URL,
		string(headers), op.Body, formatTime(op.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue pending operation: %w", err)
	}
	return nil
}

// Consume removes a replayed operation from the queue.
func (s *Store) Consume(ctx context.Context, requestID string) error {
	return s.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM pending_operations WHERE request_id = ?", requestID)
		if err != nil {
			return fmt.Errorf("consume pending operation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pending operation %s: %w", requestID, ErrNotFound)
		}
		return nil
	})
}

// ListPending returns queued operations in replay order. An empty
// collection name lists the whole queue.
func (s *Store) ListPending(ctx context.Context, collection string) ([]*PendingOperation, error) {
	var out []*PendingOperation
	err := s.run(func() error {
		var err error
		out, err = listPending(ctx, s.db, collection)
		return err
	})
	return out, err
}

func listPending(ctx context.Context, q dbtx, collection string) ([]*PendingOperation, error) {
	stmt := `
		SELECT request_id, collection_name, object_id, method, url, headers, body, created_at
		FROM pending_operations
	`
	var args []any
	if collection != "" {
		stmt += " WHERE collection_name = ?"
		args = append(args, collection)
	}
	stmt += " ORDER BY created_at, request_id"

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending operations: %w", err)
	}
	defer rows.Close()

	var out []*PendingOperation
	for rows.Next() {
		op := &PendingOperation{}
		var objectID, headers sql.NullString
		var createdAt string
		if err := rows.Scan(&op.RequestID, &op.Collection, &objectID, &op.Method,
			&op.URL, &headers, &op.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		op.ObjectID = objectID.String
		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &op.Headers); err != nil {
				return nil, fmt.Errorf("unmarshal headers for %s: %w", op.RequestID, err)
			}
		}
		if t, ok := parseTime(createdAt); ok {
			op.CreatedAt = t
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// PendingCount reports the number of queued operations, optionally
// scoped to one collection.
func (s *Store) PendingCount(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.run(func() error {
		stmt := "SELECT COUNT(*) FROM pending_operations"
		var args []any
		if collection != "" {
			stmt += " WHERE collection_name = ?"
			args = append(args, collection)
		}
		return s.db.QueryRowContext(ctx, stmt, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count pending operations: %w", err)
	}
	return n, nil
}

func deletePendingTx(ctx context.Context, tx *sql.Tx, collection string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM pending_operations WHERE collection_name = ?", collection)
	if err != nil {
		return fmt.Errorf("purge pending operations for %s: %w", collection, err)
	}
	return nil
}
