package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hyperengineering/syncstore/internal/cache"
)

// Pusher replays queued pending operations against the backend in
// creation order.
type Pusher struct {
	store   *cache.Store
	adapter NetworkAdapter
}

// NewPusher returns a pusher draining the store's pending queue through
// the adapter.
func NewPusher(store *cache.Store, adapter NetworkAdapter) *Pusher {
	return &Pusher{store: store, adapter: adapter}
}

// Push replays every pending operation for the collection (all
// collections when empty). Accepted operations leave the queue; rejected
// ones stay queued and surface in the failure list for the caller to
// decide on. A transport-level error aborts the run so the remaining
// queue replays intact on the next attempt.
func (p *Pusher) Push(ctx context.Context, collection string) (int, []PushFailure, error) {
	ops, err := p.store.ListPending(ctx, collection)
	if err != nil {
		return 0, nil, fmt.Errorf("list pending operations: %w", err)
	}

	pushed := 0
	var failures []PushFailure
	for _, op := range ops {
		res, err := p.adapter.Replay(ctx, op)
		if err != nil {
			return pushed, failures, fmt.Errorf("replay %s %s: %w", op.Method, op.URL, err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if err := p.store.Consume(ctx, op.RequestID); err != nil {
				return pushed, failures, fmt.Errorf("consume %s: %w", op.RequestID, err)
			}
			pushed++
			continue
		}
		failures = append(failures, PushFailure{
			RequestID:  op.RequestID,
			ObjectID:   op.ObjectID,
			StatusCode: res.StatusCode,
			Message:    strings.TrimSpace(string(res.Body)),
		})
		slog.Warn("pending operation rejected",
			"component", "sync",
			"collection", op.Collection,
			"request_id", op.RequestID,
			"status", res.StatusCode,
		)
	}

	if pushed > 0 {
		slog.Debug("pending operations pushed",
			"component", "sync",
			"collection", collection,
			"pushed", pushed,
			"rejected", len(failures),
		)
	}
	return pushed, failures, nil
}
