package sync

import (
	"context"
	"time"

	"github.com/hyperengineering/syncstore/internal/cache"
	"github.com/hyperengineering/syncstore/internal/query"
)

// NetworkAdapter is the backend collaborator the sync engine pulls from
// and replays pending operations against. Implementations must return
// ErrSinceExpired (wrapped or not) from FetchDelta when the backend has
// compacted past the requested since timestamp.
type NetworkAdapter interface {
	FetchFull(ctx context.Context, collection string, q *query.Query) (*FullResponse, error)
	FetchDelta(ctx context.Context, collection string, q *query.Query, since time.Time) (*DeltaResponse, error)
	Replay(ctx context.Context, op *cache.PendingOperation) (*ReplayResult, error)
}
