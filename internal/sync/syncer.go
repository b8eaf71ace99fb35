package sync

import (
	"context"
	"fmt"

	"github.com/hyperengineering/syncstore/internal/cache"
	"github.com/hyperengineering/syncstore/internal/query"
)

// Engine ties the pusher and puller together over one store and one
// backend adapter.
type Engine struct {
	store  *cache.Store
	puller *Puller
	pusher *Pusher
}

// NewEngine returns a sync engine for the store.
func NewEngine(store *cache.Store, adapter NetworkAdapter, deltaEnabled bool) *Engine {
	return &Engine{
		store:  store,
		puller: NewPuller(adapter, deltaEnabled),
		pusher: NewPusher(store, adapter),
	}
}

// Pull reconciles the collection with the backend without pushing.
func (e *Engine) Pull(ctx context.Context, c *cache.Collection, q *query.Query, obs Observer) (*PullResult, error) {
	return e.puller.Pull(ctx, c, q, obs)
}

// Push replays the collection's pending operations.
func (e *Engine) Push(ctx context.Context, collection string) (int, []PushFailure, error) {
	return e.pusher.Push(ctx, collection)
}

// Sync pushes the collection's pending operations, then pulls. Rejected
// pending operations do not block the pull; a transport failure during
// push aborts the whole sync so local changes are never overwritten
// while unsent.
func (e *Engine) Sync(ctx context.Context, c *cache.Collection, q *query.Query, obs Observer) (*SyncResult, error) {
	pushed, failures, err := e.pusher.Push(ctx, c.Name())
	if err != nil {
		return nil, fmt.Errorf("push %s: %w", c.Name(), err)
	}
	pull, err := e.puller.Pull(ctx, c, q, obs)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", c.Name(), err)
	}
	return &SyncResult{Pushed: pushed, Failures: failures, Pull: pull}, nil
}
