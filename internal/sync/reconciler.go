package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncstore/internal/cache"
	"github.com/hyperengineering/syncstore/internal/query"
)

// Puller reconciles one collection's local cache with the backend. Each
// Pull is a self-contained state machine: strategy selection, fetch,
// atomic apply, result materialization. A pull either commits fully or
// leaves the cache and the recorded sync time untouched.
type Puller struct {
	adapter      NetworkAdapter
	deltaEnabled bool
}

// NewPuller returns a puller over the given adapter. With deltaEnabled
// false every pull takes the full-fetch path regardless of cached sync
// times.
func NewPuller(adapter NetworkAdapter, deltaEnabled bool) *Puller {
	return &Puller{adapter: adapter, deltaEnabled: deltaEnabled}
}

// Pull fetches the backend state for (collection, query) and reconciles
// the local cache with it. Delta is used when enabled, the schema is
// delta-compatible and a sync timestamp is cached; any delta failure
// falls back to a full fetch in the same invocation. The cached
// timestamp is only ever replaced by a committed apply, so a failed
// delta followed by a failed full fetch changes nothing.
func (p *Puller) Pull(ctx context.Context, c *cache.Collection, q *query.Query, obs Observer) (*PullResult, error) {
	if obs == nil {
		obs = NopObserver{}
	}

	strategy := StrategyFull
	var since time.Time
	if p.deltaEnabled && c.DeltaCompatible() {
		t, ok, err := c.LastSync(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("read last sync: %w", err)
		}
		if ok {
			strategy = StrategyDelta
			since = t
		}
	}
	obs.StrategySelected(c.Name(), strategy)

	if strategy == StrategyDelta {
		err := p.pullDelta(ctx, c, q, since)
		if err == nil {
			return p.materialize(ctx, c, q, StrategyDelta)
		}
		if ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("delta fetch failed, falling back to full fetch",
			"component", "sync",
			"collection", c.Name(),
			"error", err,
		)
		obs.DeltaFallback(c.Name(), err)
		strategy = StrategyFull
	}

	if err := p.pullFull(ctx, c, q); err != nil {
		return nil, err
	}
	return p.materialize(ctx, c, q, strategy)
}

func (p *Puller) pullDelta(ctx context.Context, c *cache.Collection, q *query.Query, since time.Time) error {
	resp, err := p.adapter.FetchDelta(ctx, c.Name(), q, since)
	if err != nil {
		return fmt.Errorf("fetch delta: %w", err)
	}
	sq := &cache.SyncQuery{
		Collection: c.Name(),
		Query:      q,
		LastSync:   serverTime(resp.ServerTime),
	}
	if err := c.ApplyDelta(ctx, resp.Changed, resp.Deleted, sq); err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	slog.Debug("delta applied",
		"component", "sync",
		"collection", c.Name(),
		"changed", len(resp.Changed),
		"deleted", len(resp.Deleted),
	)
	return nil
}

func (p *Puller) pullFull(ctx context.Context, c *cache.Collection, q *query.Query) error {
	resp, err := p.adapter.FetchFull(ctx, c.Name(), q)
	if err != nil {
		return fmt.Errorf("fetch full: %w", err)
	}
	sq := &cache.SyncQuery{
		Collection: c.Name(),
		Query:      q,
		LastSync:   serverTime(resp.ServerTime),
	}
	if err := c.ReplaceAll(ctx, q, resp.Entities, sq); err != nil {
		return fmt.Errorf("apply full fetch: %w", err)
	}
	slog.Debug("full fetch applied",
		"component", "sync",
		"collection", c.Name(),
		"records", len(resp.Entities),
	)
	return nil
}

func (p *Puller) materialize(ctx context.Context, c *cache.Collection, q *query.Query, strategy Strategy) (*PullResult, error) {
	results, err := c.Find(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("materialize results: %w", err)
	}
	return &PullResult{Strategy: strategy, Count: len(results), Entities: results}, nil
}

// serverTime guards against adapters that do not report one.
func serverTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
