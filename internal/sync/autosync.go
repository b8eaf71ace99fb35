package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/syncstore/internal/cache"
	"github.com/hyperengineering/syncstore/internal/query"
)

// Target is one (collection, query) pair the auto-sync coordinator keeps
// reconciled.
type Target struct {
	Collection *cache.Collection
	Query      *query.Query
}

// Coordinator runs periodic background syncs over a fixed set of
// targets.
type Coordinator struct {
	engine   *Engine
	targets  []Target
	interval time.Duration
}

// NewCoordinator creates a coordinator syncing the targets every
// interval.
func NewCoordinator(engine *Engine, targets []Target, interval time.Duration) *Coordinator {
	return &Coordinator{engine: engine, targets: targets, interval: interval}
}

// Run starts the sync loop. It blocks until ctx is cancelled. The first
// cycle waits for the ticker rather than firing at startup, so an
// application opening its store offline does not pay for a doomed
// network round trip immediately.
func (c *Coordinator) Run(ctx context.Context) {
	slog.Info("auto-sync coordinator started",
		"component", "worker",
		"worker", "autosync-coordinator",
		"interval", c.interval.String(),
		"targets", len(c.targets),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("auto-sync coordinator stopped",
				"component", "worker",
				"worker", "autosync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.syncAll(ctx)
		}
	}
}

// syncAll syncs each target, continuing on individual failures.
func (c *Coordinator) syncAll(ctx context.Context) {
	var succeeded, failed int
	for _, target := range c.targets {
		if ctx.Err() != nil {
			return
		}
		if c.syncTarget(ctx, target) {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded > 0 || failed > 0 {
		slog.Info("sync cycle completed",
			"component", "worker",
			"worker", "autosync-coordinator",
			"targets_total", len(c.targets),
			"targets_succeeded", succeeded,
			"targets_failed", failed,
		)
	}
}

func (c *Coordinator) syncTarget(ctx context.Context, target Target) bool {
	start := time.Now()
	result, err := c.engine.Sync(ctx, target.Collection, target.Query, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Error("sync failed for collection",
			"component", "worker",
			"worker", "autosync-coordinator",
			"collection", target.Collection.Name(),
			"error", err,
		)
		return false
	}

	slog.Info("sync completed for collection",
		"component", "worker",
		"worker", "autosync-coordinator",
		"collection", target.Collection.Name(),
		"pushed", result.Pushed,
		"rejected", len(result.Failures),
		"pulled", result.Pull.Count,
		"strategy", string(result.Pull.Strategy),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
