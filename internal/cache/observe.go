package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hyperengineering/syncstore/internal/query"
	"github.com/hyperengineering/syncstore/internal/types"
)

// ChangeEvent is one observation delivered to a watcher. The first event
// carries the initial snapshot with empty index sets; every later event
// carries the new results plus the index changes relative to the
// previous event. Deletions index into the previous results, insertions
// and modifications into the new ones. A non-nil Err is terminal: the
// channel closes after it.
type ChangeEvent struct {
	Results       []*types.Entity
	Insertions    []int
	Deletions     []int
	Modifications []int
	Err           error
}

// Watcher is a live observation of a query. Receive from C; call Cancel
// to stop. C closes after cancellation, a terminal error, or store
// close.
type Watcher struct {
	C <-chan ChangeEvent

	events chan ChangeEvent
	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Cancel stops the observation and closes the event channel.
func (w *Watcher) Cancel() {
	w.once.Do(func() { close(w.done) })
}

type watchRegistry struct {
	mu       sync.Mutex
	watchers map[string][]*Watcher
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{watchers: make(map[string][]*Watcher)}
}

func (r *watchRegistry) add(schemaName string, w *Watcher) {
	r.mu.Lock()
	r.watchers[schemaName] = append(r.watchers[schemaName], w)
	r.mu.Unlock()
}

func (r *watchRegistry) remove(schemaName string, w *Watcher) {
	r.mu.Lock()
	list := r.watchers[schemaName]
	for i, cur := range list {
		if cur == w {
			r.watchers[schemaName] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// notify wakes every watcher of the schema. The wake channel is a
// single-slot latch, so bursts of writes coalesce into one re-read.
func (r *watchRegistry) notify(schemaName string) {
	r.mu.Lock()
	for _, w := range r.watchers[schemaName] {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	r.mu.Unlock()
}

func (r *watchRegistry) closeAll() {
	r.mu.Lock()
	for _, list := range r.watchers {
		for _, w := range list {
			w.Cancel()
		}
	}
	r.watchers = make(map[string][]*Watcher)
	r.mu.Unlock()
}

// Observe starts watching q. The current matches are delivered as the
// first event, then a new event follows every committed change to the
// collection that alters the result set. Cancelling ctx behaves like
// Cancel.
func (c *Collection) Observe(ctx context.Context, q *query.Query) (*Watcher, error) {
	initial, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		events: make(chan ChangeEvent, 16),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	w.C = w.events
	c.store.watch.add(c.schema.Name, w)

	go c.watchLoop(ctx, q, w, initial)
	return w, nil
}

func (c *Collection) watchLoop(ctx context.Context, q *query.Query, w *Watcher, initial []*types.Entity) {
	defer func() {
		c.store.watch.remove(c.schema.Name, w)
		close(w.events)
	}()

	prev := snapshot(initial)
	if !w.send(ctx, ChangeEvent{Results: initial}) {
		return
	}

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-w.wake:
		}

		results, err := c.Find(ctx, q)
		if err != nil {
			w.send(ctx, ChangeEvent{Err: err})
			return
		}
		next := snapshot(results)
		ev := diff(prev, next)
		if ev == nil {
			continue
		}
		ev.Results = results
		if !w.send(ctx, *ev) {
			return
		}
		prev = next
	}
}

func (w *Watcher) send(ctx context.Context, ev ChangeEvent) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.done:
		return false
	case <-ctx.Done():
		return false
	}
}

type observedRow struct {
	id          string
	fingerprint string
}

func snapshot(results []*types.Entity) []observedRow {
	rows := make([]observedRow, len(results))
	for i, e := range results {
		rows[i] = observedRow{id: e.ID, fingerprint: fingerprint(e)}
	}
	return rows
}

// fingerprint summarizes an entity's observable state. Map keys are
// serialized in sorted order, so equal field sets produce equal
// fingerprints.
func fingerprint(e *types.Entity) string {
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		raw = []byte(err.Error())
	}
	var lmt time.Time
	if e.Metadata != nil {
		lmt = e.Metadata.Lmt
	}
	return lmt.UTC().Format(time.RFC3339Nano) + "|" + string(raw)
}

// diff computes the index sets between two snapshots, or nil when
// nothing changed.
func diff(prev, next []observedRow) *ChangeEvent {
	prevIdx := make(map[string]int, len(prev))
	for i, r := range prev {
		prevIdx[r.id] = i
	}
	nextIdx := make(map[string]int, len(next))
	for i, r := range next {
		nextIdx[r.id] = i
	}

	ev := &ChangeEvent{}
	for i, r := range prev {
		if _, ok := nextIdx[r.id]; !ok {
			ev.Deletions = append(ev.Deletions, i)
		}
	}
	for i, r := range next {
		j, ok := prevIdx[r.id]
		if !ok {
			ev.Insertions = append(ev.Insertions, i)
			continue
		}
		if prev[j].fingerprint != r.fingerprint {
			ev.Modifications = append(ev.Modifications, i)
		}
	}
	if len(ev.Insertions) == 0 && len(ev.Deletions) == 0 && len(ev.Modifications) == 0 {
		return nil
	}
	return ev
}
