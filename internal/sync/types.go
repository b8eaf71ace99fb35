package sync

import (
	"errors"
	"time"

	"github.com/hyperengineering/syncstore/internal/types"
)

// Strategy identifies how a pull reconciled the local cache with the
// backend.
type Strategy string

const (
	StrategyFull  Strategy = "full"
	StrategyDelta Strategy = "delta"
)

// ErrSinceExpired is returned by a network adapter when the backend can
// no longer serve a delta for the requested since timestamp. The puller
// falls back to a full fetch in the same invocation.
var ErrSinceExpired = errors.New("delta window expired")

// FullResponse is the result of a full collection fetch.
type FullResponse struct {
	Entities   []*types.Entity
	ServerTime time.Time
}

// DeltaResponse is the result of a delta fetch: entities changed since
// the requested timestamp and ids deleted since then.
type DeltaResponse struct {
	Changed    []*types.Entity
	Deleted    []string
	ServerTime time.Time
}

// ReplayResult is the backend's answer to one replayed pending
// operation. A transport-level failure is an error instead.
type ReplayResult struct {
	StatusCode int
	Body       []byte
}

// PullResult is the terminal outcome of a successful pull.
type PullResult struct {
	Strategy Strategy
	Count    int
	Entities []*types.Entity
}

// PushFailure records one pending operation the backend rejected. The
// operation stays queued; disposition is the caller's choice.
type PushFailure struct {
	RequestID  string
	ObjectID   string
	StatusCode int
	Message    string
}

// SyncResult is the combined outcome of a push followed by a pull.
type SyncResult struct {
	Pushed   int
	Failures []PushFailure
	Pull     *PullResult
}
