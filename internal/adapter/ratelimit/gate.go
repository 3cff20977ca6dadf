package ratelimit

import (
	"context"

	"golang.org/x/sync/semaphore"

	"quotefeed/internal/adapter"
	"quotefeed/internal/quote"
)

// Gate caps simultaneous in-flight calls to one adapter. It is a counting
// admission gate on the shared upstream, not a lock on business data: callers
// over the cap block until a slot frees or their context is canceled.
type Gate struct {
	A   adapter.Adapter
	sem *semaphore.Weighted
}

func NewGate(a adapter.Adapter, maxInFlight int64) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Gate{A: a, sem: semaphore.NewWeighted(maxInFlight)}
}

func (g *Gate) ID() string { return g.A.ID() }

func (g *Gate) Fetch(ctx context.Context, queries []quote.Query) ([]quote.RawPayload, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.A.Fetch(ctx, queries)
}
