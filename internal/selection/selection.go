package selection

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"quotefeed/internal/adapter"
	"quotefeed/internal/metrics"
	"quotefeed/internal/quote"
)

// Strategy decides which adapters to invoke for a query and how. The
// query-level timeout is the caller's context deadline.
type Strategy interface {
	Fetch(ctx context.Context, q quote.Query) ([]quote.RawPayload, error)
}

// ForCategory maps a configured strategy name to an implementation.
func ForCategory(name string, reg *adapter.Registry, m *metrics.Metrics, log *zap.Logger) Strategy {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	switch name {
	case "race":
		return &Race{Registry: reg, Metrics: m, Log: log}
	default:
		return &Chain{Registry: reg, Metrics: m, Log: log}
	}
}

func errKind(err error) string {
	switch {
	case errors.Is(err, quote.ErrAdapterTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		var rej *quote.RejectedError
		if errors.As(err, &rej) {
			return "rejected"
		}
		return "other"
	}
}

// Chain tries candidates in priority order. Each candidate gets at most one
// retry with a short backoff before being skipped; the chain fails only when
// every candidate is exhausted.
type Chain struct {
	Registry *adapter.Registry
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	// RetryInterval overrides the initial backoff interval, for tests.
	RetryInterval time.Duration
}

func (c *Chain) Fetch(ctx context.Context, q quote.Query) ([]quote.RawPayload, error) {
	cands := c.Registry.CandidatesFor(q)
	if len(cands) == 0 {
		return nil, quote.ErrNoCandidates
	}

	failures := make(map[string]error, len(cands))
	for _, cand := range cands {
		id := cand.Descriptor.ID

		interval := c.RetryInterval
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = interval
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx)

		var payloads []quote.RawPayload
		err := backoff.Retry(func() error {
			c.Metrics.AdapterCalls.WithLabelValues(id).Inc()
			ps, err := cand.Adapter.Fetch(ctx, []quote.Query{q})
			if err != nil {
				c.Metrics.AdapterErrors.WithLabelValues(id, errKind(err)).Inc()
				return err
			}
			if len(ps) == 0 {
				err := &quote.RejectedError{Adapter: id, Reason: "empty payload"}
				c.Metrics.AdapterErrors.WithLabelValues(id, "rejected").Inc()
				return err
			}
			payloads = ps
			return nil
		}, policy)

		if err == nil {
			c.Registry.ReportSuccess(id)
			return payloads, nil
		}

		c.Registry.ReportFailure(id)
		failures[id] = err
		c.Log.Warn("adapter failed, moving to next candidate",
			zap.String("adapter", id), zap.String("symbol", q.Symbol), zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, &quote.AllFailedError{Errs: failures}
}

// Race issues calls to all candidates concurrently under the caller's
// query-level timeout. The first success wins; losers get a cooperative
// cancellation and their results are discarded. No retries inside a race.
type Race struct {
	Registry *adapter.Registry
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

type raceResult struct {
	id       string
	rank     int
	payloads []quote.RawPayload
	err      error
	doneAt   time.Time
}

func (r *Race) Fetch(ctx context.Context, q quote.Query) ([]quote.RawPayload, error) {
	cands := r.Registry.CandidatesFor(q)
	if len(cands) == 0 {
		return nil, quote.ErrNoCandidates
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(cands))
	for _, cand := range cands {
		go func(cand adapter.Candidate) {
			id := cand.Descriptor.ID
			r.Metrics.AdapterCalls.WithLabelValues(id).Inc()
			ps, err := cand.Adapter.Fetch(raceCtx, []quote.Query{q})
			if err == nil && len(ps) == 0 {
				err = &quote.RejectedError{Adapter: id, Reason: "empty payload"}
			}
			if err != nil {
				r.Metrics.AdapterErrors.WithLabelValues(id, errKind(err)).Inc()
			}
			results <- raceResult{
				id:       id,
				rank:     cand.Descriptor.Priority,
				payloads: ps,
				err:      err,
				doneAt:   time.Now(),
			}
		}(cand)
	}

	failures := make(map[string]error, len(cands))
	for received := 0; received < len(cands); received++ {
		select {
		case <-ctx.Done():
			for id := range failuresMissing(cands, failures) {
				failures[id] = ctx.Err()
			}
			return nil, &quote.AllFailedError{Errs: failures}
		case res := <-results:
			if res.err != nil {
				r.Registry.ReportFailure(res.id)
				failures[res.id] = res.err
				continue
			}
			winner := res
			// Judged-simultaneous responses resolve by lower priority rank.
			for drained := true; drained; {
				select {
				case other := <-results:
					received++
					if other.err != nil {
						r.Registry.ReportFailure(other.id)
						failures[other.id] = other.err
						continue
					}
					if sameInstant(other.doneAt, winner.doneAt) && other.rank < winner.rank {
						winner = other
					}
				default:
					drained = false
				}
			}
			r.Registry.ReportSuccess(winner.id)
			cancel() // advisory: in-flight losers may still complete, results discarded
			return winner.payloads, nil
		}
	}
	return nil, &quote.AllFailedError{Errs: failures}
}

// sameInstant compares two completion times at millisecond resolution, the
// granularity at which two race responses count as judged simultaneously.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(time.Millisecond).Equal(b.Truncate(time.Millisecond))
}

func failuresMissing(cands []adapter.Candidate, got map[string]error) map[string]struct{} {
	missing := make(map[string]struct{})
	for _, c := range cands {
		if _, ok := got[c.Descriptor.ID]; !ok {
			missing[c.Descriptor.ID] = struct{}{}
		}
	}
	return missing
}
