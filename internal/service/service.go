package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quotefeed/internal/adapter"
	"quotefeed/internal/cache"
	"quotefeed/internal/config"
	"quotefeed/internal/metrics"
	"quotefeed/internal/pipeline"
	"quotefeed/internal/quote"
	"quotefeed/internal/selection"
)

// PersistenceStore receives finished record batches for durable storage.
// The write is an idempotent upsert keyed (symbol, date).
type PersistenceStore interface {
	UpsertQuotes(ctx context.Context, records []quote.Record) error
}

// WatchlistStore supplies the ordered symbols seeding a default batch.
type WatchlistStore interface {
	Watchlist(ctx context.Context) ([]quote.Query, error)
}

// Aggregator orchestrates cache lookup, adapter selection, pipeline
// processing and cache population per query.
type Aggregator struct {
	cfg      config.Config
	cache    *cache.Manager
	registry *adapter.Registry
	pipe     *pipeline.Pipeline
	persist  PersistenceStore // optional
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu         sync.Mutex
	strategies map[string]selection.Strategy
}

// MaxBatchConcurrency caps simultaneous per-symbol lookups in one batch.
const MaxBatchConcurrency = 8

func New(cfg config.Config, cm *cache.Manager, reg *adapter.Registry, pipe *pipeline.Pipeline, persist PersistenceStore, m *metrics.Metrics, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Aggregator{
		cfg:        cfg,
		cache:      cm,
		registry:   reg,
		pipe:       pipe,
		persist:    persist,
		metrics:    m,
		log:        log,
		strategies: make(map[string]selection.Strategy),
	}
}

func (a *Aggregator) strategyFor(name string) selection.Strategy {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.strategies[name]; ok {
		return s
	}
	s := selection.ForCategory(name, a.registry, a.metrics, a.log)
	a.strategies[name] = s
	return s
}

// Fetch resolves a batch of queries. The result preserves input symbol order;
// a per-symbol failure never fails sibling symbols, and cache or persistence
// trouble never fails a query whose data was obtained.
func (a *Aggregator) Fetch(ctx context.Context, queries []quote.Query) quote.BatchResult {
	batchID := uuid.NewString()
	log := a.log.With(zap.String("batch_id", batchID))

	results := make([]quote.Result, len(queries))
	var (
		warnMu   sync.Mutex
		warnings []string
	)
	addWarning := func(w string) {
		warnMu.Lock()
		warnings = append(warnings, w)
		warnMu.Unlock()
	}

	sem := make(chan struct{}, MaxBatchConcurrency)
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, q quote.Query) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = a.one(ctx, q, log, addWarning)
		}(i, q)
	}
	wg.Wait()

	return quote.BatchResult{Results: results, Warnings: warnings}
}

func (a *Aggregator) one(ctx context.Context, q quote.Query, log *zap.Logger, addWarning func(string)) quote.Result {
	cat := a.cfg.Category(string(q.Category()))
	key := q.CacheKey()

	fetched := false
	records, lookup, err := a.cache.GetOrFetch(ctx, key, cat.TTL(), cat.Staleness(), cat.AsyncRefresh, func(fctx context.Context) ([]quote.Record, error) {
		fetched = true
		return a.fetchFresh(fctx, q, cat, log)
	})
	if err != nil {
		log.Warn("query failed", zap.String("symbol", q.Symbol), zap.Error(err))
		return quote.Result{Symbol: q.Symbol, Err: err}
	}

	rec := pick(records, q.Symbol)
	if rec == nil {
		return quote.Result{
			Symbol: q.Symbol,
			Err:    fmt.Errorf("no valid record for %s", q.Symbol),
		}
	}

	res := quote.Result{Symbol: q.Symbol, Record: rec}
	if !fetched && lookup.Tier != "" {
		res.CacheHit = true
		res.Tier = lookup.Tier
		res.Age = lookup.Age
	}

	if fetched && a.persist != nil {
		if err := a.persist.UpsertQuotes(ctx, records); err != nil {
			perr := &quote.PersistenceError{Err: err}
			log.Warn("persistence write failed", zap.String("symbol", q.Symbol), zap.Error(err))
			addWarning(perr.Error())
		}
	}
	return res
}

// fetchFresh runs selection and the pipeline under the category's
// query-level timeout. It only runs inside the cache single-flight, so N
// concurrent missers cost one upstream fetch.
func (a *Aggregator) fetchFresh(ctx context.Context, q quote.Query, cat config.Category, log *zap.Logger) ([]quote.Record, error) {
	timeout := cat.QueryTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		a.metrics.FetchDuration.WithLabelValues(string(q.Category())).Observe(time.Since(start).Seconds())
	}()

	payloads, err := a.strategyFor(cat.Strategy).Fetch(fctx, q)
	if err != nil {
		return nil, err
	}

	records := a.pipe.Run(fctx, []quote.Query{q}, payloads)
	if len(records) == 0 {
		return nil, fmt.Errorf("no valid record for %s", q.Symbol)
	}
	log.Debug("fetched fresh",
		zap.String("symbol", q.Symbol),
		zap.String("source", records[0].Source),
		zap.Duration("took", time.Since(start)))
	return records, nil
}

// FetchWatchlist seeds a batch from the watchlist collaborator.
func (a *Aggregator) FetchWatchlist(ctx context.Context, wl WatchlistStore) (quote.BatchResult, error) {
	queries, err := wl.Watchlist(ctx)
	if err != nil {
		return quote.BatchResult{}, err
	}
	return a.Fetch(ctx, queries), nil
}

func pick(records []quote.Record, symbol string) *quote.Record {
	for i := range records {
		if records[i].Symbol == symbol {
			return &records[i]
		}
	}
	return nil
}
