package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"quotefeed/internal/adapter"
	"quotefeed/internal/adapter/httpjson"
	"quotefeed/internal/adapter/ratelimit"
	"quotefeed/internal/cache"
	"quotefeed/internal/config"
	"quotefeed/internal/httpx"
	"quotefeed/internal/metrics"
	"quotefeed/internal/pipeline"
	"quotefeed/internal/quote"
	"quotefeed/internal/store"
)

// Engine bundles a built Aggregator with the resources backing it.
type Engine struct {
	Aggregator *Aggregator
	Store      *store.Store // nil when persistence is disabled
	cache      *cache.Manager
}

// Close flushes and releases cache and store connections.
func (e *Engine) Close() error {
	var first error
	if err := e.cache.Close(); err != nil {
		first = err
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build constructs the full engine from configuration: adapters behind their
// rate-limit decorators, the registry, both cache tiers and the pipeline.
// A tier1 connection failure is logged and the engine runs tier2-only.
func Build(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}

	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

	registry := adapter.NewRegistry()
	fieldMaps := make(map[string]pipeline.FieldMap, len(cfg.Adapters))
	ranks := make(map[string]int, len(cfg.Adapters))

	for _, ac := range cfg.Adapters {
		headers := map[string]string{}
		if ac.APIKey != "" {
			headers["Authorization"] = "Bearer " + ac.APIKey
		}
		var a adapter.Adapter = httpjson.New(httpjson.Config{
			ID:             ac.ID,
			URL:            ac.Endpoint,
			Method:         ac.Method,
			Headers:        headers,
			MaxConcurrency: ac.MaxConcurrency,
		}, httpClient)

		if ac.MaxRPM > 0 {
			rate := float64(ac.MaxRPM) / 60.0
			burst := ac.Burst
			if burst <= 0 {
				burst = 1
			}
			a = &ratelimit.Limited{A: a, TB: ratelimit.NewTokenBucket(rate, burst)}
		}
		a = ratelimit.NewGate(a, int64(ac.MaxConcurrency))

		types := make([]quote.AssetType, 0, len(ac.AssetTypes))
		for _, t := range ac.AssetTypes {
			types = append(types, quote.AssetType(t))
		}
		markets := make([]quote.Market, 0, len(ac.Markets))
		for _, mk := range ac.Markets {
			markets = append(markets, quote.Market(mk))
		}
		registry.Register(adapter.Descriptor{
			ID:         ac.ID,
			AssetTypes: types,
			Markets:    markets,
			Priority:   ac.Priority,
			AvgLatency: time.Duration(ac.AvgLatencyMS) * time.Millisecond,
		}, a)

		fm := pipeline.FieldMap{}
		for k, v := range ac.FieldMap {
			fm[k] = v
		}
		if ac.Currency != "" {
			if _, ok := fm["currency"]; !ok {
				fm["currency"] = ac.Currency
			}
		}
		fieldMaps[ac.ID] = fm
		ranks[ac.ID] = ac.Priority
	}

	var tier1 cache.Tier1
	if cfg.Redis.Enabled {
		rt, err := cache.NewRedisTier(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			log.Warn("tier1 redis unavailable, running tier2-only", zap.Error(err))
		} else {
			tier1 = rt
		}
	}
	if tier1 == nil {
		tier1 = cache.NewMemoryTier(10000)
	}

	var tier2 cache.Tier2
	if cfg.Tier2.Enabled {
		st, err := cache.NewSQLiteTier(cfg.Tier2.Path)
		if err != nil {
			return nil, err
		}
		tier2 = st
	}

	cm := cache.NewManager(tier1, tier2, m, log)

	var (
		st      *store.Store
		persist PersistenceStore
		lookup  pipeline.Lookup
	)
	if cfg.Persistence.Enabled {
		var err error
		st, err = store.Open(cfg.Persistence.Path)
		if err != nil {
			return nil, err
		}
		persist = st
		lookup = st
	}

	pipe := pipeline.New(fieldMaps, ranks, lookup, m, log)
	agg := New(cfg, cm, registry, pipe, persist, m, log)
	return &Engine{Aggregator: agg, Store: st, cache: cm}, nil
}
