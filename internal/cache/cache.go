package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quotefeed/internal/metrics"
	"quotefeed/internal/quote"
)

// Entry is one cached batch of canonical records. Entries are immutable once
// stored; a refresh replaces, never mutates in place.
type Entry struct {
	Key      string         `json:"key"`
	Records  []quote.Record `json:"records"`
	StoredAt time.Time      `json:"stored_at"`
}

// Age returns how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.StoredAt) }

// Tier1 is the low-latency shared tier. Entries expire by TTL. Any error is
// an availability problem, not a query failure: the manager degrades to miss.
type Tier1 interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Tier2 is the durable local tier. Entries never hard-expire; the manager
// applies the staleness window at read time.
type Tier2 interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
	Del(ctx context.Context, key string) error
	Close() error
}

// Lookup is the result of a cache read: where it came from and how old it is.
type Lookup struct {
	Entry Entry
	Tier  string // "tier1" or "tier2"
	Age   time.Duration
}

// FetchFunc produces fresh records for a key on a cache miss.
type FetchFunc func(ctx context.Context) ([]quote.Record, error)

// Manager is the tiered read-through/write-through cache in front of all
// adapter calls. Either tier may be nil; a tier1 outage degrades transparently
// to tier2-only operation and never fails a query.
type Manager struct {
	tier1 Tier1
	tier2 Tier2

	group   singleflight.Group
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewManager(t1 Tier1, t2 Tier2, m *metrics.Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{tier1: t1, tier2: t2, log: log, metrics: m, now: time.Now}
}

// Get checks tier1 then tier2. A tier2 entry outside the staleness window
// counts as a miss. Tier errors are logged and treated as misses.
func (m *Manager) Get(ctx context.Context, key string, staleness time.Duration) (Lookup, bool) {
	now := m.now()

	if m.tier1 != nil {
		e, ok, err := m.tier1.Get(ctx, key)
		if err != nil {
			m.log.Warn("tier1 read failed, degrading to tier2", zap.String("key", key), zap.Error(err))
		} else if ok {
			m.metrics.CacheHits.WithLabelValues("tier1").Inc()
			return Lookup{Entry: e, Tier: "tier1", Age: e.Age(now)}, true
		}
	}

	if m.tier2 != nil {
		e, ok, err := m.tier2.Get(ctx, key)
		if err != nil {
			m.log.Warn("tier2 read failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			age := e.Age(now)
			if staleness <= 0 || age <= staleness {
				m.metrics.CacheHits.WithLabelValues("tier2").Inc()
				return Lookup{Entry: e, Tier: "tier2", Age: age}, true
			}
		}
	}

	m.metrics.CacheMisses.Inc()
	return Lookup{}, false
}

// Put writes to both tiers. Failures are logged, never returned: a cache
// outage must not fail a query whose data was already fetched.
func (m *Manager) Put(ctx context.Context, key string, records []quote.Record, ttl time.Duration) {
	e := Entry{Key: key, Records: records, StoredAt: m.now()}

	if m.tier1 != nil {
		if err := m.tier1.Set(ctx, key, e, ttl); err != nil {
			m.log.Warn("tier1 write skipped", zap.String("key", key), zap.Error(err))
		}
	}
	if m.tier2 != nil {
		if err := m.tier2.Set(ctx, key, e); err != nil {
			m.log.Warn("tier2 write failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Invalidate removes the key from both tiers.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	if m.tier1 != nil {
		if err := m.tier1.Del(ctx, key); err != nil {
			m.log.Warn("tier1 delete failed", zap.String("key", key), zap.Error(err))
		}
	}
	if m.tier2 != nil {
		if err := m.tier2.Del(ctx, key); err != nil {
			m.log.Warn("tier2 delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// GetOrFetch is the read-through path. Concurrent callers that miss on the
// same key collapse into exactly one upstream fetch; every caller receives
// that fetch's outcome. A fresh tier1 hit, or a tier2 entry inside the
// staleness window, short-circuits the fetch entirely; asyncRefresh makes a
// tier2-served read trigger a best-effort background refresh.
func (m *Manager) GetOrFetch(ctx context.Context, key string, ttl, staleness time.Duration, asyncRefresh bool, fetch FetchFunc) ([]quote.Record, Lookup, error) {
	if lk, ok := m.Get(ctx, key, staleness); ok {
		if lk.Tier == "tier2" && asyncRefresh {
			m.refreshAsync(key, ttl, fetch)
		}
		return lk.Entry.Records, lk, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have populated the
		// key while this one queued.
		if lk, ok := m.Get(ctx, key, staleness); ok {
			return flightResult{records: lk.Entry.Records, lookup: lk}, nil
		}
		records, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.Put(ctx, key, records, ttl)
		return flightResult{records: records}, nil
	})
	if err != nil {
		return nil, Lookup{}, err
	}
	fr := v.(flightResult)
	if fr.lookup.Tier == "tier2" && asyncRefresh {
		m.refreshAsync(key, ttl, fetch)
	}
	return fr.records, fr.lookup, nil
}

// flightResult carries cache provenance out of the single-flight so callers
// joined to a flight that was answered from cache still see tier and age.
type flightResult struct {
	records []quote.Record
	lookup  Lookup
}

// refreshAsync refreshes a stale-served key in the background. Best effort:
// shares the single-flight group with foreground fetches, failures only log.
func (m *Manager) refreshAsync(key string, ttl time.Duration, fetch FetchFunc) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err, _ := m.group.Do(key, func() (any, error) {
			records, err := fetch(ctx)
			if err != nil {
				return nil, err
			}
			m.Put(ctx, key, records, ttl)
			return records, nil
		})
		if err != nil {
			m.log.Debug("background refresh failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// Close releases tier resources.
func (m *Manager) Close() error {
	if m.tier2 != nil {
		return m.tier2.Close()
	}
	return nil
}
