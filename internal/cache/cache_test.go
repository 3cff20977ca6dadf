package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"quotefeed/internal/quote"
)

type memTier2 struct {
	mu    sync.Mutex
	items map[string]Entry
}

func newMemTier2() *memTier2 { return &memTier2{items: make(map[string]Entry)} }

func (m *memTier2) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	return e, ok, nil
}

func (m *memTier2) Set(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = e
	return nil
}

func (m *memTier2) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memTier2) Close() error { return nil }

// brokenTier1 simulates a tier1 connectivity outage.
type brokenTier1 struct{}

func (brokenTier1) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, quote.ErrCacheUnavailable
}
func (brokenTier1) Set(context.Context, string, Entry, time.Duration) error {
	return quote.ErrCacheUnavailable
}
func (brokenTier1) Del(context.Context, string) error { return quote.ErrCacheUnavailable }

func record(symbol string) quote.Record {
	return quote.Record{
		Symbol:    symbol,
		Type:      quote.TypeStock,
		Price:     decimal.RequireFromString("150.0"),
		QuoteTime: time.Now().UTC(),
		Source:    "test",
	}
}

func TestManager_PutThenGet_Tier1Hit(t *testing.T) {
	m := NewManager(NewMemoryTier(100), newMemTier2(), nil, nil)
	ctx := context.Background()

	m.Put(ctx, "quote:AAPL", []quote.Record{record("AAPL")}, time.Minute)

	lk, ok := m.Get(ctx, "quote:AAPL", time.Hour)
	require.True(t, ok)
	require.Equal(t, "tier1", lk.Tier)
	require.Len(t, lk.Entry.Records, 1)
	require.Equal(t, "AAPL", lk.Entry.Records[0].Symbol)
}

func TestManager_Tier1Expiry_ServedFromTier2WithAge(t *testing.T) {
	t1 := NewMemoryTier(100)
	t2 := newMemTier2()
	m := NewManager(t1, t2, nil, nil)
	ctx := context.Background()

	m.Put(ctx, "quote:AAPL", []quote.Record{record("AAPL")}, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	lk, ok := m.Get(ctx, "quote:AAPL", time.Hour)
	require.True(t, ok, "tier2 should still hold the entry")
	require.Equal(t, "tier2", lk.Tier)
	require.Greater(t, lk.Age, time.Duration(0))
}

func TestManager_Tier2OutsideStalenessWindow_IsMiss(t *testing.T) {
	t2 := newMemTier2()
	m := NewManager(NewMemoryTier(100), t2, nil, nil)
	ctx := context.Background()

	// plant an old tier2 entry directly
	old := Entry{Key: "quote:AAPL", Records: []quote.Record{record("AAPL")}, StoredAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, t2.Set(ctx, "quote:AAPL", old))

	_, ok := m.Get(ctx, "quote:AAPL", time.Hour)
	require.False(t, ok)
}

func TestManager_Tier1Outage_DegradesToTier2(t *testing.T) {
	m := NewManager(brokenTier1{}, newMemTier2(), nil, nil)
	ctx := context.Background()

	// put must not fail even though tier1 rejects the write
	m.Put(ctx, "quote:AAPL", []quote.Record{record("AAPL")}, time.Minute)

	lk, ok := m.Get(ctx, "quote:AAPL", time.Hour)
	require.True(t, ok)
	require.Equal(t, "tier2", lk.Tier)
}

func TestManager_Invalidate(t *testing.T) {
	m := NewManager(NewMemoryTier(100), newMemTier2(), nil, nil)
	ctx := context.Background()

	m.Put(ctx, "quote:AAPL", []quote.Record{record("AAPL")}, time.Minute)
	m.Invalidate(ctx, "quote:AAPL")

	_, ok := m.Get(ctx, "quote:AAPL", time.Hour)
	require.False(t, ok)
}

func TestGetOrFetch_SingleFlight(t *testing.T) {
	m := NewManager(NewMemoryTier(100), newMemTier2(), nil, nil)
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(context.Context) ([]quote.Record, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []quote.Record{record("AAPL")}, nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([][]quote.Record, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = m.GetOrFetch(ctx, "quote:AAPL", time.Minute, time.Hour, false, fetch)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), fetches.Load(), "concurrent missers must collapse into one upstream fetch")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		require.Equal(t, "AAPL", results[i][0].Symbol)
	}
}

func TestGetOrFetch_HitSkipsFetch(t *testing.T) {
	m := NewManager(NewMemoryTier(100), newMemTier2(), nil, nil)
	ctx := context.Background()
	m.Put(ctx, "quote:AAPL", []quote.Record{record("AAPL")}, time.Minute)

	records, lk, err := m.GetOrFetch(ctx, "quote:AAPL", time.Minute, time.Hour, false, func(context.Context) ([]quote.Record, error) {
		t.Fatal("fetch must not run on a cache hit")
		return nil, nil
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tier1", lk.Tier)
}

// lateTier1 forces the first Get to miss so the single-flight re-check is the
// one that finds the entry.
type lateTier1 struct {
	Tier1
	gets atomic.Int32
}

func (l *lateTier1) Get(ctx context.Context, key string) (Entry, bool, error) {
	if l.gets.Add(1) == 1 {
		return Entry{}, false, nil
	}
	return l.Tier1.Get(ctx, key)
}

func TestGetOrFetch_FlightRecheckKeepsCacheProvenance(t *testing.T) {
	t1 := &lateTier1{Tier1: NewMemoryTier(100)}
	m := NewManager(t1, nil, nil, nil)
	ctx := context.Background()

	m.Put(ctx, "quote:AAPL", []quote.Record{record("AAPL")}, time.Minute)

	records, lk, err := m.GetOrFetch(ctx, "quote:AAPL", time.Minute, time.Hour, false, func(context.Context) ([]quote.Record, error) {
		t.Fatal("fetch must not run when the re-check finds the entry")
		return nil, nil
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tier1", lk.Tier, "a flight answered from cache must report where the data came from")
	require.GreaterOrEqual(t, lk.Age, time.Duration(0))
}

func TestGetOrFetch_FetchErrorSharedByAllCallers(t *testing.T) {
	m := NewManager(NewMemoryTier(100), newMemTier2(), nil, nil)
	ctx := context.Background()

	wantErr := errors.New("upstream down")
	var fetches atomic.Int32
	fetch := func(context.Context) ([]quote.Record, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = m.GetOrFetch(ctx, "quote:AAPL", time.Minute, time.Hour, false, fetch)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), fetches.Load())
	for _, err := range errs {
		require.ErrorIs(t, err, wantErr)
	}
	// a failed flight must not populate the cache
	_, ok := m.Get(ctx, "quote:AAPL", time.Hour)
	require.False(t, ok)
}

func TestGetOrFetch_Tier2ServeTriggersAsyncRefresh(t *testing.T) {
	t1 := NewMemoryTier(100)
	t2 := newMemTier2()
	m := NewManager(t1, t2, nil, nil)
	ctx := context.Background()

	// tier1 empty, tier2 holds a stale-but-servable entry
	stale := Entry{Key: "quote:AAPL", Records: []quote.Record{record("AAPL")}, StoredAt: time.Now().Add(-time.Minute)}
	require.NoError(t, t2.Set(ctx, "quote:AAPL", stale))

	refreshed := make(chan struct{})
	records, lk, err := m.GetOrFetch(ctx, "quote:AAPL", time.Minute, time.Hour, true, func(context.Context) ([]quote.Record, error) {
		close(refreshed)
		return []quote.Record{record("AAPL")}, nil
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "tier2", lk.Tier, "caller is served the tier2 entry without blocking")

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never ran")
	}
}
