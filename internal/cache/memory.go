package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	expiresAt time.Time
	entry     Entry
}

// MemoryTier is an in-process tier1 for redis-less runs and tests. Same TTL
// semantics as the Redis tier, per-process only.
type MemoryTier struct {
	MaxItems int

	mu    sync.RWMutex
	items map[string]memEntry
}

func NewMemoryTier(maxItems int) *MemoryTier {
	return &MemoryTier{MaxItems: maxItems, items: make(map[string]memEntry)}
}

func (m *MemoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memEntry{expiresAt: time.Now().Add(ttl), entry: e}

	// best-effort cap: drop expired first, then arbitrary
	if m.MaxItems > 0 && len(m.items) > m.MaxItems {
		now := time.Now()
		for k, v := range m.items {
			if now.After(v.expiresAt) {
				delete(m.items, k)
			}
			if len(m.items) <= m.MaxItems {
				break
			}
		}
		for k := range m.items {
			if len(m.items) <= m.MaxItems {
				break
			}
			delete(m.items, k)
		}
	}
	return nil
}

func (m *MemoryTier) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}
