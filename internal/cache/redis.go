package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quotefeed/internal/quote"
)

// RedisTier is the tier1 implementation backed by a shared Redis instance.
// Expiry is enforced server-side via SETEX-style TTLs.
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier connects and pings. A failed ping is returned so the caller
// can decide to run tier2-only; it is not fatal to the engine.
func NewRedisTier(ctx context.Context, addr, password string, db int, prefix string) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", quote.ErrCacheUnavailable, err)
	}
	return &RedisTier{client: client, prefix: prefix}, nil
}

func (r *RedisTier) key(k string) string { return r.prefix + k }

func (r *RedisTier) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", quote.ErrCacheUnavailable, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// poisoned entry: treat as miss and drop it
		_ = r.client.Del(ctx, r.key(key)).Err()
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", quote.ErrCacheUnavailable, err)
	}
	return nil
}

func (r *RedisTier) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", quote.ErrCacheUnavailable, err)
	}
	return nil
}

func (r *RedisTier) Close() error { return r.client.Close() }
