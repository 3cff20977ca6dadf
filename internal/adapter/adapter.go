package adapter

import (
	"context"
	"time"

	"quotefeed/internal/quote"
)

//go:generate mockgen -package=adapter -destination=mock_adapter.go -source=adapter.go Adapter

// Adapter is the uniform contract wrapping one external provider. A call
// returns one RawPayload per symbol it could resolve; parsing details live
// behind this contract and are swappable.
type Adapter interface {
	ID() string
	Fetch(ctx context.Context, queries []quote.Query) ([]quote.RawPayload, error)
}

// Descriptor declares an adapter's capabilities and ordering. Registered once
// at startup; the registry may demote effective priority on repeated failure
// but the registered set is fixed for the process lifetime.
type Descriptor struct {
	ID         string
	AssetTypes []quote.AssetType
	Markets    []quote.Market
	Priority   int // lower = tried first
	AvgLatency time.Duration
}

// Supports reports whether the descriptor covers both the asset type and the
// market of the query.
func (d Descriptor) Supports(q quote.Query) bool {
	return contains(d.AssetTypes, q.Type) && contains(d.Markets, q.Market)
}

func contains[T comparable](s []T, v T) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
