package pipeline

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"quotefeed/internal/metrics"
	"quotefeed/internal/quote"
)

// Validate drops records missing a required field or carrying a semantically
// invalid value. Drops are logged with a reason and counted, never raised:
// sibling records in the batch are unaffected.
func Validate(m *metrics.Metrics, log *zap.Logger) Stage {
	return func(_ context.Context, batch []quote.Record) []quote.Record {
		out := batch[:0]
		for _, r := range batch {
			if reason := invalidReason(r); reason != "" {
				m.RecordsDropped.Inc()
				log.Info("record dropped",
					zap.String("source", r.Source),
					zap.Error(&quote.ValidationError{Symbol: r.Symbol, Reason: reason}))
				continue
			}
			out = append(out, r)
		}
		return out
	}
}

func invalidReason(r quote.Record) string {
	switch {
	case r.Symbol == "":
		return "missing symbol"
	case r.QuoteTime.IsZero():
		return "missing quote_time"
	case pricePositive(r.Type) && !r.Price.IsPositive():
		return "non-positive price"
	case r.Price.IsNegative():
		return "negative price"
	}
	return ""
}

// pricePositive reports whether the asset type requires a strictly positive
// price. Index-style series may legitimately rest at zero.
func pricePositive(t quote.AssetType) bool {
	switch t {
	case quote.TypeGPR:
		return false
	default:
		return true
	}
}

// Lookup supplies optional display fields from a local secondary source.
type Lookup interface {
	Describe(symbol string) (name, exchange string, ok bool)
}

// StaticLookup is a map-backed Lookup.
type StaticLookup map[string]struct{ Name, Exchange string }

func (s StaticLookup) Describe(symbol string) (string, string, bool) {
	d, ok := s[symbol]
	return d.Name, d.Exchange, ok
}

// Enrich is best-effort: it fills absent optional fields from the lookup and
// never drops a record. A nil lookup disables the stage.
func Enrich(lookup Lookup) Stage {
	return func(_ context.Context, batch []quote.Record) []quote.Record {
		if lookup == nil {
			return batch
		}
		for i := range batch {
			if batch[i].Name != "" && batch[i].Exchange != "" {
				continue
			}
			name, exchange, ok := lookup.Describe(batch[i].Symbol)
			if !ok {
				continue
			}
			if batch[i].Name == "" {
				batch[i].Name = name
			}
			if batch[i].Exchange == "" {
				batch[i].Exchange = exchange
			}
		}
		return batch
	}
}

// Merge collapses multiple records per symbol into one. The record with the
// newest quote_time wins; equal quote_times resolve by adapter priority rank.
// Optional fields absent on the winner are backfilled from the
// next-most-recent candidate that has them; populated winner fields are never
// overwritten. Symbol order of first appearance is preserved.
func Merge() Stage {
	return func(_ context.Context, batch []quote.Record) []quote.Record {
		order := make([]string, 0, len(batch))
		groups := make(map[string][]quote.Record, len(batch))
		for _, r := range batch {
			if _, seen := groups[r.Symbol]; !seen {
				order = append(order, r.Symbol)
			}
			groups[r.Symbol] = append(groups[r.Symbol], r)
		}

		out := make([]quote.Record, 0, len(order))
		for _, sym := range order {
			out = append(out, mergeOne(groups[sym]))
		}
		return out
	}
}

func mergeOne(candidates []quote.Record) quote.Record {
	if len(candidates) == 1 {
		return candidates[0]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].QuoteTime.Equal(candidates[j].QuoteTime) {
			return candidates[i].QuoteTime.After(candidates[j].QuoteTime)
		}
		return candidates[i].SourceRank < candidates[j].SourceRank
	})

	winner := candidates[0]
	for _, c := range candidates[1:] {
		if winner.Name == "" {
			winner.Name = c.Name
		}
		if winner.ChangePct == nil {
			winner.ChangePct = c.ChangePct
		}
		if winner.Volume == nil {
			winner.Volume = c.Volume
		}
		if winner.Currency == "" {
			winner.Currency = c.Currency
		}
		if winner.Exchange == "" {
			winner.Exchange = c.Exchange
		}
	}
	return winner
}
