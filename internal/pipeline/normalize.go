package pipeline

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quotefeed/internal/quote"
)

// FieldMap maps canonical field names to provider-native field keys for one
// adapter, e.g. {"price": "data.current", "quote_time": "data.ts"}.
// Special entries:
//   - "price_scale": decimal factor applied to price and change_pct, for
//     providers quoting in a different denomination (fen vs yuan, cents).
//   - "currency": constant currency code when the provider omits one.
type FieldMap map[string]string

// Normalizer maps provider-native payloads into canonical records and brings
// all timestamps to UTC.
type Normalizer struct {
	FieldMaps map[string]FieldMap // adapter id -> field map
	Ranks     map[string]int      // adapter id -> priority rank
	Log       *zap.Logger
}

func (n *Normalizer) Normalize(queries []quote.Query, payloads []quote.RawPayload) []quote.Record {
	bySymbol := make(map[string]quote.Query, len(queries))
	for _, q := range queries {
		bySymbol[q.Symbol] = q
	}

	out := make([]quote.Record, 0, len(payloads))
	for _, p := range payloads {
		rec, ok := n.one(bySymbol, p)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (n *Normalizer) one(bySymbol map[string]quote.Query, p quote.RawPayload) (quote.Record, bool) {
	fm := n.FieldMaps[p.Source]
	if fm == nil {
		// identity mapping: payload already uses canonical field names
		fm = FieldMap{}
	}

	field := func(canonical string) (string, bool) {
		key, ok := fm[canonical]
		if !ok {
			key = canonical
		}
		v, ok := p.Field(key)
		return v, ok && strings.TrimSpace(v) != ""
	}

	symbol, _ := field("symbol")
	symbol = strings.TrimSpace(symbol)

	rec := quote.Record{
		Symbol:     symbol,
		Source:     p.Source,
		SourceRank: n.Ranks[p.Source],
	}
	if q, ok := bySymbol[symbol]; ok {
		rec.Type = q.Type
		rec.Market = q.Market
	}

	if v, ok := field("name"); ok {
		rec.Name = strings.TrimSpace(v)
	}

	scale := decimal.NewFromInt(1)
	if v, ok := fm["price_scale"]; ok {
		if s, err := decimal.NewFromString(v); err == nil && !s.IsZero() {
			scale = s
		}
	}

	if v, ok := field("price"); ok {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			rec.Price = d.Mul(scale)
		} else if n.Log != nil {
			n.Log.Debug("unparsable price", zap.String("source", p.Source), zap.String("symbol", symbol), zap.String("value", v))
		}
	}
	if v, ok := field("change_pct"); ok {
		if d, err := decimal.NewFromString(strings.TrimSpace(v)); err == nil {
			scaled := d.Mul(scale)
			rec.ChangePct = &scaled
		}
	}
	if v, ok := field("volume"); ok {
		if iv, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			rec.Volume = &iv
		}
	}
	if v, ok := field("currency"); ok {
		rec.Currency = strings.ToUpper(strings.TrimSpace(v))
	} else if c, ok := fm["currency"]; ok && !strings.Contains(c, ".") {
		rec.Currency = strings.ToUpper(c)
	}
	if v, ok := field("exchange"); ok {
		rec.Exchange = strings.TrimSpace(v)
	}

	// No fabricated timestamps: a payload without a parseable quote_time keeps
	// a zero QuoteTime and is dropped by validation.
	if v, ok := field("quote_time"); ok {
		rec.QuoteTime = parseTime(strings.TrimSpace(v))
	}

	return rec, rec.Symbol != ""
}

// timeLayouts are tried in order; all results are converted to UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	// unix seconds or milliseconds
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	}
	return time.Time{}
}
