package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quotefeed/internal/metrics"
	"quotefeed/internal/quote"
)

var (
	tT1 = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	tT2 = tT1.Add(time.Hour)
)

func usQuery(symbol string) quote.Query {
	return quote.Query{Symbol: symbol, Type: quote.TypeStock, Market: quote.MarketUS}
}

func rawWith(source, symbol string, fields map[string]string) quote.RawPayload {
	f := map[string]string{"symbol": symbol}
	for k, v := range fields {
		f[k] = v
	}
	return quote.RawPayload{Source: source, FetchedAt: tT2, Fields: f}
}

func TestNormalize_FieldMapAndUnits(t *testing.T) {
	n := &Normalizer{
		FieldMaps: map[string]FieldMap{
			"sina": {
				"price":       "data.current",
				"change_pct":  "data.chg",
				"quote_time":  "data.ts",
				"name":        "data.name",
				"price_scale": "0.01", // provider quotes in fen
				"currency":    "CNY",
			},
		},
		Ranks: map[string]int{"sina": 1},
	}

	payload := quote.RawPayload{Source: "sina", FetchedAt: tT2, Fields: map[string]string{
		"symbol":       "600519",
		"data.current": "170550",
		"data.chg":     "125",
		"data.ts":      "2025-03-10 09:30:00",
		"data.name":    "贵州茅台",
	}}
	out := n.Normalize([]quote.Query{{Symbol: "600519", Type: quote.TypeStock, Market: quote.MarketCN}}, []quote.RawPayload{payload})
	require.Len(t, out, 1)

	rec := out[0]
	require.Equal(t, "600519", rec.Symbol)
	require.Equal(t, quote.MarketCN, rec.Market)
	require.True(t, rec.Price.Equal(decimal.RequireFromString("1705.50")), "price scaled into yuan, got %s", rec.Price)
	require.NotNil(t, rec.ChangePct)
	require.True(t, rec.ChangePct.Equal(decimal.RequireFromString("1.25")))
	require.Equal(t, "CNY", rec.Currency)
	require.Equal(t, "贵州茅台", rec.Name)
	require.Equal(t, tT1, rec.QuoteTime)
	require.Equal(t, 1, rec.SourceRank)
}

func TestNormalize_TimestampFormatsConvergeToUTC(t *testing.T) {
	n := &Normalizer{Ranks: map[string]int{}}
	cases := map[string]string{
		"rfc3339": "2025-03-10T17:30:00+08:00",
		"unix":    "1741599000",
		"millis":  "1741599000000",
	}
	for name, ts := range cases {
		payload := rawWith("src", "AAPL", map[string]string{"price": "10", "quote_time": ts})
		out := n.Normalize([]quote.Query{usQuery("AAPL")}, []quote.RawPayload{payload})
		require.Len(t, out, 1, name)
		require.Equal(t, time.UTC, out[0].QuoteTime.Location(), name)
		require.False(t, out[0].QuoteTime.IsZero(), name)
	}
}

func TestNormalize_MissingQuoteTimeStaysZero(t *testing.T) {
	n := &Normalizer{Ranks: map[string]int{}}
	payload := rawWith("src", "AAPL", map[string]string{"price": "10"})
	out := n.Normalize([]quote.Query{usQuery("AAPL")}, []quote.RawPayload{payload})
	require.Len(t, out, 1)
	require.True(t, out[0].QuoteTime.IsZero(), "no quote_time means no timestamp, never the fetch time")
}

func TestPipeline_MissingQuoteTimeIsDropped(t *testing.T) {
	p := New(map[string]FieldMap{"src": {}}, map[string]int{"src": 1}, nil, nil, nil)

	payloads := []quote.RawPayload{
		rawWith("src", "AAPL", map[string]string{"price": "150.0"}),
	}
	out := p.Run(context.Background(), []quote.Query{usQuery("AAPL")}, payloads)
	require.Empty(t, out, "a record without a provider timestamp must not survive validation")
}

func TestValidate_DropsInvalidKeepsSiblings(t *testing.T) {
	v := Validate(metrics.Nop(), zap.NewNop())
	batch := []quote.Record{
		{Symbol: "GOOD", Type: quote.TypeStock, Price: decimal.RequireFromString("10"), QuoteTime: tT1},
		{Symbol: "NOPRICE", Type: quote.TypeStock, QuoteTime: tT1},
		{Symbol: "NOTIME", Type: quote.TypeStock, Price: decimal.RequireFromString("10")},
		{Symbol: "NEGATIVE", Type: quote.TypeStock, Price: decimal.RequireFromString("-1"), QuoteTime: tT1},
		{Symbol: "", Type: quote.TypeStock, Price: decimal.RequireFromString("10"), QuoteTime: tT1},
	}
	out := v(context.Background(), batch)
	require.Len(t, out, 1)
	require.Equal(t, "GOOD", out[0].Symbol)
}

func TestValidate_GPRIndexMayBeZero(t *testing.T) {
	v := Validate(metrics.Nop(), zap.NewNop())
	batch := []quote.Record{
		{Symbol: "GPR", Type: quote.TypeGPR, QuoteTime: tT1},
	}
	out := v(context.Background(), batch)
	require.Len(t, out, 1)
}

func TestEnrich_BestEffortNeverDrops(t *testing.T) {
	lookup := StaticLookup{
		"600519": {Name: "Kweichow Moutai", Exchange: "SSE"},
	}
	e := Enrich(lookup)
	batch := []quote.Record{
		{Symbol: "600519", Price: decimal.RequireFromString("1700"), QuoteTime: tT1},
		{Symbol: "UNKNOWN", Price: decimal.RequireFromString("1"), QuoteTime: tT1},
		{Symbol: "600519", Name: "already named", Price: decimal.RequireFromString("1700"), QuoteTime: tT1},
	}
	out := e(context.Background(), batch)
	require.Len(t, out, 3)
	require.Equal(t, "Kweichow Moutai", out[0].Name)
	require.Equal(t, "SSE", out[0].Exchange)
	require.Empty(t, out[1].Name, "missing lookup leaves the field absent")
	require.Equal(t, "already named", out[2].Name, "populated fields are never overwritten")
}

func TestMerge_NewestWinsWithBackfill(t *testing.T) {
	chg := decimal.RequireFromString("2.5")
	vol := int64(1000)
	older := quote.Record{
		Symbol: "AAPL", Price: decimal.RequireFromString("148.0"), QuoteTime: tT1,
		Name: "Apple Inc.", ChangePct: &chg, Volume: &vol, Source: "slow", SourceRank: 2,
	}
	newer := quote.Record{
		Symbol: "AAPL", Price: decimal.RequireFromString("150.0"), QuoteTime: tT2,
		Source: "fast", SourceRank: 1,
	}

	out := Merge()(context.Background(), []quote.Record{older, newer})
	require.Len(t, out, 1)

	got := out[0]
	require.True(t, got.Price.Equal(decimal.RequireFromString("150.0")), "winner price comes from the newest record")
	require.Equal(t, tT2, got.QuoteTime)
	require.Equal(t, "fast", got.Source)
	require.Equal(t, "Apple Inc.", got.Name, "nil winner fields backfilled from older candidate")
	require.NotNil(t, got.ChangePct)
	require.True(t, got.ChangePct.Equal(chg))
	require.NotNil(t, got.Volume)
	require.Equal(t, vol, *got.Volume)
}

func TestMerge_WinnerFieldsNeverOverwritten(t *testing.T) {
	oldChg := decimal.RequireFromString("9.9")
	newChg := decimal.RequireFromString("1.1")
	older := quote.Record{Symbol: "AAPL", Price: decimal.RequireFromString("148"), QuoteTime: tT1, ChangePct: &oldChg}
	newer := quote.Record{Symbol: "AAPL", Price: decimal.RequireFromString("150"), QuoteTime: tT2, ChangePct: &newChg}

	out := Merge()(context.Background(), []quote.Record{older, newer})
	require.Len(t, out, 1)
	require.True(t, out[0].ChangePct.Equal(newChg))
}

func TestMerge_EqualQuoteTimeTieBreaksOnRank(t *testing.T) {
	a := quote.Record{Symbol: "AAPL", Price: decimal.RequireFromString("151"), QuoteTime: tT1, Source: "low-rank", SourceRank: 1}
	b := quote.Record{Symbol: "AAPL", Price: decimal.RequireFromString("152"), QuoteTime: tT1, Source: "high-rank", SourceRank: 2}

	out := Merge()(context.Background(), []quote.Record{b, a})
	require.Len(t, out, 1)
	require.Equal(t, "low-rank", out[0].Source)
}

func TestMerge_PreservesSymbolOrder(t *testing.T) {
	batch := []quote.Record{
		{Symbol: "600519", Price: decimal.RequireFromString("1700"), QuoteTime: tT1},
		{Symbol: "AAPL", Price: decimal.RequireFromString("150"), QuoteTime: tT1},
		{Symbol: "600519", Price: decimal.RequireFromString("1701"), QuoteTime: tT2},
	}
	out := Merge()(context.Background(), batch)
	require.Len(t, out, 2)
	require.Equal(t, "600519", out[0].Symbol)
	require.Equal(t, "AAPL", out[1].Symbol)
	require.True(t, out[0].Price.Equal(decimal.RequireFromString("1701")))
}

func TestPipeline_EndToEnd(t *testing.T) {
	p := New(
		map[string]FieldMap{"src": {}},
		map[string]int{"src": 1},
		StaticLookup{"AAPL": {Name: "Apple Inc.", Exchange: "NASDAQ"}},
		nil, nil,
	)

	payloads := []quote.RawPayload{
		rawWith("src", "AAPL", map[string]string{"price": "150.0", "quote_time": tT2.Format(time.RFC3339)}),
		rawWith("src", "AAPL", map[string]string{"price": "149.0", "quote_time": tT1.Format(time.RFC3339)}),
		rawWith("src", "BAD", map[string]string{"price": "-5", "quote_time": tT1.Format(time.RFC3339)}),
	}
	out := p.Run(context.Background(), []quote.Query{usQuery("AAPL"), usQuery("BAD")}, payloads)

	require.Len(t, out, 1, "invalid record dropped, duplicates merged")
	require.Equal(t, "AAPL", out[0].Symbol)
	require.True(t, out[0].Price.Equal(decimal.RequireFromString("150.0")))
	require.Equal(t, "Apple Inc.", out[0].Name)
}
