package quote

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies the venue an asset trades on.
type Market string

const (
	MarketCN     Market = "CN"
	MarketHK     Market = "HK"
	MarketUS     Market = "US"
	MarketGlobal Market = "GLOBAL"
)

// AssetType classifies what kind of instrument a symbol refers to.
type AssetType string

const (
	TypeStock AssetType = "STOCK"
	TypeFund  AssetType = "FUND"
	TypeIndex AssetType = "INDEX"
	TypeForex AssetType = "FOREX"
	TypeGold  AssetType = "GOLD"
	TypeGPR   AssetType = "GPR"
)

// Category is the cache/TTL bucket a query belongs to. Each category has an
// independently configured TTL and staleness window.
type Category string

const (
	CategoryQuote Category = "quote"
	CategoryGold  Category = "gold"
	CategoryForex Category = "forex"
	CategoryIndex Category = "index"
	CategoryGPR   Category = "gpr"
)

// CategoryFor maps an asset type to its cache category.
func CategoryFor(t AssetType) Category {
	switch t {
	case TypeForex:
		return CategoryForex
	case TypeGold:
		return CategoryGold
	case TypeIndex:
		return CategoryIndex
	case TypeGPR:
		return CategoryGPR
	default:
		return CategoryQuote
	}
}

// Query identifies one requested symbol. Immutable once issued.
type Query struct {
	Symbol string
	Type   AssetType
	Market Market
}

// Category returns the cache category for this query.
func (q Query) Category() Category { return CategoryFor(q.Type) }

// CacheKey derives the deterministic cache key: category + ":" + symbol.
func (q Query) CacheKey() string { return string(q.Category()) + ":" + q.Symbol }

// RawPayload is the untouched result of one adapter call: provider-native
// field names and units, keyed by string. Treated as immutable after creation.
type RawPayload struct {
	Source    string            `json:"source"`
	FetchedAt time.Time         `json:"fetched_at"`
	Fields    map[string]string `json:"fields"`
}

// Field returns a provider-native field value and whether it was present.
func (p RawPayload) Field(name string) (string, bool) {
	v, ok := p.Fields[name]
	return v, ok
}

// Record is the canonical, provider-independent representation of one quote.
// Symbol, Price and QuoteTime are required; a record missing any of them must
// not leave the pipeline.
type Record struct {
	Symbol    string           `json:"symbol"`
	Name      string           `json:"name,omitempty"`
	Type      AssetType        `json:"type"`
	Market    Market           `json:"market,omitempty"`
	Exchange  string           `json:"exchange,omitempty"`
	Price     decimal.Decimal  `json:"price"`
	ChangePct *decimal.Decimal `json:"change_pct,omitempty"`
	Volume    *int64           `json:"volume,omitempty"`
	Currency  string           `json:"currency,omitempty"`
	QuoteTime time.Time        `json:"quote_time"`
	Source    string           `json:"source"`

	// SourceRank is the priority rank of the adapter that produced the
	// record, carried through the pipeline for merge tie-breaks.
	SourceRank int `json:"-"`
}

// Result is the outcome for a single requested symbol: either a record or an
// explicit error, never both, plus cache provenance.
type Result struct {
	Symbol   string        `json:"symbol"`
	Record   *Record       `json:"record,omitempty"`
	Err      error         `json:"-"`
	CacheHit bool          `json:"cache_hit"`
	Tier     string        `json:"tier,omitempty"` // "tier1", "tier2" or "" for a fresh fetch
	Age      time.Duration `json:"age,omitempty"`  // staleness age for cache-served data
}

// BatchResult preserves the input symbol order and carries batch-level
// warnings (e.g. a persistence write failure that did not fail the fetch).
type BatchResult struct {
	Results  []Result `json:"results"`
	Warnings []string `json:"warnings,omitempty"`
}
