// Package domain provides core domain models and types.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Market identifies the market a symbol trades on
type Market string

const (
	// MarketCN is the domestic market (Shanghai and Shenzhen exchanges)
	MarketCN Market = "CN"
	// MarketHK is the Hong Kong market
	MarketHK Market = "HK"
	// MarketUS is the US market
	MarketUS Market = "US"
)

// AllMarkets lists every supported market
var AllMarkets = []Market{MarketCN, MarketHK, MarketUS}

// Exchange is the listing exchange inside a market
type Exchange string

const (
	ExchangeSH Exchange = "SH"
	ExchangeSZ Exchange = "SZ"
	ExchangeHK Exchange = "HK"
	ExchangeUS Exchange = "US"
)

// InstrumentClass distinguishes ordinary securities from indices and sector boards
type InstrumentClass string

const (
	ClassSecurity InstrumentClass = "security"
	ClassIndex    InstrumentClass = "index"
	ClassSector   InstrumentClass = "sector"
)

// Instrument is a classified symbol
type Instrument struct {
	Symbol   string          `json:"symbol"`
	Code     string          `json:"code"` // Bare exchange code (e.g. "600519", "00700", "AAPL")
	Market   Market          `json:"market"`
	Exchange Exchange        `json:"exchange"`
	Class    InstrumentClass `json:"class"`
}

// ValueKind is the category of market data being requested
type ValueKind string

const (
	KindRealtimePrice   ValueKind = "realtime_price"
	KindOHLCSeries      ValueKind = "ohlc_series"
	KindIndexLevel      ValueKind = "index_level"
	KindPERatio         ValueKind = "pe_ratio"
	KindETFNAV          ValueKind = "etf_nav"
	KindSectorAggregate ValueKind = "sector_aggregate"
)

// AllValueKinds lists the closed set of value kinds
var AllValueKinds = []ValueKind{
	KindRealtimePrice,
	KindOHLCSeries,
	KindIndexLevel,
	KindPERatio,
	KindETFNAV,
	KindSectorAggregate,
}

// Valid reports whether k is one of the known value kinds
func (k ValueKind) Valid() bool {
	for _, known := range AllValueKinds {
		if k == known {
			return true
		}
	}
	return false
}

// CacheKind returns the storage key for this kind.
// OHLC series are parameterised by their window, every other kind maps to itself.
func (k ValueKind) CacheKind(window int) string {
	if k == KindOHLCSeries {
		return fmt.Sprintf("%s:%d", k, window)
	}
	return string(k)
}

// ParseCacheKind splits a storage key back into its kind and window
func ParseCacheKind(cacheKind string) (ValueKind, int, error) {
	kind, window, found := strings.Cut(cacheKind, ":")
	if !found {
		k := ValueKind(kind)
		if !k.Valid() {
			return "", 0, fmt.Errorf("unknown value kind: %s", cacheKind)
		}
		return k, 0, nil
	}
	w, err := strconv.Atoi(window)
	if err != nil || ValueKind(kind) != KindOHLCSeries {
		return "", 0, fmt.Errorf("malformed cache kind: %s", cacheKind)
	}
	return KindOHLCSeries, w, nil
}

// MarketDateLayout is the calendar-date layout used for market dates
const MarketDateLayout = "2006-01-02"

// CacheEntry is a cached value for one (symbol, kind) pair on one market date
type CacheEntry struct {
	Symbol     string          `json:"symbol" msgpack:"symbol"`
	Kind       string          `json:"kind" msgpack:"kind"` // Cache kind key (see ValueKind.CacheKind)
	Market     Market          `json:"market" msgpack:"market"`
	Payload    json.RawMessage `json:"payload" msgpack:"payload"`
	CapturedAt time.Time       `json:"captured_at" msgpack:"captured_at"`
	MarketDate string          `json:"market_date" msgpack:"market_date"`
	IsComplete bool            `json:"is_complete" msgpack:"is_complete"`
	Source     string          `json:"source" msgpack:"source"`
}

// PriceRecord is a quote snapshot (realtime price, index level or sector aggregate)
type PriceRecord struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name,omitempty"`
	Price     float64   `json:"price"`
	Open      float64   `json:"open,omitempty"`
	High      float64   `json:"high,omitempty"`
	Low       float64   `json:"low,omitempty"`
	PrevClose float64   `json:"prev_close,omitempty"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    float64   `json:"volume,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	PE        float64   `json:"pe,omitempty"`
	QuotedAt  time.Time `json:"quoted_at,omitempty"`
	Source    string    `json:"source"`
}

// Complete reports whether the record carries every field a quote needs
func (r PriceRecord) Complete() bool {
	return r.Price > 0 && r.PrevClose > 0
}

// OHLCBar is one daily bar
type OHLCBar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// OHLCSeries is a window of daily bars, oldest first
type OHLCSeries struct {
	Symbol string    `json:"symbol"`
	Window int       `json:"window"`
	Bars   []OHLCBar `json:"bars"`
	Source string    `json:"source"`
}

// ValuationRecord carries the price/earnings ratio of a security
type ValuationRecord struct {
	Symbol string  `json:"symbol"`
	PE     float64 `json:"pe"`
	Price  float64 `json:"price,omitempty"`
	Source string  `json:"source"`
}

// NAVRecord carries an ETF's net asset value and its premium against the traded price
type NAVRecord struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name,omitempty"`
	NAV          float64 `json:"nav"`
	NAVDate      string  `json:"nav_date"`
	EstimatedNAV float64 `json:"estimated_nav,omitempty"`
	Price        float64 `json:"price,omitempty"`
	PremiumPct   float64 `json:"premium_pct"`
	Source       string  `json:"source"`
}

// Origin tells where a per-symbol answer came from
type Origin string

const (
	OriginFastTier    Origin = "fast_tier"
	OriginDurableTier Origin = "durable_tier"
	OriginProvider    Origin = "provider"
	OriginDegraded    Origin = "degraded"
	OriginNone        Origin = "none"
)

// Result is the per-symbol answer of a batch request.
// Exactly one of Value and Err is set.
type Result[T any] struct {
	Value      *T        `json:"value,omitempty"`
	Origin     Origin    `json:"origin"`
	Source     string    `json:"source,omitempty"`
	Degraded   bool      `json:"degraded"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Err        error     `json:"-"`
}

// OK reports whether the result carries a value
func (r Result[T]) OK() bool {
	return r.Err == nil && r.Value != nil
}
