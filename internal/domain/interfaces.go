package domain

import (
	"context"
	"time"
)

// ProviderDescriptor declares what a provider can serve.
// It is immutable once the provider is constructed.
type ProviderDescriptor struct {
	Name               string
	Markets            []Market
	Kinds              []ValueKind
	Weight             int  // Relative priority, higher is preferred
	RequiresCredential bool // Provider is excluded from selection when its credential is missing
	MaxBatch           int  // Max symbols per Fetch call (0 = unlimited)
	MaxConcurrency     int  // Max in-flight Fetch calls (0 = 1, calls are serialised)
	MinInterval        time.Duration
}

// Supports reports whether the provider declares both the market and the kind
func (d ProviderDescriptor) Supports(market Market, kind ValueKind) bool {
	return d.SupportsMarket(market) && d.SupportsKind(kind)
}

// SupportsMarket reports whether the provider covers market
func (d ProviderDescriptor) SupportsMarket(market Market) bool {
	for _, m := range d.Markets {
		if m == market {
			return true
		}
	}
	return false
}

// SupportsKind reports whether the provider serves kind
func (d ProviderDescriptor) SupportsKind(kind ValueKind) bool {
	for _, k := range d.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// FetchRequest asks a provider for one value kind over a set of instruments
type FetchRequest struct {
	Kind        ValueKind
	Instruments []Instrument
	Window      int // Number of daily bars, OHLC only
}

// Payload is one symbol's value as returned by a provider.
// Value is one of PriceRecord, OHLCSeries, ValuationRecord or NAVRecord.
type Payload struct {
	Value    any
	Complete bool
}

// Provider is the uniform contract every external data source adapter satisfies.
// Fetch returns a payload per satisfied symbol (keyed by Instrument.Symbol); symbols missing
// from the map were not served. A whole-call failure is returned as a *ProviderError.
type Provider interface {
	Descriptor() ProviderDescriptor
	// Configured reports whether the credentials the provider needs are present
	Configured() bool
	Fetch(ctx context.Context, req FetchRequest) (map[string]Payload, error)
}

// SessionClock answers trading-session questions for a market
type SessionClock interface {
	IsMarketOpen(market Market, t time.Time) bool
	MarketDate(market Market, t time.Time) time.Time
	PreviousTransition(market Market, t time.Time) time.Time
	NextTransition(market Market, t time.Time) time.Time
}
