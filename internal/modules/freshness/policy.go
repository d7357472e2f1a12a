// Package freshness decides whether a cached value may still be served, based on the
// value kind and the trading-session state of the market it belongs to.
package freshness

import (
	"time"

	"github.com/aristath/marketfeed/internal/domain"
)

// DefaultDegradedMaxAge is the oldest entry accepted when every provider has failed
const DefaultDegradedMaxAge = 5 * 24 * time.Hour

// Rule is the pair of TTLs applied while the market is open and while it is closed
type Rule struct {
	Open   time.Duration
	Closed time.Duration
}

// DefaultRules holds the TTL asymmetry per value kind
var DefaultRules = map[domain.ValueKind]Rule{
	domain.KindRealtimePrice:   {Open: 10 * time.Minute, Closed: 6 * time.Hour},
	domain.KindIndexLevel:      {Open: 10 * time.Minute, Closed: 6 * time.Hour},
	domain.KindOHLCSeries:      {Open: 30 * time.Minute, Closed: 12 * time.Hour},
	domain.KindPERatio:         {Open: 60 * time.Minute, Closed: 12 * time.Hour},
	domain.KindETFNAV:          {Open: 30 * time.Minute, Closed: 12 * time.Hour},
	domain.KindSectorAggregate: {Open: 15 * time.Minute, Closed: 6 * time.Hour},
}

// Config tunes a Policy. Zero values fall back to the defaults.
type Config struct {
	// MarketOverrides replace the open and/or closed TTL of every kind for one market
	MarketOverrides map[domain.Market]Rule
	DegradedMaxAge  time.Duration
}

// Policy evaluates cache entries against per-kind TTLs and session boundaries
type Policy struct {
	clock          domain.SessionClock
	rules          map[domain.ValueKind]Rule
	overrides      map[domain.Market]Rule
	degradedMaxAge time.Duration
}

// NewPolicy creates a freshness policy driven by clock
func NewPolicy(clock domain.SessionClock, cfg Config) *Policy {
	rules := make(map[domain.ValueKind]Rule, len(DefaultRules))
	for kind, rule := range DefaultRules {
		rules[kind] = rule
	}

	overrides := make(map[domain.Market]Rule, len(cfg.MarketOverrides))
	for market, rule := range cfg.MarketOverrides {
		overrides[market] = rule
	}

	maxAge := cfg.DegradedMaxAge
	if maxAge <= 0 {
		maxAge = DefaultDegradedMaxAge
	}

	return &Policy{
		clock:          clock,
		rules:          rules,
		overrides:      overrides,
		degradedMaxAge: maxAge,
	}
}

// TTLFor returns how long a value of kind for market stays fresh when captured at now
func (p *Policy) TTLFor(kind domain.ValueKind, market domain.Market, now time.Time) time.Duration {
	rule, ok := p.rules[kind]
	if !ok {
		rule = DefaultRules[domain.KindRealtimePrice]
	}
	if override, ok := p.overrides[market]; ok {
		if override.Open > 0 {
			rule.Open = override.Open
		}
		if override.Closed > 0 {
			rule.Closed = override.Closed
		}
	}

	if p.clock.IsMarketOpen(market, now) {
		return rule.Open
	}
	return rule.Closed
}

// IsFresh reports whether entry may short-circuit a provider fetch at now.
// Incomplete entries are never fresh, and an entry captured before the most recent
// session boundary of its market is stale regardless of its TTL.
func (p *Policy) IsFresh(entry *domain.CacheEntry, now time.Time) bool {
	if entry == nil || !entry.IsComplete {
		return false
	}

	kind, _, err := domain.ParseCacheKind(entry.Kind)
	if err != nil {
		return false
	}

	age := now.Sub(entry.CapturedAt)
	if age > p.TTLFor(kind, entry.Market, entry.CapturedAt) {
		return false
	}

	last := p.clock.PreviousTransition(entry.Market, now)
	return last.IsZero() || !last.After(entry.CapturedAt)
}

// IsUsableDegraded reports whether entry is recent enough to serve when no provider answered
func (p *Policy) IsUsableDegraded(entry *domain.CacheEntry, now time.Time) bool {
	if entry == nil || entry.CapturedAt.IsZero() {
		return false
	}
	return now.Sub(entry.CapturedAt) <= p.degradedMaxAge
}

// NextRefreshDue returns the earlier of TTL expiry and the next session boundary after capture
func (p *Policy) NextRefreshDue(entry *domain.CacheEntry) time.Time {
	kind, _, err := domain.ParseCacheKind(entry.Kind)
	if err != nil {
		return entry.CapturedAt
	}

	due := entry.CapturedAt.Add(p.TTLFor(kind, entry.Market, entry.CapturedAt))
	next := p.clock.NextTransition(entry.Market, entry.CapturedAt)
	if !next.IsZero() && next.Before(due) {
		return next
	}
	return due
}

// MarketDate formats the market date of t for market
func (p *Policy) MarketDate(market domain.Market, t time.Time) string {
	return p.clock.MarketDate(market, t).Format(domain.MarketDateLayout)
}

// DegradedMaxAge returns the degraded-usability ceiling
func (p *Policy) DegradedMaxAge() time.Duration {
	return p.degradedMaxAge
}
