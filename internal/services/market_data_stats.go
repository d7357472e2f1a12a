package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// latencyWindow is how many recent call latencies are kept per provider
const latencyWindow = 512

// ProviderStats summarises calls to one provider
type ProviderStats struct {
	Name          string  `json:"name"`
	Weight        int     `json:"weight"`
	Calls         int64   `json:"calls"`
	Failures      int64   `json:"failures"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
	Breaker       string  `json:"breaker"`
}

// CacheStats is the observability snapshot returned by GetCacheStats
type CacheStats struct {
	Lookups            int64            `json:"lookups"`
	HitRate            float64          `json:"hit_rate"`
	TierBreakdown      map[string]int64 `json:"tier_breakdown"`
	ProviderFetches    int64            `json:"provider_fetches"`
	DegradedAnswers    int64            `json:"degraded_answers"`
	Errors             int64            `json:"errors"`
	FastTierEntries    int              `json:"fast_tier_entries"`
	DurableTierEntries int64            `json:"durable_tier_entries"`
	Providers          []ProviderStats  `json:"providers"`
	ReadOnly           bool             `json:"read_only"`
}

type providerCounters struct {
	calls     int64
	failures  int64
	latencies []float64 // ms, ring buffer
	next      int
}

type statsCollector struct {
	mu              sync.Mutex
	lookups         int64
	fastHits        int64
	durableHits     int64
	providerServes  int64
	degraded        int64
	errors          int64
	providerCounter map[string]*providerCounters
}

func newStatsCollector() *statsCollector {
	return &statsCollector{providerCounter: make(map[string]*providerCounters)}
}

func (c *statsCollector) recordHit(origin domain.Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if origin == domain.OriginFastTier {
		c.fastHits++
	} else {
		c.durableHits++
	}
}

func (c *statsCollector) recordMiss() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
}

func (c *statsCollector) recordProviderServe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providerServes++
}

func (c *statsCollector) recordDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded++
}

func (c *statsCollector) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors++
}

func (c *statsCollector) recordCall(provider string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.providerCounter[provider]
	if !ok {
		pc = &providerCounters{}
		c.providerCounter[provider] = pc
	}
	pc.calls++
	if err != nil {
		pc.failures++
	}

	ms := float64(latency) / float64(time.Millisecond)
	if len(pc.latencies) < latencyWindow {
		pc.latencies = append(pc.latencies, ms)
	} else {
		pc.latencies[pc.next] = ms
	}
	pc.next = (pc.next + 1) % latencyWindow
}

// latencySummary returns the mean and 95th percentile of the recorded latencies
func latencySummary(latencies []float64) (mean, p95 float64) {
	if len(latencies) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)
	return stat.Mean(sorted, nil), stat.Quantile(0.95, stat.Empirical, sorted, nil)
}

// GetCacheStats reports hit rates, tier sizes and per-provider health
func (s *MarketDataService) GetCacheStats(ctx context.Context) (*CacheStats, error) {
	durableEntries, err := s.durable.Count(ctx)
	if err != nil {
		return nil, err
	}

	breakers := make(map[string]string)
	for _, snap := range s.breakers.Snapshots() {
		breakers[snap.Name] = snap.State
	}

	c := s.stats
	c.mu.Lock()
	defer c.mu.Unlock()

	out := &CacheStats{
		Lookups: c.lookups,
		TierBreakdown: map[string]int64{
			string(domain.OriginFastTier):    c.fastHits,
			string(domain.OriginDurableTier): c.durableHits,
			string(domain.OriginProvider):    c.providerServes,
			string(domain.OriginDegraded):    c.degraded,
		},
		ProviderFetches:    c.providerServes,
		DegradedAnswers:    c.degraded,
		Errors:             c.errors,
		FastTierEntries:    s.fast.Len(),
		DurableTierEntries: durableEntries,
		ReadOnly:           s.cfg.ReadOnly,
	}
	if c.lookups > 0 {
		out.HitRate = float64(c.fastHits+c.durableHits) / float64(c.lookups)
	}

	for _, slot := range s.providers {
		ps := ProviderStats{Name: slot.desc.Name, Weight: slot.desc.Weight, Breaker: "closed"}
		if state, ok := breakers[slot.desc.Name]; ok {
			ps.Breaker = state
		}
		if pc, ok := c.providerCounter[slot.desc.Name]; ok {
			ps.Calls = pc.calls
			ps.Failures = pc.failures
			ps.MeanLatencyMs, ps.P95LatencyMs = latencySummary(pc.latencies)
		}
		out.Providers = append(out.Providers, ps)
	}
	return out, nil
}
