package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/aristath/marketfeed/internal/modules/freshness"
	"github.com/aristath/marketfeed/internal/reliability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultTrendWindow is used when a trend request names no window
const DefaultTrendWindow = 30

// FastTier is the in-process cache the orchestrator reads first
type FastTier interface {
	Get(symbol, kind string) *domain.CacheEntry
	Put(entry domain.CacheEntry)
	Len() int
	Clear() error
}

// DurableTier is the database-backed cache keyed by (symbol, kind, market date)
type DurableTier interface {
	Get(ctx context.Context, symbol, kind, date string) (*domain.CacheEntry, error)
	GetLatestBefore(ctx context.Context, symbol, kind, date string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry domain.CacheEntry) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// Config tunes the orchestrator
type Config struct {
	Retry           reliability.RetryPolicy
	ProviderTimeout time.Duration
	ReadOnly        bool
	IndexSymbols    []string
}

// Request is one batch request for a single value kind
type Request struct {
	Symbols      []string
	Kind         domain.ValueKind
	Window       int // OHLC only
	ForceRefresh bool
}

// providerSlot is a provider together with its rate gate
type providerSlot struct {
	provider domain.Provider
	desc     domain.ProviderDescriptor
	gate     *reliability.CallGate
}

// MarketDataService answers market-data requests from the cache tiers, falling back
// through the weighted provider list and finally to stale cached data.
type MarketDataService struct {
	providers []*providerSlot // sorted by weight, heaviest first
	fast      FastTier
	durable   DurableTier
	policy    *freshness.Policy
	breakers  *reliability.BreakerSet
	cfg       Config
	flight    singleflight.Group
	locks     *keyLocks
	stats     *statsCollector
	now       func() time.Time
	log       zerolog.Logger
}

// NewMarketDataService creates the orchestrator. Providers whose required credential is
// missing are left out entirely.
func NewMarketDataService(
	providers []domain.Provider,
	fast FastTier,
	durable DurableTier,
	policy *freshness.Policy,
	breakers *reliability.BreakerSet,
	cfg Config,
	log zerolog.Logger,
) *MarketDataService {
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = reliability.DefaultRetryPolicy()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 8 * time.Second
	}
	if len(cfg.IndexSymbols) == 0 {
		cfg.IndexSymbols = classifier.DefaultIndexSymbols
	}

	s := &MarketDataService{
		fast:     fast,
		durable:  durable,
		policy:   policy,
		breakers: breakers,
		cfg:      cfg,
		locks:    newKeyLocks(),
		stats:    newStatsCollector(),
		now:      time.Now,
		log:      log.With().Str("service", "market_data").Logger(),
	}

	for _, p := range providers {
		desc := p.Descriptor()
		if desc.RequiresCredential && !p.Configured() {
			s.log.Info().Str("provider", desc.Name).Msg("Provider disabled: credential not configured")
			continue
		}
		s.providers = append(s.providers, &providerSlot{
			provider: p,
			desc:     desc,
			gate:     reliability.NewCallGate(desc.MaxConcurrency, desc.MinInterval).WithMaxWait(cfg.ProviderTimeout),
		})
	}
	sort.SliceStable(s.providers, func(i, j int) bool {
		if s.providers[i].desc.Weight != s.providers[j].desc.Weight {
			return s.providers[i].desc.Weight > s.providers[j].desc.Weight
		}
		return s.providers[i].desc.Name < s.providers[j].desc.Name
	})

	names := make([]string, 0, len(s.providers))
	for _, slot := range s.providers {
		names = append(names, fmt.Sprintf("%s(%d)", slot.desc.Name, slot.desc.Weight))
	}
	s.log.Info().
		Strs("providers", names).
		Bool("read_only", cfg.ReadOnly).
		Dur("provider_timeout", cfg.ProviderTimeout).
		Int("retry_attempts", cfg.Retry.Attempts).
		Dur("retry_budget", cfg.Retry.Budget()).
		Msg("Market data service initialized")

	return s
}

// IsReadOnly reports whether the service answers from the Durable Tier only
func (s *MarketDataService) IsReadOnly() bool {
	return s.cfg.ReadOnly
}

// IndexSymbols returns the symbols GetIndicesData reports on
func (s *MarketDataService) IndexSymbols() []string {
	return append([]string(nil), s.cfg.IndexSymbols...)
}

// work is one recognised symbol flowing through the pipeline
type work struct {
	inst      domain.Instrument
	cacheKind string
}

// Fetch runs the generic pipeline: tier lookups, weighted provider failover with retries,
// write-through, then degraded fallback. The result holds one entry per requested symbol.
// The error is non-nil only when ctx ends before the batch completes.
func (s *MarketDataService) Fetch(ctx context.Context, req Request) (map[string]domain.Result[json.RawMessage], error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown value kind %q", domain.ErrUnsupported, req.Kind)
	}
	if req.Kind == domain.KindOHLCSeries && req.Window <= 0 {
		req.Window = DefaultTrendWindow
	}

	log := s.log.With().
		Str("batch_id", uuid.NewString()).
		Str("kind", string(req.Kind)).
		Logger()

	results := make(map[string]domain.Result[json.RawMessage], len(req.Symbols))
	aliases := make(map[string][]string) // canonical symbol -> requested spellings
	var pending []work

	for _, raw := range req.Symbols {
		if _, seen := results[raw]; seen {
			continue
		}
		inst, err := classifier.Classify(raw)
		if err != nil {
			results[raw] = failed[json.RawMessage](err)
			s.stats.recordError()
			continue
		}
		// Placeholder so duplicate spellings are skipped
		results[raw] = domain.Result[json.RawMessage]{Origin: domain.OriginNone}
		if _, dup := aliases[inst.Symbol]; !dup {
			pending = append(pending, work{inst: inst, cacheKind: req.Kind.CacheKind(req.Window)})
		}
		aliases[inst.Symbol] = append(aliases[inst.Symbol], raw)
	}

	resolved := s.resolve(ctx, req, pending, log)

	done := make(chan map[string]domain.Result[json.RawMessage], 1)
	go func() { done <- resolved() }()

	var byCanonical map[string]domain.Result[json.RawMessage]
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case byCanonical = <-done:
	}

	for canonical, spellings := range aliases {
		for _, raw := range spellings {
			results[raw] = byCanonical[canonical]
		}
	}
	return results, nil
}

// resolve serves what the tiers can and starts provider work for the rest.
// The returned function blocks until every symbol is resolved.
func (s *MarketDataService) resolve(ctx context.Context, req Request, pending []work, log zerolog.Logger) func() map[string]domain.Result[json.RawMessage] {
	now := s.now()
	out := make(map[string]domain.Result[json.RawMessage], len(pending))
	var mu sync.Mutex

	if s.cfg.ReadOnly {
		for _, w := range pending {
			out[w.inst.Symbol] = s.readOnlyLookup(ctx, w, now, log)
		}
		return func() map[string]domain.Result[json.RawMessage] { return out }
	}

	byMarket := make(map[domain.Market][]work)
	var markets []domain.Market
	for _, w := range pending {
		if !req.ForceRefresh {
			if res, ok := s.tierLookup(ctx, w, now, log); ok {
				out[w.inst.Symbol] = res
				continue
			}
		}
		if _, seen := byMarket[w.inst.Market]; !seen {
			markets = append(markets, w.inst.Market)
		}
		byMarket[w.inst.Market] = append(byMarket[w.inst.Market], w)
	}

	if len(markets) == 0 {
		return func() map[string]domain.Result[json.RawMessage] { return out }
	}

	// Provider work outlives the caller: results still land in the tiers
	fetchCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for _, market := range markets {
		group := byMarket[market]
		g.Go(func() error {
			res := s.resolveMarket(fetchCtx, market, group, req, log)
			mu.Lock()
			for sym, r := range res {
				out[sym] = r
			}
			mu.Unlock()
			return nil
		})
	}

	return func() map[string]domain.Result[json.RawMessage] {
		_ = g.Wait()
		return out
	}
}

// tierLookup serves a fresh entry from the Fast Tier, then the Durable Tier
func (s *MarketDataService) tierLookup(ctx context.Context, w work, now time.Time, log zerolog.Logger) (domain.Result[json.RawMessage], bool) {
	sym := w.inst.Symbol

	if entry := s.fast.Get(sym, w.cacheKind); s.policy.IsFresh(entry, now) {
		s.stats.recordHit(domain.OriginFastTier)
		log.Debug().Str("symbol", sym).Msg("Fast tier hit")
		return fromEntry(entry, domain.OriginFastTier), true
	}

	date := s.policy.MarketDate(w.inst.Market, now)
	entry, err := s.durable.Get(ctx, sym, w.cacheKind, date)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sym).Msg("Durable tier lookup failed")
	}
	if s.policy.IsFresh(entry, now) {
		s.stats.recordHit(domain.OriginDurableTier)
		log.Debug().Str("symbol", sym).Msg("Durable tier hit")

		// Promote so the next lookup stays in memory
		s.locks.withLock(sym, w.cacheKind, func() {
			s.fast.Put(*entry)
		})
		return fromEntry(entry, domain.OriginDurableTier), true
	}

	s.stats.recordMiss()
	return domain.Result[json.RawMessage]{}, false
}

// readOnlyLookup answers from the Durable Tier only: fresh, else degraded, else an error
func (s *MarketDataService) readOnlyLookup(ctx context.Context, w work, now time.Time, log zerolog.Logger) domain.Result[json.RawMessage] {
	date := s.policy.MarketDate(w.inst.Market, now)
	entry, err := s.durable.Get(ctx, w.inst.Symbol, w.cacheKind, date)
	if err != nil {
		log.Warn().Err(err).Str("symbol", w.inst.Symbol).Msg("Durable tier lookup failed")
	}
	if s.policy.IsFresh(entry, now) {
		s.stats.recordHit(domain.OriginDurableTier)
		return fromEntry(entry, domain.OriginDurableTier)
	}
	s.stats.recordMiss()

	if res, ok := s.degraded(ctx, w, now, entry, false, log); ok {
		return res
	}
	s.stats.recordError()
	return failed[json.RawMessage](fmt.Errorf("%w: read-only mode", domain.ErrNoUsableData))
}

// resolveMarket walks the providers covering market, heaviest first, until every symbol
// is served or the candidates run out. Leftovers go to the degraded fallback.
func (s *MarketDataService) resolveMarket(ctx context.Context, market domain.Market, group []work, req Request, log zerolog.Logger) map[string]domain.Result[json.RawMessage] {
	out := make(map[string]domain.Result[json.RawMessage], len(group))
	remaining := make(map[string]work, len(group))
	for _, w := range group {
		remaining[w.inst.Symbol] = w
	}

	var lastErr error
	candidates := 0

	for _, slot := range s.providers {
		if len(remaining) == 0 {
			break
		}
		if !slot.desc.Supports(market, req.Kind) {
			continue
		}
		candidates++

		served, err := s.tryProvider(ctx, slot, market, remaining, req, log)
		for sym, res := range served {
			out[sym] = res
			delete(remaining, sym)
		}
		if err != nil {
			lastErr = err
		}
	}

	if len(remaining) == 0 {
		return out
	}

	var exhausted error
	switch {
	case candidates == 0:
		exhausted = fmt.Errorf("%w: no provider serves %s for market %s", domain.ErrAllProvidersExhausted, req.Kind, market)
	case lastErr != nil:
		exhausted = fmt.Errorf("%w: %v", domain.ErrAllProvidersExhausted, lastErr)
	default:
		exhausted = fmt.Errorf("%w: symbol not served by any provider", domain.ErrAllProvidersExhausted)
	}

	log.Error().
		Err(exhausted).
		Str("market", string(market)).
		Int("unresolved", len(remaining)).
		Msg("Providers exhausted, falling back to cached data")

	now := s.now()
	for sym, w := range remaining {
		if res, ok := s.degraded(ctx, w, now, nil, true, log); ok {
			out[sym] = res
			continue
		}
		s.stats.recordError()
		out[sym] = failed[json.RawMessage](fmt.Errorf("%w: %w", domain.ErrNoUsableData, exhausted))
	}
	return out
}

// tryProvider sends the remaining symbols to one provider in batches no larger than its
// declared limit. It stops early when the breaker rejects a call.
func (s *MarketDataService) tryProvider(ctx context.Context, slot *providerSlot, market domain.Market, remaining map[string]work, req Request, log zerolog.Logger) (map[string]domain.Result[json.RawMessage], error) {
	name := slot.desc.Name
	served := make(map[string]domain.Result[json.RawMessage])

	insts := make([]domain.Instrument, 0, len(remaining))
	for _, w := range remaining {
		insts = append(insts, w.inst)
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Symbol < insts[j].Symbol })

	var lastErr error
	for _, chunk := range chunkInstruments(insts, slot.desc.MaxBatch) {
		payloads, err := s.callProvider(ctx, slot, chunk, req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", name, err)
			if errors.Is(err, domain.ErrBreakerOpen) {
				// Expected while a provider recovers, not worth a log line
				break
			}
			log.Debug().Err(err).Str("provider", name).Int("symbols", len(chunk)).Msg("Provider call failed")
			continue
		}

		capturedAt := s.now()
		for _, inst := range chunk {
			p, ok := payloads[inst.Symbol]
			if !ok {
				continue
			}
			entry, err := s.writeThrough(ctx, inst, remaining[inst.Symbol].cacheKind, name, p, capturedAt, log)
			if err != nil {
				log.Warn().Err(err).Str("symbol", inst.Symbol).Str("provider", name).Msg("Discarding unencodable payload")
				continue
			}
			s.stats.recordProviderServe()
			served[inst.Symbol] = fromEntry(entry, domain.OriginProvider)
		}

		log.Debug().
			Str("provider", name).
			Str("market", string(market)).
			Int("requested", len(chunk)).
			Int("served", len(payloads)).
			Msg("Fetched from provider")
	}

	return served, lastErr
}

// callProvider performs one logical call with retries. Identical concurrent calls collapse
// into one through singleflight.
func (s *MarketDataService) callProvider(ctx context.Context, slot *providerSlot, chunk []domain.Instrument, req Request) (map[string]domain.Payload, error) {
	symbols := make([]string, len(chunk))
	for i, inst := range chunk {
		symbols[i] = inst.Symbol
	}
	key := slot.desc.Name + "|" + req.Kind.CacheKind(req.Window) + "|" + strings.Join(symbols, ",")

	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		var payloads map[string]domain.Payload
		breaker := s.breakers.Get(slot.desc.Name)

		err := s.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
			if !breaker.Allow() {
				return domain.ErrBreakerOpen
			}

			// got is local to the attempt so an abandoned call never writes into the next one
			var got map[string]domain.Payload
			started := time.Now()
			called, err := slot.gate.Call(ctx, s.cfg.ProviderTimeout, func(callCtx context.Context) error {
				p, err := slot.provider.Fetch(callCtx, domain.FetchRequest{
					Kind:        req.Kind,
					Instruments: chunk,
					Window:      req.Window,
				})
				got = p
				return err
			})
			if errors.Is(err, reliability.ErrCallTimeout) {
				err = domain.NewRetryableError(slot.desc.Name, err)
			}
			if err == nil {
				payloads = got
			}

			if !called {
				breaker.ReleaseProbe()
				return err
			}
			s.stats.recordCall(slot.desc.Name, time.Since(started), err)

			switch {
			case err == nil:
				breaker.RecordSuccess()
			case errors.Is(err, domain.ErrUnsupported):
				breaker.ReleaseProbe()
			default:
				breaker.RecordFailure()
			}
			return err
		})
		return payloads, err
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]domain.Payload), nil
}

// writeThrough stores a fetched payload in both tiers
func (s *MarketDataService) writeThrough(ctx context.Context, inst domain.Instrument, cacheKind, source string, p domain.Payload, capturedAt time.Time, log zerolog.Logger) (*domain.CacheEntry, error) {
	raw, err := json.Marshal(p.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	entry := domain.CacheEntry{
		Symbol:     inst.Symbol,
		Kind:       cacheKind,
		Market:     inst.Market,
		Payload:    raw,
		CapturedAt: capturedAt,
		MarketDate: s.policy.MarketDate(inst.Market, capturedAt),
		IsComplete: p.Complete,
		Source:     source,
	}

	s.locks.withLock(inst.Symbol, cacheKind, func() {
		if err := s.durable.Put(ctx, entry); err != nil {
			log.Warn().Err(err).Str("symbol", inst.Symbol).Msg("Failed to persist entry to durable tier")
		}
		s.fast.Put(entry)
	})
	return &entry, nil
}

// degraded picks the newest cached entry within the degraded ceiling. today is the
// Durable Tier entry for the current market date when the caller already read it.
func (s *MarketDataService) degraded(ctx context.Context, w work, now time.Time, today *domain.CacheEntry, lookupToday bool, log zerolog.Logger) (domain.Result[json.RawMessage], bool) {
	sym := w.inst.Symbol
	date := s.policy.MarketDate(w.inst.Market, now)

	var candidates []*domain.CacheEntry
	if lookupToday {
		entry, err := s.durable.Get(ctx, sym, w.cacheKind, date)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Durable tier lookup failed")
		}
		today = entry
	}
	candidates = append(candidates, today)

	if !s.cfg.ReadOnly {
		candidates = append(candidates, s.fast.Get(sym, w.cacheKind))
	}

	previous, err := s.durable.GetLatestBefore(ctx, sym, w.cacheKind, date)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sym).Msg("Durable tier fallback lookup failed")
	}
	candidates = append(candidates, previous)

	var best *domain.CacheEntry
	for _, c := range candidates {
		if !s.policy.IsUsableDegraded(c, now) {
			continue
		}
		if best == nil || c.CapturedAt.After(best.CapturedAt) {
			best = c
		}
	}
	if best == nil {
		return domain.Result[json.RawMessage]{}, false
	}

	s.stats.recordDegraded()
	log.Warn().
		Str("symbol", sym).
		Time("captured_at", best.CapturedAt).
		Str("market_date", best.MarketDate).
		Msg("Serving degraded data")

	res := fromEntry(best, domain.OriginDegraded)
	res.Degraded = true
	return res, true
}

func fromEntry(entry *domain.CacheEntry, origin domain.Origin) domain.Result[json.RawMessage] {
	payload := append(json.RawMessage(nil), entry.Payload...)
	return domain.Result[json.RawMessage]{
		Value:      &payload,
		Origin:     origin,
		Source:     entry.Source,
		CapturedAt: entry.CapturedAt,
	}
}

func failed[T any](err error) domain.Result[T] {
	return domain.Result[T]{Origin: domain.OriginNone, Err: err, Error: err.Error()}
}

func chunkInstruments(insts []domain.Instrument, size int) [][]domain.Instrument {
	if size <= 0 || size >= len(insts) {
		return [][]domain.Instrument{insts}
	}
	var chunks [][]domain.Instrument
	for start := 0; start < len(insts); start += size {
		end := start + size
		if end > len(insts) {
			end = len(insts)
		}
		chunks = append(chunks, insts[start:end])
	}
	return chunks
}
