package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
)

// errNotSector marks a symbol passed to GetSectorData that is not a sector board
var errNotSector = errors.New("not a sector board")

// GetRealtimePrices returns a quote per symbol. forceRefresh skips the freshness check but
// still honours the circuit breakers.
func (s *MarketDataService) GetRealtimePrices(ctx context.Context, symbols []string, forceRefresh bool) (map[string]domain.Result[domain.PriceRecord], error) {
	raw, err := s.Fetch(ctx, Request{Symbols: symbols, Kind: domain.KindRealtimePrice, ForceRefresh: forceRefresh})
	if err != nil {
		return nil, err
	}
	return decodeResults[domain.PriceRecord](raw), nil
}

// GetTrendData returns the last window daily bars per symbol
func (s *MarketDataService) GetTrendData(ctx context.Context, symbols []string, window int) (map[string]domain.Result[domain.OHLCSeries], error) {
	raw, err := s.Fetch(ctx, Request{Symbols: symbols, Kind: domain.KindOHLCSeries, Window: window})
	if err != nil {
		return nil, err
	}
	return decodeResults[domain.OHLCSeries](raw), nil
}

// GetValuations returns the PE ratio per symbol
func (s *MarketDataService) GetValuations(ctx context.Context, symbols []string) (map[string]domain.Result[domain.ValuationRecord], error) {
	raw, err := s.Fetch(ctx, Request{Symbols: symbols, Kind: domain.KindPERatio})
	if err != nil {
		return nil, err
	}
	return decodeResults[domain.ValuationRecord](raw), nil
}

// GetETFNAV returns NAV and premium per fund
func (s *MarketDataService) GetETFNAV(ctx context.Context, symbols []string) (map[string]domain.Result[domain.NAVRecord], error) {
	raw, err := s.Fetch(ctx, Request{Symbols: symbols, Kind: domain.KindETFNAV})
	if err != nil {
		return nil, err
	}
	return decodeResults[domain.NAVRecord](raw), nil
}

// GetSectorData returns the aggregate quote per sector board
func (s *MarketDataService) GetSectorData(ctx context.Context, boards []string) (map[string]domain.Result[domain.PriceRecord], error) {
	out := make(map[string]domain.Result[domain.PriceRecord], len(boards))
	valid := make([]string, 0, len(boards))

	for _, board := range boards {
		inst, err := classifier.Classify(board)
		if err == nil && inst.Class != domain.ClassSector {
			err = fmt.Errorf("%w: %s", errNotSector, board)
		}
		if err != nil {
			out[board] = failed[domain.PriceRecord](err)
			continue
		}
		valid = append(valid, board)
	}

	if len(valid) == 0 {
		return out, nil
	}
	raw, err := s.Fetch(ctx, Request{Symbols: valid, Kind: domain.KindSectorAggregate})
	if err != nil {
		return nil, err
	}
	for sym, res := range decodeResults[domain.PriceRecord](raw) {
		out[sym] = res
	}
	return out, nil
}

// GetIndicesData returns the configured index levels as of a date. A zero asOf, or a date
// not before the index's current market date, means live levels. Past dates come from the
// Durable Tier, else are derived from the daily series and written back.
func (s *MarketDataService) GetIndicesData(ctx context.Context, asOf time.Time) (map[string]domain.Result[domain.PriceRecord], error) {
	now := s.now()
	out := make(map[string]domain.Result[domain.PriceRecord], len(s.cfg.IndexSymbols))

	var live []string
	var past []domain.Instrument
	requested := make(map[string]string) // canonical symbol -> configured spelling
	date := asOf.Format(domain.MarketDateLayout)

	for _, sym := range s.cfg.IndexSymbols {
		inst, err := classifier.Classify(sym)
		if err != nil {
			out[sym] = failed[domain.PriceRecord](err)
			continue
		}
		if asOf.IsZero() || date >= s.policy.MarketDate(inst.Market, now) {
			live = append(live, sym)
		} else {
			past = append(past, inst)
			requested[inst.Symbol] = sym
		}
	}

	if len(live) > 0 {
		raw, err := s.Fetch(ctx, Request{Symbols: live, Kind: domain.KindIndexLevel})
		if err != nil {
			return nil, err
		}
		for sym, res := range decodeResults[domain.PriceRecord](raw) {
			out[sym] = res
		}
	}

	if len(past) > 0 {
		historical, err := s.historicalIndices(ctx, past, asOf, now)
		if err != nil {
			return nil, err
		}
		for canonical, res := range historical {
			out[requested[canonical]] = res
		}
	}

	for sym, res := range out {
		if res.Value != nil && res.Value.Name == "" {
			res.Value.Name = classifier.IndexName(sym)
		}
	}
	return out, nil
}

// historicalIndices answers index levels for a past date
func (s *MarketDataService) historicalIndices(ctx context.Context, insts []domain.Instrument, asOf, now time.Time) (map[string]domain.Result[domain.PriceRecord], error) {
	date := asOf.Format(domain.MarketDateLayout)
	kind := domain.KindIndexLevel.CacheKind(0)
	out := make(map[string]domain.Result[domain.PriceRecord], len(insts))

	var derive []domain.Instrument
	for _, inst := range insts {
		entry, err := s.durable.Get(ctx, inst.Symbol, kind, date)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", inst.Symbol).Msg("Durable tier lookup failed")
		}
		if entry != nil && entry.IsComplete {
			s.stats.recordHit(domain.OriginDurableTier)
			out[inst.Symbol] = decodeResult[domain.PriceRecord](fromEntry(entry, domain.OriginDurableTier))
			continue
		}
		s.stats.recordMiss()
		derive = append(derive, inst)
	}

	if len(derive) == 0 {
		return out, nil
	}
	if s.cfg.ReadOnly {
		for _, inst := range derive {
			s.stats.recordError()
			out[inst.Symbol] = failed[domain.PriceRecord](fmt.Errorf("%w: no stored level for %s", domain.ErrNoUsableData, date))
		}
		return out, nil
	}

	// Calendar days overcount trading days, so the window always reaches back to asOf
	window := int(now.Sub(asOf).Hours()/24) + 10
	if window < DefaultTrendWindow {
		window = DefaultTrendWindow
	}

	symbols := make([]string, len(derive))
	for i, inst := range derive {
		symbols[i] = inst.Symbol
	}
	series, err := s.GetTrendData(ctx, symbols, window)
	if err != nil {
		return nil, err
	}

	for _, inst := range derive {
		res := series[inst.Symbol]
		if !res.OK() {
			out[inst.Symbol] = domain.Result[domain.PriceRecord]{Origin: domain.OriginNone, Err: res.Err, Error: res.Error}
			continue
		}

		rec, ok := levelOn(*res.Value, date)
		if !ok {
			s.stats.recordError()
			out[inst.Symbol] = failed[domain.PriceRecord](fmt.Errorf("%w: no bar on or before %s", domain.ErrNoUsableData, date))
			continue
		}
		rec.Symbol = inst.Symbol

		s.storeHistoricalLevel(ctx, inst, date, rec, now)

		value := rec
		out[inst.Symbol] = domain.Result[domain.PriceRecord]{
			Value:      &value,
			Origin:     res.Origin,
			Source:     rec.Source,
			Degraded:   res.Degraded,
			CapturedAt: res.CapturedAt,
		}
	}
	return out, nil
}

// levelOn derives the index level from the bar on date, or the latest bar before it
func levelOn(series domain.OHLCSeries, date string) (domain.PriceRecord, bool) {
	idx := -1
	for i, bar := range series.Bars {
		if bar.Date <= date {
			idx = i
		}
	}
	if idx < 0 {
		return domain.PriceRecord{}, false
	}

	bar := series.Bars[idx]
	rec := domain.PriceRecord{
		Price:  bar.Close,
		Open:   bar.Open,
		High:   bar.High,
		Low:    bar.Low,
		Volume: bar.Volume,
		Source: series.Source,
	}
	if idx > 0 {
		rec.PrevClose = series.Bars[idx-1].Close
		rec.Change = rec.Price - rec.PrevClose
		if rec.PrevClose != 0 {
			rec.ChangePct = rec.Change / rec.PrevClose * 100
		}
	}
	return rec, true
}

// storeHistoricalLevel writes a derived level to the Durable Tier only. The Fast Tier holds
// the live level and must not be superseded by a past one.
func (s *MarketDataService) storeHistoricalLevel(ctx context.Context, inst domain.Instrument, date string, rec domain.PriceRecord, now time.Time) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	entry := domain.CacheEntry{
		Symbol:     inst.Symbol,
		Kind:       domain.KindIndexLevel.CacheKind(0),
		Market:     inst.Market,
		Payload:    raw,
		CapturedAt: now,
		MarketDate: date,
		IsComplete: true,
		Source:     rec.Source,
	}
	s.locks.withLock(entry.Symbol, entry.Kind, func() {
		if err := s.durable.Put(ctx, entry); err != nil {
			s.log.Warn().Err(err).Str("symbol", inst.Symbol).Str("date", date).Msg("Failed to store derived index level")
		}
	})
}

// ClearCache empties both tiers, including the Fast Tier's files
func (s *MarketDataService) ClearCache(ctx context.Context) error {
	var errs []error
	if err := s.fast.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("fast tier: %w", err))
	}
	if err := s.durable.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("durable tier: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	s.log.Info().Msg("Cache cleared")
	return nil
}

func decodeResults[T any](raw map[string]domain.Result[json.RawMessage]) map[string]domain.Result[T] {
	out := make(map[string]domain.Result[T], len(raw))
	for sym, r := range raw {
		out[sym] = decodeResult[T](r)
	}
	return out
}

func decodeResult[T any](r domain.Result[json.RawMessage]) domain.Result[T] {
	res := domain.Result[T]{
		Origin:     r.Origin,
		Source:     r.Source,
		Degraded:   r.Degraded,
		CapturedAt: r.CapturedAt,
		Err:        r.Err,
		Error:      r.Error,
	}
	if r.Value == nil {
		return res
	}

	var v T
	if err := json.Unmarshal(*r.Value, &v); err != nil {
		return failed[T](fmt.Errorf("failed to decode cached payload: %w", err))
	}
	res.Value = &v
	return res
}
