// Package yahoo adapts Yahoo Finance through go-yfinance. Quotes and index levels come from
// a batched short-range download, history from the ticker API, PE from ticker info.
package yahoo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketfeed/internal/clients/feedparse"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/rs/zerolog"
	"github.com/wnjoon/go-yfinance/pkg/models"
	"github.com/wnjoon/go-yfinance/pkg/multi"
	"github.com/wnjoon/go-yfinance/pkg/ticker"
)

// Name identifies the provider
const Name = "yahoo"

// quotePeriod is long enough to always hold the previous session's bar
const quotePeriod = "5d"

// Config holds tuning settings
type Config struct {
	Weight int
}

// fundamentals is the subset of ticker info the adapter reads
type fundamentals struct {
	Name      string
	Price     float64
	PrevClose float64
	PE        float64
}

// backend is the slice of go-yfinance the adapter calls. Every method returns once ctx ends,
// even when the library call underneath is still running.
type backend interface {
	Download(ctx context.Context, symbols []string, period string) (map[string][]models.Bar, map[string]error, error)
	History(ctx context.Context, symbol, period string) ([]models.Bar, error)
	Fundamentals(ctx context.Context, symbol string) (*fundamentals, error)
}

// Client is the Yahoo provider adapter
type Client struct {
	desc    domain.ProviderDescriptor
	backend backend
	log     zerolog.Logger
}

// NewClient creates a new Yahoo client backed by go-yfinance
func NewClient(cfg Config, log zerolog.Logger) *Client {
	return newClient(cfg, yfinanceBackend{}, log)
}

func newClient(cfg Config, b backend, log zerolog.Logger) *Client {
	if cfg.Weight <= 0 {
		cfg.Weight = 50
	}
	return &Client{
		desc: domain.ProviderDescriptor{
			Name:    Name,
			Markets: []domain.Market{domain.MarketUS, domain.MarketHK, domain.MarketCN},
			Kinds: []domain.ValueKind{
				domain.KindRealtimePrice,
				domain.KindIndexLevel,
				domain.KindOHLCSeries,
				domain.KindPERatio,
			},
			Weight:      cfg.Weight,
			MaxBatch:    20,
			MinInterval: 250 * time.Millisecond,
		},
		backend: b,
		log:     log.With().Str("client", Name).Logger(),
	}
}

// Descriptor returns what the provider serves
func (c *Client) Descriptor() domain.ProviderDescriptor {
	return c.desc
}

// Configured is always true
func (c *Client) Configured() bool {
	return true
}

// Fetch serves one value kind for a batch of instruments
func (c *Client) Fetch(ctx context.Context, req domain.FetchRequest) (map[string]domain.Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewRetryableError(Name, err)
	}

	switch req.Kind {
	case domain.KindRealtimePrice, domain.KindIndexLevel:
		return c.fetchQuotes(ctx, req.Instruments)
	case domain.KindOHLCSeries:
		return c.fetchHistory(ctx, req.Instruments, req.Window)
	case domain.KindPERatio:
		return c.fetchValuations(ctx, req.Instruments)
	}
	return nil, domain.NewTerminalError(Name, fmt.Errorf("%w: %s", domain.ErrUnsupported, req.Kind))
}

func (c *Client) fetchQuotes(ctx context.Context, insts []domain.Instrument) (map[string]domain.Payload, error) {
	bySymbol := make(map[string]domain.Instrument, len(insts))
	symbols := make([]string, 0, len(insts))
	for _, inst := range insts {
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectYahoo)
		if !ok {
			continue
		}
		if _, dup := bySymbol[sym]; dup {
			continue
		}
		bySymbol[sym] = inst
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		return map[string]domain.Payload{}, nil
	}

	data, errs, err := c.backend.Download(ctx, symbols, quotePeriod)
	if err != nil {
		return nil, domain.NewRetryableError(Name, fmt.Errorf("failed to download batch quotes: %w", err))
	}

	out := make(map[string]domain.Payload, len(symbols))
	for sym, inst := range bySymbol {
		bars := data[sym]
		if len(bars) == 0 {
			if symErr, ok := errs[sym]; ok {
				c.log.Debug().Err(symErr).Str("symbol", sym).Msg("Failed to get quote for symbol")
			}
			continue
		}

		last := bars[len(bars)-1]
		rec := domain.PriceRecord{
			Symbol:   inst.Symbol,
			Price:    last.Close,
			Open:     last.Open,
			High:     last.High,
			Low:      last.Low,
			Volume:   float64(last.Volume),
			QuotedAt: last.Date.UTC(),
			Source:   Name,
		}
		if len(bars) > 1 {
			rec.PrevClose = bars[len(bars)-2].Close
			rec.Change = feedparse.Change(rec.Price, rec.PrevClose)
			rec.ChangePct = feedparse.ChangePct(rec.Price, rec.PrevClose)
		}
		out[inst.Symbol] = domain.Payload{Value: rec, Complete: rec.Complete()}
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, domain.NewRetryableError(Name, errors.New("no symbol in the batch returned data"))
	}
	return out, nil
}

func (c *Client) fetchHistory(ctx context.Context, insts []domain.Instrument, window int) (map[string]domain.Payload, error) {
	if window < 1 {
		window = 1
	}
	period := PeriodFor(window)

	out := make(map[string]domain.Payload, len(insts))
	var firstErr error

	for _, inst := range insts {
		if ctx.Err() != nil {
			break
		}
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectYahoo)
		if !ok {
			continue
		}

		raw, err := c.backend.History(ctx, sym, period)
		if err != nil {
			if firstErr == nil {
				firstErr = domain.NewRetryableError(Name, fmt.Errorf("failed to get historical prices for %s: %w", sym, err))
			}
			continue
		}

		loc := market_hours.Location(inst.Market)
		bars := make([]domain.OHLCBar, 0, len(raw))
		for _, b := range raw {
			if b.Close <= 0 {
				continue
			}
			bars = append(bars, domain.OHLCBar{
				Date:   b.Date.In(loc).Format(domain.MarketDateLayout),
				Open:   b.Open,
				High:   b.High,
				Low:    b.Low,
				Close:  b.Close,
				Volume: float64(b.Volume),
			})
		}
		if len(bars) == 0 {
			continue
		}
		if len(bars) > window {
			bars = bars[len(bars)-window:]
		}

		series := domain.OHLCSeries{Symbol: inst.Symbol, Window: window, Bars: bars, Source: Name}
		out[inst.Symbol] = domain.Payload{Value: series, Complete: len(bars) >= window}
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *Client) fetchValuations(ctx context.Context, insts []domain.Instrument) (map[string]domain.Payload, error) {
	out := make(map[string]domain.Payload, len(insts))
	var firstErr error

	for _, inst := range insts {
		if ctx.Err() != nil {
			break
		}
		if inst.Class != domain.ClassSecurity {
			continue
		}
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectYahoo)
		if !ok {
			continue
		}

		f, err := c.backend.Fundamentals(ctx, sym)
		if err != nil {
			if firstErr == nil {
				firstErr = domain.NewRetryableError(Name, fmt.Errorf("failed to get info for %s: %w", sym, err))
			}
			continue
		}

		price := f.Price
		if price <= 0 {
			price = f.PrevClose
		}
		rec := domain.ValuationRecord{Symbol: inst.Symbol, PE: f.PE, Price: price, Source: Name}
		out[inst.Symbol] = domain.Payload{Value: rec, Complete: f.PE > 0 && price > 0}
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// PeriodFor returns the shortest history period covering window trading days
func PeriodFor(window int) string {
	switch {
	case window <= 20:
		return "1mo"
	case window <= 60:
		return "3mo"
	case window <= 120:
		return "6mo"
	case window <= 250:
		return "1y"
	case window <= 500:
		return "2y"
	default:
		return "5y"
	}
}

// yfinanceBackend calls the go-yfinance packages. The library takes no context, so each
// call runs in its own goroutine and is abandoned when ctx ends.
type yfinanceBackend struct{}

// withContext runs fn and returns its result, or ctx.Err() if ctx ends first
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (yfinanceBackend) Download(ctx context.Context, symbols []string, period string) (map[string][]models.Bar, map[string]error, error) {
	params := models.DefaultDownloadParams()
	params.Symbols = symbols
	params.Period = period
	params.Interval = "1d"

	type batch struct {
		data map[string][]models.Bar
		errs map[string]error
	}
	got, err := withContext(ctx, func() (batch, error) {
		result, err := multi.Download(symbols, &params)
		if err != nil {
			return batch{}, err
		}
		return batch{data: result.Data, errs: result.Errors}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return got.data, got.errs, nil
}

func (yfinanceBackend) History(ctx context.Context, symbol, period string) ([]models.Bar, error) {
	return withContext(ctx, func() ([]models.Bar, error) {
		t, err := ticker.New(symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to create ticker: %w", err)
		}
		defer t.Close()

		return t.History(models.HistoryParams{
			Period:     period,
			Interval:   "1d",
			AutoAdjust: true,
		})
	})
}

func (yfinanceBackend) Fundamentals(ctx context.Context, symbol string) (*fundamentals, error) {
	return withContext(ctx, func() (*fundamentals, error) {
		return loadFundamentals(symbol)
	})
}

func loadFundamentals(symbol string) (*fundamentals, error) {
	t, err := ticker.New(symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticker: %w", err)
	}
	defer t.Close()

	info, err := t.Info()
	if err != nil {
		return nil, err
	}

	f := &fundamentals{
		Name:      info.ShortName,
		Price:     info.CurrentPrice,
		PrevClose: info.RegularMarketPreviousClose,
		PE:        info.TrailingPE,
	}
	if f.Name == "" {
		f.Name = info.LongName
	}
	if f.Price <= 0 {
		if quote, err := t.Quote(); err == nil && quote != nil {
			f.Price = quote.RegularMarketPrice
		}
	}
	return f, nil
}
