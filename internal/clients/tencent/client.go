// Package tencent adapts the Tencent quote feed (qt.gtimg.cn) and its forward-adjusted
// kline service. It covers all three markets.
package tencent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/marketfeed/internal/clients/feedparse"
	"github.com/aristath/marketfeed/internal/clients/httpx"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/rs/zerolog"
)

// Name identifies the provider
const Name = "tencent"

// Positions in the "~"-separated quote record
const (
	fieldName      = 1
	fieldCode      = 2
	fieldPrice     = 3
	fieldPrevClose = 4
	fieldOpen      = 5
	fieldVolume    = 6
	fieldTime      = 30
	fieldChange    = 31
	fieldChangePct = 32
	fieldHigh      = 33
	fieldLow       = 34
	fieldAmount    = 37
	fieldPE        = 39
)

var quoteTimeLayouts = []string{"20060102150405", "2006/01/02 15:04:05", "2006-01-02 15:04:05"}

// Config holds endpoint and tuning settings
type Config struct {
	QuoteBaseURL string
	KlineBaseURL string
	Timeout      time.Duration
	Weight       int
}

// DefaultConfig returns the public endpoints
func DefaultConfig() Config {
	return Config{
		QuoteBaseURL: "https://qt.gtimg.cn",
		KlineBaseURL: "https://web.ifzq.gtimg.cn",
		Timeout:      8 * time.Second,
		Weight:       60,
	}
}

// Client is the Tencent provider adapter
type Client struct {
	cfg  Config
	desc domain.ProviderDescriptor
	http *httpx.Client
	log  zerolog.Logger
}

// NewClient creates a new Tencent client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	defaults := DefaultConfig()
	if cfg.QuoteBaseURL == "" {
		cfg.QuoteBaseURL = defaults.QuoteBaseURL
	}
	if cfg.KlineBaseURL == "" {
		cfg.KlineBaseURL = defaults.KlineBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Weight <= 0 {
		cfg.Weight = defaults.Weight
	}

	return &Client{
		cfg: cfg,
		desc: domain.ProviderDescriptor{
			Name:    Name,
			Markets: []domain.Market{domain.MarketCN, domain.MarketHK, domain.MarketUS},
			Kinds: []domain.ValueKind{
				domain.KindRealtimePrice,
				domain.KindIndexLevel,
				domain.KindOHLCSeries,
				domain.KindPERatio,
			},
			Weight:         cfg.Weight,
			MaxBatch:       60,
			MaxConcurrency: 2,
			MinInterval:    100 * time.Millisecond,
		},
		http: httpx.New(Name, cfg.Timeout),
		log:  log.With().Str("client", Name).Logger(),
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
	switch req.Kind {
	case domain.KindRealtimePrice, domain.KindIndexLevel:
		return c.fetchQuotes(ctx, req.Instruments, false)
	case domain.KindPERatio:
		return c.fetchQuotes(ctx, req.Instruments, true)
	case domain.KindOHLCSeries:
		return c.fetchHistory(ctx, req.Instruments, req.Window)
	}
	return nil, domain.NewTerminalError(Name, fmt.Errorf("%w: %s", domain.ErrUnsupported, req.Kind))
}

func (c *Client) fetchQuotes(ctx context.Context, insts []domain.Instrument, valuation bool) (map[string]domain.Payload, error) {
	bySymbol := make(map[string]domain.Instrument, len(insts))
	symbols := make([]string, 0, len(insts))
	for _, inst := range insts {
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectTencent)
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

	body, err := c.http.Get(ctx, fmt.Sprintf("%s/q=%s", c.cfg.QuoteBaseURL, strings.Join(symbols, ",")))
	if err != nil {
		return nil, err
	}
	body, err = httpx.DecodeGBK(body)
	if err != nil {
		return nil, domain.NewTerminalError(Name, err)
	}

	out := make(map[string]domain.Payload, len(symbols))
	for sym, fields := range ParseQuotes(string(body)) {
		inst, ok := bySymbol[sym]
		if !ok {
			continue
		}
		rec, ok := toPriceRecord(inst, fields)
		if !ok {
			continue
		}
		if valuation {
			pe, hasPE := feedparse.Decimal(field(fields, fieldPE))
			val := domain.ValuationRecord{Symbol: inst.Symbol, PE: pe.InexactFloat64(), Price: rec.Price, Source: Name}
			out[inst.Symbol] = domain.Payload{Value: val, Complete: hasPE && rec.Price > 0}
			continue
		}
		out[inst.Symbol] = domain.Payload{Value: rec, Complete: rec.Complete()}
	}
	return out, nil
}

// ParseQuotes splits a quote response into records keyed by the requested symbol.
// Unknown symbols ("v_pv_none_match") and empty records are skipped.
func ParseQuotes(body string) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(body, ";") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "v_") {
			continue
		}
		name, value, found := strings.Cut(line[2:], "=")
		if !found || strings.HasPrefix(name, "pv_none_match") {
			continue
		}
		value = strings.Trim(value, `"`)
		if value == "" {
			continue
		}
		out[name] = strings.Split(value, "~")
	}
	return out
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func toPriceRecord(inst domain.Instrument, fields []string) (domain.PriceRecord, bool) {
	price := feedparse.Float(field(fields, fieldPrice))
	prev := feedparse.Float(field(fields, fieldPrevClose))
	if price <= 0 && prev <= 0 {
		return domain.PriceRecord{}, false
	}

	volume := feedparse.Float(field(fields, fieldVolume))
	amount := feedparse.Float(field(fields, fieldAmount))
	if inst.Market == domain.MarketCN {
		// Lots of 100 shares, amount in units of 10k yuan
		volume = feedparse.Scale(volume, 100)
		amount = feedparse.Scale(amount, 10000)
	}

	rec := domain.PriceRecord{
		Symbol:    inst.Symbol,
		Name:      field(fields, fieldName),
		Price:     price,
		Open:      feedparse.Float(field(fields, fieldOpen)),
		High:      feedparse.Float(field(fields, fieldHigh)),
		Low:       feedparse.Float(field(fields, fieldLow)),
		PrevClose: prev,
		Change:    feedparse.Float(field(fields, fieldChange)),
		ChangePct: feedparse.Float(field(fields, fieldChangePct)),
		Volume:    volume,
		Amount:    amount,
		PE:        feedparse.Float(field(fields, fieldPE)),
		QuotedAt:  parseQuoteTime(field(fields, fieldTime), market_hours.Location(inst.Market)),
		Source:    Name,
	}
	if rec.Change == 0 && prev > 0 {
		rec.Change = feedparse.Change(price, prev)
		rec.ChangePct = feedparse.ChangePct(price, prev)
	}
	return rec, true
}

func parseQuoteTime(s string, loc *time.Location) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range quoteTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

type klineResponse struct {
	Code int                        `json:"code"`
	Msg  string                     `json:"msg"`
	Data map[string]json.RawMessage `json:"data"`
}

type klineData struct {
	QFQDay [][]any `json:"qfqday"`
	Day    [][]any `json:"day"`
}

func (c *Client) fetchHistory(ctx context.Context, insts []domain.Instrument, window int) (map[string]domain.Payload, error) {
	if window < 1 {
		window = 1
	}

	out := make(map[string]domain.Payload, len(insts))
	var firstErr error

	for _, inst := range insts {
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectTencent)
		if !ok {
			continue
		}

		var resp klineResponse
		endpoint := fmt.Sprintf("%s/appstock/app/fqkline/get?param=%s,day,,,%d,qfq", c.cfg.KlineBaseURL, sym, window)
		if err := c.http.GetJSON(ctx, endpoint, &resp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.log.Debug().Err(err).Str("symbol", inst.Symbol).Msg("Kline request failed")
			continue
		}

		raw, ok := resp.Data[sym]
		if !ok {
			continue
		}
		var data klineData
		if err := json.Unmarshal(raw, &data); err != nil {
			// Unknown symbols come back as an empty array
			continue
		}

		rows := data.QFQDay
		if len(rows) == 0 {
			rows = data.Day
		}
		bars := make([]domain.OHLCBar, 0, len(rows))
		for _, row := range rows {
			if bar, ok := parseKlineRow(row); ok {
				bars = append(bars, bar)
			}
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

// parseKlineRow parses [date, open, close, high, low, volume, ...]
func parseKlineRow(row []any) (domain.OHLCBar, bool) {
	if len(row) < 6 {
		return domain.OHLCBar{}, false
	}
	date, ok := row[0].(string)
	if !ok {
		return domain.OHLCBar{}, false
	}
	num := func(v any) float64 {
		f, _ := feedparse.Number(v)
		return f
	}
	bar := domain.OHLCBar{
		Date:   date,
		Open:   num(row[1]),
		Close:  num(row[2]),
		High:   num(row[3]),
		Low:    num(row[4]),
		Volume: num(row[5]),
	}
	return bar, bar.Close > 0
}
