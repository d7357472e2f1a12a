// Package eastmoney is the primary domestic-market provider: batched quotes (securities,
// indices, sector boards, PE), daily klines, and fund NAV estimates.
package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/marketfeed/internal/clients/feedparse"
	"github.com/aristath/marketfeed/internal/clients/httpx"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/rs/zerolog"
)

// Name identifies the provider in descriptors, logs and cache entries
const Name = "eastmoney"

// quoteFields: f2 price, f3 change %, f4 change, f5 volume (lots), f6 amount, f9 PE (dynamic),
// f12 code, f13 market id, f14 name, f15 high, f16 low, f17 open, f18 previous close, f124 quote time
const quoteFields = "f2,f3,f4,f5,f6,f9,f12,f13,f14,f15,f16,f17,f18,f124"

// Config holds endpoint and tuning settings
type Config struct {
	QuoteBaseURL   string
	HistoryBaseURL string
	FundBaseURL    string
	Timeout        time.Duration
	Weight         int
}

// DefaultConfig returns the public endpoints
func DefaultConfig() Config {
	return Config{
		QuoteBaseURL:   "https://push2.eastmoney.com",
		HistoryBaseURL: "https://push2his.eastmoney.com",
		FundBaseURL:    "https://fundgz.1234567.com.cn",
		Timeout:        8 * time.Second,
		Weight:         80,
	}
}

// Client is the eastmoney provider adapter
type Client struct {
	cfg  Config
	desc domain.ProviderDescriptor
	http *httpx.Client
	log  zerolog.Logger
}

// NewClient creates a new eastmoney client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	defaults := DefaultConfig()
	if cfg.QuoteBaseURL == "" {
		cfg.QuoteBaseURL = defaults.QuoteBaseURL
	}
	if cfg.HistoryBaseURL == "" {
		cfg.HistoryBaseURL = defaults.HistoryBaseURL
	}
	if cfg.FundBaseURL == "" {
		cfg.FundBaseURL = defaults.FundBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Weight <= 0 {
		cfg.Weight = defaults.Weight
	}

	client := httpx.New(Name, cfg.Timeout)
	client.Headers = map[string]string{"Referer": "https://quote.eastmoney.com/"}

	return &Client{
		cfg: cfg,
		desc: domain.ProviderDescriptor{
			Name:    Name,
			Markets: []domain.Market{domain.MarketCN},
			Kinds: []domain.ValueKind{
				domain.KindRealtimePrice,
				domain.KindIndexLevel,
				domain.KindOHLCSeries,
				domain.KindPERatio,
				domain.KindETFNAV,
				domain.KindSectorAggregate,
			},
			Weight:         cfg.Weight,
			MaxBatch:       50,
			MaxConcurrency: 2,
			MinInterval:    100 * time.Millisecond,
		},
		http: client,
		log:  log.With().Str("client", Name).Logger(),
	}
}

// Descriptor returns what the provider serves
func (c *Client) Descriptor() domain.ProviderDescriptor {
	return c.desc
}

// Configured is always true: the endpoints need no credential
func (c *Client) Configured() bool {
	return true
}

// Fetch serves one value kind for a batch of instruments
func (c *Client) Fetch(ctx context.Context, req domain.FetchRequest) (map[string]domain.Payload, error) {
	switch req.Kind {
	case domain.KindRealtimePrice, domain.KindIndexLevel, domain.KindSectorAggregate:
		return c.fetchQuotes(ctx, req.Instruments, toPricePayload)
	case domain.KindPERatio:
		return c.fetchQuotes(ctx, req.Instruments, toValuationPayload)
	case domain.KindOHLCSeries:
		return c.fetchHistory(ctx, req.Instruments, req.Window)
	case domain.KindETFNAV:
		return c.fetchNAV(ctx, req.Instruments)
	}
	return nil, domain.NewTerminalError(Name, fmt.Errorf("%w: %s", domain.ErrUnsupported, req.Kind))
}

type quoteRow map[string]any

func (r quoteRow) num(field string) float64 {
	f, _ := feedparse.Number(r[field])
	return f
}

func (r quoteRow) str(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

type ulistResponse struct {
	RC   int `json:"rc"`
	Data *struct {
		Diff json.RawMessage `json:"diff"`
	} `json:"data"`
}

// quotes returns one row per secid present in the response
func (c *Client) quotes(ctx context.Context, secids []string) (map[string]quoteRow, error) {
	endpoint := fmt.Sprintf("%s/api/qt/ulist.np/get?fltt=2&invt=2&fields=%s&secids=%s",
		c.cfg.QuoteBaseURL, quoteFields, url.QueryEscape(strings.Join(secids, ",")))

	var resp ulistResponse
	if err := c.http.GetJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}

	rows := make(map[string]quoteRow)
	if resp.Data == nil || len(resp.Data.Diff) == 0 {
		return rows, nil
	}

	// diff is usually an array, older deployments return an object keyed by position
	var list []quoteRow
	if err := json.Unmarshal(resp.Data.Diff, &list); err != nil {
		var keyed map[string]quoteRow
		if err := json.Unmarshal(resp.Data.Diff, &keyed); err != nil {
			return nil, domain.NewTerminalError(Name, fmt.Errorf("unexpected diff shape: %w", err))
		}
		for _, row := range keyed {
			list = append(list, row)
		}
	}

	for _, row := range list {
		rows[row.str("f13")+"."+row.str("f12")] = row
	}
	return rows, nil
}

type rowMapper func(inst domain.Instrument, row quoteRow) domain.Payload

func (c *Client) fetchQuotes(ctx context.Context, insts []domain.Instrument, mapRow rowMapper) (map[string]domain.Payload, error) {
	secids, bySecID := mapInstruments(insts)
	if len(secids) == 0 {
		return map[string]domain.Payload{}, nil
	}

	rows, err := c.quotes(ctx, secids)
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.Payload, len(rows))
	for secid, row := range rows {
		inst, ok := bySecID[secid]
		if !ok {
			continue
		}
		if row.num("f2") <= 0 && row.num("f18") <= 0 {
			// Suspended or unknown code
			continue
		}
		out[inst.Symbol] = mapRow(inst, row)
	}
	return out, nil
}

func toPricePayload(inst domain.Instrument, row quoteRow) domain.Payload {
	volume := row.num("f5")
	if inst.Class == domain.ClassSecurity {
		volume = feedparse.Scale(volume, 100)
	}

	rec := domain.PriceRecord{
		Symbol:    inst.Symbol,
		Name:      row.str("f14"),
		Price:     row.num("f2"),
		Open:      row.num("f17"),
		High:      row.num("f15"),
		Low:       row.num("f16"),
		PrevClose: row.num("f18"),
		Change:    row.num("f4"),
		ChangePct: row.num("f3"),
		Volume:    volume,
		Amount:    row.num("f6"),
		PE:        row.num("f9"),
		Source:    Name,
	}
	if ts := int64(row.num("f124")); ts > 0 {
		rec.QuotedAt = time.Unix(ts, 0).UTC()
	}
	return domain.Payload{Value: rec, Complete: rec.Complete()}
}

func toValuationPayload(inst domain.Instrument, row quoteRow) domain.Payload {
	pe, hasPE := feedparse.Number(row["f9"])
	rec := domain.ValuationRecord{
		Symbol: inst.Symbol,
		PE:     pe,
		Price:  row.num("f2"),
		Source: Name,
	}
	return domain.Payload{Value: rec, Complete: hasPE && rec.Price > 0}
}

type klineResponse struct {
	RC   int `json:"rc"`
	Data *struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

func (c *Client) fetchHistory(ctx context.Context, insts []domain.Instrument, window int) (map[string]domain.Payload, error) {
	if window < 1 {
		window = 1
	}

	out := make(map[string]domain.Payload, len(insts))
	var firstErr error

	for _, inst := range insts {
		secid, ok := classifier.ProviderSymbol(inst, classifier.DialectEastmoney)
		if !ok {
			continue
		}

		endpoint := fmt.Sprintf("%s/api/qt/stock/kline/get?secid=%s&klt=101&fqt=1&lmt=%d&end=20500101&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56",
			c.cfg.HistoryBaseURL, url.QueryEscape(secid), window)

		var resp klineResponse
		if err := c.http.GetJSON(ctx, endpoint, &resp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.log.Debug().Err(err).Str("symbol", inst.Symbol).Msg("Kline request failed")
			continue
		}
		if resp.Data == nil || len(resp.Data.Klines) == 0 {
			continue
		}

		bars := make([]domain.OHLCBar, 0, len(resp.Data.Klines))
		for _, line := range resp.Data.Klines {
			if bar, ok := parseKline(line); ok {
				bars = append(bars, bar)
			}
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

// parseKline parses "date,open,close,high,low,volume"
func parseKline(line string) (domain.OHLCBar, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < 6 {
		return domain.OHLCBar{}, false
	}
	bar := domain.OHLCBar{
		Date:   parts[0],
		Open:   feedparse.Float(parts[1]),
		Close:  feedparse.Float(parts[2]),
		High:   feedparse.Float(parts[3]),
		Low:    feedparse.Float(parts[4]),
		Volume: feedparse.Float(parts[5]),
	}
	return bar, bar.Close > 0
}

type fundEstimate struct {
	FundCode     string `json:"fundcode"`
	Name         string `json:"name"`
	NAVDate      string `json:"jzrq"`
	NAV          string `json:"dwjz"`
	Estimate     string `json:"gsz"`
	EstimatePct  string `json:"gszzl"`
	EstimateTime string `json:"gztime"`
}

func (c *Client) fetchNAV(ctx context.Context, insts []domain.Instrument) (map[string]domain.Payload, error) {
	navs := make(map[string]domain.NAVRecord, len(insts))
	var firstErr error

	for _, inst := range insts {
		if inst.Class != domain.ClassSecurity {
			continue
		}
		est, err := c.fundEstimate(ctx, inst.Code)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if est == nil {
			continue
		}
		navs[inst.Symbol] = domain.NAVRecord{
			Symbol:       inst.Symbol,
			Name:         est.Name,
			NAV:          feedparse.Float(est.NAV),
			NAVDate:      est.NAVDate,
			EstimatedNAV: feedparse.Float(est.Estimate),
			Source:       Name,
		}
	}

	if len(navs) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return map[string]domain.Payload{}, nil
	}

	// Traded prices for the premium
	prices := make(map[string]float64, len(navs))
	priced := make([]domain.Instrument, 0, len(navs))
	for _, inst := range insts {
		if _, ok := navs[inst.Symbol]; ok {
			priced = append(priced, inst)
		}
	}
	quotes, err := c.fetchQuotes(ctx, priced, toPricePayload)
	if err != nil {
		c.log.Debug().Err(err).Msg("Price lookup for NAV premium failed")
	}
	for symbol, p := range quotes {
		if rec, ok := p.Value.(domain.PriceRecord); ok {
			prices[symbol] = rec.Price
		}
	}

	out := make(map[string]domain.Payload, len(navs))
	for symbol, rec := range navs {
		rec.Price = prices[symbol]
		reference := rec.EstimatedNAV
		if reference <= 0 {
			reference = rec.NAV
		}
		if rec.Price > 0 && reference > 0 {
			rec.PremiumPct = feedparse.ChangePct(rec.Price, reference)
		}
		out[symbol] = domain.Payload{Value: rec, Complete: rec.NAV > 0 && rec.Price > 0}
	}
	return out, nil
}

// fundEstimate reads the JSONP fund estimate. Returns nil, nil for unknown funds.
func (c *Client) fundEstimate(ctx context.Context, code string) (*fundEstimate, error) {
	body, err := c.http.Get(ctx, fmt.Sprintf("%s/js/%s.js?rt=%d", c.cfg.FundBaseURL, code, time.Now().UnixMilli()))
	if err != nil {
		return nil, err
	}

	payload := strings.TrimSpace(string(body))
	payload = strings.TrimPrefix(payload, "jsonpgz(")
	payload = strings.TrimSuffix(payload, ";")
	payload = strings.TrimSuffix(payload, ")")
	if payload == "" {
		return nil, nil
	}

	var est fundEstimate
	if err := json.Unmarshal([]byte(payload), &est); err != nil {
		return nil, domain.NewTerminalError(Name, fmt.Errorf("failed to parse fund estimate: %w", err))
	}
	return &est, nil
}

func mapInstruments(insts []domain.Instrument) ([]string, map[string]domain.Instrument) {
	secids := make([]string, 0, len(insts))
	bySecID := make(map[string]domain.Instrument, len(insts))
	for _, inst := range insts {
		secid, ok := classifier.ProviderSymbol(inst, classifier.DialectEastmoney)
		if !ok {
			continue
		}
		if _, dup := bySecID[secid]; dup {
			continue
		}
		secids = append(secids, secid)
		bySecID[secid] = inst
	}
	return secids, bySecID
}
