// Package alphavantage adapts the Alpha Vantage API for US quotes and daily series.
// The free tier allows a small number of requests per day, so the client counts calls
// against a daily quota and memoises identical requests for a few minutes.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/clients/feedparse"
	"github.com/aristath/marketfeed/internal/clients/httpx"
	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/modules/classifier"
	"github.com/aristath/marketfeed/internal/modules/market_hours"
	"github.com/rs/zerolog"
)

// Name identifies the provider
const Name = "alphavantage"

const (
	defaultBaseURL    = "https://www.alphavantage.co"
	defaultDailyLimit = 25
	defaultCacheTTL   = 5 * time.Minute
	// compactBars is how many bars outputsize=compact returns
	compactBars = 100
)

// Config holds credentials, endpoint and quota settings
type Config struct {
	APIKey     string
	BaseURL    string
	DailyLimit int
	CacheTTL   time.Duration
	Timeout    time.Duration
	Weight     int
}

// Client is the Alpha Vantage provider adapter
type Client struct {
	apiKey  string
	baseURL string
	desc    domain.ProviderDescriptor
	http    *httpx.Client
	log     zerolog.Logger

	// Daily quota
	limitMu      sync.Mutex
	dailyLimit   int
	requestCount int
	resetAt      time.Time

	// Response memo
	cacheMu  sync.RWMutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration
}

type cacheEntry struct {
	data      interface{}
	expiresAt time.Time
}

// NewClient creates a client with the default quota and endpoint
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey}, log)
}

// NewClientWithConfig creates a client from cfg, filling in defaults
func NewClientWithConfig(cfg Config, log zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DailyLimit <= 0 {
		cfg.DailyLimit = defaultDailyLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Weight <= 0 {
		cfg.Weight = 40
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		desc: domain.ProviderDescriptor{
			Name:               Name,
			Markets:            []domain.Market{domain.MarketUS},
			Kinds:              []domain.ValueKind{domain.KindRealtimePrice, domain.KindOHLCSeries},
			Weight:             cfg.Weight,
			RequiresCredential: true,
			MaxBatch:           1,
			MinInterval:        time.Second,
		},
		http:       httpx.New(Name, cfg.Timeout),
		log:        log.With().Str("client", Name).Logger(),
		dailyLimit: cfg.DailyLimit,
		resetAt:    nextMidnightUTC(),
		cache:      make(map[string]cacheEntry),
		cacheTTL:   cfg.CacheTTL,
	}
}

// Descriptor returns what the provider serves
func (c *Client) Descriptor() domain.ProviderDescriptor {
	return c.desc
}

// Configured reports whether an API key is set
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Fetch serves realtime prices and daily series, one symbol per request
func (c *Client) Fetch(ctx context.Context, req domain.FetchRequest) (map[string]domain.Payload, error) {
	if req.Kind != domain.KindRealtimePrice && req.Kind != domain.KindOHLCSeries {
		return nil, domain.NewTerminalError(Name, fmt.Errorf("%w: %s", domain.ErrUnsupported, req.Kind))
	}
	if !c.Configured() {
		return nil, domain.NewTerminalError(Name, ErrInvalidAPIKey{})
	}

	out := make(map[string]domain.Payload, len(req.Instruments))
	var firstErr error

	for _, inst := range req.Instruments {
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectAlphaVantage)
		if !ok {
			continue
		}

		var (
			payload domain.Payload
			err     error
		)
		if req.Kind == domain.KindRealtimePrice {
			payload, err = c.quote(ctx, inst, sym)
		} else {
			payload, err = c.series(ctx, inst, sym, req.Window)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[inst.Symbol] = payload
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *Client) quote(ctx context.Context, inst domain.Instrument, sym string) (domain.Payload, error) {
	body, err := c.call(ctx, "GLOBAL_QUOTE", map[string]string{"symbol": sym})
	if err != nil {
		return domain.Payload{}, err
	}

	q, err := parseGlobalQuote(body)
	if err != nil {
		return domain.Payload{}, domain.NewTerminalError(Name, err)
	}
	if q.Symbol == "" {
		return domain.Payload{}, domain.NewTerminalError(Name, ErrSymbolNotFound{Symbol: sym})
	}

	rec := domain.PriceRecord{
		Symbol:    inst.Symbol,
		Price:     q.Price,
		Open:      q.Open,
		High:      q.High,
		Low:       q.Low,
		PrevClose: q.PreviousClose,
		Change:    q.Change,
		ChangePct: q.ChangePercent,
		Volume:    float64(q.Volume),
		Source:    Name,
	}
	if !q.LatestTradingDay.IsZero() {
		d := q.LatestTradingDay
		rec.QuotedAt = time.Date(d.Year(), d.Month(), d.Day(), 16, 0, 0, 0, market_hours.Location(domain.MarketUS)).UTC()
	}
	return domain.Payload{Value: rec, Complete: rec.Complete()}, nil
}

func (c *Client) series(ctx context.Context, inst domain.Instrument, sym string, window int) (domain.Payload, error) {
	if window < 1 {
		window = 1
	}
	outputSize := "compact"
	if window > compactBars {
		outputSize = "full"
	}

	body, err := c.call(ctx, "TIME_SERIES_DAILY", map[string]string{"symbol": sym, "outputsize": outputSize})
	if err != nil {
		return domain.Payload{}, err
	}

	prices, err := parseDailyTimeSeries(body)
	if err != nil {
		return domain.Payload{}, domain.NewTerminalError(Name, err)
	}
	if len(prices) == 0 {
		return domain.Payload{}, domain.NewTerminalError(Name, ErrSymbolNotFound{Symbol: sym})
	}
	if len(prices) > window {
		prices = prices[:window]
	}

	// Newest first from the parser, oldest first in the series
	bars := make([]domain.OHLCBar, 0, len(prices))
	for i := len(prices) - 1; i >= 0; i-- {
		p := prices[i]
		bars = append(bars, domain.OHLCBar{
			Date:   p.Date.Format(domain.MarketDateLayout),
			Open:   p.Open,
			High:   p.High,
			Low:    p.Low,
			Close:  p.Close,
			Volume: float64(p.Volume),
		})
	}

	series := domain.OHLCSeries{Symbol: inst.Symbol, Window: window, Bars: bars, Source: Name}
	return domain.Payload{Value: series, Complete: len(bars) >= window}, nil
}

// call performs one API request, answering from the memo when possible
func (c *Client) call(ctx context.Context, function string, params map[string]string) ([]byte, error) {
	key := buildCacheKey(function, params)
	if cached, ok := c.getFromCache(key); ok {
		c.log.Debug().Str("function", function).Msg("Serving memoised response")
		return cached.([]byte), nil
	}

	if err := c.checkRateLimit(); err != nil {
		return nil, domain.NewTerminalError(Name, err)
	}

	query := url.Values{}
	query.Set("function", function)
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("apikey", c.apiKey)

	body, err := c.http.Get(ctx, c.baseURL+"/query?"+query.Encode())
	if err != nil {
		return nil, err
	}
	if err := c.checkAPIError(body); err != nil {
		return nil, domain.NewTerminalError(Name, err)
	}

	c.setCache(key, body, c.cacheTTL)
	return body, nil
}

// checkAPIError detects errors reported inside a 200 response
func (c *Client) checkAPIError(body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	if strings.Contains(trimmed, "Thank you for using Alpha Vantage") {
		return ErrRateLimitExceeded{}
	}

	var probe struct {
		Note         string `json:"Note"`
		Information  string `json:"Information"`
		ErrorMessage string `json:"Error Message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	switch {
	case probe.Note != "" || probe.Information != "":
		c.log.Warn().Msg("Alpha Vantage quota notice received")
		return ErrRateLimitExceeded{}
	case strings.Contains(strings.ToLower(probe.ErrorMessage), "apikey"):
		return ErrInvalidAPIKey{}
	case probe.ErrorMessage != "":
		return fmt.Errorf("api error: %s", probe.ErrorMessage)
	}
	return nil
}

// checkRateLimit counts a request against the daily quota
func (c *Client) checkRateLimit() error {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()

	if time.Now().After(c.resetAt) {
		c.requestCount = 0
		c.resetAt = nextMidnightUTC()
	}
	if c.requestCount >= c.dailyLimit {
		return ErrRateLimitExceeded{}
	}
	c.requestCount++
	return nil
}

// GetRemainingRequests returns how many requests are left today
func (c *Client) GetRemainingRequests() int {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()

	if time.Now().After(c.resetAt) {
		return c.dailyLimit
	}
	return c.dailyLimit - c.requestCount
}

// ResetDailyCounter restores the full daily quota
func (c *Client) ResetDailyCounter() {
	c.limitMu.Lock()
	defer c.limitMu.Unlock()

	c.requestCount = 0
	c.resetAt = nextMidnightUTC()
}

func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}

func (c *Client) setCache(key string, data interface{}, ttl time.Duration) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[key] = cacheEntry{data: data, expiresAt: time.Now().Add(ttl)}
}

func (c *Client) getFromCache(key string) (interface{}, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

// ClearCache drops every memoised response
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// buildCacheKey renders function and params (minus the api key) in a stable order
func buildCacheKey(function string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "apikey" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(function)
	for _, k := range keys {
		b.WriteString("&")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	return b.String()
}

// ErrRateLimitExceeded is returned when the daily quota is spent or the API reports throttling
type ErrRateLimitExceeded struct{}

func (ErrRateLimitExceeded) Error() string {
	return "alpha vantage rate limit exceeded"
}

// Is makes errors.Is(err, domain.ErrRateLimitExceeded) match
func (ErrRateLimitExceeded) Is(target error) bool {
	return target == domain.ErrRateLimitExceeded
}

// ErrInvalidAPIKey is returned when the key is missing or rejected
type ErrInvalidAPIKey struct{}

func (ErrInvalidAPIKey) Error() string {
	return "invalid or missing alpha vantage api key"
}

// ErrSymbolNotFound is returned when the API has no data for a symbol
type ErrSymbolNotFound struct {
	Symbol string
}

func (e ErrSymbolNotFound) Error() string {
	return fmt.Sprintf("symbol not found: %s", e.Symbol)
}

// GlobalQuote is a GLOBAL_QUOTE response
type GlobalQuote struct {
	Symbol           string
	Open             float64
	High             float64
	Low              float64
	Price            float64
	Volume           int64
	LatestTradingDay time.Time
	PreviousClose    float64
	Change           float64
	ChangePercent    float64
}

// DailyPrice is one TIME_SERIES_DAILY bar
type DailyPrice struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

func parseGlobalQuote(body []byte) (*GlobalQuote, error) {
	var resp struct {
		GlobalQuote map[string]string `json:"Global Quote"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse global quote: %w", err)
	}

	q := resp.GlobalQuote
	return &GlobalQuote{
		Symbol:           q["01. symbol"],
		Open:             parseFloat64(q["02. open"]),
		High:             parseFloat64(q["03. high"]),
		Low:              parseFloat64(q["04. low"]),
		Price:            parseFloat64(q["05. price"]),
		Volume:           parseInt64(q["06. volume"]),
		LatestTradingDay: parseDate(q["07. latest trading day"]),
		PreviousClose:    parseFloat64(q["08. previous close"]),
		Change:           parseFloat64(q["09. change"]),
		ChangePercent:    parseFloat64(q["10. change percent"]),
	}, nil
}

// parseDailyTimeSeries returns bars newest first
func parseDailyTimeSeries(body []byte) ([]DailyPrice, error) {
	var resp struct {
		TimeSeries map[string]map[string]string `json:"Time Series (Daily)"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse daily time series: %w", err)
	}

	prices := make([]DailyPrice, 0, len(resp.TimeSeries))
	for date, values := range resp.TimeSeries {
		d := parseDate(date)
		if d.IsZero() {
			continue
		}
		prices = append(prices, DailyPrice{
			Date:   d,
			Open:   parseFloat64(values["1. open"]),
			High:   parseFloat64(values["2. high"]),
			Low:    parseFloat64(values["3. low"]),
			Close:  parseFloat64(values["4. close"]),
			Volume: parseInt64(values["5. volume"]),
		})
	}

	sort.Slice(prices, func(i, j int) bool {
		return prices[i].Date.After(prices[j].Date)
	})
	return prices, nil
}

func parseFloat64(s string) float64 {
	return feedparse.Float(s)
}

func parseInt64(s string) int64 {
	d, ok := feedparse.Decimal(s)
	if !ok {
		return 0
	}
	return d.IntPart()
}

func parseDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}
