// Package sina adapts the Sina hq quote feed, the last-resort source for domestic and
// Hong Kong quotes and index levels.
package sina

import (
	"context"
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
const Name = "sina"

// Config holds endpoint and tuning settings
type Config struct {
	BaseURL string
	Timeout time.Duration
	Weight  int
}

// DefaultConfig returns the public endpoint
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://hq.sinajs.cn",
		Timeout: 8 * time.Second,
		Weight:  20,
	}
}

// Client is the Sina provider adapter
type Client struct {
	cfg  Config
	desc domain.ProviderDescriptor
	http *httpx.Client
	log  zerolog.Logger
}

// NewClient creates a new Sina client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Weight <= 0 {
		cfg.Weight = defaults.Weight
	}

	// The feed rejects requests without a finance.sina.com.cn referer
	client := httpx.New(Name, cfg.Timeout)
	client.Headers = map[string]string{"Referer": "https://finance.sina.com.cn"}

	return &Client{
		cfg: cfg,
		desc: domain.ProviderDescriptor{
			Name:     Name,
			Markets:  []domain.Market{domain.MarketCN, domain.MarketHK},
			Kinds:    []domain.ValueKind{domain.KindRealtimePrice, domain.KindIndexLevel},
			Weight:   cfg.Weight,
			MaxBatch: 80,
		},
		http: client,
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

// Fetch serves realtime prices and index levels
func (c *Client) Fetch(ctx context.Context, req domain.FetchRequest) (map[string]domain.Payload, error) {
	if req.Kind != domain.KindRealtimePrice && req.Kind != domain.KindIndexLevel {
		return nil, domain.NewTerminalError(Name, fmt.Errorf("%w: %s", domain.ErrUnsupported, req.Kind))
	}

	bySymbol := make(map[string]domain.Instrument, len(req.Instruments))
	symbols := make([]string, 0, len(req.Instruments))
	for _, inst := range req.Instruments {
		sym, ok := classifier.ProviderSymbol(inst, classifier.DialectSina)
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

	body, err := c.http.Get(ctx, fmt.Sprintf("%s/list=%s", c.cfg.BaseURL, strings.Join(symbols, ",")))
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

		var rec domain.PriceRecord
		if inst.Market == domain.MarketHK {
			rec, ok = parseHK(inst, fields)
		} else {
			rec, ok = parseCN(inst, fields)
		}
		if !ok {
			continue
		}
		out[inst.Symbol] = domain.Payload{Value: rec, Complete: rec.Complete()}
	}

	c.log.Debug().Int("requested", len(symbols)).Int("served", len(out)).Msg("Fetched quotes")
	return out, nil
}

// ParseQuotes splits `var hq_str_<symbol>="a,b,c";` lines into comma-separated fields.
// Empty records (unknown symbols) are skipped.
func ParseQuotes(body string) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		line = strings.TrimPrefix(line, "var ")
		if !strings.HasPrefix(line, "hq_str_") {
			continue
		}
		name, value, found := strings.Cut(strings.TrimPrefix(line, "hq_str_"), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		if value == "" {
			continue
		}
		out[name] = strings.Split(value, ",")
	}
	return out
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return strings.TrimSpace(fields[i])
	}
	return ""
}

// parseCN reads name, open, prev close, price, high, low, ..., volume (shares), amount (yuan),
// with the quote date and time at positions 30 and 31.
func parseCN(inst domain.Instrument, fields []string) (domain.PriceRecord, bool) {
	if len(fields) < 10 {
		return domain.PriceRecord{}, false
	}
	price := feedparse.Float(field(fields, 3))
	prev := feedparse.Float(field(fields, 2))
	if price <= 0 && prev <= 0 {
		return domain.PriceRecord{}, false
	}

	rec := domain.PriceRecord{
		Symbol:    inst.Symbol,
		Name:      field(fields, 0),
		Open:      feedparse.Float(field(fields, 1)),
		PrevClose: prev,
		Price:     price,
		High:      feedparse.Float(field(fields, 4)),
		Low:       feedparse.Float(field(fields, 5)),
		Volume:    feedparse.Float(field(fields, 8)),
		Amount:    feedparse.Float(field(fields, 9)),
		Source:    Name,
	}
	if prev > 0 {
		rec.Change = feedparse.Change(price, prev)
		rec.ChangePct = feedparse.ChangePct(price, prev)
	}
	rec.QuotedAt = parseTime(field(fields, 30)+" "+field(fields, 31), "2006-01-02 15:04:05", inst.Market)
	return rec, true
}

// parseHK reads english name, name, open, prev close, high, low, price, change, change %,
// amount at 11, volume at 12, date and time at 17 and 18.
func parseHK(inst domain.Instrument, fields []string) (domain.PriceRecord, bool) {
	if len(fields) < 13 {
		return domain.PriceRecord{}, false
	}
	price := feedparse.Float(field(fields, 6))
	prev := feedparse.Float(field(fields, 3))
	if price <= 0 && prev <= 0 {
		return domain.PriceRecord{}, false
	}

	rec := domain.PriceRecord{
		Symbol:    inst.Symbol,
		Name:      field(fields, 1),
		Open:      feedparse.Float(field(fields, 2)),
		PrevClose: prev,
		High:      feedparse.Float(field(fields, 4)),
		Low:       feedparse.Float(field(fields, 5)),
		Price:     price,
		Change:    feedparse.Float(field(fields, 7)),
		ChangePct: feedparse.Float(field(fields, 8)),
		Amount:    feedparse.Float(field(fields, 11)),
		Volume:    feedparse.Float(field(fields, 12)),
		Source:    Name,
	}
	rec.QuotedAt = parseTime(field(fields, 17)+" "+field(fields, 18), "2006/01/02 15:04", inst.Market)
	return rec, true
}

func parseTime(s, layout string, market domain.Market) time.Time {
	t, err := time.ParseInLocation(layout, strings.TrimSpace(s), market_hours.Location(market))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
