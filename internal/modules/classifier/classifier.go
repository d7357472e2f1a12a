// Package classifier maps raw symbols to markets and instrument classes, and translates
// classified instruments into each provider's symbol syntax.
package classifier

import (
	"regexp"
	"strings"

	"github.com/aristath/marketfeed/internal/domain"
)

var (
	domesticPattern = regexp.MustCompile(`^[0-9]{6}$`)
	sectorPattern   = regexp.MustCompile(`^BK[0-9]{4}$`)
	hkPattern       = regexp.MustCompile(`^([0-9]{4,5})\.HK$`)
	usPattern       = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)
)

// indexEntry describes an allow-listed index symbol. Symbol is the one spelling used as
// the cache key whichever alias was requested.
type indexEntry struct {
	Symbol   string
	Code     string
	Market   domain.Market
	Exchange domain.Exchange
	Name     string
}

var (
	sseComposite  = indexEntry{Symbol: "SH000001", Code: "000001", Market: domain.MarketCN, Exchange: domain.ExchangeSH, Name: "SSE Composite"}
	csi300        = indexEntry{Symbol: "SH000300", Code: "000300", Market: domain.MarketCN, Exchange: domain.ExchangeSH, Name: "CSI 300"}
	star50        = indexEntry{Symbol: "SH000688", Code: "000688", Market: domain.MarketCN, Exchange: domain.ExchangeSH, Name: "STAR 50"}
	szseComponent = indexEntry{Symbol: "SZ399001", Code: "399001", Market: domain.MarketCN, Exchange: domain.ExchangeSZ, Name: "SZSE Component"}
	chiNext       = indexEntry{Symbol: "SZ399006", Code: "399006", Market: domain.MarketCN, Exchange: domain.ExchangeSZ, Name: "ChiNext"}
)

// indexAllowList marks instrument class "index" regardless of the symbol's shape.
// 000001 is both the SSE Composite and Ping An Bank, so the index is only reachable
// through its exchange-qualified spellings.
var indexAllowList = map[string]indexEntry{
	"SH000001":  sseComposite,
	"000001.SH": sseComposite,
	"SH000300":  csi300,
	"000300":    csi300,
	"000300.SH": csi300,
	"SH000688":  star50,
	"000688":    star50,
	"000688.SH": star50,
	"SZ399001":  szseComponent,
	"399001":    szseComponent,
	"399001.SZ": szseComponent,
	"SZ399006":  chiNext,
	"399006":    chiNext,
	"399006.SZ": chiNext,
	"HSI":       {Symbol: "HSI", Code: "HSI", Market: domain.MarketHK, Exchange: domain.ExchangeHK, Name: "Hang Seng"},
	"HSTECH":    {Symbol: "HSTECH", Code: "HSTECH", Market: domain.MarketHK, Exchange: domain.ExchangeHK, Name: "Hang Seng TECH"},
	"^GSPC":     {Symbol: "^GSPC", Code: "GSPC", Market: domain.MarketUS, Exchange: domain.ExchangeUS, Name: "S&P 500"},
	"^IXIC":     {Symbol: "^IXIC", Code: "IXIC", Market: domain.MarketUS, Exchange: domain.ExchangeUS, Name: "Nasdaq Composite"},
	"^DJI":      {Symbol: "^DJI", Code: "DJI", Market: domain.MarketUS, Exchange: domain.ExchangeUS, Name: "Dow Jones Industrial Average"},
}

// DefaultIndexSymbols is the index set served by GetIndicesData when none is configured
var DefaultIndexSymbols = []string{"SH000001", "SZ399001", "SZ399006", "SH000300", "HSI", "^GSPC", "^IXIC", "^DJI"}

// Normalize trims and upper-cases a raw symbol
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Classify determines the market and instrument class of symbol.
// It is pure: the same input always yields the same instrument or the same error.
// Spellings of one instrument share a canonical Symbol: Hong Kong codes are padded to
// five digits and index aliases map to a single form.
func Classify(symbol string) (domain.Instrument, error) {
	s := Normalize(symbol)

	if idx, ok := indexAllowList[s]; ok {
		return domain.Instrument{
			Symbol:   idx.Symbol,
			Code:     idx.Code,
			Market:   idx.Market,
			Exchange: idx.Exchange,
			Class:    domain.ClassIndex,
		}, nil
	}

	switch {
	case domesticPattern.MatchString(s):
		return domain.Instrument{
			Symbol:   s,
			Code:     s,
			Market:   domain.MarketCN,
			Exchange: domesticExchange(s),
			Class:    domain.ClassSecurity,
		}, nil

	case sectorPattern.MatchString(s):
		return domain.Instrument{
			Symbol:   s,
			Code:     s,
			Market:   domain.MarketCN,
			Exchange: domain.ExchangeSH,
			Class:    domain.ClassSector,
		}, nil

	case hkPattern.MatchString(s):
		code := padLeft(hkPattern.FindStringSubmatch(s)[1], 5)
		return domain.Instrument{
			Symbol:   code + ".HK",
			Code:     code,
			Market:   domain.MarketHK,
			Exchange: domain.ExchangeHK,
			Class:    domain.ClassSecurity,
		}, nil

	case usPattern.MatchString(s):
		return domain.Instrument{
			Symbol:   s,
			Code:     s,
			Market:   domain.MarketUS,
			Exchange: domain.ExchangeUS,
			Class:    domain.ClassSecurity,
		}, nil
	}

	return domain.Instrument{}, &domain.UnrecognizedSymbolError{Symbol: symbol}
}

// IsIndex reports whether symbol is on the index allow-list
func IsIndex(symbol string) bool {
	_, ok := indexAllowList[Normalize(symbol)]
	return ok
}

// IndexName returns the display name of an allow-listed index
func IndexName(symbol string) string {
	return indexAllowList[Normalize(symbol)].Name
}

// domesticExchange picks the domestic exchange from the leading digit:
// 5 (funds), 6 (main board) and 9 (B shares) list in Shanghai, everything else in Shenzhen.
func domesticExchange(code string) domain.Exchange {
	switch code[0] {
	case '5', '6', '9':
		return domain.ExchangeSH
	default:
		return domain.ExchangeSZ
	}
}

func padLeft(code string, width int) string {
	for len(code) < width {
		code = "0" + code
	}
	return code
}
