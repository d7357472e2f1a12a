package classifier

import (
	"strings"

	"github.com/aristath/marketfeed/internal/domain"
)

// Dialect is a provider's symbol syntax
type Dialect string

const (
	DialectEastmoney    Dialect = "eastmoney"
	DialectTencent      Dialect = "tencent"
	DialectSina         Dialect = "sina"
	DialectYahoo        Dialect = "yahoo"
	DialectAlphaVantage Dialect = "alphavantage"
)

// ProviderSymbol translates inst into the dialect's syntax.
// ok is false when the dialect has no spelling for the instrument.
func ProviderSymbol(inst domain.Instrument, dialect Dialect) (string, bool) {
	switch dialect {
	case DialectEastmoney:
		return eastmoneySecID(inst)
	case DialectTencent:
		return tencentSymbol(inst)
	case DialectSina:
		return sinaSymbol(inst)
	case DialectYahoo:
		return yahooSymbol(inst)
	case DialectAlphaVantage:
		if inst.Market == domain.MarketUS && inst.Class == domain.ClassSecurity {
			return inst.Code, true
		}
	}
	return "", false
}

// eastmoneySecID builds "<market id>.<code>": 1 = Shanghai, 0 = Shenzhen, 116 = HK main board,
// 90 = sector boards, 100 = global indices.
func eastmoneySecID(inst domain.Instrument) (string, bool) {
	switch inst.Market {
	case domain.MarketCN:
		if inst.Class == domain.ClassSector {
			return "90." + inst.Code, true
		}
		if inst.Exchange == domain.ExchangeSH {
			return "1." + inst.Code, true
		}
		return "0." + inst.Code, true
	case domain.MarketHK:
		if inst.Class == domain.ClassIndex {
			return "100." + inst.Code, true
		}
		return "116." + inst.Code, true
	}
	return "", false
}

func tencentSymbol(inst domain.Instrument) (string, bool) {
	switch inst.Market {
	case domain.MarketCN:
		if inst.Class == domain.ClassSector {
			return "", false
		}
		return strings.ToLower(string(inst.Exchange)) + inst.Code, true
	case domain.MarketHK:
		return "hk" + inst.Code, true
	case domain.MarketUS:
		if inst.Class == domain.ClassIndex {
			if inst.Code == "GSPC" {
				return "us.INX", true
			}
			return "us." + inst.Code, true
		}
		return "us" + strings.ReplaceAll(inst.Code, "-", "."), true
	}
	return "", false
}

func sinaSymbol(inst domain.Instrument) (string, bool) {
	switch inst.Market {
	case domain.MarketCN:
		if inst.Class == domain.ClassSector {
			return "", false
		}
		return strings.ToLower(string(inst.Exchange)) + inst.Code, true
	case domain.MarketHK:
		return "hk" + inst.Code, true
	}
	return "", false
}

// yahooSymbol: Shanghai uses .SS, Shenzhen .SZ, Hong Kong a 4-digit code with .HK,
// indices use the caret form.
func yahooSymbol(inst domain.Instrument) (string, bool) {
	switch inst.Market {
	case domain.MarketCN:
		if inst.Class == domain.ClassSector {
			return "", false
		}
		if inst.Exchange == domain.ExchangeSH {
			return inst.Code + ".SS", true
		}
		return inst.Code + ".SZ", true
	case domain.MarketHK:
		if inst.Class == domain.ClassIndex {
			return "^" + inst.Code, true
		}
		code := strings.TrimLeft(inst.Code, "0")
		return padLeft(code, 4) + ".HK", true
	case domain.MarketUS:
		if inst.Class == domain.ClassIndex {
			return "^" + inst.Code, true
		}
		return strings.ReplaceAll(inst.Code, ".", "-"), true
	}
	return "", false
}
