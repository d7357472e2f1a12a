// Package feedparse converts the loosely typed numbers found in quote feeds ("1688.50",
// "-", "None", "0.35%") into floats, doing the arithmetic in decimal.
package feedparse

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Decimal parses s. ok is false for blanks, placeholders and garbage.
func Decimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	switch s {
	case "", "-", "--", "None", "null", "N/A":
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Float parses s, returning 0 when it holds no number
func Float(s string) float64 {
	d, ok := Decimal(s)
	if !ok {
		return 0
	}
	return d.InexactFloat64()
}

// Number extracts a float from a decoded JSON value (number or numeric string)
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		d, ok := Decimal(n)
		if !ok {
			return 0, false
		}
		return d.InexactFloat64(), true
	}
	return 0, false
}

// ChangePct returns (price - prev) / prev * 100, rounded to 4 places. Zero when prev is zero.
func ChangePct(price, prev float64) float64 {
	if prev == 0 {
		return 0
	}
	p := decimal.NewFromFloat(price)
	b := decimal.NewFromFloat(prev)
	return p.Sub(b).Div(b).Mul(hundred).Round(4).InexactFloat64()
}

// Change returns price - prev rounded to 4 places
func Change(price, prev float64) float64 {
	return decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(prev)).Round(4).InexactFloat64()
}

// Scale multiplies v by factor exactly (e.g. lots to shares, 10k-yuan units to yuan)
func Scale(v float64, factor int64) float64 {
	return decimal.NewFromFloat(v).Mul(decimal.NewFromInt(factor)).InexactFloat64()
}
