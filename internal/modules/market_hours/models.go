package market_hours

import "time"

// TradingHours represents regular trading hours for an exchange
type TradingHours struct {
	OpenHour    int // Hour (0-23)
	OpenMinute  int // Minute (0-59)
	CloseHour   int // Hour (0-23)
	CloseMinute int // Minute (0-59)
}

// LunchBreak represents a midday trading break
type LunchBreak struct {
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
}

// EarlyCloseRule closes the market early on days matching DatePattern
type EarlyCloseRule struct {
	HolidayName string
	CloseHour   int
	CloseMinute int
	DatePattern func(time.Time) bool
}

// HolidayRuleSet defines holidays for an exchange
type HolidayRuleSet struct {
	FixedDateHolidays   []FixedDateHoliday
	RuleBasedHolidays   []RuleBasedHoliday
	EasterBasedHolidays []EasterBasedHoliday
}

// FixedDateHoliday represents a holiday on a fixed date
type FixedDateHoliday struct {
	Month int // 1-12
	Day   int // 1-31
	// If true, observe on nearest weekday if falls on weekend
	ObserveOnWeekday bool
}

// RuleBasedHoliday represents a holiday calculated by rule
type RuleBasedHoliday struct {
	Month   int
	Weekday time.Weekday
	N       int // Nth occurrence (1 = first, -1 = last)
}

// EasterBasedHoliday represents a holiday relative to Easter
type EasterBasedHoliday struct {
	DaysOffset int
}

// ExchangeConfig represents configuration for a single exchange
type ExchangeConfig struct {
	Code            string
	Name            string
	TradingHours    TradingHours
	Timezone        *time.Location
	LunchBreak      *LunchBreak
	EarlyCloseRules []EarlyCloseRule
	HolidayRules    HolidayRuleSet
}

// MarketStatus represents the current status of a market
type MarketStatus struct {
	Open       bool   `json:"open"`
	Market     string `json:"market"`
	Exchange   string `json:"exchange"`
	Timezone   string `json:"timezone"`
	MarketDate string `json:"market_date"`
	ClosesAt   string `json:"closes_at,omitempty"`  // Next close (if open)
	OpensAt    string `json:"opens_at,omitempty"`   // Next open (if closed)
	OpensDate  string `json:"opens_date,omitempty"` // Date of next open when not today
}

// session is one continuous trading interval [Start, End)
type session struct {
	Start time.Time
	End   time.Time
}
