package market_hours

import (
	"time"
	_ "time/tzdata" // Exchange time zones must resolve on hosts without a zoneinfo database

	"github.com/aristath/marketfeed/internal/domain"
)

const dateLayout = "2006-01-02"

// marketExchange maps a market to the exchange whose calendar drives it.
// Shanghai and Shenzhen share hours and holidays, so XSHG stands in for the whole domestic market.
var marketExchange = map[domain.Market]string{
	domain.MarketCN: "XSHG",
	domain.MarketHK: "XHKG",
	domain.MarketUS: "XNYS",
}

// ExchangeForMarket returns the exchange code whose calendar drives market
func ExchangeForMarket(market domain.Market) string {
	if code, ok := marketExchange[market]; ok {
		return code
	}
	return "XNYS"
}

// Location returns the time zone the market's exchange quotes in
func Location(market domain.Market) *time.Location {
	if config := getExchangeConfig(ExchangeForMarket(market)); config != nil {
		return config.Timezone
	}
	return time.UTC
}

// getExchangeConfig returns the configuration for an exchange code
func getExchangeConfig(exchangeCode string) *ExchangeConfig {
	if config, ok := exchangeConfigs[exchangeCode]; ok {
		return &config
	}
	return nil
}

// exchangeConfigs contains all exchange configurations
var exchangeConfigs = map[string]ExchangeConfig{
	"XNYS": {
		Code: "XNYS",
		Name: "New York Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  30,
			CloseHour:   16,
			CloseMinute: 0,
		},
		Timezone: mustLoadLocation("America/New_York"),
		EarlyCloseRules: []EarlyCloseRule{
			{
				HolidayName: "Thanksgiving",
				CloseHour:   13,
				DatePattern: func(t time.Time) bool {
					dayBefore := findNthWeekday(t.Year(), 11, time.Thursday, 4).AddDate(0, 0, 1)
					return t.Month() == dayBefore.Month() && t.Day() == dayBefore.Day()
				},
			},
			{
				HolidayName: "Christmas Eve",
				CloseHour:   13,
				DatePattern: func(t time.Time) bool {
					return t.Month() == 12 && t.Day() == 24
				},
			},
		},
		HolidayRules: HolidayRuleSet{
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1, ObserveOnWeekday: true},   // New Year's Day
				{Month: 6, Day: 19, ObserveOnWeekday: true},  // Juneteenth
				{Month: 7, Day: 4, ObserveOnWeekday: true},   // Independence Day
				{Month: 12, Day: 25, ObserveOnWeekday: true}, // Christmas
			},
			RuleBasedHolidays: []RuleBasedHoliday{
				{Month: 1, Weekday: time.Monday, N: 3},    // MLK Day
				{Month: 2, Weekday: time.Monday, N: 3},    // Presidents Day
				{Month: 5, Weekday: time.Monday, N: -1},   // Memorial Day
				{Month: 9, Weekday: time.Monday, N: 1},    // Labor Day
				{Month: 11, Weekday: time.Thursday, N: 4}, // Thanksgiving
			},
			EasterBasedHolidays: []EasterBasedHoliday{
				{DaysOffset: -2}, // Good Friday
			},
		},
	},
	"XHKG": {
		Code: "XHKG",
		Name: "Hong Kong Stock Exchange",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  30,
			CloseHour:   16,
			CloseMinute: 0,
		},
		Timezone: mustLoadLocation("Asia/Hong_Kong"),
		LunchBreak: &LunchBreak{
			StartHour:   12,
			StartMinute: 0,
			EndHour:     13,
			EndMinute:   0,
		},
		HolidayRules: HolidayRuleSet{
			// Lunar holidays (Chinese New Year, Ching Ming, Buddha's Birthday, Tuen Ng,
			// Mid-Autumn, Chung Yeung) move every year and are not modelled; on those days
			// the market simply looks open and the freshness TTL stays short.
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1},   // New Year's Day
				{Month: 5, Day: 1},   // Labour Day
				{Month: 7, Day: 1},   // HKSAR Establishment Day
				{Month: 10, Day: 1},  // National Day
				{Month: 12, Day: 25}, // Christmas
				{Month: 12, Day: 26}, // Boxing Day
			},
			EasterBasedHolidays: []EasterBasedHoliday{
				{DaysOffset: -2}, // Good Friday
				{DaysOffset: 1},  // Easter Monday
			},
		},
	},
	"XSHG": {
		Code: "XSHG",
		Name: "Shanghai / Shenzhen Stock Exchanges",
		TradingHours: TradingHours{
			OpenHour:    9,
			OpenMinute:  30,
			CloseHour:   15,
			CloseMinute: 0,
		},
		Timezone: mustLoadLocation("Asia/Shanghai"),
		LunchBreak: &LunchBreak{
			StartHour:   11,
			StartMinute: 30,
			EndHour:     13,
			EndMinute:   0,
		},
		HolidayRules: HolidayRuleSet{
			// Spring Festival and other lunar holidays are announced yearly and not modelled
			FixedDateHolidays: []FixedDateHoliday{
				{Month: 1, Day: 1},  // New Year's Day
				{Month: 5, Day: 1},  // Labour Day
				{Month: 10, Day: 1}, // National Day golden week
				{Month: 10, Day: 2},
				{Month: 10, Day: 3},
				{Month: 10, Day: 4},
				{Month: 10, Day: 5},
				{Month: 10, Day: 6},
				{Month: 10, Day: 7},
			},
		},
	},
}

// mustLoadLocation loads a timezone location, panicking if it fails
func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic("failed to load timezone: " + name + ": " + err.Error())
	}
	return loc
}
