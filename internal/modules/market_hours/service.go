// Package market_hours answers trading-session questions (open/closed, market date,
// session boundaries) for the markets the feed covers.
package market_hours

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
)

// maxCalendarScan bounds how far PreviousTransition/NextTransition walk across
// weekends and holiday runs (the National Day week is the longest closure modelled).
const maxCalendarScan = 21

// MarketHoursService provides market hours checking functionality
type MarketHoursService struct {
	mu           sync.Mutex
	holidayCache map[string]map[string]bool // "<exchange>:<year>" -> set of holiday dates
}

// NewMarketHoursService creates a new market hours service
func NewMarketHoursService() *MarketHoursService {
	return &MarketHoursService{
		holidayCache: make(map[string]map[string]bool),
	}
}

// IsMarketOpen checks if a market is currently in an active trading session
func (s *MarketHoursService) IsMarketOpen(market domain.Market, t time.Time) bool {
	config := getExchangeConfig(ExchangeForMarket(market))
	if config == nil {
		return false
	}

	for _, sess := range s.sessionsOn(config, t.In(config.Timezone)) {
		if !t.Before(sess.Start) && t.Before(sess.End) {
			return true
		}
	}
	return false
}

// MarketDate returns the calendar date (midnight, market time zone) of the latest
// trading day whose session has opened at or before t.
func (s *MarketHoursService) MarketDate(market domain.Market, t time.Time) time.Time {
	config := getExchangeConfig(ExchangeForMarket(market))
	if config == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}

	local := t.In(config.Timezone)
	for i := 0; i < maxCalendarScan; i++ {
		day := local.AddDate(0, 0, -i)
		sessions := s.sessionsOn(config, day)
		if len(sessions) > 0 && !t.Before(sessions[0].Start) {
			return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, config.Timezone)
		}
	}
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, config.Timezone)
}

// PreviousTransition returns the latest session boundary (open, lunch start/end, close)
// at or before t. Returns the zero time when none is found inside the scan window.
func (s *MarketHoursService) PreviousTransition(market domain.Market, t time.Time) time.Time {
	config := getExchangeConfig(ExchangeForMarket(market))
	if config == nil {
		return time.Time{}
	}

	local := t.In(config.Timezone)
	for i := 0; i < maxCalendarScan; i++ {
		boundaries := boundariesOf(s.sessionsOn(config, local.AddDate(0, 0, -i)))
		for j := len(boundaries) - 1; j >= 0; j-- {
			if !boundaries[j].After(t) {
				return boundaries[j]
			}
		}
	}
	return time.Time{}
}

// NextTransition returns the earliest session boundary strictly after t.
// Returns the zero time when none is found inside the scan window.
func (s *MarketHoursService) NextTransition(market domain.Market, t time.Time) time.Time {
	config := getExchangeConfig(ExchangeForMarket(market))
	if config == nil {
		return time.Time{}
	}

	local := t.In(config.Timezone)
	for i := 0; i < maxCalendarScan; i++ {
		for _, b := range boundariesOf(s.sessionsOn(config, local.AddDate(0, 0, i))) {
			if b.After(t) {
				return b
			}
		}
	}
	return time.Time{}
}

// GetMarketStatus returns detailed status for a market
func (s *MarketHoursService) GetMarketStatus(market domain.Market, t time.Time) (*MarketStatus, error) {
	exchangeCode := ExchangeForMarket(market)
	config := getExchangeConfig(exchangeCode)
	if config == nil {
		return nil, fmt.Errorf("exchange not found for market: %s", market)
	}

	marketTime := t.In(config.Timezone)
	status := &MarketStatus{
		Open:       s.IsMarketOpen(market, t),
		Market:     string(market),
		Exchange:   exchangeCode,
		Timezone:   config.Timezone.String(),
		MarketDate: s.MarketDate(market, t).Format(dateLayout),
	}

	next := s.NextTransition(market, t)
	if next.IsZero() {
		return status, nil
	}
	next = next.In(config.Timezone)

	if status.Open {
		status.ClosesAt = next.Format("15:04")
	} else {
		status.OpensAt = next.Format("15:04")
		if next.YearDay() != marketTime.YearDay() || next.Year() != marketTime.Year() {
			status.OpensDate = next.Format(dateLayout)
		}
	}

	return status, nil
}

// IsTradingDay reports whether day (market time zone) has any session
func (s *MarketHoursService) IsTradingDay(market domain.Market, day time.Time) bool {
	config := getExchangeConfig(ExchangeForMarket(market))
	if config == nil {
		return false
	}
	return len(s.sessionsOn(config, day.In(config.Timezone))) > 0
}

// sessionsOn returns the trading intervals of the calendar day containing local
// (already in the exchange time zone), or nil on weekends and holidays.
func (s *MarketHoursService) sessionsOn(config *ExchangeConfig, local time.Time) []session {
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return nil
	}
	if s.isHoliday(config, local) {
		return nil
	}

	at := func(hour, minute int) time.Time {
		return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, config.Timezone)
	}

	open := at(config.TradingHours.OpenHour, config.TradingHours.OpenMinute)
	closeTime := at(config.TradingHours.CloseHour, config.TradingHours.CloseMinute)
	for _, rule := range config.EarlyCloseRules {
		if rule.DatePattern != nil && rule.DatePattern(local) {
			closeTime = at(rule.CloseHour, rule.CloseMinute)
			break
		}
	}

	if config.LunchBreak == nil {
		return []session{{Start: open, End: closeTime}}
	}

	lunchStart := at(config.LunchBreak.StartHour, config.LunchBreak.StartMinute)
	lunchEnd := at(config.LunchBreak.EndHour, config.LunchBreak.EndMinute)
	if !lunchStart.Before(closeTime) {
		return []session{{Start: open, End: closeTime}}
	}
	return []session{
		{Start: open, End: lunchStart},
		{Start: lunchEnd, End: closeTime},
	}
}

// isHoliday checks if a date is a holiday for the given exchange
func (s *MarketHoursService) isHoliday(config *ExchangeConfig, date time.Time) bool {
	key := fmt.Sprintf("%s:%d", config.Code, date.Year())

	s.mu.Lock()
	holidays, ok := s.holidayCache[key]
	if !ok {
		holidays = holidaysForYear(config.HolidayRules, date.Year())
		s.holidayCache[key] = holidays
	}
	s.mu.Unlock()

	return holidays[date.Format(dateLayout)]
}

func boundariesOf(sessions []session) []time.Time {
	boundaries := make([]time.Time, 0, len(sessions)*2)
	for _, sess := range sessions {
		boundaries = append(boundaries, sess.Start, sess.End)
	}
	return boundaries
}
