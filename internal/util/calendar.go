package util

import (
	"fmt"
	"time"

	"brackettrader/internal/domain"
)

// Regular US equity session, exchange local.
const (
	RegularOpen  = "09:30"
	RegularClose = "16:00"
)

// TradingCalendar evaluates market sessions in an exchange timezone.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for the given exchange
// location. A nil location means America/New_York.
func NewTradingCalendar(loc *time.Location) (*TradingCalendar, error) {
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("America/New_York")
		if err != nil {
			return nil, fmt.Errorf("loading ET timezone: %w", err)
		}
	}
	return &TradingCalendar{loc: loc}, nil
}

// Location returns the exchange timezone.
func (tc *TradingCalendar) Location() *time.Location { return tc.loc }

// Date returns the exchange-local calendar date of t as YYYY-MM-DD.
func (tc *TradingCalendar) Date(t time.Time) string {
	return t.In(tc.loc).Format("2006-01-02")
}

// Midnight returns the start of t's exchange-local day.
func (tc *TradingCalendar) Midnight(t time.Time) time.Time {
	lt := t.In(tc.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, tc.loc)
}

// ParseClock combines a YYYY-MM-DD date and an HH:MM (or HH:MM:SS) clock
// time into an exchange-local timestamp.
func (tc *TradingCalendar) ParseClock(date, clock string) (time.Time, error) {
	layout := "2006-01-02 15:04"
	if len(clock) == len("15:04:05") {
		layout = "2006-01-02 15:04:05"
	}
	t, err := time.ParseInLocation(layout, date+" "+clock, tc.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing session time %q %q: %w", date, clock, err)
	}
	return t, nil
}

// RegularSession returns the 09:30-16:00 session for t's local date. Weekends
// are closed; holidays are not known here.
func (tc *TradingCalendar) RegularSession(t time.Time) domain.MarketSession {
	date := tc.Date(t)
	open, _ := tc.ParseClock(date, RegularOpen)
	closeAt, _ := tc.ParseClock(date, RegularClose)
	wd := t.In(tc.loc).Weekday()
	return domain.MarketSession{
		Date:   date,
		IsOpen: wd != time.Saturday && wd != time.Sunday,
		Open:   open,
		Close:  closeAt,
	}
}

// IsMarketOpen reports whether now falls inside an open session and at least
// delay has elapsed since the session opened.
func (tc *TradingCalendar) IsMarketOpen(sess domain.MarketSession, now time.Time, delay time.Duration) bool {
	if !sess.IsOpen || sess.Open.IsZero() || sess.Close.IsZero() {
		return false
	}
	if now.Before(sess.Open) || now.After(sess.Close) {
		return false
	}
	return now.Sub(sess.Open) >= delay
}
