// Package calendar answers trading-day questions for the ledgers' carry-forward
// rule and for contract-snapshot selection.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/scmhub/calendar"
)

// DateLayout is the trade-date format used throughout the runtime.
const DateLayout = "2006-01-02"

// maxLookback bounds the search for an adjacent trading day.
const maxLookback = 31

// Calendar reports whether a date is a trading day.
type Calendar interface {
	IsTradingDay(t time.Time) bool
}

// Exchange adapts an exchange holiday calendar.
type Exchange struct {
	cal      *calendar.Calendar
	location *time.Location
}

// NewExchange returns the calendar of the named exchange evaluated in timezone.
// An empty name selects XNYS.
func NewExchange(name, timezone string) (*Exchange, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		if loc, err = time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
		}
	}
	switch strings.ToUpper(name) {
	case "", "XNYS", "NYSE":
		return &Exchange{cal: calendar.XNYS(), location: loc}, nil
	default:
		return nil, fmt.Errorf("unsupported exchange calendar %q", name)
	}
}

// IsTradingDay checks whether t's date is a business day (not weekend/holiday).
func (e *Exchange) IsTradingDay(t time.Time) bool {
	// Noon avoids date shifts around the timezone conversion
	y, m, d := t.Date()
	return e.cal.IsBusinessDay(time.Date(y, m, d, 12, 0, 0, 0, e.location))
}

// Location returns the exchange timezone.
func (e *Exchange) Location() *time.Location {
	return e.location
}

// Weekdays treats every Monday to Friday as a trading day.
type Weekdays struct{}

// IsTradingDay returns true on weekdays.
func (Weekdays) IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// PreviousTradingDay returns the closest trading day strictly before t.
func PreviousTradingDay(c Calendar, t time.Time) (time.Time, bool) {
	return step(c, t, -1)
}

// NextTradingDay returns the closest trading day strictly after t.
func NextTradingDay(c Calendar, t time.Time) (time.Time, bool) {
	return step(c, t, 1)
}

func step(c Calendar, t time.Time, dir int) (time.Time, bool) {
	day := Truncate(t)
	for i := 0; i < maxLookback; i++ {
		day = day.AddDate(0, 0, dir)
		if c.IsTradingDay(day) {
			return day, true
		}
	}
	return time.Time{}, false
}

// Truncate drops the clock part of t, keeping its date in UTC.
func Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Day formats t as a trade-date key.
func Day(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDay parses a trade-date key.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing trade date %q: %w", s, err)
	}
	return t, nil
}

// FourthWednesday returns the 4th Wednesday of a month, the listed expiry day
// of monthly ETF options.
func FourthWednesday(year int, month time.Month) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Wednesday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+21)
}

// New selects a calendar: a trade-date file when given, "weekdays" for the
// plain Monday to Friday rule, otherwise the named exchange.
func New(exchange, tradeDatesFile, timezone string) (Calendar, error) {
	if tradeDatesFile != "" {
		dl, err := LoadDateList(tradeDatesFile)
		if err != nil {
			return nil, err
		}
		return dl, nil
	}
	if strings.EqualFold(exchange, "weekdays") {
		return Weekdays{}, nil
	}
	ex, err := NewExchange(exchange, timezone)
	if err != nil {
		return nil, err
	}
	return ex, nil
}
