// File: internal/market/calendar.go
package market

import (
	"strings"
	"time"
)

// Regular session open on the exchange clock.
const (
	OpenHour   = 9
	OpenMinute = 30
)

// LoadLocation resolves the exchange timezone, defaulting to
// America/New_York. Hosts without tzdata get a fixed EST zone.
func LoadLocation(tz string) *time.Location {
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc
	}
	return time.FixedZone("EST", int(DisplayOffset))
}

// Midnight truncates t to 00:00 on its date in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// PreviousBusinessDay steps back to the closest earlier weekday.
func PreviousBusinessDay(day time.Time) time.Time {
	d := day.AddDate(0, 0, -1)
	for IsWeekend(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// MostRecentBusinessDay is the latest trading date whose data can exist at
// now. Weekends resolve to Friday, and Monday before the open resolves to the
// prior Friday. Exchange holidays are not modelled; an empty holiday fetch is
// absorbed by the loader's previous-day retry.
func MostRecentBusinessDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	day := Midnight(local, loc)
	switch local.Weekday() {
	case time.Saturday:
		return day.AddDate(0, 0, -1)
	case time.Sunday:
		return day.AddDate(0, 0, -2)
	case time.Monday:
		open := time.Date(day.Year(), day.Month(), day.Day(), OpenHour, OpenMinute, 0, 0, loc)
		if local.Before(open) {
			return day.AddDate(0, 0, -3)
		}
	}
	return day
}

// CalendarUnit names the calendar grouping of week and longer buckets.
type CalendarUnit int

const (
	WeekUnit CalendarUnit = iota
	MonthUnit
	YearUnit
)

// epochSunday is the first Sunday on or after the Unix epoch.
var epochSunday = time.Date(1970, 1, 4, 0, 0, 0, 0, time.UTC)

// CalendarStart returns the start of the n-unit calendar bucket holding t,
// where t is display time read as UTC. Weeks open on Sunday, months on the
// 1st and years on 1 January. Multi-unit buckets are counted from Sunday
// 1970-01-04, from January of year 0 and from year 0 respectively.
func CalendarStart(t time.Time, unit CalendarUnit, n int) time.Time {
	if n < 1 {
		n = 1
	}
	t = t.UTC()
	switch unit {
	case YearUnit:
		y := t.Year()
		return time.Date(y-mod(y, n), 1, 1, 0, 0, 0, 0, time.UTC)
	case MonthUnit:
		idx := t.Year()*12 + int(t.Month()) - 1
		idx -= mod(idx, n)
		return time.Date(idx/12, time.Month(idx%12+1), 1, 0, 0, 0, 0, time.UTC)
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	d = d.AddDate(0, 0, -int(d.Weekday()))
	if n == 1 {
		return d
	}
	weeks := int(d.Sub(epochSunday).Hours()) / (24 * 7)
	return d.AddDate(0, 0, -7*mod(weeks, n))
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
