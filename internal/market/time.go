// File: internal/market/time.go
package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DisplayOffset shifts UTC epoch seconds to the exchange wall clock the chart
// renders (US Eastern standard time, not DST adjusted).
const DisplayOffset int64 = -5 * 60 * 60

// ToDisplayTime converts UTC epoch seconds to chart display time.
func ToDisplayTime(epochSeconds int64) int64 { return epochSeconds + DisplayOffset }

// FromDisplayTime is the inverse of ToDisplayTime.
func FromDisplayTime(displaySeconds int64) int64 { return displaySeconds - DisplayOffset }

// BucketStartMs returns the UTC epoch ms at which the bucket holding tsMs
// opens. Buckets are aligned on the exchange clock so a daily bucket opens at
// exchange midnight; for intervals that divide DisplayOffset this is plain
// floor(ts/interval)*interval. Week, month and year multiples use calendar
// buckets (see CalendarStart).
func BucketStartMs(tsMs, intervalMs int64) int64 {
	if start, ok := calendarBucketMs(tsMs, intervalMs); ok {
		return start
	}
	off := DisplayOffset * 1000
	return floorDiv(tsMs+off, intervalMs)*intervalMs - off
}

func calendarBucketMs(tsMs, intervalMs int64) (int64, bool) {
	if intervalMs < Week {
		return 0, false
	}
	d := time.Unix(ToDisplayTime(floorDiv(tsMs, 1000)), 0).UTC()
	var start time.Time
	switch {
	case intervalMs%Year == 0:
		start = CalendarStart(d, YearUnit, int(intervalMs/Year))
	case intervalMs%Month == 0:
		start = CalendarStart(d, MonthUnit, int(intervalMs/Month))
	case intervalMs%Week == 0:
		start = CalendarStart(d, WeekUnit, int(intervalMs/Week))
	default:
		return 0, false
	}
	return FromDisplayTime(start.Unix()) * 1000, true
}

// BucketTime returns the display-time bucket start (epoch seconds) for tsMs.
func BucketTime(tsMs, intervalMs int64) int64 {
	return ToDisplayTime(BucketStartMs(tsMs, intervalMs) / 1000)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

const (
	Minute = int64(time.Minute / time.Millisecond)
	Hour   = 60 * Minute
	Day    = 24 * Hour
	Week   = 7 * Day
	// Month and Year are nominal widths used to name intervals; their buckets
	// follow the calendar.
	Month = 30 * Day
	Year  = 365 * Day
)

// ParseInterval converts chart interval strings ("1m", "15m", "1h", "1d",
// "1wk", "1mo", "1y") to milliseconds.
func ParseInterval(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("market: empty interval")
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n := int64(1)
	if i > 0 {
		v, err := strconv.ParseInt(s[:i], 10, 64)
		if err != nil || v <= 0 {
			return 0, fmt.Errorf("market: bad interval %q", s)
		}
		n = v
	}
	var unit int64
	switch s[i:] {
	case "s", "sec":
		unit = 1000
	case "m", "min":
		unit = Minute
	case "h", "hr":
		unit = Hour
	case "d", "day":
		unit = Day
	case "w", "wk", "week":
		unit = Week
	case "mo", "mon", "month":
		unit = Month
	case "y", "yr", "year":
		unit = Year
	default:
		return 0, fmt.Errorf("market: bad interval unit %q", s)
	}
	return n * unit, nil
}

// IntervalString renders ms back into the canonical interval string.
func IntervalString(ms int64) string {
	switch {
	case ms >= Year && ms%Year == 0:
		return fmt.Sprintf("%dy", ms/Year)
	case ms >= Month && ms%Month == 0:
		return fmt.Sprintf("%dmo", ms/Month)
	case ms >= Week && ms%Week == 0:
		return fmt.Sprintf("%dwk", ms/Week)
	case ms >= Day && ms%Day == 0:
		return fmt.Sprintf("%dd", ms/Day)
	case ms >= Hour && ms%Hour == 0:
		return fmt.Sprintf("%dh", ms/Hour)
	case ms >= Minute && ms%Minute == 0:
		return fmt.Sprintf("%dm", ms/Minute)
	}
	return fmt.Sprintf("%ds", ms/1000)
}

// Intraday reports whether the interval is shorter than one trading day.
func Intraday(ms int64) bool { return ms < Day }

// ParsePeriod converts lookback periods ("1d", "5d", "1mo", "1y", "ytd") to a
// day count. "ytd" is resolved against now.
func ParsePeriod(s string, now time.Time) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "ytd":
		return now.YearDay(), nil
	case "max":
		return 365 * 20, nil
	}
	ms, err := ParseInterval(s)
	if err != nil {
		return 0, fmt.Errorf("market: bad period %q", s)
	}
	days := int(ms / Day)
	if days < 1 {
		days = 1
	}
	return days, nil
}
