package market

import (
	"testing"
	"time"
)

func TestNormalizeTimestampMs(t *testing.T) {
	cases := []struct {
		raw, want int64
	}{
		{1_700_000_000, 1_700_000_000_000},
		{1_700_000_000_123, 1_700_000_000_123},
		{1_700_000_000_123_456, 1_700_000_000_123},
		{1_700_000_000_123_456_789, 1_700_000_000_123},
	}
	for _, c := range cases {
		if got := NormalizeTimestampMs(c.raw); got != c.want {
			t.Errorf("NormalizeTimestampMs(%d) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestTickPrice(t *testing.T) {
	if p, ok := (Tick{Prices: Prices{Last: 10, Bid: 9, Ask: 11}}).Price(); !ok || p != 10 {
		t.Errorf("expected last price 10, got %v %v", p, ok)
	}
	if p, ok := (Tick{Prices: Prices{Bid: 9, Ask: 11}}).Price(); !ok || p != 10 {
		t.Errorf("expected mid 10, got %v %v", p, ok)
	}
	if p, ok := (Tick{Prices: Prices{Ask: 11}}).Price(); !ok || p != 11 {
		t.Errorf("expected ask 11, got %v %v", p, ok)
	}
	if _, ok := (Tick{Prices: Prices{Last: -1}}).Price(); ok {
		t.Error("expected no usable price")
	}
}

func TestBucketTimeIsIntervalMultiple(t *testing.T) {
	intervals := []int64{Minute, 5 * Minute, 15 * Minute, Hour, 4 * Hour, Day}
	ts := int64(1_700_000_123_456)
	for _, iv := range intervals {
		bt := BucketTime(ts, iv)
		if (bt*1000)%iv != 0 {
			t.Errorf("interval %s: display bucket %d not a multiple", IntervalString(iv), bt)
		}
		start := FromDisplayTime(bt) * 1000
		if start > ts || ts-start >= iv {
			t.Errorf("interval %s: bucket start %d does not contain %d", IntervalString(iv), start, ts)
		}
	}
}

func TestBucketMatchesPlainFloorForMinuteIntervals(t *testing.T) {
	ts := int64(1_700_000_123_456)
	for _, iv := range []int64{Minute, 5 * Minute, 15 * Minute, 30 * Minute, Hour} {
		if got, want := BucketStartMs(ts, iv), (ts/iv)*iv; got != want {
			t.Errorf("interval %s: got %d want %d", IntervalString(iv), got, want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	cases := map[string]int64{
		"1m":  Minute,
		"15m": 15 * Minute,
		"1h":  Hour,
		"1d":  Day,
		"1wk": Week,
		"1mo": Month,
		"1y":  Year,
	}
	for s, want := range cases {
		got, err := ParseInterval(s)
		if err != nil || got != want {
			t.Errorf("ParseInterval(%q) = %d, %v; want %d", s, got, err, want)
		}
		if back := IntervalString(got); back != s {
			t.Errorf("IntervalString(%d) = %q, want %q", got, back, s)
		}
	}
	if _, err := ParseInterval("7q"); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestMostRecentBusinessDay(t *testing.T) {
	loc := LoadLocation("America/New_York")
	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2024, 3, 9, 12, 0, 0, 0, loc), "2024-03-08"},  // Saturday
		{time.Date(2024, 3, 10, 12, 0, 0, 0, loc), "2024-03-08"}, // Sunday
		{time.Date(2024, 3, 11, 8, 0, 0, 0, loc), "2024-03-08"},  // Monday pre-market
		{time.Date(2024, 3, 11, 10, 0, 0, 0, loc), "2024-03-11"}, // Monday session
		{time.Date(2024, 3, 13, 7, 0, 0, 0, loc), "2024-03-13"},  // Wednesday
	}
	for _, c := range cases {
		if got := MostRecentBusinessDay(c.now, loc).Format("2006-01-02"); got != c.want {
			t.Errorf("MostRecentBusinessDay(%s) = %s, want %s", c.now, got, c.want)
		}
	}
	if got := PreviousBusinessDay(time.Date(2024, 3, 11, 0, 0, 0, 0, loc)).Weekday(); got != time.Friday {
		t.Errorf("PreviousBusinessDay(Monday) = %s, want Friday", got)
	}
}

func TestCandleApplyKeepsInvariant(t *testing.T) {
	c := NewCandle(0, 100, 1)
	for _, p := range []float64{101, 97, 104, 99} {
		c.Apply(p, 2)
		if !c.Valid() {
			t.Fatalf("invalid candle after %v: %+v", p, c)
		}
	}
	if c.High != 104 || c.Low != 97 || c.Close != 99 || c.Volume != 9 {
		t.Errorf("unexpected candle %+v", c)
	}
}

func TestCalendarBuckets(t *testing.T) {
	day := func(y int, m time.Month, d int) int64 { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() }
	// Wednesday 2024-10-16 10:00 on the exchange clock.
	ts := time.Date(2024, 10, 16, 15, 0, 0, 0, time.UTC).UnixMilli()
	cases := []struct {
		iv   int64
		want int64
	}{
		{Week, day(2024, 10, 13)},
		{Month, day(2024, 10, 1)},
		{3 * Month, day(2024, 10, 1)},
		{12 * Month, day(2024, 1, 1)},
		{Year, day(2024, 1, 1)},
	}
	for _, c := range cases {
		if got := BucketTime(ts, c.iv); got != c.want {
			t.Errorf("%s: bucket %s, want %s", IntervalString(c.iv),
				time.Unix(got, 0).UTC().Format("2006-01-02"), time.Unix(c.want, 0).UTC().Format("2006-01-02"))
		}
	}

	two := BucketTime(ts, 2*Week)
	if wd := time.Unix(two, 0).UTC().Weekday(); wd != time.Sunday {
		t.Errorf("2wk bucket opens on %s", wd)
	}
	if start := FromDisplayTime(two) * 1000; start > ts || ts-start >= 2*Week {
		t.Errorf("2wk bucket %d does not contain %d", start, ts)
	}

	// Saturday night belongs to the week that opened the previous Sunday.
	sat := time.Date(2024, 10, 20, 3, 0, 0, 0, time.UTC).UnixMilli() // 22:00 Sat on the exchange clock
	if got := BucketTime(sat, Week); got != day(2024, 10, 13) {
		t.Errorf("saturday bucket %s", time.Unix(got, 0).UTC().Format("2006-01-02"))
	}
}
