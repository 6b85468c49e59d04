// File: internal/history/aggregate.go
package history

import (
	"sort"
	"time"

	"candlesync/internal/market"
)

// Calendar grouping runs on display time read as UTC, which is the exchange
// wall clock. The live aggregator buckets week and longer intervals with the
// same market.CalendarStart, so live candles land on historical bucket times.

func weekStart(t time.Time) time.Time  { return market.CalendarStart(t, market.WeekUnit, 1) }
func monthStart(t time.Time) time.Time { return market.CalendarStart(t, market.MonthUnit, 1) }
func yearStart(t time.Time) time.Time  { return market.CalendarStart(t, market.YearUnit, 1) }

// AggregateToWeekly groups daily candles into weeks starting Sunday.
func AggregateToWeekly(daily []market.Candle) []market.Candle {
	return aggregate(daily, weekStart)
}

// AggregateToMonthly groups daily candles into calendar months.
func AggregateToMonthly(daily []market.Candle) []market.Candle {
	return aggregate(daily, monthStart)
}

// AggregateToYearly groups daily candles into calendar years.
func AggregateToYearly(daily []market.Candle) []market.Candle {
	return aggregate(daily, yearStart)
}

func aggregate(daily []market.Candle, bucket func(time.Time) time.Time) []market.Candle {
	if len(daily) == 0 {
		return nil
	}
	in := append([]market.Candle(nil), daily...)
	sort.SliceStable(in, func(i, j int) bool { return in[i].Time < in[j].Time })

	out := make([]market.Candle, 0, len(in))
	for _, d := range in {
		start := bucket(time.Unix(d.Time, 0).UTC()).Unix()
		n := len(out)
		if n == 0 || out[n-1].Time != start {
			out = append(out, market.Candle{
				Time: start, Open: d.Open, High: d.High, Low: d.Low, Close: d.Close, Volume: d.Volume,
			})
			continue
		}
		b := &out[n-1]
		if d.High > b.High {
			b.High = d.High
		}
		if d.Low < b.Low {
			b.Low = d.Low
		}
		b.Close = d.Close
		b.Volume += d.Volume
	}
	return out
}
