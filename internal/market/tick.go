// File: internal/market/tick.go
package market

import "time"

// Prices holds the price candidates a provider may send. Zero means absent.
type Prices struct {
	Last float64
	Bid  float64
	Ask  float64
}

// Tick is a single live price update. It is consumed immediately and never stored.
type Tick struct {
	Symbol       string
	Prices       Prices
	RawTimestamp int64   // provider units: s, ms, µs or ns
	Volume       float64 // volume delta, 0 when the provider sent none
}

// Price picks the usable price: last trade, else bid/ask mid, else bid, else ask.
func (t Tick) Price() (float64, bool) {
	p := t.Prices
	switch {
	case ValidPrice(p.Last):
		return p.Last, true
	case ValidPrice(p.Bid) && ValidPrice(p.Ask):
		return (p.Bid + p.Ask) / 2, true
	case ValidPrice(p.Bid):
		return p.Bid, true
	case ValidPrice(p.Ask):
		return p.Ask, true
	}
	return 0, false
}

// TimestampMs returns the tick time in epoch milliseconds. A zero raw
// timestamp is stamped with now.
func (t Tick) TimestampMs(now time.Time) int64 {
	if t.RawTimestamp <= 0 {
		return now.UnixMilli()
	}
	return NormalizeTimestampMs(t.RawTimestamp)
}

// NormalizeTimestampMs converts an epoch value of unknown unit to
// milliseconds, guessing the unit from its magnitude.
func NormalizeTimestampMs(raw int64) int64 {
	switch {
	case raw < 1e11:
		return raw * 1000
	case raw < 1e14:
		return raw
	case raw < 1e17:
		return raw / 1e3
	default:
		return raw / 1e6
	}
}
