// File: internal/market/candle.go
package market

import "math"

// Candle is one OHLCV bucket. Time is the bucket start in display time
// (epoch seconds, see ToDisplayTime), which is what the chart consumes.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// NewCandle opens a candle with every price set to p.
func NewCandle(t int64, p, vol float64) Candle {
	if !validVolume(vol) {
		vol = 0
	}
	return Candle{Time: t, Open: p, High: p, Low: p, Close: p, Volume: vol}
}

// Apply folds one more trade into the candle.
func (c *Candle) Apply(p, vol float64) {
	if p > c.High {
		c.High = p
	}
	if p < c.Low {
		c.Low = p
	}
	c.Close = p
	if validVolume(vol) {
		c.Volume += vol
	}
}

// Valid reports whether all fields are finite and the OHLC ordering holds.
func (c Candle) Valid() bool {
	for _, v := range [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if c.Volume < 0 {
		return false
	}
	return c.Low <= math.Min(c.Open, c.Close) && math.Max(c.Open, c.Close) <= c.High
}

// Widen stretches High/Low so they enclose Open and Close.
func (c *Candle) Widen() {
	c.High = math.Max(c.High, math.Max(c.Open, c.Close))
	c.Low = math.Min(c.Low, math.Min(c.Open, c.Close))
	if c.Volume < 0 || math.IsNaN(c.Volume) {
		c.Volume = 0
	}
}

// ValidPrice reports whether p is usable as a trade price.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

func validVolume(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
