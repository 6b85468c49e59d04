// File: internal/candles/candles.go
package candles

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"candlesync/internal/market"
	"candlesync/internal/observer"
)

// Options tunes the aggregator's memory bound. Zero values take defaults.
type Options struct {
	MaxCandlesCached int           // symbol count that triggers cleanup, default 100
	IdleTTL          time.Duration // default 1h
	Now              func() time.Time
	Logger           *zap.Logger
}

type entry struct {
	candle     market.Candle
	has        bool
	startMs    int64 // UTC ms at which the live bucket opened
	intervalMs int64
	touchedMs  int64 // last tick, SetCandle or OnCandle
	handlers   observer.Registry[func(market.Candle)]
}

// Aggregator folds live ticks into one open candle per symbol.
type Aggregator struct {
	max  int
	ttl  int64
	now  func() time.Time
	log  *zap.Logger
	mu   sync.Mutex
	live map[string]*entry
}

func New(opts Options) *Aggregator {
	if opts.MaxCandlesCached <= 0 {
		opts.MaxCandlesCached = 100
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Aggregator{
		max:  opts.MaxCandlesCached,
		ttl:  opts.IdleTTL.Milliseconds(),
		now:  opts.Now,
		log:  opts.Logger.With(zap.String("component", "candles")),
		live: make(map[string]*entry),
	}
}

func key(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

func (a *Aggregator) entryLocked(sym string) *entry {
	e, ok := a.live[sym]
	if !ok {
		e = &entry{}
		a.live[sym] = e
	}
	return e
}

// UpdateFromTick applies tick to symbol's live candle and returns a copy of
// the result. It reports false when the tick has no usable price or belongs
// to a bucket older than the live one.
func (a *Aggregator) UpdateFromTick(symbol string, tick market.Tick, intervalMs int64) (market.Candle, bool) {
	price, ok := tick.Price()
	if !ok || intervalMs <= 0 {
		return market.Candle{}, false
	}
	sym := key(symbol)
	if sym == "" {
		sym = key(tick.Symbol)
	}
	now := a.now()
	ts := tick.TimestampMs(now)
	start := market.BucketStartMs(ts, intervalMs)

	a.mu.Lock()
	e := a.entryLocked(sym)
	e.touchedMs = now.UnixMilli()
	switch {
	case !e.has || start > e.startMs:
		e.candle = market.NewCandle(market.ToDisplayTime(start/1000), price, tick.Volume)
		e.startMs = start
		e.has = true
	case start == e.startMs:
		e.candle.Apply(price, tick.Volume)
	case e.intervalMs != intervalMs && ts >= e.startMs:
		// Widened mid-bucket: the live candle joins the wider bucket that
		// contains it and keeps its time, so later ticks of that bucket apply.
		e.candle.Apply(price, tick.Volume)
		e.startMs = start
	default:
		a.mu.Unlock()
		a.log.Debug("stale tick dropped", zap.String("symbol", sym), zap.Int64("ts", ts), zap.Int64("live_start", e.startMs))
		return market.Candle{}, false
	}
	e.intervalMs = intervalMs
	c := e.candle
	hs := e.handlers.Snapshot()
	a.cleanupLocked(sym, now)
	a.mu.Unlock()

	for _, h := range hs {
		h(c)
	}
	return c, true
}

// SetCandle replaces symbol's live candle and notifies exactly like a tick
// update would. Invalid candles are ignored.
func (a *Aggregator) SetCandle(symbol string, c market.Candle) {
	if !c.Valid() {
		a.log.Debug("invalid candle ignored", zap.String("symbol", symbol), zap.Any("candle", c))
		return
	}
	sym := key(symbol)
	now := a.now()
	a.mu.Lock()
	e := a.entryLocked(sym)
	e.candle = c
	e.startMs = market.FromDisplayTime(c.Time) * 1000
	e.has = true
	e.touchedMs = now.UnixMilli()
	hs := e.handlers.Snapshot()
	a.cleanupLocked(sym, now)
	a.mu.Unlock()

	for _, h := range hs {
		h(c)
	}
}

// Candle returns a copy of symbol's live candle.
func (a *Aggregator) Candle(symbol string) (market.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.live[key(symbol)]
	if !ok || !e.has {
		return market.Candle{}, false
	}
	return e.candle, true
}

// OnCandle registers fn for every update of symbol's live candle.
func (a *Aggregator) OnCandle(symbol string, fn func(market.Candle)) observer.Token {
	sym := key(symbol)
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(sym)
	e.touchedMs = now.UnixMilli()
	tok := e.handlers.Add(fn)
	a.cleanupLocked(sym, now)
	return tok
}

// Remove drops symbol's candle, callbacks and interval.
func (a *Aggregator) Remove(symbol string) {
	a.mu.Lock()
	e, ok := a.live[key(symbol)]
	delete(a.live, key(symbol))
	a.mu.Unlock()
	if ok {
		e.handlers.Clear()
	}
}

// Len returns the number of tracked symbols.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// cleanupLocked evicts idle symbols once the cache is over its ceiling. A
// symbol is idle when its live bucket opened, and it was last touched, before
// the TTL cutoff; a symbol that never got a candle is judged on its last touch
// alone. The symbol being updated is never evicted.
func (a *Aggregator) cleanupLocked(current string, now time.Time) {
	if len(a.live) <= a.max {
		return
	}
	cutoff := now.UnixMilli() - a.ttl
	evicted := 0
	for sym, e := range a.live {
		if sym == current || e.touchedMs >= cutoff || (e.has && e.startMs >= cutoff) {
			continue
		}
		delete(a.live, sym)
		e.handlers.Clear()
		evicted++
	}
	if evicted > 0 {
		a.log.Debug("evicted idle symbols", zap.Int("evicted", evicted), zap.Int("remaining", len(a.live)))
	}
}
