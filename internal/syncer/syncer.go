// File: internal/syncer/syncer.go
package syncer

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"candlesync/internal/history"
	"candlesync/internal/market"
)

// Source loads recent history. *history.Loader satisfies it.
type Source interface {
	LoadHistoricalData(ctx context.Context, symbol, period, interval string) history.Result
}

// Store holds the live candle. *candles.Aggregator satisfies it.
type Store interface {
	Candle(symbol string) (market.Candle, bool)
	SetCandle(symbol string, c market.Candle)
}

type Options struct {
	Interval           time.Duration // periodic sync, default 60s
	VisibilityThrottle time.Duration // min gap for visibility syncs, default 30s
	Tolerance          float64       // relative OHLC drift that forces a correction, default 0.01
	Lookback           int           // recent candles fetched per sync, default 5
	Now                func() time.Time
	Logger             *zap.Logger
	Tracer             trace.Tracer
}

func (o *Options) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.VisibilityThrottle <= 0 {
		o.VisibilityThrottle = 30 * time.Second
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 0.01
	}
	if o.Lookback <= 0 {
		o.Lookback = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("candlesync/syncer")
	}
}

// SyncRecord is the throttle state of one Synchronizer.
type SyncRecord struct {
	Symbol          string `json:"symbol"`
	LastSyncEpochMs int64  `json:"last_sync_epoch_ms"`
}

// Synchronizer periodically re-fetches the latest candles for one symbol
// and overwrites the live candle when it has drifted.
type Synchronizer struct {
	source     Source
	store      Store
	symbol     string
	intervalMs int64
	opts       Options
	log        *zap.Logger

	mu           sync.Mutex
	gen          uint64
	started      bool
	stopped      bool
	stop         chan struct{}
	onCorrection func(market.Candle)
	lastSync     int64
}

func New(source Source, store Store, symbol string, intervalMs int64, opts Options) *Synchronizer {
	opts.setDefaults()
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	return &Synchronizer{
		source:     source,
		store:      store,
		symbol:     sym,
		intervalMs: intervalMs,
		opts:       opts,
		log:        opts.Logger.With(zap.String("component", "syncer"), zap.String("symbol", sym)),
		stop:       make(chan struct{}),
	}
}

// Start begins periodic syncing. onCorrection is called after each
// correction has been written to the store. Start after Stop is a no-op.
func (s *Synchronizer) Start(onCorrection func(market.Candle)) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.onCorrection = onCorrection
	gen := s.gen
	s.mu.Unlock()

	go s.loop(gen)
}

func (s *Synchronizer) loop(gen uint64) {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			if !s.live(gen) {
				return
			}
			s.SyncNow(context.Background())
		}
	}
}

func (s *Synchronizer) live(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && s.gen == gen
}

// Stop ends periodic and visibility syncing. It is idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.gen++
	close(s.stop)
}

// VisibilityChanged syncs when the surface comes back to the foreground and
// the last sync is older than the throttle.
func (s *Synchronizer) VisibilityChanged(visible bool) {
	if !visible {
		return
	}
	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return
	}
	since := s.opts.Now().UnixMilli() - s.lastSync
	s.mu.Unlock()
	if since < s.opts.VisibilityThrottle.Milliseconds() {
		s.log.Debug("visibility sync throttled", zap.Int64("since_ms", since))
		return
	}
	s.SyncNow(context.Background())
}

// Record returns the throttle state.
func (s *Synchronizer) Record() SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncRecord{Symbol: s.symbol, LastSyncEpochMs: s.lastSync}
}

// lookbackPeriod picks the load period covering the last few candles.
func (s *Synchronizer) lookbackPeriod() string {
	if market.Intraday(s.intervalMs) {
		return "1d"
	}
	return "5d"
}

// SyncNow fetches the latest candles and corrects the live candle when
// NeedsCorrection says so. It reports whether a fetched candle was compared;
// false means there was nothing to compare or the synchronizer is stopped.
func (s *Synchronizer) SyncNow(ctx context.Context) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	gen := s.gen
	s.lastSync = s.opts.Now().UnixMilli()
	s.mu.Unlock()

	ctx, span := s.opts.Tracer.Start(ctx, "syncer.SyncNow", trace.WithAttributes(
		attribute.String("symbol", s.symbol),
		attribute.Int64("interval_ms", s.intervalMs),
	))
	defer span.End()

	res := s.source.LoadHistoricalData(ctx, s.symbol, s.lookbackPeriod(), market.IntervalString(s.intervalMs))
	recent := res.Candles
	if len(recent) > s.opts.Lookback {
		recent = recent[len(recent)-s.opts.Lookback:]
	}
	if len(recent) == 0 {
		s.log.Debug("sync: no history")
		span.SetAttributes(attribute.Bool("corrected", false))
		return false
	}
	fetched := recent[len(recent)-1]
	live, ok := s.store.Candle(s.symbol)
	correct := NeedsCorrection(live, ok, fetched, s.opts.Tolerance)
	span.SetAttributes(attribute.Bool("corrected", correct))
	if !correct {
		return true
	}

	s.mu.Lock()
	if s.stopped || s.gen != gen {
		s.mu.Unlock()
		return false
	}
	cb := s.onCorrection
	s.mu.Unlock()

	s.store.SetCandle(s.symbol, fetched)
	s.log.Info("live candle corrected",
		zap.Int64("time", fetched.Time), zap.Bool("had_live", ok),
		zap.Float64("live_close", live.Close), zap.Float64("fetched_close", fetched.Close))
	if cb != nil {
		cb(fetched)
	}
	return true
}

// NeedsCorrection decides whether fetched should overwrite the live candle:
// always without a live candle or when the live bucket is older, never when
// it is newer, and for the same bucket only when open, high, low or close
// differs from the fetched value by more than tolerance (relative).
func NeedsCorrection(live market.Candle, ok bool, fetched market.Candle, tolerance float64) bool {
	switch {
	case !ok:
		return true
	case live.Time < fetched.Time:
		return true
	case live.Time > fetched.Time:
		return false
	}
	pairs := [...][2]float64{
		{live.Open, fetched.Open},
		{live.High, fetched.High},
		{live.Low, fetched.Low},
		{live.Close, fetched.Close},
	}
	for _, p := range pairs {
		if drift(p[0], p[1]) > tolerance {
			return true
		}
	}
	return false
}

func drift(live, ref float64) float64 {
	if ref == 0 {
		if live == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(live-ref) / math.Abs(ref)
}
