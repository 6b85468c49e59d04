// File: internal/feed/engine.go
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"candlesync/internal/candles"
	"candlesync/internal/market"
	"candlesync/internal/observer"
	"candlesync/internal/stream"
	"candlesync/internal/subscription"
	"candlesync/internal/syncer"
)

// Sink is the rendering surface of one chart.
type Sink interface {
	SetData(candles []market.Candle)
	Update(c market.Candle)
	ScrollToRealtime()
}

// LoadingObserver is implemented by sinks that show a loading state.
type LoadingObserver interface {
	SetLoading(loading bool)
}

// Deps are the collaborators an Engine is built from. Conn is created from
// Options.Stream when nil.
type Deps struct {
	History syncer.Source
	Conn    *stream.Connection
	Logger  *zap.Logger
}

type Options struct {
	Stream           stream.Options
	SubscribeTimeout time.Duration
	Cache            candles.Options
	Sync             syncer.Options
}

// Engine owns the live pipeline: one connection, its subscriptions and the
// candle aggregator, plus one Chart per watched symbol.
type Engine struct {
	conn    *stream.Connection
	subs    *subscription.Manager
	agg     *candles.Aggregator
	history syncer.Source
	opts    Options
	log     *zap.Logger

	mu     sync.Mutex
	charts map[string]*Chart
	closed bool

	tokens []observer.Token
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.History == nil {
		return nil, errors.New("feed: history source is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conn := deps.Conn
	if conn == nil {
		if opts.Stream.URL == "" {
			return nil, errors.New("feed: stream url is required")
		}
		if opts.Stream.Logger == nil {
			opts.Stream.Logger = log
		}
		conn = stream.New(opts.Stream)
	}
	if opts.Cache.Logger == nil {
		opts.Cache.Logger = log
	}
	if opts.Sync.Logger == nil {
		opts.Sync.Logger = log
	}
	e := &Engine{
		conn:    conn,
		subs:    subscription.New(conn, opts.SubscribeTimeout, log),
		agg:     candles.New(opts.Cache),
		history: deps.History,
		opts:    opts,
		log:     log.With(zap.String("component", "feed")),
		charts:  make(map[string]*Chart),
	}
	e.tokens = append(e.tokens,
		conn.OnMessage(e.handleMessage),
		conn.OnConnectionChange(e.handleConnectionChange),
	)
	return e, nil
}

// Start connects. A failed first attempt is returned, but the connection
// keeps retrying in the background.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.conn.Connect(ctx); err != nil {
		return fmt.Errorf("feed: start: %w", err)
	}
	return nil
}

// Close stops every chart and closes the connection.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	charts := make([]*Chart, 0, len(e.charts))
	for _, c := range e.charts {
		charts = append(charts, c)
	}
	e.mu.Unlock()

	for _, c := range charts {
		c.Close()
	}
	for _, t := range e.tokens {
		t.Unsubscribe()
	}
	e.subs.Close()
	e.conn.Close()
}

func (e *Engine) State() stream.Snapshot { return e.conn.State() }

func (e *Engine) OnConnectionChange(h func(bool)) observer.Token {
	return e.conn.OnConnectionChange(h)
}

// Connection exposes the underlying connection, for network watching.
func (e *Engine) Connection() *stream.Connection { return e.conn }

// Subscriptions returns the live symbol → interval map.
func (e *Engine) Subscriptions() map[string]int64 { return e.subs.Subscriptions() }

// Charts returns the watched charts.
func (e *Engine) Charts() []*Chart {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Chart, 0, len(e.charts))
	for _, c := range e.charts {
		out = append(out, c)
	}
	return out
}

// Chart returns the chart watching symbol.
func (e *Engine) Chart(symbol string) (*Chart, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.charts[strings.ToUpper(strings.TrimSpace(symbol))]
	return c, ok
}

// VisibilityChanged forwards a foreground/background edge to every chart.
func (e *Engine) VisibilityChanged(visible bool) {
	for _, c := range e.Charts() {
		c.VisibilityChanged(visible)
	}
}

func (e *Engine) handleMessage(raw []byte) {
	for _, m := range Decode(raw) {
		switch msg := m.(type) {
		case PriceTick:
			iv, ok := e.subs.Interval(msg.Symbol)
			if !ok {
				continue
			}
			e.agg.UpdateFromTick(msg.Symbol, msg.Tick, iv)
		case Unrecognized:
			e.log.Debug("frame dropped", zap.String("reason", msg.Reason))
		}
	}
}

// handleConnectionChange retries subscriptions for charts whose first
// subscribe failed; recorded subscriptions are replayed by the manager.
func (e *Engine) handleConnectionChange(up bool) {
	if !up {
		return
	}
	for _, c := range e.Charts() {
		if e.subs.IsSubscribed(c.symbol) {
			continue
		}
		go func(c *Chart) {
			if c.isClosed() {
				return
			}
			if !e.subs.Subscribe(context.Background(), []string{c.symbol}, c.intervalMs) {
				e.log.Warn("chart subscribe retry failed", zap.String("symbol", c.symbol))
			}
		}(c)
	}
}

// Watch loads history into sink and keeps it live. An existing chart on the
// same symbol is replaced.
func (e *Engine) Watch(ctx context.Context, symbol string, intervalMs int64, period string, sink Sink) (*Chart, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return nil, errors.New("feed: empty symbol")
	}
	if intervalMs <= 0 {
		return nil, fmt.Errorf("feed: bad interval %d", intervalMs)
	}
	if sink == nil {
		return nil, errors.New("feed: nil sink")
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("feed: engine closed")
	}
	prev := e.charts[sym]
	e.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	loading, _ := sink.(LoadingObserver)
	if loading != nil {
		loading.SetLoading(true)
		defer loading.SetLoading(false)
	}

	res := e.history.LoadHistoricalData(ctx, sym, period, market.IntervalString(intervalMs))
	sink.SetData(res.Candles)
	if n := len(res.Candles); n > 0 {
		e.agg.SetCandle(sym, res.Candles[n-1])
	}

	c := &Chart{
		engine:     e,
		symbol:     sym,
		intervalMs: intervalMs,
		period:     period,
		sink:       sink,
	}
	c.token = e.agg.OnCandle(sym, func(cd market.Candle) {
		sink.Update(cd)
		sink.ScrollToRealtime()
	})
	if !e.subs.Subscribe(ctx, []string{sym}, intervalMs) {
		e.log.Warn("watch: live subscribe failed, will retry on reconnect", zap.String("symbol", sym))
	}
	c.reconciler = syncer.New(e.history, e.agg, sym, intervalMs, e.opts.Sync)
	c.reconciler.Start(func(market.Candle) {})

	e.mu.Lock()
	e.charts[sym] = c
	e.mu.Unlock()
	e.log.Info("watching", zap.String("symbol", sym), zap.String("interval", market.IntervalString(intervalMs)),
		zap.String("period", period), zap.Int("history", len(res.Candles)))
	return c, nil
}

// Chart is one watched symbol.
type Chart struct {
	engine     *Engine
	symbol     string
	intervalMs int64
	period     string
	sink       Sink
	token      observer.Token
	reconciler *syncer.Synchronizer

	once   sync.Once
	mu     sync.Mutex
	closed bool
}

func (c *Chart) Symbol() string            { return c.symbol }
func (c *Chart) IntervalMs() int64         { return c.intervalMs }
func (c *Chart) Period() string            { return c.period }
func (c *Chart) Sink() Sink                { return c.sink }
func (c *Chart) Record() syncer.SyncRecord { return c.reconciler.Record() }

func (c *Chart) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops syncing, unsubscribes and drops the live candle.
func (c *Chart) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.reconciler.Stop()
		c.token.Unsubscribe()
		e := c.engine
		e.subs.Unsubscribe([]string{c.symbol})
		e.agg.Remove(c.symbol)

		e.mu.Lock()
		if e.charts[c.symbol] == c {
			delete(e.charts, c.symbol)
		}
		e.mu.Unlock()
	})
}

func (c *Chart) VisibilityChanged(visible bool) { c.reconciler.VisibilityChanged(visible) }

func (c *Chart) SyncNow(ctx context.Context) bool { return c.reconciler.SyncNow(ctx) }
