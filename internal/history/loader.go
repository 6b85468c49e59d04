// File: internal/history/loader.go
package history

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"candlesync/internal/market"
)

const dateLayout = "2006-01-02"

// Metadata describes where a Result came from.
type Metadata struct {
	SourceDate string `json:"source_date,omitempty"` // most recent day that had data
	Days       int    `json:"days,omitempty"`        // days with data (per-day path)
	Attempts   int    `json:"attempts"`
	Aggregated string `json:"aggregated,omitempty"` // "1wk", "1mo" or "1y" when built from daily rows
}

// Retries is the number of fetches after the first.
func (m Metadata) Retries() int {
	if m.Attempts < 1 {
		return 0
	}
	return m.Attempts - 1
}

// Result is a load outcome. An empty Candles slice means "no data".
type Result struct {
	Candles  []market.Candle `json:"candles"`
	Metadata Metadata        `json:"metadata"`
}

type Options struct {
	MaxRetries int     // previous business days tried after the first, default 4
	RatePerSec float64 // fetch rate limit, default 5
	Burst      int     // default 5
	Location   *time.Location
	Now        func() time.Time
	Logger     *zap.Logger
	Tracer     trace.Tracer
}

// Loader turns a Fetcher into chart-ready candles.
type Loader struct {
	fetcher Fetcher
	retries int
	limiter *rate.Limiter
	loc     *time.Location
	now     func() time.Time
	log     *zap.Logger
	tracer  trace.Tracer
}

func NewLoader(f Fetcher, opts Options) *Loader {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 4
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.Location == nil {
		opts.Location = market.LoadLocation("")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("candlesync/history")
	}
	return &Loader{
		fetcher: f,
		retries: opts.MaxRetries,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
		loc:     opts.Location,
		now:     opts.Now,
		log:     opts.Logger.With(zap.String("component", "history")),
		tracer:  opts.Tracer,
	}
}

// LoadHistoricalData loads period of interval candles ending at the most
// recent business day.
func (l *Loader) LoadHistoricalData(ctx context.Context, symbol, period, interval string) Result {
	return l.LoadHistoricalDataAt(ctx, symbol, period, interval, time.Time{})
}

// LoadHistoricalDataAt is LoadHistoricalData anchored at date. A zero date
// means the most recent business day.
func (l *Loader) LoadHistoricalDataAt(ctx context.Context, symbol, period, interval string, date time.Time) Result {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	period = strings.ToLower(strings.TrimSpace(period))
	interval = strings.ToLower(strings.TrimSpace(interval))

	ctx, span := l.tracer.Start(ctx, "history.Load", trace.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("period", period),
		attribute.String("interval", interval),
	))
	defer span.End()

	res := l.route(ctx, symbol, period, interval, date)
	span.SetAttributes(
		attribute.Int("attempts", res.Metadata.Attempts),
		attribute.Int("candles", len(res.Candles)),
	)
	l.log.Debug("history loaded",
		zap.String("symbol", symbol), zap.String("period", period), zap.String("interval", interval),
		zap.Int("candles", len(res.Candles)), zap.Int("attempts", res.Metadata.Attempts),
		zap.String("source_date", res.Metadata.SourceDate))
	return res
}

func (l *Loader) route(ctx context.Context, symbol, period, interval string, date time.Time) Result {
	if agg, name := calendarAggregator(interval); agg != nil {
		rows := l.fetch(ctx, Request{Symbol: symbol, Period: period, Interval: "1d"})
		return Result{Candles: agg(rows), Metadata: Metadata{Attempts: 1, Aggregated: name}}
	}

	ivMs, err := market.ParseInterval(interval)
	if err == nil && market.Intraday(ivMs) {
		anchor := l.anchor(date)
		if period == "1d" {
			return l.singleDay(ctx, symbol, period, interval, anchor)
		}
		if days, err := market.ParsePeriod(period, l.now().In(l.loc)); err == nil && days <= 5 {
			return l.perDay(ctx, symbol, period, interval, anchor, days)
		}
	}
	req := Request{Symbol: symbol, Period: period, Interval: interval}
	if !date.IsZero() {
		req.Date = date.In(l.loc).Format(dateLayout)
	}
	return Result{Candles: l.fetch(ctx, req), Metadata: Metadata{Attempts: 1}}
}

func calendarAggregator(interval string) (func([]market.Candle) []market.Candle, string) {
	switch interval {
	case "1wk", "1w", "1week":
		return AggregateToWeekly, "1wk"
	case "1mo", "1month":
		return AggregateToMonthly, "1mo"
	case "1y", "12mo", "1yr":
		return AggregateToYearly, "1y"
	}
	return nil, ""
}

func (l *Loader) anchor(date time.Time) time.Time {
	if date.IsZero() {
		return market.MostRecentBusinessDay(l.now(), l.loc)
	}
	return market.Midnight(date, l.loc)
}

// singleDay tries anchor, then up to MaxRetries previous business days,
// returning the first day with rows.
func (l *Loader) singleDay(ctx context.Context, symbol, period, interval string, day time.Time) Result {
	var md Metadata
	for i := 0; i <= l.retries; i++ {
		if ctx.Err() != nil {
			break
		}
		ds := day.Format(dateLayout)
		md.Attempts++
		rows := l.fetch(ctx, Request{Symbol: symbol, Period: period, Interval: interval, Date: ds})
		if len(rows) > 0 {
			md.SourceDate, md.Days = ds, 1
			return Result{Candles: rows, Metadata: md}
		}
		l.log.Info("no history for day, trying previous business day", zap.String("symbol", symbol), zap.String("date", ds))
		day = market.PreviousBusinessDay(day)
	}
	l.log.Warn("history empty after retries", zap.String("symbol", symbol), zap.Int("attempts", md.Attempts))
	return Result{Metadata: md}
}

// perDay collects n business days with data, walking back from anchor. It
// gives up after n+MaxRetries fetches.
func (l *Loader) perDay(ctx context.Context, symbol, period, interval string, day time.Time, n int) Result {
	var md Metadata
	var all []market.Candle
	for md.Days < n && md.Attempts < n+l.retries {
		if ctx.Err() != nil {
			break
		}
		ds := day.Format(dateLayout)
		md.Attempts++
		rows := l.fetch(ctx, Request{Symbol: symbol, Period: "1d", Interval: interval, Date: ds})
		if len(rows) > 0 {
			if md.SourceDate == "" {
				md.SourceDate = ds
			}
			md.Days++
			all = append(all, rows...)
		}
		day = market.PreviousBusinessDay(day)
	}
	return Result{Candles: sortDedupe(all), Metadata: md}
}

func (l *Loader) fetch(ctx context.Context, req Request) []market.Candle {
	if err := l.limiter.Wait(ctx); err != nil {
		l.log.Warn("history fetch not started", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil
	}
	body, err := l.fetcher.Fetch(ctx, req)
	if err != nil {
		l.log.Warn("history fetch failed",
			zap.String("symbol", req.Symbol), zap.String("interval", req.Interval),
			zap.String("date", req.Date), zap.Error(err))
		return nil
	}
	if iv, err := market.ParseInterval(req.Interval); err == nil && !market.Intraday(iv) {
		return NormalizeDailyRows(body, l.loc)
	}
	return NormalizeRows(body)
}
