// File: internal/polygon/polygon.go
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	polygonrest "github.com/polygon-io/client-go/rest"
	rmodels "github.com/polygon-io/client-go/rest/models"

	"candlesync/internal/history"
	"candlesync/internal/market"
)

// maxAggs is the largest page the aggregates endpoint returns.
const maxAggs = 50000

// Row is one aggregate bar as handed to the history normalizer.
type Row struct {
	T int64   `json:"t"` // bar start, epoch ms
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

type listFunc func(ctx context.Context, p *rmodels.ListAggsParams) ([]Row, error)

// Fetcher serves history.Request from Polygon's aggregates REST API.
type Fetcher struct {
	list listFunc
	loc  *time.Location
	now  func() time.Time
}

// New returns a Fetcher using apiKey. loc is the exchange timezone used to
// resolve request dates.
func New(apiKey string, loc *time.Location) *Fetcher {
	rest := polygonrest.NewWithClient(apiKey, &http.Client{Timeout: 10 * time.Second})
	return newFetcher(restLister(rest), loc, time.Now)
}

func newFetcher(list listFunc, loc *time.Location, now func() time.Time) *Fetcher {
	if loc == nil {
		loc = market.LoadLocation("")
	}
	return &Fetcher{list: list, loc: loc, now: now}
}

func restLister(rest *polygonrest.Client) listFunc {
	return func(ctx context.Context, p *rmodels.ListAggsParams) ([]Row, error) {
		iter := rest.ListAggs(ctx, p)
		var rows []Row
		for iter.Next() {
			a := iter.Item()
			rows = append(rows, Row{
				T: time.Time(a.Timestamp).UnixMilli(),
				O: a.Open, H: a.High, L: a.Low, C: a.Close, V: a.Volume,
			})
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		return rows, nil
	}
}

// Timespan maps a chart interval to the aggregates multiplier and timespan.
func Timespan(interval string) (int, rmodels.Timespan, error) {
	ms, err := market.ParseInterval(interval)
	if err != nil {
		return 0, "", err
	}
	units := []struct {
		ms   int64
		span rmodels.Timespan
	}{
		{market.Year, rmodels.Year},
		{market.Month, rmodels.Month},
		{market.Week, rmodels.Week},
		{market.Day, rmodels.Day},
		{market.Hour, rmodels.Hour},
		{market.Minute, rmodels.Minute},
	}
	for _, u := range units {
		if ms >= u.ms && ms%u.ms == 0 {
			return int(ms / u.ms), u.span, nil
		}
	}
	return 0, "", fmt.Errorf("polygon: unsupported interval %q", interval)
}

// window returns the [from, to) range for req. A dated request covers that
// exchange day; otherwise the range ends now and spans the period.
func (f *Fetcher) window(req history.Request) (time.Time, time.Time, error) {
	if req.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", req.Date, f.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("polygon: bad date %q: %w", req.Date, err)
		}
		return d, d.AddDate(0, 0, 1), nil
	}
	now := f.now().In(f.loc)
	days, err := market.ParsePeriod(req.Period, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return now.AddDate(0, 0, -days), now, nil
}

func (f *Fetcher) Fetch(ctx context.Context, req history.Request) ([]byte, error) {
	mult, span, err := Timespan(req.Interval)
	if err != nil {
		return nil, err
	}
	from, to, err := f.window(req)
	if err != nil {
		return nil, err
	}
	params := &rmodels.ListAggsParams{
		Ticker:     strings.ToUpper(req.Symbol),
		Multiplier: mult,
		Timespan:   span,
		From:       rmodels.Millis(from),
		To:         rmodels.Millis(to),
	}
	lim := maxAggs
	asc := rmodels.Asc
	adj := true
	params.Limit = &lim
	params.Order = &asc
	params.Adjusted = &adj

	rows, err := f.list(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("polygon: aggs %s: %w", params.Ticker, err)
	}
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(struct {
		Results []Row `json:"results"`
	}{rows})
}
