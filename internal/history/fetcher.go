// File: internal/history/fetcher.go
package history

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request names one historical fetch. Date, when set, is a "2006-01-02"
// exchange-calendar day and restricts the fetch to that day.
type Request struct {
	Symbol   string
	Period   string
	Interval string
	Date     string
}

// Fetcher is the historical-data boundary. Payloads are JSON: an array of
// OHLCV rows, or an object wrapping one under data, chart_data or results.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// FetcherFunc adapts a plain function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) ([]byte, error) { return f(ctx, req) }

// maxBody caps a single response body.
const maxBody = 32 << 20

// HTTPFetcher GETs {BaseURL}/{symbol}?period=&interval=&date= from a JSON
// history endpoint.
type HTTPFetcher struct {
	BaseURL string
	APIKey  string // sent as a bearer token when set
	Client  *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(f.BaseURL) == "" {
		return nil, fmt.Errorf("history: missing base url")
	}
	q := url.Values{}
	q.Set("period", req.Period)
	q.Set("interval", req.Interval)
	if req.Date != "" {
		q.Set("date", req.Date)
	}
	u := strings.TrimRight(f.BaseURL, "/") + "/" + url.PathEscape(req.Symbol) + "?" + q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	if f.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+f.APIKey)
	}

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("history: fetch %s: %w", req.Symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("history: fetch %s: http %d", req.Symbol, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("history: read %s: %w", req.Symbol, err)
	}
	return body, nil
}
