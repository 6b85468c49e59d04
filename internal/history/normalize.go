// File: internal/history/normalize.go
package history

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"candlesync/internal/market"
)

var (
	rowKeys   = []string{"data", "chart_data", "results"}
	timeKeys  = []string{"time", "timestamp", "date", "datetime", "t"}
	openKeys  = []string{"open", "o"}
	highKeys  = []string{"high", "h"}
	lowKeys   = []string{"low", "l"}
	closeKeys = []string{"close", "c", "price"}
	volKeys   = []string{"volume", "v"}
)

// NormalizeRows decodes an intraday history payload into candles sorted by
// time. Rows without a usable time or close are dropped, duplicate times keep
// the last row.
func NormalizeRows(payload []byte) []market.Candle {
	return normalize(payload, stamp.display)
}

// NormalizeDailyRows is NormalizeRows for daily and coarser rows: every
// candle is labelled with its exchange trading date in loc, at UTC midnight,
// whether the row carried a date string or an epoch stamp.
func NormalizeDailyRows(payload []byte, loc *time.Location) []market.Candle {
	return normalize(payload, func(s stamp) int64 { return s.sessionDay(loc) })
}

func normalize(payload []byte, label func(stamp) int64) []market.Candle {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil
	}
	rows := extractRows(root, 0)
	out := make([]market.Candle, 0, len(rows))
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if c, ok := normalizeRow(m, label); ok {
			out = append(out, c)
		}
	}
	return sortDedupe(out)
}

func extractRows(v any, depth int) []any {
	switch x := v.(type) {
	case []any:
		return x
	case map[string]any:
		if depth > 2 {
			return nil
		}
		for _, k := range rowKeys {
			if inner, ok := x[k]; ok {
				if rows := extractRows(inner, depth+1); rows != nil {
					return rows
				}
			}
		}
	}
	return nil
}

func normalizeRow(m map[string]any, label func(stamp) int64) (market.Candle, bool) {
	st, ok := parseTime(first(m, timeKeys))
	if !ok {
		return market.Candle{}, false
	}
	t := label(st)
	cl, ok := number(first(m, closeKeys))
	if !ok || !market.ValidPrice(cl) {
		return market.Candle{}, false
	}
	c := market.Candle{Time: t, Close: cl, Open: cl, High: cl, Low: cl}
	for _, f := range []struct {
		keys []string
		dst  *float64
	}{{openKeys, &c.Open}, {highKeys, &c.High}, {lowKeys, &c.Low}} {
		v := first(m, f.keys)
		if v == nil {
			continue
		}
		n, ok := number(v)
		if !ok || !market.ValidPrice(n) {
			return market.Candle{}, false
		}
		*f.dst = n
	}
	if v := first(m, volKeys); v != nil {
		n, ok := number(v)
		if !ok {
			return market.Candle{}, false
		}
		if n > 0 {
			c.Volume = n
		}
	}
	c.Widen()
	return c, true
}

func first(m map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = x
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Layouts accepted for string times. Wall-clock layouts are read on the
// exchange clock, which is display time.
var wallLayouts = []string{"2006-01-02", "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04"}

// stamp is a parsed row time: UTC epoch seconds for instants, or the wall
// clock read as UTC for zone-less layouts.
type stamp struct {
	sec     int64
	instant bool
}

func (s stamp) display() int64 {
	if s.instant {
		return market.ToDisplayTime(s.sec)
	}
	return s.sec
}

// sessionDay maps s to its trading date at UTC midnight. An instant at exact
// UTC midnight already names a date; other instants are read in loc, so a
// bar stamped at exchange midnight keeps its date across DST.
func (s stamp) sessionDay(loc *time.Location) int64 {
	t := time.Unix(s.sec, 0).UTC()
	if s.instant && s.sec%86400 != 0 {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

// parseTime reads an epoch number (s, ms, µs or ns), a numeric string, a
// calendar date or an RFC3339 stamp.
func parseTime(v any) (stamp, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return stamp{}, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			for _, l := range wallLayouts {
				if t, err := time.Parse(l, s); err == nil {
					return stamp{sec: t.Unix()}, true
				}
			}
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return stamp{sec: t.Unix(), instant: true}, true
			}
			return stamp{}, false
		}
	}
	n, ok := number(v)
	if !ok || n <= 0 {
		return stamp{}, false
	}
	ms := market.NormalizeTimestampMs(int64(n))
	return stamp{sec: ms / 1000, instant: true}, true
}

func sortDedupe(cs []market.Candle) []market.Candle {
	// Stable keeps input order among equal times so the later row wins below.
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Time < cs[j].Time })
	out := cs[:0]
	for _, c := range cs {
		if n := len(out); n > 0 && out[n-1].Time == c.Time {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}
