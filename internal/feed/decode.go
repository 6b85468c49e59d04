// File: internal/feed/decode.go
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"candlesync/internal/market"
)

// Message is one decoded inbound frame: PriceTick or Unrecognized.
type Message interface{ isMessage() }

// PriceTick is a live price update in the internal tick shape.
type PriceTick struct {
	market.Tick
}

// Unrecognized is a frame that carried no usable tick.
type Unrecognized struct {
	Reason string
}

func (PriceTick) isMessage()    {}
func (Unrecognized) isMessage() {}

const priceUpdate = "price_update"

// Decode normalizes a raw frame. Both the flat provider shape and the
// wrapped {"type":"price_update"} shape are accepted, alone or in an array.
func Decode(raw []byte) []Message {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []Message{Unrecognized{Reason: "invalid json: " + err.Error()}}
	}
	switch x := v.(type) {
	case []any:
		out := make([]Message, 0, len(x))
		for _, item := range x {
			out = append(out, decodeOne(item))
		}
		return out
	default:
		return []Message{decodeOne(x)}
	}
}

func decodeOne(v any) Message {
	m, ok := v.(map[string]any)
	if !ok {
		return Unrecognized{Reason: fmt.Sprintf("unexpected %T frame", v)}
	}
	fields := m
	if typ, ok := m["type"]; ok {
		s, _ := typ.(string)
		if s != priceUpdate {
			return Unrecognized{Reason: fmt.Sprintf("unsupported type %q", s)}
		}
		if data, ok := m["data"].(map[string]any); ok {
			fields = data
		}
	}

	sym := strings.ToUpper(strings.TrimSpace(str(lookup(fields, m, "symbol"))))
	if sym == "" {
		return Unrecognized{Reason: "missing symbol"}
	}
	tick := market.Tick{
		Symbol: sym,
		Prices: market.Prices{
			Last: num(fields["lastPrice"]),
			Bid:  num(fields["bidPrice"]),
			Ask:  num(fields["askPrice"]),
		},
		RawTimestamp: timestamp(lookup(fields, m, "timestamp")),
	}
	if vol := num(fields["lastSize"]); vol > 0 {
		tick.Volume = vol
	}
	if _, ok := tick.Price(); !ok {
		return Unrecognized{Reason: "no usable price for " + sym}
	}
	return PriceTick{Tick: tick}
}

// lookup prefers the payload field and falls back to the envelope.
func lookup(fields, envelope map[string]any, key string) any {
	if v, ok := fields[key]; ok && v != nil {
		return v
	}
	return envelope[key]
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num returns 0 for anything that is not a finite number or numeric string.
func num(v any) float64 {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		f = n
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// timestamp returns a raw epoch value in provider units, or 0 when absent.
// RFC3339 strings are converted to milliseconds.
func timestamp(v any) int64 {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return max(i, 0)
		}
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return max(i, 0)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UnixMilli()
		}
	}
	n := num(v)
	if n <= 0 {
		return 0
	}
	return int64(n)
}
