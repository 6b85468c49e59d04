// File: internal/subscription/subscription.go
package subscription

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"candlesync/internal/observer"
)

// Conn is the part of stream.Connection the manager needs.
type Conn interface {
	Send(v any) bool
	IsConnected() bool
	WaitConnected(ctx context.Context) bool
	OnConnectionChange(h func(bool)) observer.Token
}

type frame struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// Manager tracks symbol → interval for live data and replays the set after
// every reconnect.
type Manager struct {
	conn    Conn
	log     *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]int64

	tok observer.Token
}

// New returns a Manager bound to conn. timeout bounds how long Subscribe
// waits for an in-flight connect (default 5s).
func New(conn Conn, timeout time.Duration, log *zap.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		conn:    conn,
		log:     log.With(zap.String("component", "subscription")),
		timeout: timeout,
		subs:    make(map[string]int64),
	}
	m.tok = conn.OnConnectionChange(func(up bool) {
		if up {
			m.Resubscribe()
		}
	})
	return m
}

// Normalize trims and upper-cases symbols, dropping empties and duplicates.
func Normalize(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Subscribe asks for live data on symbols at intervalMs. The interval is
// recorded only after the frame was sent; a symbol already subscribed at
// another interval switches to the new one.
func (m *Manager) Subscribe(ctx context.Context, symbols []string, intervalMs int64) bool {
	syms := Normalize(symbols)
	if len(syms) == 0 || intervalMs <= 0 {
		m.log.Warn("subscribe: nothing to do", zap.Strings("symbols", symbols), zap.Int64("interval_ms", intervalMs))
		return false
	}
	if !m.conn.IsConnected() {
		wctx, cancel := context.WithTimeout(ctx, m.timeout)
		ok := m.conn.WaitConnected(wctx)
		cancel()
		if !ok {
			m.log.Warn("subscribe: not connected", zap.Strings("symbols", syms))
			return false
		}
	}
	if !m.conn.Send(frame{Action: "subscribe", Symbols: syms}) {
		m.log.Warn("subscribe: send failed", zap.Strings("symbols", syms))
		return false
	}
	m.mu.Lock()
	for _, s := range syms {
		m.subs[s] = intervalMs
	}
	m.mu.Unlock()
	m.log.Info("subscribed", zap.Strings("symbols", syms), zap.Int64("interval_ms", intervalMs))
	return true
}

// Unsubscribe forgets symbols and tells the server. Entries are removed even
// when the frame cannot be sent.
func (m *Manager) Unsubscribe(symbols []string) bool {
	syms := Normalize(symbols)
	if len(syms) == 0 {
		return true
	}
	m.mu.Lock()
	for _, s := range syms {
		delete(m.subs, s)
	}
	m.mu.Unlock()
	if !m.conn.Send(frame{Action: "unsubscribe", Symbols: syms}) {
		m.log.Debug("unsubscribe: send failed", zap.Strings("symbols", syms))
		return false
	}
	return true
}

// Resubscribe sends one subscribe frame per distinct interval covering every
// recorded symbol. With nothing recorded it sends nothing and reports true.
func (m *Manager) Resubscribe() bool {
	groups := make(map[int64][]string)
	m.mu.Lock()
	for s, iv := range m.subs {
		groups[iv] = append(groups[iv], s)
	}
	m.mu.Unlock()
	if len(groups) == 0 {
		return true
	}

	intervals := make([]int64, 0, len(groups))
	for iv := range groups {
		intervals = append(intervals, iv)
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })

	ok := true
	for _, iv := range intervals {
		syms := groups[iv]
		sort.Strings(syms)
		if !m.conn.Send(frame{Action: "subscribe", Symbols: syms}) {
			m.log.Warn("resubscribe: send failed", zap.Int64("interval_ms", iv), zap.Strings("symbols", syms))
			ok = false
		}
	}
	if ok {
		m.log.Info("resubscribed", zap.Int("intervals", len(intervals)))
	}
	return ok
}

// Subscriptions returns a copy of the symbol → interval map.
func (m *Manager) Subscriptions() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.subs))
	for s, iv := range m.subs {
		out[s] = iv
	}
	return out
}

// Interval returns the recorded interval for symbol.
func (m *Manager) Interval(symbol string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.subs[strings.ToUpper(strings.TrimSpace(symbol))]
	return iv, ok
}

func (m *Manager) IsSubscribed(symbol string) bool {
	_, ok := m.Interval(symbol)
	return ok
}

// Close stops listening for reconnects. Recorded subscriptions are kept.
func (m *Manager) Close() {
	if m.tok != nil {
		m.tok.Unsubscribe()
	}
}
