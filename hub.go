// File: hub.go
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"candlesync/internal/market"
)

/* ====================
   Browser messages
   ==================== */

type statusMsg struct {
	Type  string `json:"type"` // "status"
	Level string `json:"level"`
	Text  string `json:"text"`
}

type dataMsg struct {
	Type     string          `json:"type"` // "set_data"
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	Candles  []market.Candle `json:"candles"`
}

type updateMsg struct {
	Type   string        `json:"type"` // "update"
	Symbol string        `json:"symbol"`
	Candle market.Candle `json:"candle"`
}

type chartEventMsg struct {
	Type    string `json:"type"` // "scroll" | "loading" | "unwatched"
	Symbol  string `json:"symbol"`
	Loading bool   `json:"loading,omitempty"`
}

type controlMsg struct {
	Type   string `json:"type"` // "control"
	Action string `json:"action"`
	Value  any    `json:"value"`
}

/* ====================
   Websocket hub
   ==================== */

var wsUpgrader = websocket.Upgrader{
	CheckOrigin:       func(*http.Request) bool { return true },
	EnableCompression: true,
}

type client struct {
	out    chan any
	done   chan struct{}
	paused atomic.Bool
}

// hub fans chart frames out to every browser tab and keeps the latest
// series per symbol so a new tab starts from a full chart.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	charts  map[string]*dataMsg
	log     *zap.Logger
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		clients: make(map[*client]struct{}),
		charts:  make(map[string]*dataMsg),
		log:     log.With(zap.String("component", "hub")),
	}
}

func send(cl *client, v any) {
	select {
	case cl.out <- v:
	default:
	}
}

func (h *hub) broadcast(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		send(c, v)
	}
}

// join registers cl and queues the current chart series for it.
func (h *hub) join(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[cl] = struct{}{}
	send(cl, statusMsg{Type: "status", Level: "info", Text: "Connected"})
	for _, d := range h.charts {
		cp := *d
		cp.Candles = append([]market.Candle(nil), d.Candles...)
		send(cl, cp)
	}
}

func (h *hub) leave(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
}

func (h *hub) setData(symbol, interval string, candles []market.Candle) {
	d := &dataMsg{Type: "set_data", Symbol: symbol, Interval: interval, Candles: append([]market.Candle(nil), candles...)}
	h.mu.Lock()
	h.charts[symbol] = d
	h.mu.Unlock()
	h.broadcast(*d)
}

// update replaces the last cached candle when it shares c's bucket, else
// appends.
func (h *hub) update(symbol string, c market.Candle) {
	h.mu.Lock()
	if d := h.charts[symbol]; d != nil {
		if n := len(d.Candles); n > 0 && d.Candles[n-1].Time == c.Time {
			d.Candles[n-1] = c
		} else if n == 0 || d.Candles[n-1].Time < c.Time {
			d.Candles = append(d.Candles, c)
		}
	}
	h.mu.Unlock()
	h.broadcast(updateMsg{Type: "update", Symbol: symbol, Candle: c})
}

func (h *hub) drop(symbol string) {
	h.mu.Lock()
	delete(h.charts, symbol)
	h.mu.Unlock()
	h.broadcast(chartEventMsg{Type: "unwatched", Symbol: symbol})
}

// frameWriter is the write side of a browser socket.
type frameWriter interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// writeLoop drains cl.out into w until cl is done. A failed write closes w,
// which ends the reader and removes the tab from the hub.
func (h *hub) writeLoop(w frameWriter, cl *client, pingEvery time.Duration) {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		var err error
		select {
		case v := <-cl.out:
			if cl.paused.Load() {
				if _, ok := v.(statusMsg); !ok {
					continue
				}
			}
			err = w.WriteJSON(v)
		case <-ping.C:
			err = w.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
		case <-cl.done:
			return
		}
		if err != nil {
			h.log.Debug("ws write failed, dropping client", zap.Error(err))
			_ = w.Close()
			return
		}
	}
}

func (h *hub) serveWS(onControl func(cl *client, ctrl controlMsg)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("ws upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()
		cl := &client{out: make(chan any, 256), done: make(chan struct{})}

		go h.writeLoop(conn, cl, 45*time.Second)
		h.join(cl)

		// reader
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.TextMessage {
				continue
			}
			var ctrl controlMsg
			if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Type != "control" {
				continue
			}
			switch strings.ToLower(ctrl.Action) {
			case "pause":
				cl.paused.Store(true)
				send(cl, statusMsg{Type: "status", Level: "info", Text: "Paused (this tab)"})
			case "resume":
				cl.paused.Store(false)
				send(cl, statusMsg{Type: "status", Level: "success", Text: "Resumed (this tab)"})
			default:
				if onControl != nil {
					onControl(cl, ctrl)
				}
			}
		}
		close(cl.done)
		h.leave(cl)
	}
}

/* ====================
   Chart sink
   ==================== */

// chartSink renders one engine chart into the hub.
type chartSink struct {
	h        *hub
	symbol   string
	interval string
}

func (s *chartSink) SetData(candles []market.Candle) { s.h.setData(s.symbol, s.interval, candles) }
func (s *chartSink) Update(c market.Candle)          { s.h.update(s.symbol, c) }
func (s *chartSink) ScrollToRealtime() {
	s.h.broadcast(chartEventMsg{Type: "scroll", Symbol: s.symbol})
}

func (s *chartSink) SetLoading(loading bool) {
	s.h.broadcast(chartEventMsg{Type: "loading", Symbol: s.symbol, Loading: loading})
}
