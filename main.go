// File: main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"candlesync/internal/candles"
	"candlesync/internal/config"
	"candlesync/internal/feed"
	"candlesync/internal/history"
	"candlesync/internal/logging"
	"candlesync/internal/market"
	"candlesync/internal/polygon"
	"candlesync/internal/stream"
	"candlesync/internal/syncer"
	"candlesync/internal/telemetry"
)

type server struct {
	engine *feed.Engine
	hub    *hub
	log    *zap.Logger
}

// watch opens (or replaces) a chart and routes it into the hub.
func (s *server) watch(ctx context.Context, symbol, interval, period string) (*feed.Chart, error) {
	ms, err := market.ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(period) == "" {
		period = "1d"
	}
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	sink := &chartSink{h: s.hub, symbol: sym, interval: market.IntervalString(ms)}
	return s.engine.Watch(ctx, sym, ms, period, sink)
}

func (s *server) unwatch(symbol string) bool {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	c, ok := s.engine.Chart(sym)
	if !ok {
		return false
	}
	c.Close()
	s.hub.drop(sym)
	s.log.Info("unwatched", zap.String("symbol", sym))
	return true
}

type chartStatus struct {
	Symbol   string            `json:"symbol"`
	Interval string            `json:"interval"`
	Period   string            `json:"period"`
	Sync     syncer.SyncRecord `json:"sync"`
}

type statusResp struct {
	Connection    stream.Snapshot  `json:"connection"`
	Subscriptions map[string]int64 `json:"subscriptions"`
	Charts        []chartStatus    `json:"charts"`
}

func (s *server) status() statusResp {
	resp := statusResp{
		Connection:    s.engine.State(),
		Subscriptions: s.engine.Subscriptions(),
		Charts:        []chartStatus{},
	}
	for _, c := range s.engine.Charts() {
		resp.Charts = append(resp.Charts, chartStatus{
			Symbol:   c.Symbol(),
			Interval: market.IntervalString(c.IntervalMs()),
			Period:   c.Period(),
			Sync:     c.Record(),
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type okResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.hub.serveWS(func(cl *client, ctrl controlMsg) {
		switch strings.ToLower(ctrl.Action) {
		case "visibility":
			v, _ := ctrl.Value.(bool)
			s.engine.VisibilityChanged(v)
		case "sync":
			sym, _ := ctrl.Value.(string)
			c, ok := s.engine.Chart(strings.ToUpper(strings.TrimSpace(sym)))
			if !ok {
				send(cl, statusMsg{Type: "status", Level: "error", Text: "not watching " + sym})
				return
			}
			go c.SyncNow(context.Background())
		}
	}))

	type watchReq struct {
		Symbol   string `json:"symbol"`
		Interval string `json:"interval"`
		Period   string `json:"period,omitempty"`
	}
	mux.HandleFunc("/api/watch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req watchReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Interval == "" {
			req.Interval = "1m"
		}
		if _, err := s.watch(r.Context(), req.Symbol, req.Interval, req.Period); err != nil {
			writeJSON(w, http.StatusBadRequest, okResp{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, okResp{OK: true})
	})

	mux.HandleFunc("/api/unwatch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Symbol string `json:"symbol"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if !s.unwatch(req.Symbol) {
			writeJSON(w, http.StatusNotFound, okResp{Error: "not watching " + req.Symbol})
			return
		}
		writeJSON(w, http.StatusOK, okResp{OK: true})
	})

	mux.HandleFunc("/api/visibility", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Visible bool `json:"visible"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		s.engine.VisibilityChanged(req.Visible)
		writeJSON(w, http.StatusOK, okResp{OK: true})
	})

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "GET only", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.status())
	})
	return mux
}

func newFetcher(cfg *config.Config, loc *time.Location) (history.Fetcher, error) {
	switch cfg.History.Provider {
	case "http":
		return &history.HTTPFetcher{BaseURL: cfg.History.BaseURL, APIKey: cfg.HistoryAPIKey}, nil
	case "polygon":
		return polygon.New(cfg.PolygonAPIKey, loc), nil
	}
	return nil, fmt.Errorf("unknown history provider %q", cfg.History.Provider)
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config.yaml")
	portOverride := flag.Int("port", 0, "override server_port")
	flag.Parse()

	cfg, err := config.Load(*cfgPath, ".env")
	if err != nil {
		log.Fatalf("load %s: %v", *cfgPath, err)
	}
	if *portOverride != 0 {
		cfg.ServerPort = *portOverride
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	tp, err := telemetry.Init(cfg.Tracing.Enabled, nil)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	loc := market.LoadLocation(cfg.Timezone)
	fetcher, err := newFetcher(cfg, loc)
	if err != nil {
		logger.Fatal("history provider", zap.Error(err))
	}
	loader := history.NewLoader(fetcher, history.Options{
		MaxRetries: cfg.History.MaxRetries,
		RatePerSec: cfg.History.RatePerSec,
		Location:   loc,
		Logger:     logger,
	})

	engine, err := feed.New(feed.Deps{History: loader, Logger: logger}, feed.Options{
		Stream: stream.Options{
			URL:                  cfg.Stream.URL,
			MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
			ReconnectDelay:       cfg.ReconnectDelay(),
			MaxReconnectDelay:    cfg.MaxReconnectDelay(),
		},
		SubscribeTimeout: cfg.SubscribeTimeout(),
		Cache: candles.Options{
			MaxCandlesCached: cfg.Cache.MaxCandlesCached,
			IdleTTL:          cfg.IdleTTL(),
		},
		Sync: syncer.Options{
			Interval:           cfg.SyncInterval(),
			VisibilityThrottle: cfg.VisibilityThrottle(),
			Tolerance:          cfg.Sync.Tolerance,
			Lookback:           cfg.Sync.Lookback,
		},
	})
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHub(logger)
	srv := &server{engine: engine, hub: h, log: logger}
	engine.OnConnectionChange(func(up bool) {
		if up {
			h.broadcast(statusMsg{Type: "status", Level: "success", Text: "Stream connected"})
			return
		}
		h.broadcast(statusMsg{Type: "status", Level: "warn", Text: "Stream disconnected"})
	})

	if err := engine.Start(ctx); err != nil {
		logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}
	if addr := strings.TrimSpace(cfg.Stream.NetworkProbe); addr != "" {
		go engine.Connection().WatchNetwork(ctx, 5*time.Second, stream.TCPProbe(addr))
	}

	go func() {
		for _, w := range cfg.Watchlist {
			if ctx.Err() != nil {
				return
			}
			if _, err := srv.watch(ctx, w.Symbol, w.Interval, w.Period); err != nil {
				logger.Warn("watchlist entry skipped", zap.String("symbol", w.Symbol), zap.Error(err))
			}
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	httpSrv := &http.Server{Addr: addr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("stream", cfg.Stream.URL),
			zap.String("history", cfg.History.Provider), zap.Int("watchlist", len(cfg.Watchlist)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	engine.Close()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}
