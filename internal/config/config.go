// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"candlesync/internal/market"
)

type WatchEntry struct {
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
	Period   string `yaml:"period"`
}

type Config struct {
	ServerPort int          `yaml:"server_port"`
	Timezone   string       `yaml:"timezone"`
	Watchlist  []WatchEntry `yaml:"watchlist"`
	Stream     struct {
		URL                  string `yaml:"url"`
		MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
		ReconnectDelayMs     int    `yaml:"reconnect_delay_ms"`
		MaxReconnectDelayMs  int    `yaml:"max_reconnect_delay_ms"`
		SubscribeTimeoutMs   int    `yaml:"subscribe_timeout_ms"`
		NetworkProbe         string `yaml:"network_probe"` // host:port, empty disables
	} `yaml:"stream"`
	Sync struct {
		IntervalMs           int     `yaml:"interval_ms"`
		VisibilityThrottleMs int     `yaml:"visibility_throttle_ms"`
		Tolerance            float64 `yaml:"tolerance"`
		Lookback             int     `yaml:"lookback"`
	} `yaml:"sync"`
	Cache struct {
		MaxCandlesCached int   `yaml:"max_candles_cached"`
		IdleTTLMs        int64 `yaml:"idle_ttl_ms"`
	} `yaml:"cache"`
	History struct {
		Provider   string  `yaml:"provider"` // http | polygon
		BaseURL    string  `yaml:"base_url"`
		MaxRetries int     `yaml:"max_retries"`
		RatePerSec float64 `yaml:"rate_per_sec"`
	} `yaml:"history"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"logging"`
	Tracing struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"tracing"`

	// Secrets come from the environment (.env), never from the yaml file.
	HistoryAPIKey string `yaml:"-"`
	PolygonAPIKey string `yaml:"-"`
}

// Default returns the configuration used when config.yaml omits a field.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every zero field with its default.
func (c *Config) ApplyDefaults() {
	if c.ServerPort == 0 {
		c.ServerPort = 8090
	}
	if strings.TrimSpace(c.Timezone) == "" {
		c.Timezone = "America/New_York"
	}
	if len(c.Watchlist) == 0 {
		c.Watchlist = []WatchEntry{{Symbol: "AAPL"}}
	}
	for i := range c.Watchlist {
		w := &c.Watchlist[i]
		w.Symbol = strings.ToUpper(strings.TrimSpace(w.Symbol))
		if w.Interval == "" {
			w.Interval = "1m"
		}
		if w.Period == "" {
			w.Period = "1d"
		}
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = 10
	}
	if c.Stream.ReconnectDelayMs == 0 {
		c.Stream.ReconnectDelayMs = 1000
	}
	if c.Stream.MaxReconnectDelayMs == 0 {
		c.Stream.MaxReconnectDelayMs = 30000
	}
	if c.Stream.SubscribeTimeoutMs == 0 {
		c.Stream.SubscribeTimeoutMs = 5000
	}
	if c.Sync.IntervalMs == 0 {
		c.Sync.IntervalMs = 60000
	}
	if c.Sync.VisibilityThrottleMs == 0 {
		c.Sync.VisibilityThrottleMs = 30000
	}
	if c.Sync.Tolerance == 0 {
		c.Sync.Tolerance = 0.01
	}
	if c.Sync.Lookback == 0 {
		c.Sync.Lookback = 5
	}
	if c.Cache.MaxCandlesCached == 0 {
		c.Cache.MaxCandlesCached = 100
	}
	if c.Cache.IdleTTLMs == 0 {
		c.Cache.IdleTTLMs = 3600000
	}
	if c.History.Provider == "" {
		c.History.Provider = "http"
	}
	if c.History.MaxRetries == 0 {
		c.History.MaxRetries = 4
	}
	if c.History.RatePerSec == 0 {
		c.History.RatePerSec = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be 1-65535, got %d", c.ServerPort)
	}
	if strings.TrimSpace(c.Stream.URL) == "" {
		return errors.New("stream.url is required (config or STREAM_URL)")
	}
	if !strings.HasPrefix(c.Stream.URL, "ws://") && !strings.HasPrefix(c.Stream.URL, "wss://") {
		return fmt.Errorf("stream.url must be ws:// or wss://, got %q", c.Stream.URL)
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must be >= 0, got %d", c.Stream.MaxReconnectAttempts)
	}
	if c.Stream.ReconnectDelayMs < 0 || c.Stream.MaxReconnectDelayMs < c.Stream.ReconnectDelayMs {
		return fmt.Errorf("stream reconnect delays invalid: base %d, max %d", c.Stream.ReconnectDelayMs, c.Stream.MaxReconnectDelayMs)
	}
	if c.Sync.Tolerance < 0 || c.Sync.Tolerance >= 1 {
		return fmt.Errorf("sync.tolerance must be in [0,1), got %v", c.Sync.Tolerance)
	}
	for _, w := range c.Watchlist {
		if w.Symbol == "" {
			return errors.New("watchlist entry with empty symbol")
		}
		if _, err := market.ParseInterval(w.Interval); err != nil {
			return fmt.Errorf("watchlist %s: %w", w.Symbol, err)
		}
	}
	switch c.History.Provider {
	case "http":
		if strings.TrimSpace(c.History.BaseURL) == "" {
			return errors.New("history.base_url is required for the http provider")
		}
	case "polygon":
		if c.PolygonAPIKey == "" {
			return errors.New("POLYGON_API_KEY is required for the polygon provider")
		}
	default:
		return fmt.Errorf("history.provider must be 'http' or 'polygon', got %q", c.History.Provider)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}

// Load reads envFile (optional) and the yaml at path, applies defaults and
// environment overrides, and validates the result.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, err
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return c, nil
}

// Parse decodes yaml and applies defaults. It does not validate.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.ApplyDefaults()
	return &c, nil
}

func (c *Config) applyEnv() {
	c.HistoryAPIKey = strings.TrimSpace(os.Getenv("HISTORY_API_KEY"))
	c.PolygonAPIKey = strings.TrimSpace(os.Getenv("POLYGON_API_KEY"))
	if u := strings.TrimSpace(os.Getenv("STREAM_URL")); u != "" {
		c.Stream.URL = u
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ReconnectDelay() time.Duration     { return ms(c.Stream.ReconnectDelayMs) }
func (c *Config) MaxReconnectDelay() time.Duration  { return ms(c.Stream.MaxReconnectDelayMs) }
func (c *Config) SubscribeTimeout() time.Duration   { return ms(c.Stream.SubscribeTimeoutMs) }
func (c *Config) SyncInterval() time.Duration       { return ms(c.Sync.IntervalMs) }
func (c *Config) VisibilityThrottle() time.Duration { return ms(c.Sync.VisibilityThrottleMs) }
func (c *Config) IdleTTL() time.Duration            { return time.Duration(c.Cache.IdleTTLMs) * time.Millisecond }
