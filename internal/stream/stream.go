// File: internal/stream/stream.go
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"candlesync/internal/observer"
)

// State is the socket lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Snapshot is a read-only view of the connection state.
type Snapshot struct {
	State             State  `json:"-"`
	StateName         string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Online            bool   `json:"online"`
}

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("stream: connection closed")

	errDisconnected = errors.New("stream: disconnected while connecting")
)

// Options configures a Connection. Zero values take the defaults.
type Options struct {
	URL                  string
	MaxReconnectAttempts int           // default 10
	ReconnectDelay       time.Duration // default 1s
	MaxReconnectDelay    time.Duration // default 30s
	HandshakeTimeout     time.Duration // default 10s
	PingInterval         time.Duration // default 45s

	Dialer    Dialer
	Scheduler Scheduler
	Jitter    func() float64 // returns a value in [0, 0.3)
	Logger    *zap.Logger
}

func (o *Options) setDefaults() {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 45 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = WebsocketDialer{}
	}
	if o.Scheduler == nil {
		o.Scheduler = realScheduler{}
	}
	if o.Jitter == nil {
		o.Jitter = defaultJitter
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Connection owns one streaming socket and keeps it alive: every drop moves
// to Disconnected, notifies observers and schedules a backoff reconnect,
// unless the network is offline or the attempt cap is reached.
type Connection struct {
	opts  Options
	log   *zap.Logger
	group singleflight.Group

	mu       sync.Mutex
	state    State
	attempts int
	online   bool
	manual   bool // Disconnect was called; suppresses reconnects
	closed   bool
	gen      uint64
	sock     Socket
	sockDone chan struct{}
	timer    Timer
	changed  chan struct{}

	writeMu sync.Mutex

	messages observer.Registry[func([]byte)]
	changes  observer.Registry[func(bool)]
}

// New returns a disconnected Connection.
func New(opts Options) *Connection {
	opts.setDefaults()
	return &Connection{
		opts:    opts,
		log:     opts.Logger.With(zap.String("component", "stream")),
		online:  true,
		changed: make(chan struct{}),
	}
}

// OnMessage registers a handler for every inbound frame.
func (c *Connection) OnMessage(h func([]byte)) observer.Token { return c.messages.Add(h) }

// OnConnectionChange registers a handler for connected/disconnected edges.
func (c *Connection) OnConnectionChange(h func(bool)) observer.Token { return c.changes.Add(h) }

// Connect opens the socket. It returns nil immediately when already
// connected; concurrent callers share the in-flight attempt. A caller whose
// ctx ends stops waiting but the attempt itself carries on.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan("connect", func() (any, error) { return nil, c.dial() })
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) dial() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	gen := c.gen
	c.setStateLocked(Connecting)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	sock, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return errDisconnected
	}
	if err != nil {
		c.setStateLocked(Disconnected)
		attempts := c.attempts
		c.mu.Unlock()
		c.log.Warn("stream connect failed", zap.String("url", c.opts.URL), zap.Int("attempts", attempts), zap.Error(err))
		c.notifyChange(false)
		c.scheduleReconnect()
		return fmt.Errorf("stream: connect %s: %w", c.opts.URL, err)
	}
	done := make(chan struct{})
	c.sock = sock
	c.sockDone = done
	c.attempts = 0
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.setStateLocked(Connected)
	c.mu.Unlock()

	go c.readPump(sock, gen)
	go c.pingLoop(sock, gen, done)

	c.log.Info("stream connected", zap.String("url", c.opts.URL))
	c.notifyChange(true)
	return nil
}

// Disconnect closes the socket, cancels any pending reconnect and leaves the
// connection in a clean Disconnected state. Connect may be called again.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	sock, done := c.sock, c.sockDone
	c.sock, c.sockDone = nil, nil
	wasConnected := c.state == Connected
	c.attempts = 0
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if sock != nil {
		_ = sock.Close()
	}
	if wasConnected {
		c.log.Info("stream disconnected by caller")
		c.notifyChange(false)
	}
}

// Close disconnects for good and drops every observer.
func (c *Connection) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.messages.Clear()
	c.changes.Clear()
}

// Send writes v (raw bytes, a string, or any JSON-marshalable value). It
// reports false when the socket is not open or the write fails.
func (c *Connection) Send(v any) bool {
	var data []byte
	switch m := v.(type) {
	case []byte:
		data = m
	case string:
		data = []byte(m)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			c.log.Error("stream send: marshal failed", zap.Error(err))
			return false
		}
		data = b
	}

	c.mu.Lock()
	sock := c.sock
	ok := c.state == Connected && sock != nil
	c.mu.Unlock()
	if !ok {
		return false
	}

	c.writeMu.Lock()
	err := sock.WriteMessage(data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("stream send failed", zap.Error(err))
		return false
	}
	return true
}

// IsConnected reports whether the socket is open.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// State returns a snapshot of the connection state.
func (c *Connection) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:             c.state,
		StateName:         c.state.String(),
		ReconnectAttempts: c.attempts,
		Online:            c.online,
	}
}

// WaitConnected blocks while a connect is in flight and reports whether the
// connection ended up open. It returns false at once when disconnected.
func (c *Connection) WaitConnected(ctx context.Context) bool {
	for {
		c.mu.Lock()
		st, ch := c.state, c.changed
		c.mu.Unlock()
		switch st {
		case Connected:
			return true
		case Disconnected:
			return false
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return false
		}
	}
}

// SetOnline records the network state. Repeating the current state is a
// no-op. Going offline cancels pending reconnects; coming back online resets
// the attempt counter and reconnects immediately.
func (c *Connection) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	if online == was {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if !online {
		c.mu.Unlock()
		c.log.Info("network offline, reconnects paused")
		return
	}
	c.attempts = 0
	reconnect := !c.closed && !c.manual && c.state == Disconnected
	c.mu.Unlock()

	c.log.Info("network online", zap.Bool("reconnect", reconnect))
	if reconnect {
		_ = c.Connect(context.Background())
	}
}

func (c *Connection) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Connection) notifyChange(connected bool) {
	observer.Notify(&c.changes, connected)
}

func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.manual || !c.online || c.timer != nil {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		c.log.Warn("stream reconnect giving up", zap.Int("attempts", c.attempts))
		return
	}
	c.attempts++
	delay := Backoff(c.attempts, c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, c.opts.Jitter())
	gen := c.gen
	c.timer = c.opts.Scheduler.AfterFunc(delay, func() { c.reconnect(gen) })
	c.log.Info("stream reconnect scheduled", zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
}

func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.closed || c.manual || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	_ = c.Connect(context.Background())
}

func (c *Connection) readPump(sock Socket, gen uint64) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.drop(sock, gen, err)
			return
		}
		c.mu.Lock()
		live := c.gen == gen
		c.mu.Unlock()
		if !live {
			return
		}
		observer.Notify(&c.messages, data)
	}
}

func (c *Connection) pingLoop(sock Socket, gen uint64, done <-chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := sock.Ping(); err != nil {
				c.drop(sock, gen, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *Connection) drop(sock Socket, gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.gen++
	done := c.sockDone
	c.sock, c.sockDone = nil, nil
	c.setStateLocked(Disconnected)
	c.mu.Unlock()

	close(done)
	_ = sock.Close()
	c.log.Warn("stream disconnected", zap.Error(cause))
	c.notifyChange(false)
	c.scheduleReconnect()
}
