package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"candlesync/internal/observer"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	sendOK    bool
	sent      []frame
	changes   observer.Registry[func(bool)]
	waited    time.Duration
}

func newFakeConn(connected bool) *fakeConn {
	return &fakeConn{connected: connected, sendOK: true}
}

func (c *fakeConn) Send(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || !c.sendOK {
		return false
	}
	// Round-trip through JSON so the test sees the wire frame.
	b, _ := json.Marshal(v)
	var f frame
	_ = json.Unmarshal(b, &f)
	c.sent = append(c.sent, f)
	return true
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) WaitConnected(ctx context.Context) bool {
	start := time.Now()
	<-ctx.Done()
	c.mu.Lock()
	c.waited = time.Since(start)
	c.mu.Unlock()
	return c.IsConnected()
}

func (c *fakeConn) OnConnectionChange(h func(bool)) observer.Token { return c.changes.Add(h) }

func (c *fakeConn) frames() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.sent...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func TestSubscribeRecordsNormalizedSymbols(t *testing.T) {
	c := newFakeConn(true)
	m := New(c, time.Second, nil)

	if !m.Subscribe(context.Background(), []string{" aapl", "msft ", "AAPL", ""}, 60000) {
		t.Fatal("subscribe failed")
	}
	f := c.frames()
	if len(f) != 1 || f[0].Action != "subscribe" || len(f[0].Symbols) != 2 ||
		f[0].Symbols[0] != "AAPL" || f[0].Symbols[1] != "MSFT" {
		t.Fatalf("unexpected frames %+v", f)
	}
	if iv, ok := m.Interval("aapl"); !ok || iv != 60000 {
		t.Errorf("Interval(aapl) = %d, %v", iv, ok)
	}
}

func TestSubscribeLastCallWins(t *testing.T) {
	c := newFakeConn(true)
	m := New(c, time.Second, nil)
	m.Subscribe(context.Background(), []string{"AAPL", "MSFT"}, 60000)
	m.Subscribe(context.Background(), []string{"AAPL"}, 300000)

	subs := m.Subscriptions()
	if subs["AAPL"] != 300000 || subs["MSFT"] != 60000 {
		t.Errorf("unexpected map %v", subs)
	}
}

func TestSubscribeNotConnectedLogsAndFails(t *testing.T) {
	core, logs := zapobserver.New(zapcore.WarnLevel)
	c := newFakeConn(false)
	m := New(c, 20*time.Millisecond, zap.New(core))

	if m.Subscribe(context.Background(), []string{"AAPL"}, 60000) {
		t.Fatal("expected failure when not connected")
	}
	if m.IsSubscribed("AAPL") {
		t.Error("failed subscribe must not record the symbol")
	}
	if n := logs.FilterMessage("subscribe: not connected").Len(); n != 1 {
		t.Errorf("expected 1 warn log, got %d", n)
	}
	c.mu.Lock()
	waited := c.waited
	c.mu.Unlock()
	if waited < 20*time.Millisecond {
		t.Errorf("expected bounded wait, waited %v", waited)
	}
}

func TestUnsubscribeAlwaysRemoves(t *testing.T) {
	c := newFakeConn(true)
	m := New(c, time.Second, nil)
	m.Subscribe(context.Background(), []string{"AAPL", "MSFT"}, 60000)

	c.mu.Lock()
	c.sendOK = false
	c.mu.Unlock()
	if m.Unsubscribe([]string{"aapl"}) {
		t.Error("expected false when the frame could not be sent")
	}
	if m.IsSubscribed("AAPL") {
		t.Error("AAPL should be removed regardless of send result")
	}
	if !m.IsSubscribed("MSFT") {
		t.Error("MSFT should remain")
	}
}

func TestResubscribeEmptyIsNoop(t *testing.T) {
	c := newFakeConn(true)
	m := New(c, time.Second, nil)
	if !m.Resubscribe() {
		t.Error("empty resubscribe should report true")
	}
	if n := len(c.frames()); n != 0 {
		t.Errorf("empty resubscribe sent %d frames", n)
	}
}

func TestResubscribeOnReconnectGroupsByInterval(t *testing.T) {
	c := newFakeConn(true)
	m := New(c, time.Second, nil)
	defer m.Close()
	m.Subscribe(context.Background(), []string{"MSFT", "AAPL"}, 60000)
	m.Subscribe(context.Background(), []string{"TSLA"}, 300000)
	c.reset()

	observer.Notify(&c.changes, false)
	if n := len(c.frames()); n != 0 {
		t.Fatalf("disconnect edge should not resubscribe, sent %d", n)
	}
	observer.Notify(&c.changes, true)

	f := c.frames()
	if len(f) != 2 {
		t.Fatalf("expected one frame per interval, got %+v", f)
	}
	if got := f[0].Symbols; len(got) != 2 || got[0] != "AAPL" || got[1] != "MSFT" {
		t.Errorf("1m group = %v", got)
	}
	if got := f[1].Symbols; len(got) != 1 || got[0] != "TSLA" {
		t.Errorf("5m group = %v", got)
	}
}

func TestCloseStopsAutoResubscribe(t *testing.T) {
	c := newFakeConn(true)
	m := New(c, time.Second, nil)
	m.Subscribe(context.Background(), []string{"AAPL"}, 60000)
	m.Close()
	c.reset()
	observer.Notify(&c.changes, true)
	if n := len(c.frames()); n != 0 {
		t.Errorf("closed manager resubscribed: %d frames", n)
	}
}
