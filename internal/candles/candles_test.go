package candles

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"candlesync/internal/market"
)

// base is aligned to a minute boundary (epoch seconds).
const base int64 = 1_700_000_040

func tick(sec int64, last float64) market.Tick {
	return market.Tick{Symbol: "AAPL", Prices: market.Prices{Last: last}, RawTimestamp: sec}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestSingleBucketScenario(t *testing.T) {
	a := New(Options{})
	var seen []market.Candle
	a.OnCandle("AAPL", func(c market.Candle) { seen = append(seen, c) })

	for _, tk := range []market.Tick{tick(base, 100), tick(base+30, 102), tick(base+59, 99)} {
		if _, ok := a.UpdateFromTick("AAPL", tk, 60000); !ok {
			t.Fatalf("tick %+v rejected", tk)
		}
	}
	c, ok := a.Candle("AAPL")
	if !ok {
		t.Fatal("no live candle")
	}
	if c.Open != 100 || c.High != 102 || c.Low != 99 || c.Close != 99 {
		t.Errorf("unexpected candle %+v", c)
	}
	if want := market.ToDisplayTime(base); c.Time != want {
		t.Errorf("time = %d, want %d", c.Time, want)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(seen))
	}
	for _, s := range seen {
		if s.Time != c.Time {
			t.Errorf("callback saw a different bucket: %d", s.Time)
		}
	}
}

func TestCandleInvariantHolds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, iv := range []int64{market.Minute, 5 * market.Minute, market.Hour, market.Day} {
		t.Run(market.IntervalString(iv), func(t *testing.T) {
			a := New(Options{})
			ts := base * 1000
			price := 100.0
			for i := 0; i < 2000; i++ {
				ts += rng.Int63n(20_000)
				price *= 1 + (rng.Float64()-0.5)*0.02
				tk := market.Tick{
					Prices:       market.Prices{Last: price},
					RawTimestamp: ts,
					Volume:       rng.Float64() * 10,
				}
				c, ok := a.UpdateFromTick("X", tk, iv)
				if !ok {
					t.Fatalf("tick %d rejected", i)
				}
				if !c.Valid() {
					t.Fatalf("tick %d: invariant broken %+v", i, c)
				}
				if (c.Time-market.DisplayOffset)%(iv/1000) != 0 && iv <= market.Hour {
					t.Fatalf("tick %d: time %d not aligned to %d", i, c.Time, iv)
				}
			}
		})
	}
}

func TestNewBucketFinalizesPrevious(t *testing.T) {
	a := New(Options{})
	first, _ := a.UpdateFromTick("AAPL", tick(base, 100), 60000)
	second, _ := a.UpdateFromTick("AAPL", tick(base+60, 101), 60000)
	if second.Time != first.Time+60 {
		t.Errorf("expected next bucket, got %d after %d", second.Time, first.Time)
	}
	if second.Open != 101 || second.High != 101 || second.Low != 101 {
		t.Errorf("new candle should open flat at the tick price: %+v", second)
	}
	if first.Close != 100 {
		t.Errorf("finalized copy changed: %+v", first)
	}
}

func TestStaleTickDropped(t *testing.T) {
	a := New(Options{})
	a.UpdateFromTick("AAPL", tick(base+120, 100), 60000)
	if _, ok := a.UpdateFromTick("AAPL", tick(base, 50), 60000); ok {
		t.Error("tick for an older bucket should be dropped")
	}
	c, _ := a.Candle("AAPL")
	if c.Low != 100 {
		t.Errorf("stale tick corrupted the live candle: %+v", c)
	}
}

func TestTickWithoutPriceRejected(t *testing.T) {
	a := New(Options{})
	if _, ok := a.UpdateFromTick("AAPL", market.Tick{RawTimestamp: base}, 60000); ok {
		t.Error("expected rejection")
	}
	if _, ok := a.Candle("AAPL"); ok {
		t.Error("no candle should exist")
	}
}

func TestCallbackGetsCopy(t *testing.T) {
	a := New(Options{})
	a.OnCandle("AAPL", func(c market.Candle) { c.High = 1e9 })
	a.UpdateFromTick("AAPL", tick(base, 100), 60000)
	if c, _ := a.Candle("AAPL"); c.High != 100 {
		t.Errorf("callback mutated aggregator state: %+v", c)
	}
}

func TestSetCandleNotifiesLikeTick(t *testing.T) {
	a := New(Options{})
	a.UpdateFromTick("AAPL", tick(base, 100), 60000)

	var got []market.Candle
	tok := a.OnCandle("aapl", func(c market.Candle) { got = append(got, c) })
	fix := market.Candle{Time: market.ToDisplayTime(base), Open: 100, High: 111, Low: 99, Close: 110}
	a.SetCandle("AAPL", fix)
	if len(got) != 1 || got[0] != fix {
		t.Fatalf("expected one callback with the correction, got %+v", got)
	}
	// The corrected candle keeps absorbing ticks.
	c, _ := a.UpdateFromTick("AAPL", tick(base+10, 112), 60000)
	if c.High != 112 || c.Open != 100 {
		t.Errorf("tick after correction: %+v", c)
	}
	tok.Unsubscribe()
	a.UpdateFromTick("AAPL", tick(base+20, 113), 60000)
	if len(got) != 2 {
		t.Errorf("unsubscribed handler still called: %d", len(got))
	}
}

func TestSetCandleFromCallbackDoesNotDeadlock(t *testing.T) {
	a := New(Options{})
	a.OnCandle("AAPL", func(c market.Candle) {
		if c.Close < 100 {
			c.Close, c.Low = 100, 100
			c.Widen()
			a.SetCandle("AAPL", c)
		}
	})
	done := make(chan struct{})
	go func() {
		a.UpdateFromTick("AAPL", tick(base, 90), 60000)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deadlock")
	}
	if c, _ := a.Candle("AAPL"); c.Close != 100 {
		t.Errorf("expected corrected close, got %+v", c)
	}
}

func TestWidenedIntervalFoldsWholeBucket(t *testing.T) {
	a := New(Options{})
	a.UpdateFromTick("AAPL", tick(base+180, 100), 60000)
	// Still inside the 1m candle; the 5m bucket starts earlier.
	c, ok := a.UpdateFromTick("AAPL", tick(base+190, 101), 300000)
	if !ok || c.Time != market.ToDisplayTime(base+180) {
		t.Fatalf("expected the live candle to continue, got %+v %v", c, ok)
	}
	// Later ticks of the same 5m bucket keep folding into it.
	for i, sec := range []int64{base + 200, base + 250} {
		c, ok = a.UpdateFromTick("AAPL", tick(sec, 103+float64(i)), 300000)
		if !ok || c.Time != market.ToDisplayTime(base+180) || c.Close != 103+float64(i) {
			t.Fatalf("tick at +%d in the widened bucket: %+v %v", sec-base, c, ok)
		}
	}
	if c.Open != 100 || c.High != 104 || c.Low != 100 {
		t.Errorf("widened candle OHLC %+v", c)
	}
	next := market.BucketTime((base+600)*1000, 300000)
	c, _ = a.UpdateFromTick("AAPL", tick(base+600, 102), 300000)
	if c.Time != next || c.Open != 102 {
		t.Errorf("expected a fresh 5m candle at %d, got %+v", next, c)
	}
}

func TestEvictsIdleSymbolsOverCeiling(t *testing.T) {
	clk := &fakeClock{t: time.Unix(base, 0)}
	a := New(Options{MaxCandlesCached: 3, IdleTTL: time.Hour, Now: clk.now})

	for i := 0; i < 3; i++ {
		a.UpdateFromTick(fmt.Sprintf("OLD%d", i), market.Tick{Prices: market.Prices{Last: 10}}, 60000)
	}
	calls := 0
	a.OnCandle("OLD0", func(market.Candle) { calls++ })

	clk.t = clk.t.Add(2 * time.Hour)
	a.UpdateFromTick("FRESH", market.Tick{Prices: market.Prices{Last: 10}}, 60000)

	if a.Len() != 1 {
		t.Fatalf("expected only FRESH to survive, have %d symbols", a.Len())
	}
	if _, ok := a.Candle("OLD0"); ok {
		t.Error("OLD0 should be evicted")
	}
	a.UpdateFromTick("OLD0", market.Tick{Prices: market.Prices{Last: 11}}, 60000)
	if calls != 0 {
		t.Error("evicted symbol kept its callbacks")
	}
}

func TestNoEvictionUnderCeiling(t *testing.T) {
	clk := &fakeClock{t: time.Unix(base, 0)}
	a := New(Options{MaxCandlesCached: 10, Now: clk.now})
	a.UpdateFromTick("A", market.Tick{Prices: market.Prices{Last: 1}}, 60000)
	clk.t = clk.t.Add(5 * time.Hour)
	a.UpdateFromTick("B", market.Tick{Prices: market.Prices{Last: 1}}, 60000)
	if a.Len() != 2 {
		t.Errorf("expected 2 symbols, got %d", a.Len())
	}
}

func TestHandlerOnlySymbolEvictedWhenIdle(t *testing.T) {
	clk := &fakeClock{t: time.Unix(base, 0)}
	a := New(Options{MaxCandlesCached: 2, IdleTTL: time.Hour, Now: clk.now})
	calls := 0
	a.OnCandle("QUIET", func(market.Candle) { calls++ })
	a.UpdateFromTick("A", market.Tick{Prices: market.Prices{Last: 1}}, 60000)

	clk.t = clk.t.Add(2 * time.Hour)
	a.UpdateFromTick("A", market.Tick{Prices: market.Prices{Last: 2}}, 60000)
	a.UpdateFromTick("B", market.Tick{Prices: market.Prices{Last: 1}}, 60000)

	if a.Len() != 2 {
		t.Fatalf("expected QUIET to be evicted, have %d symbols", a.Len())
	}
	a.UpdateFromTick("QUIET", market.Tick{Prices: market.Prices{Last: 5}}, 60000)
	if calls != 0 {
		t.Error("evicted handler-only symbol kept its callback")
	}
}

func TestFreshHandlerSurvivesCleanup(t *testing.T) {
	clk := &fakeClock{t: time.Unix(base, 0)}
	a := New(Options{MaxCandlesCached: 1, IdleTTL: time.Hour, Now: clk.now})
	a.UpdateFromTick("OLD", market.Tick{Prices: market.Prices{Last: 1}}, 60000)
	clk.t = clk.t.Add(2 * time.Hour)

	calls := 0
	a.OnCandle("NEW", func(market.Candle) { calls++ })
	if _, ok := a.Candle("OLD"); ok {
		t.Error("OLD should be evicted once the ceiling is crossed")
	}
	a.UpdateFromTick("NEW", market.Tick{Prices: market.Prices{Last: 2}}, 60000)
	if calls != 1 {
		t.Errorf("handler registered during cleanup got %d calls", calls)
	}
}

func TestWeeklyLiveCandleFollowsCalendarWeek(t *testing.T) {
	sunday := time.Date(2024, 10, 13, 0, 0, 0, 0, time.UTC).Unix()
	a := New(Options{Now: func() time.Time { return time.Date(2024, 10, 16, 15, 0, 0, 0, time.UTC) }})
	// Historical weekly candle, labelled on Sunday like AggregateToWeekly.
	a.SetCandle("AAPL", market.Candle{Time: sunday, Open: 100, High: 105, Low: 99, Close: 104})

	wed := time.Date(2024, 10, 16, 15, 0, 0, 0, time.UTC).Unix()
	c, ok := a.UpdateFromTick("AAPL", tick(wed, 106), market.Week)
	if !ok || c.Time != sunday || c.Open != 100 || c.High != 106 || c.Close != 106 {
		t.Fatalf("midweek tick should extend the Sunday candle, got %+v %v", c, ok)
	}
	nextSun := time.Date(2024, 10, 20, 14, 0, 0, 0, time.UTC).Unix()
	c, _ = a.UpdateFromTick("AAPL", tick(nextSun, 107), market.Week)
	if want := time.Date(2024, 10, 20, 0, 0, 0, 0, time.UTC).Unix(); c.Time != want || c.Open != 107 {
		t.Errorf("next week candle %+v, want time %d", c, want)
	}

	m := New(Options{})
	m.SetCandle("AAPL", market.Candle{Time: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC).Unix(), Open: 1, High: 1, Low: 1, Close: 1})
	if _, ok := m.UpdateFromTick("AAPL", tick(wed, 2), market.Month); !ok {
		t.Error("midmonth tick should extend the calendar month candle")
	}
}
