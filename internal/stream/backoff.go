// File: internal/stream/backoff.go
package stream

import (
	"math"
	"math/rand"
	"time"
)

// maxJitter bounds the random stretch applied to each backoff delay.
const maxJitter = 0.3

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base * 2^(n-1) * (1+jitter), max).
func Backoff(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1)) * (1 + jitter)
	if d >= float64(max) || math.IsInf(d, 0) {
		return max
	}
	return time.Duration(d)
}

func defaultJitter() float64 { return rand.Float64() * maxJitter }

// Scheduler runs f once after d. It exists so tests can drive reconnect
// timers by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the cancellable handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
