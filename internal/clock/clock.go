// Package clock supplies the logical time the ledger stamps batches with
// and the skew-tolerant deadline checks built on it.
//
// Logical time is advisory. It orders and timestamps work and bounds the
// lifetime of an authorization, but it is never the only thing standing
// between a caller and an irreversible effect: signatures and nonces are
// always checked as well.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock returns the current logical time in epoch microseconds.
type Clock interface {
	NowMicros() int64
}

// SystemClock reads wall time, clamped so it never runs backwards.
type SystemClock struct {
	last atomic.Int64
}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) NowMicros() int64 {
	now := time.Now().UnixMicro()
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Manual is a Clock driven by tests and replay.
type Manual struct {
	mu  sync.Mutex
	now int64
}

func NewManual(startMicros int64) *Manual {
	return &Manual{now: startMicros}
}

func (m *Manual) NowMicros() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is ignored.
func (m *Manual) Set(t int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t > m.now {
		m.now = t
	}
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d.Microseconds()
}

// Expired reports whether deadline has passed at now, allowing skew of
// adversarial clock drift in the caller's favour. A zero deadline never
// expires.
func Expired(deadline, now int64, skew time.Duration) bool {
	if deadline == 0 {
		return false
	}
	return now > deadline+skew.Microseconds()
}

// Older reports whether a value stamped at ts is older than maxAge at now.
// A non-positive maxAge disables the check.
func Older(ts, now int64, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now-ts > maxAge.Microseconds()
}
