// Package oracle puts a fallback boundary around an untrusted price or
// data source. A faulty source degrades readings; it never fails the
// caller.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Value is one observation from a source.
type Value struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // epoch microseconds
}

// Source is the untrusted oracle. LatestValue may fail, block or panic.
type Source interface {
	LatestValue(ctx context.Context) (Value, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Value, error)

func (f SourceFunc) LatestValue(ctx context.Context) (Value, error) { return f(ctx) }

type Status int32

const (
	StatusFresh    Status = iota // straight from the source
	StatusFallback               // source faulted, last good value still within MaxAge
	StatusStale                  // nothing usable, configured default returned
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "fresh"
	case StatusFallback:
		return "fallback"
	case StatusStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Reading is what callers get back. It always carries a usable value.
type Reading struct {
	Value     decimal.Decimal `json:"value"`
	Timestamp int64           `json:"timestamp"`
	Status    Status          `json:"status"`
	Cause     error           `json:"-"`
}

// Err is ledger.ErrStaleOracleData for a stale reading and nil otherwise.
func (r Reading) Err() error {
	if r.Status != StatusStale {
		return nil
	}
	if r.Cause != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStaleOracleData, r.Cause)
	}
	return ledger.ErrStaleOracleData
}

var (
	ErrBreakerOpen   = errors.New("oracle breaker open")
	ErrSourcePanic   = errors.New("oracle source panicked")
	ErrValueTooOld   = errors.New("oracle value older than max age")
	ErrNegativeValue = errors.New("oracle value is negative")
)

type Config struct {
	Timeout     time.Duration   // per-call latency bound, 0 = none
	MaxAge      time.Duration   // oldest acceptable value, 0 = unbounded
	Default     decimal.Decimal // returned when nothing else is usable
	MaxFailures int             // consecutive faults before the breaker opens, 0 = never
	Cooldown    time.Duration   // how long the breaker stays open
}

// Guard wraps a Source. Safe for concurrent use.
type Guard struct {
	src     Source
	clock   clock.Clock
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	lastGood  *Value
	failures  int
	openUntil int64
}

func NewGuard(src Source, clk clock.Clock, cfg Config, metrics *observability.Metrics) *Guard {
	return &Guard{
		src:     src,
		clock:   clk,
		cfg:     cfg,
		log:     observability.NewLogger("oracle"),
		metrics: metrics,
	}
}

// Latest returns the current reading. It never panics and never returns
// an error; degraded readings say so in Status.
func (g *Guard) Latest(ctx context.Context) Reading {
	now := g.clock.NowMicros()

	g.mu.Lock()
	open := g.openUntil > now
	g.mu.Unlock()

	var (
		v   Value
		err error
	)
	if open {
		err = ErrBreakerOpen
	} else {
		v, err = g.call(ctx)
		if err == nil && v.Price.IsNegative() {
			err = ErrNegativeValue
		}
		if err == nil && clock.Older(v.Timestamp, now, g.cfg.MaxAge) {
			err = fmt.Errorf("%w: stamped %d at %d", ErrValueTooOld, v.Timestamp, now)
		}
	}

	r := g.settle(now, v, err, open)
	g.record(r)
	return r
}

func (g *Guard) settle(now int64, v Value, err error, open bool) Reading {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.failures = 0
		g.openUntil = 0
		good := v
		g.lastGood = &good
		return Reading{Value: v.Price, Timestamp: v.Timestamp, Status: StatusFresh}
	}

	if !open {
		g.failures++
		if g.cfg.MaxFailures > 0 && g.failures >= g.cfg.MaxFailures {
			g.openUntil = now + g.cfg.Cooldown.Microseconds()
			g.failures = 0
			g.log.Warn().Err(err).Dur("cooldown", g.cfg.Cooldown).Msg("oracle breaker opened")
		}
	}

	if g.lastGood != nil && !clock.Older(g.lastGood.Timestamp, now, g.cfg.MaxAge) {
		return Reading{Value: g.lastGood.Price, Timestamp: g.lastGood.Timestamp, Status: StatusFallback, Cause: err}
	}

	g.log.Warn().Err(err).Str("default", g.cfg.Default.String()).Msg("oracle stale, using default")
	return Reading{Value: g.cfg.Default, Timestamp: now, Status: StatusStale, Cause: err}
}

func (g *Guard) call(ctx context.Context) (v Value, err error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	type result struct {
		v   Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %v", ErrSourcePanic, r)}
			}
		}()
		v, err := g.src.LatestValue(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		return Value{}, fmt.Errorf("oracle call: %w", ctx.Err())
	}
}

func (g *Guard) record(r Reading) {
	if g.metrics == nil {
		return
	}
	g.metrics.OracleReadings.WithLabelValues(r.Status.String()).Inc()
	if g.BreakerOpen() {
		g.metrics.OracleBreakerOpen.Set(1)
	} else {
		g.metrics.OracleBreakerOpen.Set(0)
	}
}

// BreakerOpen reports whether source calls are currently suppressed.
func (g *Guard) BreakerOpen() bool {
	now := g.clock.NowMicros()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openUntil > now
}
