package oracle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/oracle"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func cfg() oracle.Config {
	return oracle.Config{
		Timeout:     50 * time.Millisecond,
		MaxAge:      time.Minute,
		Default:     decimal.NewFromInt(1),
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
	}
}

type scripted struct {
	calls atomic.Int32
	fn    func(ctx context.Context, now int64) (oracle.Value, error)
	clk   *clock.Manual
}

func (s *scripted) LatestValue(ctx context.Context) (oracle.Value, error) {
	s.calls.Add(1)
	return s.fn(ctx, s.clk.NowMicros())
}

func TestGuard_FreshThenFallbackThenStale(t *testing.T) {
	clk := clock.NewManual(1_000_000_000)
	var fail atomic.Bool
	src := &scripted{clk: clk, fn: func(ctx context.Context, now int64) (oracle.Value, error) {
		if fail.Load() {
			return oracle.Value{}, errors.New("feed down")
		}
		return oracle.Value{Price: decimal.RequireFromString("2.5"), Timestamp: now}, nil
	}}
	g := oracle.NewGuard(src, clk, cfg(), nil)

	r := g.Latest(context.Background())
	assert.Equal(t, oracle.StatusFresh, r.Status)
	assert.True(t, r.Value.Equal(decimal.RequireFromString("2.5")))
	assert.NoError(t, r.Err())

	fail.Store(true)
	clk.Advance(30 * time.Second)
	r = g.Latest(context.Background())
	assert.Equal(t, oracle.StatusFallback, r.Status)
	assert.True(t, r.Value.Equal(decimal.RequireFromString("2.5")))
	assert.NoError(t, r.Err())

	clk.Advance(time.Minute)
	r = g.Latest(context.Background())
	assert.Equal(t, oracle.StatusStale, r.Status)
	assert.True(t, r.Value.Equal(decimal.NewFromInt(1)))
	assert.ErrorIs(t, r.Err(), ledger.ErrStaleOracleData)
}

func TestGuard_RecoversPanicAndTimeout(t *testing.T) {
	clk := clock.NewManual(0)

	panicky := oracle.SourceFunc(func(ctx context.Context) (oracle.Value, error) { panic("revert") })
	r := oracle.NewGuard(panicky, clk, cfg(), nil).Latest(context.Background())
	assert.Equal(t, oracle.StatusStale, r.Status)
	assert.ErrorIs(t, r.Cause, oracle.ErrSourcePanic)

	slow := oracle.SourceFunc(func(ctx context.Context) (oracle.Value, error) {
		<-ctx.Done()
		return oracle.Value{}, ctx.Err()
	})
	r = oracle.NewGuard(slow, clk, cfg(), nil).Latest(context.Background())
	assert.Equal(t, oracle.StatusStale, r.Status)
}

func TestGuard_RejectsOldAndNegativeValues(t *testing.T) {
	clk := clock.NewManual(10 * time.Minute.Microseconds())

	old := oracle.SourceFunc(func(ctx context.Context) (oracle.Value, error) {
		return oracle.Value{Price: decimal.NewFromInt(3), Timestamp: 0}, nil
	})
	r := oracle.NewGuard(old, clk, cfg(), nil).Latest(context.Background())
	assert.Equal(t, oracle.StatusStale, r.Status)
	assert.ErrorIs(t, r.Cause, oracle.ErrValueTooOld)

	negative := oracle.SourceFunc(func(ctx context.Context) (oracle.Value, error) {
		return oracle.Value{Price: decimal.NewFromInt(-1), Timestamp: clk.NowMicros()}, nil
	})
	r = oracle.NewGuard(negative, clk, cfg(), nil).Latest(context.Background())
	assert.ErrorIs(t, r.Cause, oracle.ErrNegativeValue)
}

func TestGuard_BreakerSuppressesCallsDuringCooldown(t *testing.T) {
	clk := clock.NewManual(0)
	src := &scripted{clk: clk, fn: func(ctx context.Context, now int64) (oracle.Value, error) {
		return oracle.Value{}, errors.New("feed down")
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	g := oracle.NewGuard(src, clk, cfg(), metrics)

	for i := 0; i < 3; i++ {
		g.Latest(context.Background())
	}
	assert.True(t, g.BreakerOpen())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OracleBreakerOpen))

	g.Latest(context.Background())
	assert.Equal(t, int32(3), src.calls.Load(), "open breaker must not call the source")

	clk.Advance(11 * time.Second)
	assert.False(t, g.BreakerOpen())
	g.Latest(context.Background())
	assert.Equal(t, int32(4), src.calls.Load())
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.OracleReadings.WithLabelValues("stale")))
}
