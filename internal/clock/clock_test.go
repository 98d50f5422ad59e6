package clock_test

import (
	"sync"
	"testing"
	"time"

	"SafeLedger/internal/clock"

	"github.com/stretchr/testify/assert"
)

func TestSystemClock_NeverRunsBackwards(t *testing.T) {
	c := clock.NewSystemClock()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := int64(0)
			for i := 0; i < 1000; i++ {
				now := c.NowMicros()
				assert.GreaterOrEqual(t, now, prev)
				prev = now
			}
		}()
	}
	wg.Wait()
}

func TestManual_SetAndAdvance(t *testing.T) {
	m := clock.NewManual(1_000)
	m.Advance(2 * time.Millisecond)
	assert.Equal(t, int64(3_000), m.NowMicros())

	m.Set(500)
	assert.Equal(t, int64(3_000), m.NowMicros(), "set backwards is ignored")

	m.Set(10_000)
	assert.Equal(t, int64(10_000), m.NowMicros())
}

func TestExpired_ToleratesSkew(t *testing.T) {
	deadline := int64(1_000_000)
	skew := 30 * time.Second

	assert.False(t, clock.Expired(0, 1<<60, skew), "zero deadline never expires")
	assert.False(t, clock.Expired(deadline, deadline, skew))
	assert.False(t, clock.Expired(deadline, deadline+skew.Microseconds(), skew))
	assert.True(t, clock.Expired(deadline, deadline+skew.Microseconds()+1, skew))
	assert.True(t, clock.Expired(deadline, deadline+1, 0))
}

func TestOlder(t *testing.T) {
	assert.False(t, clock.Older(0, 1<<40, 0), "disabled")
	assert.False(t, clock.Older(100, 100+time.Second.Microseconds(), time.Second))
	assert.True(t, clock.Older(100, 101+time.Second.Microseconds(), time.Second))
}
