package ingestion_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ingestion"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

// fakeDurable records which ids were journaled, and can fail.
type fakeDurable struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
	hits int
}

func (f *fakeDurable) IsDuplicate(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if f.err != nil {
		return false, f.err
	}
	return f.seen[id], nil
}

type ingestHarness struct {
	engine   *settlement.Engine
	ingestor *ingestion.Ingestor
	durable  *fakeDurable
	metrics  *observability.Metrics
}

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()
	clk := clock.NewManual(1_000_000)
	e := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0),
		testutil.NewRecordingSink(), clk, settlement.WithOutputs(make(chan settlement.Output, 256), nil))
	durable := &fakeDurable{seen: map[string]bool{}}
	m := observability.NewMetrics(prometheus.NewRegistry())
	return &ingestHarness{
		engine:   e,
		ingestor: ingestion.NewIngestor(e, ingestion.NewDeduper(16, durable, m), m),
		durable:  durable,
		metrics:  m,
	}
}

func msg(id, amount string) []byte {
	return []byte(`{"deposit_id":"` + id + `","account":"` + alice.Hex() + `","amount":"` + amount + `"}`)
}

// ============================================================
// Ingestor
// ============================================================

func TestIngestor_AppliesOnce(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	res, err := h.ingestor.HandleMessage(ctx, msg("dep-1", "100"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.ResultApplied, res)

	res, err = h.ingestor.HandleMessage(ctx, msg("dep-1", "100"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.ResultDuplicate, res)
	assert.True(t, res.Ack())

	assert.Equal(t, "100", h.engine.BalanceOf(alice).String())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.IdempotencyDuplicates.WithLabelValues("lru")))
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.DepositsIngested.WithLabelValues("applied")))
}

func TestIngestor_DurableTierCatchesRestartDuplicates(t *testing.T) {
	h := newIngestHarness(t)
	h.durable.seen["dep-old"] = true

	res, err := h.ingestor.HandleMessage(context.Background(), msg("dep-old", "100"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.ResultDuplicate, res)
	assert.True(t, h.engine.BalanceOf(alice).IsZero())

	// Promoted into the LRU: the store is not asked again.
	hits := h.durable.hits
	_, err = h.ingestor.HandleMessage(context.Background(), msg("dep-old", "100"))
	require.NoError(t, err)
	assert.Equal(t, hits, h.durable.hits)
}

func TestIngestor_DurableOutageRetriesWithoutCredit(t *testing.T) {
	h := newIngestHarness(t)
	h.durable.err = errors.New("connection refused")
	seq := h.engine.Sequence()

	res, err := h.ingestor.HandleMessage(context.Background(), msg("dep-2", "5"))
	assert.ErrorIs(t, err, ingestion.ErrDedupUnavailable)
	assert.Equal(t, ingestion.ResultRetry, res)
	assert.False(t, res.Ack())
	assert.True(t, h.engine.BalanceOf(alice).IsZero())
	assert.Equal(t, seq, h.engine.Sequence())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.DepositsIngested.WithLabelValues("retry")))

	// the store is back: the redelivery applies exactly once
	h.durable.err = nil
	res, err = h.ingestor.HandleMessage(context.Background(), msg("dep-2", "5"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.ResultApplied, res)
	assert.Equal(t, "5", h.engine.BalanceOf(alice).String())
}

func TestIngestor_TerminalFailuresAreAcked(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()

	res, err := h.ingestor.HandleMessage(ctx, []byte(`{"deposit_id":`))
	assert.ErrorIs(t, err, ingestion.ErrMalformed)
	assert.Equal(t, ingestion.ResultRejected, res)
	assert.True(t, res.Ack())

	res, err = h.ingestor.HandleMessage(ctx, msg("dep-zero", "0"))
	assert.ErrorIs(t, err, ledger.ErrZeroAmountRejected)
	assert.Equal(t, ingestion.ResultRejected, res)
	assert.True(t, res.Ack())

	// A rejected deposit is not remembered: a corrected resend applies.
	res, err = h.ingestor.HandleMessage(ctx, msg("dep-zero", "3"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.ResultApplied, res)
}

func TestIngestor_ApplyWithoutIDIsNotDeduplicated(t *testing.T) {
	h := newIngestHarness(t)
	ctx := context.Background()
	d := ingestion.Deposit{Account: alice, Amount: ledger.NewAmount(10)}

	for i := 0; i < 2; i++ {
		credited, res, err := h.ingestor.Apply(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, ingestion.ResultApplied, res)
		assert.Equal(t, "10", credited.String())
	}
	assert.Equal(t, "20", h.engine.BalanceOf(alice).String())
}

func TestIngestor_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	h := newIngestHarness(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.ingestor.HandleMessage(context.Background(), msg("dep-race", "7"))
		}()
	}
	wg.Wait()
	assert.Equal(t, "7", h.engine.BalanceOf(alice).String())
}

// ============================================================
// LRU
// ============================================================

func TestIdempotencyLRU_EvictsLeastRecent(t *testing.T) {
	lru := ingestion.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	assert.True(t, lru.Contains("a")) // a is now most recent
	lru.Add("c")

	assert.False(t, lru.Contains("b"))
	assert.True(t, lru.Contains("a"))
	assert.True(t, lru.Contains("c"))
	assert.Equal(t, int64(1), lru.Evictions())
	assert.Equal(t, 2, lru.Size())
}

func TestDeduper_KeysRoundTripThroughWarm(t *testing.T) {
	d := ingestion.NewDeduper(3, nil, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		d.MarkProcessed(id)
	}
	keys := d.Keys()
	assert.Equal(t, []string{"b", "c", "d"}, keys)

	warm := ingestion.NewDeduper(3, nil, nil)
	warm.Warm(keys)
	assert.Equal(t, keys, warm.Keys())
	dup, err := warm.IsDuplicate(context.Background(), "d")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = warm.IsDuplicate(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, dup)
}
