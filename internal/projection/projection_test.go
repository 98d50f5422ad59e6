package projection_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/persistence"
	"SafeLedger/internal/projection"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	shop = common.HexToAddress("0x0000000000000000000000000000000000005409")
	void = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

type scenario struct {
	alice *testutil.Signer
	outs  []settlement.Output
	ops   []settlement.Operation
}

// run produces: deposit, committed settle, rolled back settle, enqueue,
// settled payout.
func run(t *testing.T) scenario {
	t.Helper()
	clk := clock.NewManual(1_000_000)
	sink := testutil.NewRecordingSink()
	persist := make(chan settlement.Output, 64)
	e := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0), sink, clk,
		settlement.WithOutputs(persist, nil))
	q := queue.New(e, clk, queue.Config{}, nil)
	alice := testutil.NewSigner(t, "alice")
	sink.FailFor(void, errors.New("bounced"))

	_, err := e.Deposit(settlement.DepositRequest{Account: alice.Address, Amount: ledger.NewAmount(100)})
	require.NoError(t, err)

	var ops []settlement.Operation
	clk.Advance(time.Second)
	op, err := e.Settle(context.Background(), settlement.SettleRequest{
		Account: alice.Address, Amount: ledger.NewAmount(20),
		Authorization: alice.Authorize(t, auth.ActionSettle, shop, 20, 0),
	})
	require.NoError(t, err)
	ops = append(ops, op)

	clk.Advance(time.Second)
	op, err = e.Settle(context.Background(), settlement.SettleRequest{
		Account: alice.Address, Amount: ledger.NewAmount(5),
		Authorization: alice.Authorize(t, auth.ActionSettle, void, 5, 1),
	})
	require.Error(t, err)
	ops = append(ops, op)

	clk.Advance(time.Second)
	_, err = q.Enqueue(queue.EnqueueRequest{
		Account: alice.Address, Amount: ledger.NewAmount(30),
		Authorization: alice.Authorize(t, auth.ActionEnqueue, shop, 30, 2),
	})
	require.NoError(t, err)
	_, err = q.ProcessNext(context.Background())
	require.NoError(t, err)

	var outs []settlement.Output
	for len(persist) > 0 {
		outs = append(outs, <-persist)
	}
	return scenario{alice: alice, outs: outs, ops: ops}
}

func feed(t *testing.T, w *projection.ProjectionWorker, in chan settlement.Output, outs []settlement.Output) {
	t.Helper()
	for _, o := range outs {
		in <- o
	}
	close(in)
	require.NoError(t, w.Run(context.Background()))
}

// ============================================================
// Worker
// ============================================================

func TestProjectionWorker_ProjectsOperationsAndQueue(t *testing.T) {
	sc := run(t)
	store := projection.NewMemoryStore()
	in := make(chan settlement.Output, len(sc.outs))
	w := projection.NewProjectionWorker(store, nil, in, nil)
	feed(t, w, in, sc.outs)

	last := sc.outs[len(sc.outs)-1].Batch.Sequence
	assert.Equal(t, last, w.LastSequence())
	wm, err := store.Watermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, last, wm)

	committed, ok := store.Operation(sc.ops[0].ID)
	require.True(t, ok)
	assert.Equal(t, "committed", committed.Status)
	assert.Equal(t, "settle", committed.Kind)
	assert.NotEmpty(t, committed.Receipt)
	assert.Equal(t, "20", committed.Amount.String())

	rolled, ok := store.Operation(sc.ops[1].ID)
	require.True(t, ok)
	assert.Equal(t, "rolled_back", rolled.Status)
	assert.NotEmpty(t, rolled.Reason)

	entry, ok := store.QueueEntry(1)
	require.True(t, ok)
	assert.Equal(t, string(queue.StatusSettled), entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, shop, entry.Destination)

	history := store.History(sc.alice.Address, 0, nil)
	require.Len(t, history, 3)
	assert.Equal(t, "payout", history[0].Kind, "newest first")
	require.NotNil(t, history[0].QueueSeq)
	assert.Equal(t, uint64(1), *history[0].QueueSeq)
	assert.Equal(t, sc.ops[1].ID, history[1].ID)
	assert.Equal(t, sc.ops[0].ID, history[2].ID)

	before := history[1].CreatedAt
	page := store.History(sc.alice.Address, 1, &before)
	require.Len(t, page, 1)
	assert.Equal(t, sc.ops[0].ID, page[0].ID)
}

func TestProjectionWorker_FillsGapFromJournal(t *testing.T) {
	sc := run(t)
	journal, err := persistence.OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer journal.Close()
	require.NoError(t, journal.Append(context.Background(), sc.outs))

	store := projection.NewMemoryStore()
	in := make(chan settlement.Output, len(sc.outs))
	w := projection.NewProjectionWorker(store, journal, in, nil)

	// Everything but the first and last output was dropped.
	feed(t, w, in, []settlement.Output{sc.outs[0], sc.outs[len(sc.outs)-1]})

	committed, ok := store.Operation(sc.ops[0].ID)
	require.True(t, ok, "settle projected from the journal")
	assert.Equal(t, "committed", committed.Status)
	_, ok = store.QueueEntry(1)
	assert.True(t, ok)
}

func TestProjectionWorker_GapWithoutJournalStillAdvances(t *testing.T) {
	sc := run(t)
	store := projection.NewMemoryStore()
	in := make(chan settlement.Output, 2)
	w := projection.NewProjectionWorker(store, nil, in, nil)

	feed(t, w, in, []settlement.Output{sc.outs[0], sc.outs[len(sc.outs)-1]})

	assert.Equal(t, sc.outs[len(sc.outs)-1].Batch.Sequence, w.LastSequence())
	_, ok := store.Operation(sc.ops[0].ID)
	assert.False(t, ok, "dropped output needs a rebuild")
}

// ============================================================
// Store semantics
// ============================================================

func TestMemoryStore_IgnoresOlderUpdates(t *testing.T) {
	sc := run(t)
	store := projection.NewMemoryStore()
	ctx := context.Background()

	var reserve, commit settlement.Output
	for _, o := range sc.outs {
		if o.Operation == nil || o.Operation.ID != sc.ops[0].ID {
			continue
		}
		if o.Operation.Status == settlement.StatusReserved {
			reserve = o
		} else {
			commit = o
		}
	}
	require.NotNil(t, reserve.Batch)
	require.NotNil(t, commit.Batch)

	require.NoError(t, store.Apply(ctx, projection.UpdateFor(commit)))
	require.NoError(t, store.Apply(ctx, projection.UpdateFor(reserve)))

	row, ok := store.Operation(sc.ops[0].ID)
	require.True(t, ok)
	assert.Equal(t, "committed", row.Status)
	assert.Len(t, store.History(sc.alice.Address, 0, nil), 1)
}

func TestRebuild_MatchesLiveProjection(t *testing.T) {
	sc := run(t)
	ctx := context.Background()
	journal, err := persistence.OpenBoltStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer journal.Close()
	require.NoError(t, journal.Append(ctx, sc.outs))

	live := projection.NewMemoryStore()
	in := make(chan settlement.Output, len(sc.outs))
	feed(t, projection.NewProjectionWorker(live, nil, in, nil), in, sc.outs)

	rebuilt := projection.NewMemoryStore()
	require.NoError(t, rebuilt.Apply(ctx, projection.Update{Sequence: 999}))
	last, err := projection.Rebuild(ctx, rebuilt, journal)
	require.NoError(t, err)
	assert.Equal(t, sc.outs[len(sc.outs)-1].Batch.Sequence, last)

	assert.Equal(t, live.History(sc.alice.Address, 0, nil), rebuilt.History(sc.alice.Address, 0, nil))
	wm, err := rebuilt.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, wm, "reset cleared the stale watermark")
}
