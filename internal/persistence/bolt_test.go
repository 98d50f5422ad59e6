package persistence_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/persistence"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var destination = common.HexToAddress("0x0000000000000000000000000000000000000d57")

// produceOutputs runs a deposit, a committed settlement and a rolled back
// settlement and returns every output the engine emitted.
func produceOutputs(t *testing.T) (*settlement.Engine, []settlement.Output) {
	t.Helper()
	clk := clock.NewManual(1_000_000)
	sink := testutil.NewRecordingSink()
	persist := make(chan settlement.Output, 64)
	e := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0), sink, clk,
		settlement.WithOutputs(persist, nil))
	alice := testutil.NewSigner(t, "alice")

	_, err := e.Deposit(settlement.DepositRequest{Account: alice.Address, Amount: ledger.NewAmount(100), Ref: "dep-1"})
	require.NoError(t, err)

	_, err = e.Settle(context.Background(), settlement.SettleRequest{
		Account: alice.Address, Amount: ledger.NewAmount(30),
		Authorization: alice.Authorize(t, auth.ActionSettle, destination, 30, 0),
	})
	require.NoError(t, err)

	sink.FailFor(destination, errors.New("bounced"))
	_, err = e.Settle(context.Background(), settlement.SettleRequest{
		Account: alice.Address, Amount: ledger.NewAmount(10),
		Authorization: alice.Authorize(t, auth.ActionSettle, destination, 10, 1),
	})
	require.Error(t, err)

	var outs []settlement.Output
	for len(persist) > 0 {
		outs = append(outs, <-persist)
	}
	return e, outs
}

func openBolt(t *testing.T) *persistence.BoltStore {
	t.Helper()
	store, err := persistence.OpenBoltStore(filepath.Join(t.TempDir(), "data", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// ============================================================
// BoltStore: journal
// ============================================================

func TestBoltStore_AppendAndLoad(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()
	live, outs := produceOutputs(t)
	require.Len(t, outs, 5)

	require.NoError(t, store.Append(ctx, outs[:2]))
	require.NoError(t, store.Append(ctx, outs[2:]))

	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), latest)

	loaded, err := store.LoadFrom(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i, out := range loaded {
		assert.Equal(t, outs[i].Batch.Sequence, out.Batch.Sequence)
		assert.Equal(t, outs[i].StateHash, out.StateHash)
		assert.Equal(t, outs[i].PrevHash, out.PrevHash)
	}

	// The stored journal alone rebuilds identical state.
	clk := clock.NewManual(1_000_000)
	rebuilt := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0),
		testutil.NewRecordingSink(), clk)
	for _, out := range loaded {
		require.NoError(t, rebuilt.Replay(out))
	}
	alice := testutil.NewSigner(t, "alice")
	assert.Equal(t, live.BalanceOf(alice.Address).String(), rebuilt.BalanceOf(alice.Address).String())
	assert.Equal(t, live.NonceOf(alice.Address), rebuilt.NonceOf(alice.Address))
	assert.Equal(t, live.Snapshot().StateHash, rebuilt.Snapshot().StateHash)
}

func TestBoltStore_AppendIsIdempotent(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()
	_, outs := produceOutputs(t)

	require.NoError(t, store.Append(ctx, outs))
	require.NoError(t, store.Append(ctx, outs[1:3]))

	loaded, err := store.LoadFrom(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, loaded, len(outs))
}

func TestBoltStore_LoadFromRespectsStartAndLimit(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()
	_, outs := produceOutputs(t)
	require.NoError(t, store.Append(ctx, outs))

	loaded, err := store.LoadFrom(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, uint64(3), loaded[0].Batch.Sequence)
	assert.Equal(t, uint64(4), loaded[1].Batch.Sequence)

	empty, err := store.LoadFrom(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBoltStore_EmptyStore(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()

	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestBoltStore_DepositDedup(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()
	_, outs := produceOutputs(t)
	require.NoError(t, store.Append(ctx, outs))

	dup, err := store.IsDuplicate(ctx, "dep-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = store.IsDuplicate(ctx, "dep-2")
	require.NoError(t, err)
	assert.False(t, dup)
}

// ============================================================
// BoltStore: snapshots
// ============================================================

func TestBoltStore_LatestSnapshotWins(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()
	live, _ := produceOutputs(t)

	first := live.Snapshot()
	first.Ledger.Sequence = 2
	require.NoError(t, store.SaveSnapshot(ctx, persistence.NewSnapshotData(first, queue.Snapshot{}, nil)))

	second := live.Snapshot()
	require.NoError(t, store.SaveSnapshot(ctx, persistence.NewSnapshotData(second, queue.Snapshot{}, []string{"dep-1"})))

	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, second.Ledger.Sequence, snap.Sequence)
	assert.Equal(t, second.StateHash, snap.StateHash)
	assert.Equal(t, []string{"dep-1"}, snap.DepositKeys)

	clk := clock.NewManual(1_000_000)
	restored := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0),
		testutil.NewRecordingSink(), clk)
	require.NoError(t, restored.Restore(snap.Engine))
	alice := testutil.NewSigner(t, "alice")
	assert.Equal(t, "70", restored.BalanceOf(alice.Address).String())
}

func TestSnapshotManager_MaybeTake(t *testing.T) {
	store := openBolt(t)
	ctx := context.Background()
	live, _ := produceOutputs(t)

	mgr := persistence.NewSnapshotManager(store, func() (*persistence.SnapshotData, error) {
		return persistence.NewSnapshotData(live.Snapshot(), queue.Snapshot{}, nil), nil
	}, 3, nil)

	taken, err := mgr.MaybeTake(ctx, 2)
	require.NoError(t, err)
	assert.False(t, taken)

	taken, err = mgr.MaybeTake(ctx, live.Sequence())
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = mgr.MaybeTake(ctx, live.Sequence()+1)
	require.NoError(t, err)
	assert.False(t, taken, "interval not reached since the last snapshot")

	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, live.Sequence(), snap.Sequence)
}

// ============================================================
// PersistenceWorker
// ============================================================

// flakyStore fails the first n appends, then delegates.
type flakyStore struct {
	persistence.JournalStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Append(ctx context.Context, outs []settlement.Output) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.JournalStore.Append(ctx, outs)
}

func TestPersistenceWorker_FlushesOnBatchSizeAndClose(t *testing.T) {
	store := openBolt(t)
	_, outs := produceOutputs(t)

	in := make(chan settlement.Output, len(outs))
	worker := persistence.NewPersistenceWorker(store, in, 2, time.Hour, nil)
	for _, o := range outs {
		in <- o
	}
	close(in)

	require.NoError(t, worker.Run(context.Background()))

	latest, err := store.LatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(outs)), latest)
}

func TestPersistenceWorker_RetriesUntilWritten(t *testing.T) {
	bolt := openBolt(t)
	store := &flakyStore{JournalStore: bolt, failures: 2}
	_, outs := produceOutputs(t)

	in := make(chan settlement.Output, len(outs))
	worker := persistence.NewPersistenceWorkerForTest(store, in, 100, time.Millisecond)
	for _, o := range outs {
		in <- o
	}
	close(in)

	require.NoError(t, worker.Run(context.Background()))

	latest, err := bolt.LatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(outs)), latest)
	assert.Equal(t, 3, store.calls)
}

func TestPersistenceWorker_FinalFlushOnCancel(t *testing.T) {
	store := openBolt(t)
	_, outs := produceOutputs(t)

	in := make(chan settlement.Output, len(outs))
	for _, o := range outs {
		in <- o
	}
	worker := persistence.NewPersistenceWorker(store, in, 100, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := worker.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	latest, err := store.LatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(outs)), latest)
}
