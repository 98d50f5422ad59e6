package queue_test

import (
	"context"
	"errors"
	"testing"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/testutil"
	"SafeLedger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	good = common.HexToAddress("0x000000000000000000000000000000000000600d")
	bad  = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

type harness struct {
	engine  *settlement.Engine
	queue   *queue.Queue
	sink    *testutil.RecordingSink
	persist chan settlement.Output
	clock   *clock.Manual
}

func newHarness(t *testing.T, cfg queue.Config) *harness {
	t.Helper()
	clk := clock.NewManual(1_000_000)
	sink := testutil.NewRecordingSink()
	persist := make(chan settlement.Output, 256)
	e := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0), sink, clk,
		settlement.WithOutputs(persist, nil))
	return &harness{
		engine:  e,
		queue:   queue.New(e, clk, cfg, nil),
		sink:    sink,
		persist: persist,
		clock:   clk,
	}
}

func (h *harness) fund(t *testing.T, s *testutil.Signer, amount uint64) {
	t.Helper()
	_, err := h.engine.Deposit(settlement.DepositRequest{Account: s.Address, Amount: ledger.NewAmount(amount)})
	require.NoError(t, err)
}

func (h *harness) enqueue(t *testing.T, s *testutil.Signer, dest ledger.AccountID, amount uint64) queue.Entry {
	t.Helper()
	entry, err := h.queue.Enqueue(queue.EnqueueRequest{
		Account:       s.Address,
		Amount:        ledger.NewAmount(amount),
		Authorization: s.Authorize(t, auth.ActionEnqueue, dest, amount, h.engine.NonceOf(s.Address)),
	})
	require.NoError(t, err)
	return entry
}

func (h *harness) drain() []settlement.Output {
	var out []settlement.Output
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================
// Enqueue
// ============================================================

func TestEnqueue_ZeroAmountRejected(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)

	_, err := h.queue.Enqueue(queue.EnqueueRequest{
		Account:       alice.Address,
		Amount:        ledger.NewAmount(0),
		Authorization: alice.Authorize(t, auth.ActionEnqueue, good, 0, 0),
	})
	assert.ErrorIs(t, err, ledger.ErrZeroAmountRejected)
	assert.Equal(t, 0, h.queue.Length())
	assert.Equal(t, uint64(0), h.engine.NonceOf(alice.Address))
}

func TestEnqueue_EscrowsAmount(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)

	entry := h.enqueue(t, alice, good, 30)
	assert.Equal(t, uint64(1), entry.Seq)
	assert.Equal(t, queue.StatusPending, entry.Status)
	assert.Equal(t, good, entry.Destination)
	assert.Equal(t, "70", h.engine.BalanceOf(alice.Address).String())
	assert.Equal(t, 1, h.queue.Length())
	assert.Equal(t, uint64(1), h.queue.CurrentIndex())

	// more than the remaining balance
	_, err := h.queue.Enqueue(queue.EnqueueRequest{
		Account:       alice.Address,
		Amount:        ledger.NewAmount(71),
		Authorization: alice.Authorize(t, auth.ActionEnqueue, good, 71, 1),
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, 1, h.queue.Length())
}

// ============================================================
// Processing
// ============================================================

func TestProcessNext_PaysInOrder(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.enqueue(t, alice, good, 10)
	h.enqueue(t, alice, good, 20)

	e1, err := h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, queue.StatusSettled, e1.Status)
	assert.Equal(t, 1, e1.Attempts)

	e2, err := h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e2.Seq)

	_, err = h.queue.ProcessNext(context.Background())
	assert.ErrorIs(t, err, ledger.ErrQueueEmpty)
	assert.Equal(t, uint64(3), h.queue.CurrentIndex())

	calls := h.sink.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "10", calls[0].Amount.String())
	assert.Equal(t, "20", calls[1].Amount.String())
	assert.Equal(t, "70", h.engine.BalanceOf(alice.Address).String())
}

func TestProcessNext_UnpayableEntryIsSkippedNotBlocking(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 2})
	alice := testutil.NewSigner(t, "alice")
	bob := testutil.NewSigner(t, "bob")
	carol := testutil.NewSigner(t, "carol")
	for _, s := range []*testutil.Signer{alice, bob, carol} {
		h.fund(t, s, 100)
	}
	h.sink.FailFor(bad, errors.New("recipient rejects funds"))

	h.enqueue(t, alice, good, 10)
	h.enqueue(t, bob, bad, 20)
	h.enqueue(t, carol, good, 30)

	_, err := h.queue.ProcessNext(context.Background())
	require.NoError(t, err)

	// first failure: retried later, head does not move
	e, err := h.queue.ProcessNext(context.Background())
	assert.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, uint64(2), h.queue.CurrentIndex())
	assert.Equal(t, "80", h.engine.BalanceOf(bob.Address).String())

	// second failure: skipped with an audit reason, escrow back with bob
	e, err = h.queue.ProcessNext(context.Background())
	assert.ErrorIs(t, err, ledger.ErrTransferFailed)
	assert.Equal(t, queue.StatusSkipped, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Contains(t, e.Reason, "recipient rejects funds")
	assert.Equal(t, uint64(3), h.queue.CurrentIndex())
	assert.Equal(t, "100", h.engine.BalanceOf(bob.Address).String())

	e, err = h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Seq)
	assert.Equal(t, queue.StatusSettled, e.Status)
}

func TestProcessEntry_OnlyHead(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.enqueue(t, alice, good, 10)
	h.enqueue(t, alice, good, 10)

	_, err := h.queue.ProcessEntry(context.Background(), 2)
	assert.ErrorIs(t, err, ledger.ErrInvalidSequence)

	e, err := h.queue.ProcessEntry(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSettled, e.Status)

	_, err = h.queue.ProcessEntry(context.Background(), 1)
	assert.ErrorIs(t, err, ledger.ErrInvalidSequence)
}

func TestProcessNext_CancelledCallerSpendsNoAttempt(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 1})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.enqueue(t, alice, good, 10)
	seq := h.engine.Sequence()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := h.queue.ProcessNext(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ledger.ErrTransferFailed)
	}

	e, err := h.queue.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Equal(t, 0, e.Attempts)
	assert.Equal(t, uint64(1), h.queue.CurrentIndex())
	assert.Equal(t, seq, h.engine.Sequence())
	assert.Empty(t, h.sink.Calls())

	e, err = h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSettled, e.Status)
	assert.Len(t, h.sink.Calls(), 1)
}

func TestProcessNext_CallerCancelDuringPayoutStillSettles(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 1})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.enqueue(t, alice, good, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sink.OnTransfer(func(context.Context, transfer.Instruction) { cancel() })

	e, err := h.queue.ProcessNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSettled, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "90", h.engine.BalanceOf(alice.Address).String())
}

// ============================================================
// Cancellation
// ============================================================

func TestCancel_OwnerOnlyWhilePending(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	bob := testutil.NewSigner(t, "bob")
	h.fund(t, alice, 100)
	h.fund(t, bob, 100)
	h.enqueue(t, alice, good, 40)
	h.enqueue(t, bob, good, 10)

	_, err := h.queue.Cancel(queue.CancelRequest{
		Account:       bob.Address,
		Seq:           1,
		Authorization: bob.AuthorizeEntry(t, auth.ActionCancel, good, 40, 1, 1),
	})
	assert.ErrorIs(t, err, ledger.ErrNotEntryOwner)

	cancel := queue.CancelRequest{
		Account:       alice.Address,
		Seq:           1,
		Authorization: alice.AuthorizeEntry(t, auth.ActionCancel, good, 40, 1, 1),
	}
	e, err := h.queue.Cancel(cancel)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCancelled, e.Status)
	assert.Equal(t, "100", h.engine.BalanceOf(alice.Address).String())
	assert.Equal(t, uint64(2), h.queue.CurrentIndex())

	_, err = h.queue.Cancel(cancel)
	assert.ErrorIs(t, err, ledger.ErrEntryTerminal)

	// the next entry is processed; the cancelled one is never paid
	e, err = h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
	require.Len(t, h.sink.Calls(), 1)
}

// ============================================================
// Reentrancy
// ============================================================

func TestProcessNext_ReentryFromSink(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	bob := testutil.NewSigner(t, "bob")
	h.fund(t, alice, 100)
	h.fund(t, bob, 100)
	h.enqueue(t, alice, good, 10)

	bobEnqueue := bob.Authorize(t, auth.ActionEnqueue, good, 5, 0)
	aliceCancel := alice.AuthorizeEntry(t, auth.ActionCancel, good, 10, 1, 1)

	var (
		nestedProcess, nestedCancel, nestedEnqueue error
		lengthSeen                                 int
		indexSeen                                  uint64
	)
	h.sink.OnTransfer(func(ctx context.Context, in transfer.Instruction) {
		if !in.Amount.Eq(ledger.NewAmount(10)) {
			return
		}
		_, nestedProcess = h.queue.ProcessNext(ctx)
		_, nestedCancel = h.queue.Cancel(queue.CancelRequest{Account: alice.Address, Seq: 1, Authorization: aliceCancel})
		_, nestedEnqueue = h.queue.Enqueue(queue.EnqueueRequest{
			Account: bob.Address, Amount: ledger.NewAmount(5), Authorization: bobEnqueue,
		})
		lengthSeen = h.queue.Length()
		indexSeen = h.queue.CurrentIndex()
	})

	e, err := h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSettled, e.Status)

	assert.ErrorIs(t, nestedProcess, ledger.ErrReentrantCall)
	assert.ErrorIs(t, nestedCancel, ledger.ErrReentrantCall)
	assert.NoError(t, nestedEnqueue)
	assert.Equal(t, 2, lengthSeen)
	assert.Equal(t, uint64(1), indexSeen)

	assert.Equal(t, uint64(2), h.queue.CurrentIndex())
	assert.Equal(t, "90", h.engine.BalanceOf(alice.Address).String())
	assert.Equal(t, "95", h.engine.BalanceOf(bob.Address).String())
}

// ============================================================
// Replay and recovery
// ============================================================

func TestQueue_ReplayRebuildsEntries(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 1})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.sink.FailFor(bad, errors.New("no"))
	h.enqueue(t, alice, good, 10)
	h.enqueue(t, alice, bad, 20)
	h.enqueue(t, alice, good, 30)
	_, err := h.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	_, err = h.queue.ProcessNext(context.Background())
	require.Error(t, err)

	replica := newHarness(t, queue.Config{MaxAttempts: 1})
	for _, out := range h.drain() {
		require.NoError(t, replica.engine.Replay(out))
		require.NoError(t, replica.queue.Replay(out))
	}

	want := h.queue.Entries(1, 0)
	got := replica.queue.Entries(1, 0)
	require.Len(t, got, 3)
	for i := range want {
		assert.Equal(t, want[i].Status, got[i].Status, "entry %d", want[i].Seq)
		assert.Equal(t, want[i].Attempts, got[i].Attempts, "entry %d", want[i].Seq)
	}
	assert.Equal(t, uint64(3), replica.queue.CurrentIndex())
	assert.Equal(t, h.engine.BalanceOf(alice.Address), replica.engine.BalanceOf(alice.Address))
}

func TestQueue_RecoverCountsInterruptedPayoutAsFailure(t *testing.T) {
	h := newHarness(t, queue.Config{MaxAttempts: 1})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.enqueue(t, alice, good, 25)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.sink.OnTransfer(func(ctx context.Context, in transfer.Instruction) {
		close(entered)
		<-release
	})
	done := make(chan error, 1)
	go func() {
		_, err := h.queue.ProcessNext(context.Background())
		done <- err
	}()
	<-entered

	_, _, err := h.queue.Checkpoint()
	assert.ErrorIs(t, err, queue.ErrBusy)

	journal := h.drain()
	restarted := newHarness(t, queue.Config{MaxAttempts: 1})
	for _, out := range journal {
		require.NoError(t, restarted.engine.Replay(out))
		require.NoError(t, restarted.queue.Replay(out))
	}
	assert.Equal(t, "75", restarted.engine.BalanceOf(alice.Address).String())

	assert.Equal(t, 1, restarted.queue.Recover())
	e, err := restarted.queue.Entry(1)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSkipped, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "100", restarted.engine.BalanceOf(alice.Address).String())
	assert.Equal(t, uint64(2), restarted.queue.CurrentIndex())

	close(release)
	require.NoError(t, <-done)
}

func TestQueue_CheckpointRestore(t *testing.T) {
	h := newHarness(t, queue.Config{})
	alice := testutil.NewSigner(t, "alice")
	h.fund(t, alice, 100)
	h.enqueue(t, alice, good, 10)
	h.enqueue(t, alice, good, 10)
	_, err := h.queue.ProcessNext(context.Background())
	require.NoError(t, err)

	qs, es, err := h.queue.Checkpoint()
	require.NoError(t, err)

	restored := newHarness(t, queue.Config{})
	require.NoError(t, restored.engine.Restore(es))
	require.NoError(t, restored.queue.Restore(qs))
	assert.Equal(t, 2, restored.queue.Length())
	assert.Equal(t, uint64(2), restored.queue.CurrentIndex())

	e, err := restored.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
}
