package query_test

import (
	"context"
	"testing"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/persistence"
	"SafeLedger/internal/projection"
	"SafeLedger/internal/query"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var shop = common.HexToAddress("0x0000000000000000000000000000000000005409")

type fixture struct {
	engine *settlement.Engine
	alice  *testutil.Signer
	outs   []settlement.Output
	ops    []settlement.Operation
}

// settleN deposits 1000 for alice and settles n times, one second apart.
func settleN(t *testing.T, n int) fixture {
	t.Helper()
	clk := clock.NewManual(1_000_000)
	persist := make(chan settlement.Output, 256)
	e := settlement.NewEngine(settlement.Config{}, auth.NewVerifier(testutil.Domain, clk, 0),
		testutil.NewRecordingSink(), clk, settlement.WithOutputs(persist, nil))
	alice := testutil.NewSigner(t, "alice")

	_, err := e.Deposit(settlement.DepositRequest{Account: alice.Address, Amount: ledger.NewAmount(1000)})
	require.NoError(t, err)

	var ops []settlement.Operation
	for i := 0; i < n; i++ {
		clk.Advance(time.Second)
		op, err := e.Settle(context.Background(), settlement.SettleRequest{
			Account: alice.Address, Amount: ledger.NewAmount(10),
			Authorization: alice.Authorize(t, auth.ActionSettle, shop, 10, uint64(i)),
		})
		require.NoError(t, err)
		ops = append(ops, op)
	}

	var outs []settlement.Output
	for len(persist) > 0 {
		outs = append(outs, <-persist)
	}
	return fixture{engine: e, alice: alice, outs: outs, ops: ops}
}

func project(t *testing.T, store projection.Store, outs []settlement.Output) {
	t.Helper()
	for _, o := range outs {
		require.NoError(t, store.Apply(context.Background(), projection.UpdateFor(o)))
	}
}

// ============================================================
// MemoryService
// ============================================================

func TestMemoryService_Operation(t *testing.T) {
	f := settleN(t, 1)
	store := projection.NewMemoryStore()
	project(t, store, f.outs)
	svc := query.NewMemoryService(store)

	resp, err := svc.Operation(context.Background(), f.ops[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "committed", resp.Status)
	assert.Equal(t, f.engine.Sequence(), resp.AsOfSequence)

	_, err = svc.Operation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ledger.ErrUnknownOperation)
}

func TestMemoryService_HistoryPaginates(t *testing.T) {
	f := settleN(t, 5)
	store := projection.NewMemoryStore()
	project(t, store, f.outs)
	svc := query.NewMemoryService(store)
	ctx := context.Background()

	first, err := svc.History(ctx, f.alice.Address, 2, nil)
	require.NoError(t, err)
	require.Len(t, first.Operations, 2)
	assert.Equal(t, f.ops[4].ID, first.Operations[0].ID)
	assert.Equal(t, f.ops[3].ID, first.Operations[1].ID)
	require.NotNil(t, first.NextBefore)

	second, err := svc.History(ctx, f.alice.Address, 2, first.NextBefore)
	require.NoError(t, err)
	require.Len(t, second.Operations, 2)
	assert.Equal(t, f.ops[2].ID, second.Operations[0].ID)

	third, err := svc.History(ctx, f.alice.Address, 2, second.NextBefore)
	require.NoError(t, err)
	require.Len(t, third.Operations, 1)
	assert.Nil(t, third.NextBefore, "last page")
}

func TestMemoryService_UnknownAccountIsEmptyPage(t *testing.T) {
	svc := query.NewMemoryService(projection.NewMemoryStore())
	resp, err := svc.History(context.Background(), shop, 0, nil)
	require.NoError(t, err)
	assert.NotNil(t, resp.Operations)
	assert.Empty(t, resp.Operations)
	assert.Equal(t, shop.Hex(), resp.Account)
}

// ============================================================
// Live views
// ============================================================

func TestAccountAndSharePriceViews(t *testing.T) {
	f := settleN(t, 2)

	view, known := query.Account(f.engine, f.alice.Address)
	assert.True(t, known)
	assert.Equal(t, "980", view.Balance.String())
	assert.Equal(t, uint64(2), view.Nonce)
	assert.False(t, view.InFlight)
	assert.Equal(t, f.engine.Sequence(), view.AsOfSequence)

	_, known = query.Account(f.engine, shop)
	assert.False(t, known)

	price := query.SharePrice(f.engine)
	assert.Equal(t, "1", price.Decimal)
	assert.Equal(t, "980", price.TotalBalance.String())
}

// ============================================================
// Postgres (integration)
// ============================================================

func TestQueryService_Postgres(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()
	_, err := persistence.NewMigrator(db, nil).Up(ctx)
	require.NoError(t, err)

	f := settleN(t, 3)
	require.NoError(t, persistence.NewPostgresStore(db).Append(ctx, f.outs))
	project(t, projection.NewPostgresStore(db), f.outs)
	svc := query.NewQueryService(db)

	op, err := svc.Operation(ctx, f.ops[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "committed", op.Status)
	assert.Equal(t, f.alice.Address, op.Account)
	assert.Equal(t, "10", op.Amount.String())

	hist, err := svc.History(ctx, f.alice.Address, 10, nil)
	require.NoError(t, err)
	require.Len(t, hist.Operations, 3)
	assert.Equal(t, f.ops[2].ID, hist.Operations[0].ID)

	entries, err := svc.Journal(ctx, f.alice.Address, 100, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	report, err := svc.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, f.engine.Sequence(), report.LatestSequence)
}
