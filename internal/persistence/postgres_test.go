package persistence_test

import (
	"context"
	"testing"

	"SafeLedger/internal/persistence"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests: require the docker-compose.test.yml Postgres.

func TestPostgresStore_JournalRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, nil).Up(ctx)
	require.NoError(t, err)
	store := persistence.NewPostgresStore(db)
	_, outs := produceOutputs(t)

	require.NoError(t, store.Append(ctx, outs))
	require.NoError(t, store.Append(ctx, outs), "re-appending is a no-op")

	latest, err := store.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(outs)), latest)

	loaded, err := store.LoadFrom(ctx, 2, 100)
	require.NoError(t, err)
	require.Len(t, loaded, len(outs)-1)
	assert.Equal(t, outs[1].StateHash, loaded[0].StateHash)

	var entries int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ledger.journal`).Scan(&entries))
	assert.Positive(t, entries)

	checker := persistence.NewPostgresDepositChecker(db)
	dup, err := checker.IsDuplicate(ctx, "dep-1")
	require.NoError(t, err)
	assert.True(t, dup)

	ids, err := checker.RecentDepositIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"dep-1"}, ids)
}

func TestPostgresStore_Snapshots(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, nil).Up(ctx)
	require.NoError(t, err)
	store := persistence.NewPostgresStore(db)

	snap, err := store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "cold start")

	live, _ := produceOutputs(t)
	require.NoError(t, store.SaveSnapshot(ctx, persistence.NewSnapshotData(live.Snapshot(), queue.Snapshot{}, nil)))

	snap, err = store.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, live.Sequence(), snap.Sequence)
	assert.Equal(t, live.Snapshot().StateHash, snap.StateHash)
}
