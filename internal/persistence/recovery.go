package persistence

import (
	"context"
	"fmt"
	"time"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"
)

const replayPageSize = 1000

// RecoveryResult describes a warm or cold start.
type RecoveryResult struct {
	Snapshot   *SnapshotData // nil on cold start
	Replayed   int
	Sequence   uint64
	DepositIDs []string // snapshot keys followed by replayed deposits, oldest first
}

// Restore rebuilds engine and queue from the latest snapshot plus the
// journal after it. Any chain break or hash mismatch is returned; the
// caller must not serve traffic on a partial restore. Interrupted
// operations are left for queue.Recover.
func Restore(ctx context.Context, store Store, engine *settlement.Engine, q *queue.Queue, metrics *observability.Metrics) (*RecoveryResult, error) {
	log := observability.NewLogger("recovery")
	start := time.Now()
	res := &RecoveryResult{}

	snap, err := store.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := engine.Restore(snap.Engine); err != nil {
			return nil, fmt.Errorf("restore engine at %d: %w", snap.Sequence, err)
		}
		if err := q.Restore(snap.Queue); err != nil {
			return nil, fmt.Errorf("restore queue at %d: %w", snap.Sequence, err)
		}
		res.Snapshot = snap
		res.Sequence = snap.Sequence
		res.DepositIDs = append(res.DepositIDs, snap.DepositKeys...)
		log.Info().Uint64("sequence", snap.Sequence).Str("state_hash", snap.StateHash.Hex()).Msg("restored snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start")
	}

	from := res.Sequence + 1
	for {
		outs, err := store.LoadFrom(ctx, from, replayPageSize)
		if err != nil {
			return nil, fmt.Errorf("load journal from %d: %w", from, err)
		}
		for _, out := range outs {
			if err := engine.Replay(out); err != nil {
				return nil, err
			}
			if err := q.Replay(out); err != nil {
				return nil, fmt.Errorf("replay seq %d: %w", out.Batch.Sequence, err)
			}
			if out.Batch.Kind == ledger.BatchDeposit && out.Batch.OperationRef != "" {
				res.DepositIDs = append(res.DepositIDs, out.Batch.OperationRef)
			}
			res.Sequence = out.Batch.Sequence
			res.Replayed++
			if metrics != nil {
				metrics.ReplayBatches.Inc()
			}
		}
		if len(outs) < replayPageSize {
			break
		}
		from = res.Sequence + 1
	}

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	log.Info().
		Int("replayed", res.Replayed).
		Uint64("sequence", res.Sequence).
		Dur("took", time.Since(start)).
		Msg("journal replay complete")
	return res, nil
}
