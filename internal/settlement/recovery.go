package settlement

import (
	"errors"
	"fmt"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInterrupted is the cause recorded for operations that were Reserved
// when the process stopped: the sink outcome is unknown, so the operation
// is treated as failed.
var ErrInterrupted = errors.New("interaction interrupted before its outcome was recorded")

// Snapshot captures the engine state at one sequence.
type Snapshot struct {
	Ledger     ledger.Snapshot `json:"ledger"`
	Operations []Operation     `json:"operations"`
	StateHash  common.Hash     `json:"state_hash"`
}

// Snapshot returns a consistent copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	ops := make([]Operation, 0, len(e.ops))
	for _, op := range e.ops {
		ops = append(ops, op.clone())
	}
	return Snapshot{
		Ledger:     e.ledger.Snapshot(),
		Operations: ops,
		StateHash:  e.hasher.Tip(),
	}
}

// Restore replaces the engine state with snap. On warm restart: restore
// the latest snapshot, Replay the journal after it, then Recover.
func (e *Engine) Restore(snap Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ledger.Restore(snap.Ledger); err != nil {
		return err
	}
	e.hasher.Reset(snap.StateHash)

	e.ops = make(map[uuid.UUID]*Operation, len(snap.Operations))
	e.reserved = make(map[uuid.UUID]struct{})
	for i := range snap.Operations {
		op := snap.Operations[i].clone()
		e.track(&op)
	}
	if e.metrics != nil {
		e.metrics.LedgerSequence.Set(float64(snap.Ledger.Sequence))
	}
	return nil
}

// Replay re-applies a journaled output and checks that it reproduces the
// recorded state hash. Nothing is emitted.
func (e *Engine) Replay(out Output) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if out.Batch == nil {
		return fmt.Errorf("replay: output without batch")
	}
	if tip := e.hasher.Tip(); out.PrevHash != (common.Hash{}) && tip != out.PrevHash {
		return fmt.Errorf("replay seq %d: chain break: tip %s, recorded prev %s", out.Batch.Sequence, tip.Hex(), out.PrevHash.Hex())
	}
	if err := e.ledger.ApplyBatch(out.Batch); err != nil {
		return fmt.Errorf("replay seq %d: %w", out.Batch.Sequence, err)
	}
	hash := e.hasher.ComputeHash(out.Batch.Sequence, e.digest(out.Batch))
	if hash != out.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: computed %s, recorded %s",
			out.Batch.Sequence, hash.Hex(), out.StateHash.Hex())
	}
	if out.Operation != nil {
		op := out.Operation.clone()
		e.track(&op)
	}
	return nil
}

// Recover rolls back every operation left Reserved. Settlements are
// re-credited; payouts are closed with the record resolvePayout returns.
// Returns the number of operations recovered.
func (e *Engine) Recover(resolvePayout func(op Operation, cause error) PayoutResolution) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cause := fmt.Errorf("%w: %w", ledger.ErrTransferFailed, ErrInterrupted)
	pending := e.pendingLocked()
	for _, snap := range pending {
		op := e.ops[snap.ID]
		switch op.Kind {
		case KindPayout:
			e.closePayout(op, transfer.Receipt{}, cause, resolvePayout(op.clone(), cause))
		default:
			now := e.clock.NowMicros()
			batch := e.rollbackBatch(op, now)
			op.Reason = cause.Error()
			op.transition(StatusRolledBack, now)
			if err := e.apply(batch, op); err != nil {
				panic(fmt.Sprintf("FATAL: cannot recover operation %s: %v", op.ID, err))
			}
		}

		e.log.Warn().Str("op", op.ID.String()).Str("kind", op.Kind.String()).
			Str("account", op.Account.Hex()).Str("amount", op.Amount.String()).
			Msg("rolled back interrupted operation")
		if e.metrics != nil {
			e.metrics.RecoveryRollbacks.Inc()
		}
	}
	return len(pending)
}
