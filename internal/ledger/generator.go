package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BatchGenerator builds well-formed batches for the next ledger sequence.
// It is not thread-safe: callers serialize generation and application.
type BatchGenerator struct {
	ledger *Ledger // for sequence and pre-checks
}

func NewBatchGenerator(l *Ledger) *BatchGenerator {
	return &BatchGenerator{ledger: l}
}

func (g *BatchGenerator) newBatch(kind BatchKind, ref string, timestamp int64) *Batch {
	return &Batch{
		BatchID:      uuid.New(),
		OperationRef: ref,
		Kind:         kind,
		Sequence:     g.ledger.Sequence() + 1,
		Timestamp:    timestamp,
		Entries:      make([]Entry, 0, 2),
	}
}

func (b *Batch) add(account AccountID, kind EntryKind, amount, shares Amount, nonce uint64) {
	b.Entries = append(b.Entries, Entry{
		EntryID: uuid.New(),
		BatchID: b.BatchID,
		Account: account,
		Kind:    kind,
		Amount:  amount,
		Shares:  shares,
		Nonce:   nonce,
	})
}

// Deposit credits amount and mints shares.
func (g *BatchGenerator) Deposit(ref string, account AccountID, amount, shares Amount, timestamp int64) *Batch {
	b := g.newBatch(BatchDeposit, ref, timestamp)
	b.add(account, EntryCredit, amount, shares, 0)
	return b
}

// Reserve consumes the authorization nonce (when non-nil) and debits
// amount and shares in the same batch, so no observer sees one without
// the other.
func (g *BatchGenerator) Reserve(ref string, account AccountID, amount, shares Amount, nonce *uint64, timestamp int64) (*Batch, error) {
	// PRE-CHECK: sufficient balance
	if bal := g.ledger.BalanceOf(account); bal.Lt(amount) {
		return nil, fmt.Errorf("reserve pre-check failed: %w: have=%s, need=%s", ErrInsufficientBalance, bal, amount)
	}

	b := g.newBatch(BatchReserve, ref, timestamp)
	if nonce != nil {
		b.add(account, EntryNonceAdvance, Amount{}, Amount{}, *nonce)
	}
	b.add(account, EntryDebit, amount, shares, 0)
	return b, nil
}

// Commit records that the reserved operation ref was confirmed.
func (g *BatchGenerator) Commit(ref string, timestamp int64) *Batch {
	return g.newBatch(BatchCommit, ref, timestamp)
}

// Rollback re-credits the reserved amount and shares. When releaseNonce is
// non-nil the consumed nonce is released in the same batch.
func (g *BatchGenerator) Rollback(ref string, account AccountID, amount, shares Amount, releaseNonce *uint64, timestamp int64) *Batch {
	b := g.newBatch(BatchRollback, ref, timestamp)
	b.add(account, EntryCredit, amount, shares, 0)
	if releaseNonce != nil {
		b.add(account, EntryNonceRevert, Amount{}, Amount{}, *releaseNonce)
	}
	return b
}

// Escrow moves amount out of the account into a queue entry.
func (g *BatchGenerator) Escrow(ref string, account AccountID, amount, shares Amount, nonce *uint64, timestamp int64, rec *QueueRecord) (*Batch, error) {
	// PRE-CHECK: sufficient balance
	if bal := g.ledger.BalanceOf(account); bal.Lt(amount) {
		return nil, fmt.Errorf("escrow pre-check failed: %w: have=%s, need=%s", ErrInsufficientBalance, bal, amount)
	}

	b := g.newBatch(BatchEscrow, ref, timestamp)
	if nonce != nil {
		b.add(account, EntryNonceAdvance, Amount{}, Amount{}, *nonce)
	}
	b.add(account, EntryDebit, amount, shares, 0)
	b.Queue = rec
	return b, nil
}

// Refund returns an escrowed amount to its owner. A cancellation carries
// the owner's nonce, consumed in the same batch.
func (g *BatchGenerator) Refund(ref string, account AccountID, amount, shares Amount, nonce *uint64, timestamp int64, rec *QueueRecord) *Batch {
	b := g.newBatch(BatchRefund, ref, timestamp)
	if nonce != nil {
		b.add(account, EntryNonceAdvance, Amount{}, Amount{}, *nonce)
	}
	b.add(account, EntryCredit, amount, shares, 0)
	b.Queue = rec
	return b
}

// Annotate records a state transition that moves no value.
func (g *BatchGenerator) Annotate(ref string, timestamp int64, rec *QueueRecord) *Batch {
	b := g.newBatch(BatchAnnotate, ref, timestamp)
	b.Queue = rec
	return b
}
