package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryKind is the effect one entry has on an account
type EntryKind int32

const (
	EntryCredit EntryKind = iota
	EntryDebit
	EntryNonceAdvance
	EntryNonceRevert
)

func (k EntryKind) String() string {
	switch k {
	case EntryCredit:
		return "credit"
	case EntryDebit:
		return "debit"
	case EntryNonceAdvance:
		return "nonce_advance"
	case EntryNonceRevert:
		return "nonce_revert"
	default:
		return fmt.Sprintf("entry_kind(%d)", int32(k))
	}
}

// BatchKind records why a batch was produced
type BatchKind int32

const (
	BatchDeposit BatchKind = iota
	BatchReserve
	BatchCommit
	BatchRollback
	BatchEscrow
	BatchRefund
	BatchAnnotate
)

func (k BatchKind) String() string {
	switch k {
	case BatchDeposit:
		return "deposit"
	case BatchReserve:
		return "reserve"
	case BatchCommit:
		return "commit"
	case BatchRollback:
		return "rollback"
	case BatchEscrow:
		return "escrow"
	case BatchRefund:
		return "refund"
	case BatchAnnotate:
		return "annotate"
	default:
		return fmt.Sprintf("batch_kind(%d)", int32(k))
	}
}

// carriesEntries reports whether a batch of this kind must move value or
// nonces. Commit and annotate batches only mark state transitions.
func (k BatchKind) carriesEntries() bool {
	return k != BatchCommit && k != BatchAnnotate
}

// Entry is a single ledger mutation
type Entry struct {
	EntryID uuid.UUID `json:"entry_id"`
	BatchID uuid.UUID `json:"batch_id"`
	Account AccountID `json:"account"`
	Kind    EntryKind `json:"kind"`
	Amount  Amount    `json:"amount"` // balance delta, direction given by Kind
	Shares  Amount    `json:"shares"` // share delta, same direction as Amount
	Nonce   uint64    `json:"nonce"`  // nonce entries: the nonce being consumed or released
}

// QueueRecord carries a request-queue transition inside the batch that
// produced it, so the queue can be rebuilt from the journal alone.
type QueueRecord struct {
	Seq         uint64    `json:"seq"`
	Account     AccountID `json:"account"`
	Destination AccountID `json:"destination"`
	Amount      Amount    `json:"amount"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason,omitempty"`
}

// Batch is the unit of atomic application: every entry applies or none do.
type Batch struct {
	BatchID      uuid.UUID    `json:"batch_id"`
	OperationRef string       `json:"operation_ref"` // pending operation id or deposit id
	Kind         BatchKind    `json:"kind"`
	Sequence     uint64       `json:"sequence"`
	Timestamp    int64        `json:"timestamp"` // logical clock, epoch microseconds
	Entries      []Entry      `json:"entries"`
	Queue        *QueueRecord `json:"queue,omitempty"`
}

// Validate ensures the batch is well-formed. It does not look at account
// state; Ledger.ApplyBatch does that against a staged copy.
func (b *Batch) Validate() error {
	if b.Sequence == 0 {
		return fmt.Errorf("batch %s has no sequence", b.BatchID)
	}
	if len(b.Entries) == 0 {
		if b.Kind.carriesEntries() {
			return fmt.Errorf("batch %s (%s) is empty", b.BatchID, b.Kind)
		}
		return nil
	}

	for _, e := range b.Entries {
		if e.BatchID != b.BatchID {
			return fmt.Errorf("entry %s has mismatched batch_id", e.EntryID)
		}

		switch e.Kind {
		case EntryCredit, EntryDebit:
			if e.Amount.IsZero() && e.Shares.IsZero() {
				return fmt.Errorf("entry %s moves nothing: %w", e.EntryID, ErrZeroAmountRejected)
			}
		case EntryNonceAdvance, EntryNonceRevert:
			if !e.Amount.IsZero() || !e.Shares.IsZero() {
				return fmt.Errorf("nonce entry %s carries value", e.EntryID)
			}
		default:
			return fmt.Errorf("entry %s has unknown kind %d", e.EntryID, e.Kind)
		}
	}

	return nil
}

// Touches reports whether any entry in the batch affects account.
func (b *Batch) Touches(account AccountID) bool {
	for _, e := range b.Entries {
		if e.Account == account {
			return true
		}
	}
	return false
}
