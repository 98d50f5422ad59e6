// Package projection maintains read models of settlements and queue entries.
// Read models may lag the ledger and can always be rebuilt from the journal.
package projection

import (
	"context"
	"sort"
	"sync"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/settlement"

	"github.com/google/uuid"
)

// OperationRow is the projected state of one settlement or payout.
type OperationRow struct {
	ID          uuid.UUID        `json:"id"`
	Kind        string           `json:"kind"`
	Account     ledger.AccountID `json:"account"`
	Destination ledger.AccountID `json:"destination"`
	Amount      ledger.Amount    `json:"amount"`
	Status      string           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Receipt     string           `json:"receipt,omitempty"`
	QueueSeq    *uint64          `json:"queue_seq,omitempty"`
	CreatedAt   int64            `json:"created_at"`
	UpdatedAt   int64            `json:"updated_at"`
	LastSeq     uint64           `json:"last_seq"`
}

// QueueEntryRow is the projected state of one request-queue entry.
type QueueEntryRow struct {
	Seq         uint64           `json:"seq"`
	Account     ledger.AccountID `json:"account"`
	Destination ledger.AccountID `json:"destination"`
	Amount      ledger.Amount    `json:"amount"`
	Status      string           `json:"status"`
	Attempts    int              `json:"attempts"`
	Reason      string           `json:"reason,omitempty"`
	LastSeq     uint64           `json:"last_seq"`
}

// Update is everything one engine output changes in the read models.
type Update struct {
	Sequence   uint64
	Operation  *OperationRow
	QueueEntry *QueueEntryRow
}

// UpdateFor derives the read-model changes carried by out.
func UpdateFor(out settlement.Output) Update {
	u := Update{Sequence: out.Batch.Sequence}

	if op := out.Operation; op != nil {
		row := &OperationRow{
			ID:          op.ID,
			Kind:        op.Kind.String(),
			Account:     op.Account,
			Destination: op.Destination,
			Amount:      op.Amount,
			Status:      op.Status.String(),
			Reason:      op.Reason,
			Receipt:     op.Receipt,
			CreatedAt:   op.CreatedAt,
			UpdatedAt:   op.UpdatedAt,
			LastSeq:     u.Sequence,
		}
		if op.Queue != nil {
			seq := op.Queue.Seq
			row.QueueSeq = &seq
		}
		u.Operation = row
	}

	if rec := out.Batch.Queue; rec != nil {
		u.QueueEntry = &QueueEntryRow{
			Seq:         rec.Seq,
			Account:     rec.Account,
			Destination: rec.Destination,
			Amount:      rec.Amount,
			Status:      rec.Status,
			Attempts:    rec.Attempts,
			Reason:      rec.Reason,
			LastSeq:     u.Sequence,
		}
	}
	return u
}

// Store persists read models. Apply must be idempotent: a row is only
// overwritten by an update with a larger sequence.
type Store interface {
	Apply(ctx context.Context, u Update) error
	Watermark(ctx context.Context) (uint64, error)
	Reset(ctx context.Context) error
}

// MemoryStore keeps the read models in process. Used in bolt mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	ops       map[uuid.UUID]OperationRow
	byAccount map[ledger.AccountID][]uuid.UUID
	entries   map[uint64]QueueEntryRow
	watermark uint64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:       make(map[uuid.UUID]OperationRow),
		byAccount: make(map[ledger.AccountID][]uuid.UUID),
		entries:   make(map[uint64]QueueEntryRow),
	}
}

func (m *MemoryStore) Apply(_ context.Context, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if row := u.Operation; row != nil {
		prev, ok := m.ops[row.ID]
		switch {
		case !ok:
			m.ops[row.ID] = *row
			m.byAccount[row.Account] = append(m.byAccount[row.Account], row.ID)
		case prev.LastSeq < row.LastSeq:
			m.ops[row.ID] = *row
		}
	}
	if row := u.QueueEntry; row != nil {
		if prev, ok := m.entries[row.Seq]; !ok || prev.LastSeq < row.LastSeq {
			m.entries[row.Seq] = *row
		}
	}
	if u.Sequence > m.watermark {
		m.watermark = u.Sequence
	}
	return nil
}

func (m *MemoryStore) Watermark(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermark, nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[uuid.UUID]OperationRow)
	m.byAccount = make(map[ledger.AccountID][]uuid.UUID)
	m.entries = make(map[uint64]QueueEntryRow)
	m.watermark = 0
	return nil
}

// Operation returns the row for id.
func (m *MemoryStore) Operation(id uuid.UUID) (OperationRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.ops[id]
	return row, ok
}

// History returns the account's operations newest first. When before is
// non-nil only operations created strictly before it are returned.
func (m *MemoryStore) History(account ledger.AccountID, limit int, before *int64) []OperationRow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byAccount[account]
	rows := make([]OperationRow, 0, len(ids))
	for _, id := range ids {
		row := m.ops[id]
		if before != nil && row.CreatedAt >= *before {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CreatedAt != rows[j].CreatedAt {
			return rows[i].CreatedAt > rows[j].CreatedAt
		}
		return rows[i].LastSeq > rows[j].LastSeq
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

// QueueEntry returns the projected entry seq.
func (m *MemoryStore) QueueEntry(seq uint64) (QueueEntryRow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.entries[seq]
	return row, ok
}
