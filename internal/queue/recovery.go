package queue

import (
	"errors"
	"fmt"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/settlement"
)

// ErrBusy is returned by Checkpoint while a payout is in flight.
var ErrBusy = errors.New("queue: payout in flight")

// Snapshot is the serialisable queue state.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// Checkpoint captures the queue and the engine at the same sequence. It
// fails ErrBusy while a payout is in flight, because the payout's outcome
// is applied to the engine before it reaches the queue.
func (q *Queue) Checkpoint() (Snapshot, settlement.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing {
		return Snapshot{}, settlement.Snapshot{}, ErrBusy
	}

	entries := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		entries[i] = *e
	}
	return Snapshot{Entries: entries}, q.engine.Snapshot(), nil
}

// Restore replaces the queue state with snap.
func (q *Queue) Restore(snap Snapshot) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*Entry, len(snap.Entries))
	for i := range snap.Entries {
		e := snap.Entries[i]
		if e.Seq != uint64(i)+1 {
			return fmt.Errorf("restore queue: %w: entry %d at position %d", ledger.ErrInvalidSequence, e.Seq, i+1)
		}
		entries[i] = &e
	}
	q.entries = entries
	q.head = 1
	q.advance()
	return nil
}

// Replay applies the queue record carried by a journaled batch. Outputs
// without one are ignored.
func (q *Queue) Replay(out settlement.Output) error {
	if out.Batch == nil || out.Batch.Queue == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applyRecord(*out.Batch.Queue, out.Batch.Timestamp)
}

// applyRecord must be called with mu held.
func (q *Queue) applyRecord(rec ledger.QueueRecord, at int64) error {
	n := uint64(len(q.entries))
	switch {
	case rec.Seq == n+1:
		e := &Entry{
			Seq:         rec.Seq,
			Account:     rec.Account,
			Destination: rec.Destination,
			Amount:      rec.Amount,
			EnqueuedAt:  at,
		}
		e.apply(rec, at)
		q.entries = append(q.entries, e)
	case rec.Seq >= 1 && rec.Seq <= n:
		q.entries[rec.Seq-1].apply(rec, at)
	default:
		return fmt.Errorf("replay queue: %w: record for entry %d with %d entries", ledger.ErrInvalidSequence, rec.Seq, n)
	}
	q.advance()
	return nil
}

// Recover rolls back every operation the engine still holds Reserved.
// Interrupted payouts count as failed attempts of their entry.
func (q *Queue) Recover() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.engine.Recover(func(op settlement.Operation, cause error) settlement.PayoutResolution {
		rec := op.Queue
		if rec == nil || rec.Seq < 1 || rec.Seq > uint64(len(q.entries)) {
			panic(fmt.Sprintf("FATAL: interrupted payout %s has no queue entry", op.ID))
		}
		entry := *q.entries[rec.Seq-1]
		res := q.resolve(entry, cause)
		q.entries[entry.Seq-1].apply(res.Record, q.clock.NowMicros())
		return res
	})
	q.advance()
	return n
}
