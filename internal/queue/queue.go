// Package queue is an ordered, advance-only payout queue. Entries are paid
// strictly in sequence order; an entry that cannot be paid is retried a
// bounded number of times, then skipped with an audit record and refunded
// to its owner's ledger balance so it never blocks the entries behind it.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/settlement"
	"SafeLedger/internal/transfer"

	"github.com/rs/zerolog"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSettled   Status = "settled"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusSkipped || s == StatusCancelled
}

// Entry is one queued payout. Only the queue changes its status.
type Entry struct {
	Seq         uint64           `json:"seq"`
	Account     ledger.AccountID `json:"account"`
	Destination ledger.AccountID `json:"destination"`
	Amount      ledger.Amount    `json:"amount"`
	Status      Status           `json:"status"`
	Attempts    int              `json:"attempts"`
	Reason      string           `json:"reason,omitempty"`
	EnqueuedAt  int64            `json:"enqueued_at"`
	UpdatedAt   int64            `json:"updated_at"`
}

func (e Entry) record() ledger.QueueRecord {
	return ledger.QueueRecord{
		Seq:         e.Seq,
		Account:     e.Account,
		Destination: e.Destination,
		Amount:      e.Amount,
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		Reason:      e.Reason,
	}
}

func (e *Entry) apply(rec ledger.QueueRecord, at int64) {
	e.Status = Status(rec.Status)
	e.Attempts = rec.Attempts
	e.Reason = rec.Reason
	e.UpdatedAt = at
}

type Config struct {
	MaxAttempts int           // failed payouts before an entry is skipped; < 1 means 1
	Budget      time.Duration // per-payout budget, 0 = engine default
}

// Queue owns the entries and the head index. Payouts run without holding
// mu, so views and Enqueue stay available to a transfer sink; a nested
// ProcessNext or a Cancel of the entry being paid fails ErrReentrantCall.
type Queue struct {
	engine  *settlement.Engine
	clock   clock.Clock
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	entries    []*Entry // entries[i].Seq == i+1
	head       uint64   // seq of the first non-terminal entry, len+1 when none
	processing bool
	inFlight   uint64
}

func New(engine *settlement.Engine, clk clock.Clock, cfg Config, metrics *observability.Metrics) *Queue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Queue{
		engine:  engine,
		clock:   clk,
		cfg:     cfg,
		log:     observability.NewLogger("queue"),
		metrics: metrics,
		head:    1,
	}
}

// EnqueueRequest escrows Amount from Account for payment to the
// authorization's destination.
type EnqueueRequest struct {
	Account       ledger.AccountID
	Amount        ledger.Amount
	Authorization *auth.Authorization
}

// Enqueue escrows the amount and appends an entry with the next sequence
// number.
func (q *Queue) Enqueue(req EnqueueRequest) (Entry, error) {
	if req.Amount.IsZero() {
		return Entry{}, fmt.Errorf("enqueue: %w", ledger.ErrZeroAmountRejected)
	}
	if req.Authorization == nil {
		return Entry{}, fmt.Errorf("enqueue: %w: missing", ledger.ErrInvalidAuthorization)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.NowMicros()
	entry := &Entry{
		Seq:         uint64(len(q.entries)) + 1,
		Account:     req.Account,
		Destination: req.Authorization.Destination,
		Amount:      req.Amount,
		Status:      StatusPending,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	err := q.engine.Escrow(settlement.EscrowRequest{
		Account:       req.Account,
		Amount:        req.Amount,
		Authorization: req.Authorization,
		Record:        entry.record(),
	})
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue: %w", err)
	}

	q.entries = append(q.entries, entry)
	q.advance()
	q.observe("enqueued")
	return *entry, nil
}

// ProcessNext pays the entry at the head of the queue.
func (q *Queue) ProcessNext(ctx context.Context) (Entry, error) {
	return q.process(ctx, 0)
}

// ProcessEntry pays entry seq, which must be the head of the queue.
func (q *Queue) ProcessEntry(ctx context.Context, seq uint64) (Entry, error) {
	if seq == 0 {
		return Entry{}, fmt.Errorf("process: %w: seq 0", ledger.ErrInvalidSequence)
	}
	return q.process(ctx, seq)
}

// process pays the head entry. A caller whose context is already done gets
// ctx.Err() and the entry is not touched; once the payout has started the
// caller can no longer cut it short or spend the entry's attempts.
func (q *Queue) process(ctx context.Context, want uint64) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, fmt.Errorf("process: %w", err)
	}
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("process: %w: entry %d is being paid", ledger.ErrReentrantCall, q.inFlight)
	}
	q.advance()
	if q.head > uint64(len(q.entries)) {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("process: %w", ledger.ErrQueueEmpty)
	}
	if want != 0 && want != q.head {
		q.mu.Unlock()
		return Entry{}, fmt.Errorf("process: %w: entry %d is not the head %d", ledger.ErrInvalidSequence, want, q.head)
	}
	entry := *q.entries[q.head-1]
	q.processing = true
	q.inFlight = entry.Seq
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.inFlight = 0
		q.mu.Unlock()
	}()

	op, err := q.engine.Payout(ctx, settlement.PayoutRequest{
		Account:     entry.Account,
		Destination: entry.Destination,
		Amount:      entry.Amount,
		Budget:      q.cfg.Budget,
		Record:      entry.record(),
		Resolve:     func(cause error) settlement.PayoutResolution { return q.resolve(entry, cause) },
	})
	if op.Queue == nil {
		// nothing was reserved; the entry is untouched
		return entry, fmt.Errorf("process: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entries[entry.Seq-1]
	e.apply(*op.Queue, op.UpdatedAt)
	q.advance()
	q.observe(string(e.Status))

	if err != nil {
		if e.Status == StatusSkipped {
			q.log.Warn().Uint64("seq", e.Seq).Int("attempts", e.Attempts).Str("reason", e.Reason).
				Str("account", e.Account.Hex()).Msg("entry skipped and refunded")
		}
		return *e, fmt.Errorf("process entry %d: %w", e.Seq, err)
	}
	return *e, nil
}

// resolve maps a payout outcome to the entry's next record. Pure: it runs
// under the engine lock.
func (q *Queue) resolve(entry Entry, cause error) settlement.PayoutResolution {
	rec := entry.record()
	rec.Attempts++
	if cause == nil {
		rec.Status = string(StatusSettled)
		rec.Reason = ""
		return settlement.PayoutResolution{Record: rec}
	}

	rec.Reason = transfer.Reason(cause) + ": " + cause.Error()
	if rec.Attempts >= q.cfg.MaxAttempts {
		rec.Status = string(StatusSkipped)
		return settlement.PayoutResolution{Record: rec, Refund: true}
	}
	rec.Status = string(StatusPending)
	return settlement.PayoutResolution{Record: rec}
}

// CancelRequest withdraws a pending entry. The authorization must be a
// cancel authorization by the owner bound to the entry's seq and amount.
type CancelRequest struct {
	Account       ledger.AccountID
	Seq           uint64
	Authorization *auth.Authorization
}

// Cancel marks a pending entry cancelled and refunds its escrow to the
// owner in one batch.
func (q *Queue) Cancel(req CancelRequest) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.Seq == 0 || req.Seq > uint64(len(q.entries)) {
		return Entry{}, fmt.Errorf("cancel: %w: no entry %d", ledger.ErrInvalidSequence, req.Seq)
	}
	if q.processing && q.inFlight == req.Seq {
		return Entry{}, fmt.Errorf("cancel: %w: entry %d is being paid", ledger.ErrReentrantCall, req.Seq)
	}
	e := q.entries[req.Seq-1]
	if e.Account != req.Account {
		return Entry{}, fmt.Errorf("cancel entry %d: %w", req.Seq, ledger.ErrNotEntryOwner)
	}
	if e.Status.Terminal() {
		return Entry{}, fmt.Errorf("cancel entry %d (%s): %w", req.Seq, e.Status, ledger.ErrEntryTerminal)
	}

	rec := e.record()
	rec.Status = string(StatusCancelled)
	rec.Reason = "cancelled by owner"
	err := q.engine.Refund(settlement.RefundRequest{
		Account:       e.Account,
		Amount:        e.Amount,
		Authorization: req.Authorization,
		Record:        rec,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("cancel entry %d: %w", req.Seq, err)
	}

	e.apply(rec, q.clock.NowMicros())
	q.advance()
	q.observe(string(StatusCancelled))
	return *e, nil
}

// advance moves head past terminal entries. Must be called with mu held.
func (q *Queue) advance() {
	for q.head <= uint64(len(q.entries)) && q.entries[q.head-1].Status.Terminal() {
		q.head++
	}
	if q.metrics != nil {
		q.metrics.QueueLength.Set(float64(len(q.entries)))
		q.metrics.QueueIndex.Set(float64(q.head))
	}
}

func (q *Queue) observe(outcome string) {
	if q.metrics != nil {
		q.metrics.QueueOutcomes.WithLabelValues(outcome).Inc()
	}
}

// === Views ===

// Length is the number of entries ever enqueued.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CurrentIndex is the seq of the head entry, or Length()+1 when every
// entry is terminal. It never decreases.
func (q *Queue) CurrentIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head
}

func (q *Queue) Entry(seq uint64) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if seq == 0 || seq > uint64(len(q.entries)) {
		return Entry{}, fmt.Errorf("%w: no entry %d", ledger.ErrInvalidSequence, seq)
	}
	return *q.entries[seq-1], nil
}

// Entries returns up to limit entries starting at seq from (1-based).
// limit <= 0 returns the rest.
func (q *Queue) Entries(from uint64, limit int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if from == 0 {
		from = 1
	}
	var out []Entry
	for seq := from; seq <= uint64(len(q.entries)); seq++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *q.entries[seq-1])
	}
	return out
}
