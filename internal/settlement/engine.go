package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"SafeLedger/internal/auth"
	"SafeLedger/internal/clock"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/oracle"
	"SafeLedger/internal/transfer"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// NoncePolicy decides what a rollback does to the consumed nonce.
type NoncePolicy int

const (
	// NonceBurn keeps the nonce consumed; a retry needs a new authorization.
	NonceBurn NoncePolicy = iota
	// NonceRelease returns the nonce in the rollback batch so the same
	// authorization may be retried.
	NonceRelease
)

func ParseNoncePolicy(s string) (NoncePolicy, error) {
	switch s {
	case "", "burn":
		return NonceBurn, nil
	case "release":
		return NonceRelease, nil
	default:
		return 0, fmt.Errorf("unknown nonce policy %q", s)
	}
}

func (p NoncePolicy) String() string {
	if p == NonceRelease {
		return "release"
	}
	return "burn"
}

type Config struct {
	GuardScope     GuardScope
	NoncePolicy    NoncePolicy
	DefaultBudget  time.Duration // used when a request carries none; 0 = unbounded
	InvariantEvery int           // full invariant check every N batches; <= 0 means every batch
}

// Output is one applied batch with everything needed to persist, project
// and replay it.
type Output struct {
	Batch     *ledger.Batch `json:"batch"`
	Operation *Operation    `json:"operation,omitempty"`
	StateHash common.Hash   `json:"state_hash"`
	PrevHash  common.Hash   `json:"prev_hash"`
}

// Engine is the only writer of the Ledger. Every mutation is generated,
// applied and emitted under mu, in sequence order. mu is never held while
// a transfer sink runs.
type Engine struct {
	mu        sync.Mutex
	ledger    *ledger.Ledger
	gen       *ledger.BatchGenerator
	validator *ledger.InvariantValidator
	hasher    *StateHasher
	guard     *Guard
	verifier  *auth.Verifier
	clock     clock.Clock
	sink      transfer.Sink
	oracle    *oracle.Guard
	cfg       Config

	ops      map[uuid.UUID]*Operation
	reserved map[uuid.UUID]struct{} // ids of Reserved operations
	applied  int

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

type Option func(*Engine)

// WithOracle enables ValueOf.
func WithOracle(g *oracle.Guard) Option { return func(e *Engine) { e.oracle = g } }

// WithMetrics records engine metrics.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithOutputs sets the persist (blocking) and projection (drop on full)
// channels. Either may be nil.
func WithOutputs(persist, projection chan<- Output) Option {
	return func(e *Engine) {
		e.persistChan = persist
		e.projectionChan = projection
	}
}

// WithLogger replaces the default component logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

func NewEngine(cfg Config, verifier *auth.Verifier, sink transfer.Sink, clk clock.Clock, opts ...Option) *Engine {
	l := ledger.NewLedger()
	e := &Engine{
		ledger:    l,
		gen:       ledger.NewBatchGenerator(l),
		validator: ledger.NewInvariantValidator(l),
		hasher:    NewStateHasher(),
		guard:     NewGuard(cfg.GuardScope),
		verifier:  verifier,
		clock:     clk,
		sink:      sink,
		cfg:       cfg,
		ops:       make(map[uuid.UUID]*Operation),
		reserved:  make(map[uuid.UUID]struct{}),
		log:       observability.NewLogger("settlement"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// === Requests ===

type DepositRequest struct {
	Account ledger.AccountID
	Amount  ledger.Amount
	Ref     string // external deposit id; generated when empty
}

type SettleRequest struct {
	Account       ledger.AccountID
	Amount        ledger.Amount
	Authorization *auth.Authorization
	Budget        time.Duration // 0 = Config.DefaultBudget
}

type EscrowRequest struct {
	Account       ledger.AccountID
	Amount        ledger.Amount
	Authorization *auth.Authorization
	Record        ledger.QueueRecord
}

type RefundRequest struct {
	Account       ledger.AccountID
	Amount        ledger.Amount
	Authorization *auth.Authorization
	Record        ledger.QueueRecord
}

// PayoutResolution tells the engine how to close a failed payout.
type PayoutResolution struct {
	Record ledger.QueueRecord
	Refund bool // credit the escrow back to the owner
}

type PayoutRequest struct {
	Account     ledger.AccountID // escrow owner
	Destination ledger.AccountID
	Amount      ledger.Amount
	Budget      time.Duration
	Record      ledger.QueueRecord
	// Resolve maps the transfer outcome (nil on success) to the queue
	// record to journal. It may run with the engine lock held and must not
	// call back into the engine.
	Resolve func(cause error) PayoutResolution
}

// === Deposit ===

// Deposit credits amount to account and mints shares at the current
// price, rounded down. Returns the shares minted. A zero amount is
// rejected with ErrZeroAmountRejected, as is one that mints no shares.
func (e *Engine) Deposit(req DepositRequest) (ledger.Amount, error) {
	if req.Amount.IsZero() {
		return ledger.Amount{}, fmt.Errorf("deposit: %w", ledger.ErrZeroAmountRejected)
	}
	ref := req.Ref
	if ref == "" {
		ref = uuid.NewString()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	shares, err := e.ledger.SharesForDeposit(req.Amount)
	if err != nil {
		return ledger.Amount{}, fmt.Errorf("deposit: %w", err)
	}
	if shares.IsZero() {
		return ledger.Amount{}, fmt.Errorf("deposit %s at price %s: %w",
			req.Amount, e.ledger.SharePriceDecimal(), ledger.ErrSharesRoundToZero)
	}

	batch := e.gen.Deposit(ref, req.Account, req.Amount, shares, e.clock.NowMicros())
	if err := e.apply(batch, nil); err != nil {
		return ledger.Amount{}, fmt.Errorf("deposit: %w", err)
	}
	return shares, nil
}

// === Settle ===

// Settle debits amount from the caller and pays it to the authorization's
// destination through the transfer sink. Ledger effects are applied in one
// batch before the sink runs and rolled back in one batch if the sink does
// not positively confirm.
func (e *Engine) Settle(ctx context.Context, req SettleRequest) (Operation, error) {
	start := time.Now()

	// Checks
	if req.Amount.IsZero() {
		return Operation{}, fmt.Errorf("settle: %w", ledger.ErrZeroAmountRejected)
	}
	if err := ctx.Err(); err != nil {
		return Operation{}, fmt.Errorf("settle: %w", err)
	}
	release, err := e.guard.Enter(req.Account)
	if err != nil {
		e.countReentrancy("settle")
		return Operation{}, fmt.Errorf("settle: %w", err)
	}
	defer release()

	if err := e.verifier.Verify(req.Authorization, auth.ActionSettle, req.Account, req.Amount); err != nil {
		return Operation{}, fmt.Errorf("settle: %w", err)
	}
	authz := req.Authorization

	// Effects
	op, err := e.reserveSettle(req.Account, authz.Destination, req.Amount, authz.Nonce)
	if err != nil {
		return Operation{}, fmt.Errorf("settle: %w", err)
	}

	// Interaction
	receipt, terr := e.interact(ctx, op, e.budget(req.Budget))

	// Outcome
	final := e.finalizeSettle(op.ID, receipt, terr)
	e.observeSettlement(final, start)
	if terr != nil {
		return final, fmt.Errorf("settle %s: %w", final.ID, terr)
	}
	return final, nil
}

func (e *Engine) reserveSettle(account, destination ledger.AccountID, amount ledger.Amount, nonce uint64) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.NowMicros()
	op := &Operation{
		ID:          uuid.New(),
		Kind:        KindSettle,
		Account:     account,
		Destination: destination,
		Amount:      amount,
		CreatedAt:   now,
	}
	op.transition(StatusRequested, now)

	if err := auth.CheckNonce(nonce, e.ledger.NonceOf(account)); err != nil {
		return Operation{}, err
	}
	shares, err := e.ledger.SharesForBurn(account, amount)
	if err != nil {
		return Operation{}, err
	}
	op.transition(StatusChecked, now)

	batch, err := e.gen.Reserve(op.ID.String(), account, amount, shares, &nonce, now)
	if err != nil {
		return Operation{}, err
	}

	op.Shares = shares
	op.Nonce = &nonce
	op.transition(StatusReserved, now)
	if err := e.apply(batch, op); err != nil {
		return Operation{}, err
	}
	return op.clone(), nil
}

func (e *Engine) finalizeSettle(id uuid.UUID, receipt transfer.Receipt, cause error) Operation {
	e.mu.Lock()
	defer e.mu.Unlock()

	op := e.ops[id]
	now := e.clock.NowMicros()

	var batch *ledger.Batch
	if cause == nil {
		batch = e.gen.Commit(op.ID.String(), now)
		op.Receipt = receipt.Reference()
		op.transition(StatusCommitted, now)
	} else {
		batch = e.rollbackBatch(op, now)
		op.Reason = cause.Error()
		op.transition(StatusRolledBack, now)
	}

	if err := e.apply(batch, op); err != nil {
		panic(fmt.Sprintf("FATAL: cannot finalize operation %s: %v", op.ID, err))
	}

	if cause == nil {
		e.log.Debug().Str("op", op.ID.String()).Str("account", op.Account.Hex()).
			Str("amount", op.Amount.String()).Str("receipt", op.Receipt).Msg("settlement committed")
	} else {
		e.log.Warn().Str("op", op.ID.String()).Str("account", op.Account.Hex()).
			Str("amount", op.Amount.String()).Str("reason", transfer.Reason(cause)).Err(cause).
			Msg("settlement rolled back")
	}
	return op.clone()
}

func (e *Engine) rollbackBatch(op *Operation, now int64) *ledger.Batch {
	var release *uint64
	if e.cfg.NoncePolicy == NonceRelease && op.Nonce != nil {
		release = op.Nonce
	}
	return e.gen.Rollback(op.ID.String(), op.Account, op.Amount, op.Shares, release, now)
}

// === Queue support ===

// Escrow moves amount out of the caller's balance into a queue entry,
// consuming an enqueue authorization in the same batch.
func (e *Engine) Escrow(req EscrowRequest) error {
	if req.Amount.IsZero() {
		return fmt.Errorf("escrow: %w", ledger.ErrZeroAmountRejected)
	}
	release, err := e.guard.Enter(req.Account)
	if err != nil {
		e.countReentrancy("enqueue")
		return fmt.Errorf("escrow: %w", err)
	}
	defer release()

	if err := e.verifier.Verify(req.Authorization, auth.ActionEnqueue, req.Account, req.Amount); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	nonce := req.Authorization.Nonce

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := auth.CheckNonce(nonce, e.ledger.NonceOf(req.Account)); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	shares, err := e.ledger.SharesForBurn(req.Account, req.Amount)
	if err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	rec := req.Record
	batch, err := e.gen.Escrow(uuid.NewString(), req.Account, req.Amount, shares, &nonce, e.clock.NowMicros(), &rec)
	if err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if err := e.apply(batch, nil); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	return nil
}

// Refund returns a cancelled entry's escrow to its owner, consuming the
// owner's cancel authorization in the same batch.
func (e *Engine) Refund(req RefundRequest) error {
	release, err := e.guard.Enter(req.Account)
	if err != nil {
		e.countReentrancy("cancel")
		return fmt.Errorf("refund: %w", err)
	}
	defer release()

	a := req.Authorization
	if err := e.verifier.Verify(a, auth.ActionCancel, req.Account, req.Amount); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	if a.QueueSeq != req.Record.Seq {
		return fmt.Errorf("refund: %w: authorizes entry %d, not %d", ledger.ErrInvalidAuthorization, a.QueueSeq, req.Record.Seq)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := auth.CheckNonce(a.Nonce, e.ledger.NonceOf(req.Account)); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	shares, err := e.ledger.SharesForDeposit(req.Amount)
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	nonce := a.Nonce
	rec := req.Record
	batch := e.gen.Refund(uuid.NewString(), req.Account, req.Amount, shares, &nonce, e.clock.NowMicros(), &rec)
	if err := e.apply(batch, nil); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	return nil
}

// Payout pays a queue entry's escrow to its destination through the same
// guarded transfer boundary Settle uses. The entry's final record is
// journaled in the same batch that closes the operation.
func (e *Engine) Payout(ctx context.Context, req PayoutRequest) (Operation, error) {
	start := time.Now()
	if req.Amount.IsZero() {
		return Operation{}, fmt.Errorf("payout: %w", ledger.ErrZeroAmountRejected)
	}
	if err := ctx.Err(); err != nil {
		return Operation{}, fmt.Errorf("payout: %w", err)
	}

	op, err := e.reservePayout(req)
	if err != nil {
		return Operation{}, fmt.Errorf("payout: %w", err)
	}

	receipt, terr := e.interact(ctx, op, e.budget(req.Budget))

	final := e.finalizePayout(op.ID, receipt, terr, req.Resolve(terr))
	e.observeSettlement(final, start)
	if terr != nil {
		return final, fmt.Errorf("payout %s: %w", final.ID, terr)
	}
	return final, nil
}

func (e *Engine) reservePayout(req PayoutRequest) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.NowMicros()
	rec := req.Record
	op := &Operation{
		ID:          uuid.New(),
		Kind:        KindPayout,
		Account:     req.Account,
		Destination: req.Destination,
		Amount:      req.Amount,
		Queue:       &rec,
		CreatedAt:   now,
	}
	op.transition(StatusRequested, now)
	op.transition(StatusChecked, now)
	op.transition(StatusReserved, now)

	qr := rec
	batch := e.gen.Annotate(op.ID.String(), now, &qr)
	if err := e.apply(batch, op); err != nil {
		return Operation{}, err
	}
	return op.clone(), nil
}

func (e *Engine) finalizePayout(id uuid.UUID, receipt transfer.Receipt, cause error, res PayoutResolution) Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closePayout(e.ops[id], receipt, cause, res)
}

// closePayout must be called with mu held.
func (e *Engine) closePayout(op *Operation, receipt transfer.Receipt, cause error, res PayoutResolution) Operation {
	now := e.clock.NowMicros()
	rec := res.Record
	op.Queue = &rec

	var batch *ledger.Batch
	switch {
	case cause == nil:
		qr := rec
		batch = e.gen.Commit(op.ID.String(), now)
		batch.Queue = &qr
		op.Receipt = receipt.Reference()
		op.transition(StatusCommitted, now)

	case res.Refund:
		shares, err := e.ledger.SharesForDeposit(op.Amount)
		if err != nil {
			panic(fmt.Sprintf("FATAL: refund shares for %s: %v", op.ID, err))
		}
		qr := rec
		batch = e.gen.Refund(op.ID.String(), op.Account, op.Amount, shares, nil, now, &qr)
		op.Reason = cause.Error()
		op.transition(StatusRolledBack, now)

	default:
		qr := rec
		batch = e.gen.Annotate(op.ID.String(), now, &qr)
		op.Reason = cause.Error()
		op.transition(StatusRolledBack, now)
	}

	if err := e.apply(batch, op); err != nil {
		panic(fmt.Sprintf("FATAL: cannot finalize payout %s: %v", op.ID, err))
	}

	if cause != nil {
		e.log.Warn().Str("op", op.ID.String()).Uint64("queue_seq", rec.Seq).
			Str("queue_status", rec.Status).Int("attempts", rec.Attempts).
			Str("reason", transfer.Reason(cause)).Err(cause).Msg("payout failed")
	}
	return op.clone()
}

// === Interaction ===

func (e *Engine) budget(requested time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	return e.cfg.DefaultBudget
}

// interact runs the transfer detached from the caller's cancellation: once
// effects are applied only the budget decides whether the call completed.
func (e *Engine) interact(ctx context.Context, op Operation, budget time.Duration) (transfer.Receipt, error) {
	start := time.Now()
	receipt, err := transfer.Invoke(context.WithoutCancel(ctx), e.sink, transfer.Instruction{
		OperationID: op.ID,
		Destination: op.Destination,
		Amount:      op.Amount,
	}, budget)

	if e.metrics != nil {
		e.metrics.TransferDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			e.metrics.TransferFailures.WithLabelValues(transfer.Reason(err)).Inc()
		}
	}
	return receipt, err
}

// === Apply & emit ===

// apply applies batch, extends the hash chain, checks invariants and
// emits. Must be called with mu held. On error nothing has changed.
func (e *Engine) apply(batch *ledger.Batch, op *Operation) error {
	if err := e.ledger.ApplyBatch(batch); err != nil {
		return err
	}

	hashStart := time.Now()
	prev := e.hasher.Tip()
	hash := e.hasher.ComputeHash(batch.Sequence, e.digest(batch))
	if e.metrics != nil {
		e.metrics.StateHashDuration.Observe(time.Since(hashStart).Seconds())
	}

	e.applied++
	if e.cfg.InvariantEvery <= 0 || e.applied%e.cfg.InvariantEvery == 0 {
		if err := e.validator.ValidateAll(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated after batch %d: %v", batch.Sequence, err))
		}
	}

	out := Output{Batch: batch, StateHash: hash, PrevHash: prev}
	if op != nil {
		e.track(op)
		snap := op.clone()
		out.Operation = &snap
	}

	e.recordApplied(batch)
	e.emit(out)
	return nil
}

func (e *Engine) digest(batch *ledger.Batch) []byte {
	d := e.ledger.Digest(batch)
	d = append(d, byte(batch.Kind))
	d = append(d, batch.OperationRef...)
	return d
}

func (e *Engine) track(op *Operation) {
	e.ops[op.ID] = op
	if op.Status == StatusReserved {
		e.reserved[op.ID] = struct{}{}
	} else {
		delete(e.reserved, op.ID)
	}
	if e.metrics != nil {
		e.metrics.PendingOperations.Set(float64(len(e.reserved)))
	}
}

func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		e.persistChan <- out
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("operations").Inc()
			}
		}
	}
}

func (e *Engine) recordApplied(batch *ledger.Batch) {
	if e.metrics == nil {
		return
	}
	e.metrics.BatchesApplied.WithLabelValues(batch.Kind.String()).Inc()
	e.metrics.LedgerSequence.Set(float64(batch.Sequence))
	e.metrics.SharePrice.Set(e.ledger.SharePriceDecimal().InexactFloat64())
}

func (e *Engine) observeSettlement(op Operation, start time.Time) {
	if e.metrics == nil {
		return
	}
	outcome := op.Status.String()
	e.metrics.Settlements.WithLabelValues(outcome).Inc()
	e.metrics.SettlementDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (e *Engine) countReentrancy(operation string) {
	if e.metrics != nil {
		e.metrics.ReentrancyRejected.WithLabelValues(operation).Inc()
	}
}

// === Views ===
// Views never take mu, so they are safe to call from inside a transfer
// sink. They read the ledger, which only ever exposes whole batches.

func (e *Engine) BalanceOf(account ledger.AccountID) ledger.Amount { return e.ledger.BalanceOf(account) }

func (e *Engine) SharesOf(account ledger.AccountID) ledger.Amount { return e.ledger.SharesOf(account) }

func (e *Engine) NonceOf(account ledger.AccountID) uint64 { return e.ledger.NonceOf(account) }

func (e *Engine) Account(account ledger.AccountID) (ledger.Account, bool) {
	return e.ledger.Account(account)
}

func (e *Engine) SharePrice() ledger.Amount { return e.ledger.SharePrice() }

func (e *Engine) SharePriceDecimal() decimal.Decimal { return e.ledger.SharePriceDecimal() }

func (e *Engine) Totals() (totalBalance, totalShares ledger.Amount) { return e.ledger.Totals() }

func (e *Engine) Sequence() uint64 { return e.ledger.Sequence() }

// InFlight reports whether account currently holds the reentrancy guard.
func (e *Engine) InFlight(account ledger.AccountID) bool { return e.guard.Held(account) }

// Domain is the authorization domain this engine accepts.
func (e *Engine) Domain() auth.Domain { return e.verifier.Domain() }

// Operation returns a copy of the operation with id.
func (e *Engine) Operation(id uuid.UUID) (Operation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ledger.ErrUnknownOperation, id)
	}
	return op.clone(), nil
}

// Pending returns every Reserved operation, oldest first.
func (e *Engine) Pending() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingLocked()
}

func (e *Engine) pendingLocked() []Operation {
	out := make([]Operation, 0, len(e.reserved))
	for id := range e.reserved {
		out = append(out, e.ops[id].clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Valuation is an account balance priced by the oracle.
type Valuation struct {
	Account ledger.AccountID `json:"account"`
	Balance ledger.Amount    `json:"balance"`
	Price   decimal.Decimal  `json:"price"`
	Value   decimal.Decimal  `json:"value"`
	Status  string           `json:"status"`
}

// ValueOf prices account's balance. Oracle faults degrade Status; they are
// never returned as errors.
func (e *Engine) ValueOf(ctx context.Context, account ledger.AccountID) (Valuation, error) {
	if e.oracle == nil {
		return Valuation{}, fmt.Errorf("value of %s: no oracle configured", account.Hex())
	}
	balance := e.ledger.BalanceOf(account)
	reading := e.oracle.Latest(ctx)
	return Valuation{
		Account: account,
		Balance: balance,
		Price:   reading.Value,
		Value:   decimal.NewFromBigInt(balance.Big(), 0).Mul(reading.Value),
		Status:  reading.Status.String(),
	}, nil
}
