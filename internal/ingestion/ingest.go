package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/observability"
	"SafeLedger/internal/settlement"

	"github.com/rs/zerolog"
)

// Result classifies one ingested deposit.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultRejected  Result = "rejected" // terminal: never retried
	ResultRetry     Result = "retry"
)

// Ack reports whether the message should be acknowledged. Only transient
// failures are redelivered.
func (r Result) Ack() bool { return r != ResultRetry }

// Ingestor applies external deposits to the engine exactly once per
// deposit id. Both the NATS consumer and the API's Deposit call use it.
type Ingestor struct {
	engine  *settlement.Engine
	dedup   *Deduper
	metrics *observability.Metrics
	log     zerolog.Logger

	// mu makes check, apply and mark one step per deposit id.
	mu sync.Mutex
}

func NewIngestor(engine *settlement.Engine, dedup *Deduper, metrics *observability.Metrics) *Ingestor {
	return &Ingestor{
		engine:  engine,
		dedup:   dedup,
		metrics: metrics,
		log:     observability.NewLogger("ingestion"),
	}
}

// Apply credits d unless its id was seen before. Credited is the balance
// credited by this call, zero for duplicates.
func (in *Ingestor) Apply(ctx context.Context, d Deposit) (credited ledger.Amount, res Result, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	defer func() { in.observe(res) }()

	if d.DepositID != "" {
		dup, err := in.dedup.IsDuplicate(ctx, d.DepositID)
		if err != nil {
			return ledger.Amount{}, ResultRetry, err
		}
		if dup {
			in.log.Debug().Str("deposit_id", d.DepositID).Msg("duplicate deposit")
			return ledger.Amount{}, ResultDuplicate, nil
		}
	}

	shares, err := in.engine.Deposit(settlement.DepositRequest{
		Account: d.Account,
		Amount:  d.Amount,
		Ref:     d.DepositID,
	})
	if err != nil {
		if terminal(err) {
			in.log.Warn().Err(err).Str("deposit_id", d.DepositID).Str("code", ledger.Code(err)).Msg("deposit rejected")
			return ledger.Amount{}, ResultRejected, err
		}
		return ledger.Amount{}, ResultRetry, err
	}

	if d.DepositID != "" {
		in.dedup.MarkProcessed(d.DepositID)
	}
	in.log.Debug().
		Str("deposit_id", d.DepositID).
		Str("account", d.Account.Hex()).
		Str("amount", d.Amount.String()).
		Str("shares", shares.String()).
		Msg("deposit applied")
	return d.Amount, ResultApplied, nil
}

// HandleMessage parses and applies one raw deposit message.
func (in *Ingestor) HandleMessage(ctx context.Context, data []byte) (Result, error) {
	d, err := ParseDeposit(data)
	if err != nil {
		in.log.Warn().Err(err).Msg("dropping malformed deposit message")
		in.observe(ResultRejected)
		return ResultRejected, err
	}
	_, res, err := in.Apply(ctx, d)
	if err != nil {
		return res, fmt.Errorf("deposit %s: %w", d.DepositID, err)
	}
	return res, nil
}

// Deposits that can never succeed on redelivery.
func terminal(err error) bool {
	return errors.Is(err, ledger.ErrZeroAmountRejected) ||
		errors.Is(err, ledger.ErrSharesRoundToZero) ||
		errors.Is(err, ledger.ErrOverflow)
}

func (in *Ingestor) observe(res Result) {
	if in.metrics != nil && res != "" {
		in.metrics.DepositsIngested.WithLabelValues(string(res)).Inc()
	}
}
