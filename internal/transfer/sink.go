package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"SafeLedger/internal/ledger"

	"github.com/google/uuid"
)

// Instruction asks a sink to move value out of the ledger.
type Instruction struct {
	OperationID uuid.UUID        `json:"operation_id"`
	Destination ledger.AccountID `json:"destination"`
	Amount      ledger.Amount    `json:"amount"`
}

// Receipt is a sink's positive confirmation. The zero Receipt is
// unconfirmed, so a sink that forgets to build one has not succeeded.
type Receipt struct {
	reference string
	confirmed bool
}

// Confirm builds a confirmed receipt carrying the sink's reference.
func Confirm(reference string) Receipt {
	return Receipt{reference: reference, confirmed: true}
}

func (r Receipt) Confirmed() bool   { return r.confirmed }
func (r Receipt) Reference() string { return r.reference }

// Sink is an untrusted transfer of value to a destination. It may fail,
// block, panic or call back into the ledger.
type Sink interface {
	Transfer(ctx context.Context, in Instruction) (Receipt, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, in Instruction) (Receipt, error)

func (f SinkFunc) Transfer(ctx context.Context, in Instruction) (Receipt, error) {
	return f(ctx, in)
}

// Failure causes. Every one is also ledger.ErrTransferFailed.
var (
	ErrSinkError    = errors.New("sink returned error")
	ErrSinkPanic    = errors.New("sink panicked")
	ErrNotCompleted = errors.New("sink did not complete within budget")
	ErrUnconfirmed  = errors.New("sink did not confirm")
)

type result struct {
	receipt Receipt
	err     error
}

// Invoke calls sink under budget and reduces every outcome to a confirmed
// receipt or an error wrapping ledger.ErrTransferFailed. budget <= 0 runs
// under ctx alone. The sink is not started if ctx is already done. A sink
// still running when the budget expires is abandoned; it must honour ctx
// cancellation.
func Invoke(ctx context.Context, sink Sink, in Instruction, budget time.Duration) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w: %v", ledger.ErrTransferFailed, ErrNotCompleted, err)
	}
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%w: %w: %v", ledger.ErrTransferFailed, ErrSinkPanic, r)}
			}
		}()
		receipt, err := sink.Transfer(ctx, in)
		done <- result{receipt: receipt, err: err}
	}()

	select {
	case res := <-done:
		return outcome(res)
	case <-ctx.Done():
		// A result that landed together with the deadline still counts.
		select {
		case res := <-done:
			return outcome(res)
		default:
		}
		return Receipt{}, fmt.Errorf("%w: %w: %v", ledger.ErrTransferFailed, ErrNotCompleted, ctx.Err())
	}
}

func outcome(res result) (Receipt, error) {
	if res.err != nil {
		if errors.Is(res.err, ledger.ErrTransferFailed) {
			return Receipt{}, res.err
		}
		return Receipt{}, fmt.Errorf("%w: %w: %v", ledger.ErrTransferFailed, ErrSinkError, res.err)
	}
	if !res.receipt.Confirmed() {
		return Receipt{}, fmt.Errorf("%w: %w", ledger.ErrTransferFailed, ErrUnconfirmed)
	}
	return res.receipt, nil
}

// Reason classifies an Invoke error for metrics and logs.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSinkPanic):
		return "panic"
	case errors.Is(err, ErrNotCompleted):
		return "timeout"
	case errors.Is(err, ErrUnconfirmed):
		return "unconfirmed"
	default:
		return "error"
	}
}
