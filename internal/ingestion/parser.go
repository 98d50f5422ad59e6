package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"SafeLedger/internal/ledger"
)

// ErrMalformed marks messages that can never be applied. They are ACKed and
// logged rather than redelivered.
var ErrMalformed = errors.New("malformed message")

// Deposit is a parsed external deposit notification.
type Deposit struct {
	DepositID string
	Account   ledger.AccountID
	Amount    ledger.Amount
	Sequence  uint64 // producer sequence, informational
	Timestamp int64  // producer time, epoch microseconds
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers. amount may be a
// JSON number or a decimal string; values above 2^53 must be strings.

type depositJSON struct {
	DepositID   string      `json:"deposit_id"`
	Account     string      `json:"account"`
	Amount      json.Number `json:"amount"`
	Sequence    uint64      `json:"sequence"`
	TimestampUs int64       `json:"timestamp_us"`
}

// ParseDeposit decodes and validates a deposit message. Every error wraps
// ErrMalformed.
func ParseDeposit(data []byte) (Deposit, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Deposit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id := strings.TrimSpace(j.DepositID)
	if id == "" {
		return Deposit{}, fmt.Errorf("%w: missing deposit_id", ErrMalformed)
	}
	account, err := ledger.ParseAccountID(j.Account)
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: account: %v", ErrMalformed, err)
	}
	if j.Amount == "" {
		return Deposit{}, fmt.Errorf("%w: missing amount", ErrMalformed)
	}
	amount, err := ledger.ParseAmount(j.Amount.String())
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: amount: %v", ErrMalformed, err)
	}

	return Deposit{
		DepositID: id,
		Account:   account,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: j.TimestampUs,
	}, nil
}
