package server

import (
	"SafeLedger/internal/auth"
	"SafeLedger/internal/ledger"
	"SafeLedger/internal/query"
	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"
)

// Wire messages of safeledger.v1.Ledger. They travel as JSON over both
// gRPC (content-subtype "json") and the HTTP gateway. Amounts are decimal
// strings and accounts are 0x-prefixed hex.

type DepositRequest struct {
	DepositID string           `json:"deposit_id"`
	Account   ledger.AccountID `json:"account"`
	Amount    ledger.Amount    `json:"amount"`
}

type DepositResponse struct {
	Result   string        `json:"result"` // applied | duplicate
	Credited ledger.Amount `json:"credited"`
	Balance  ledger.Amount `json:"balance"`
	Shares   ledger.Amount `json:"shares"`
	Sequence uint64        `json:"sequence"`
}

type SettleRequest struct {
	Account       ledger.AccountID    `json:"account"`
	Amount        ledger.Amount       `json:"amount"`
	Authorization *auth.Authorization `json:"authorization"`
	BudgetMillis  int64               `json:"budget_ms,omitempty"`
}

type OperationResult struct {
	Operation settlement.Operation `json:"operation"`
}

type EnqueueRequest struct {
	Account       ledger.AccountID    `json:"account"`
	Amount        ledger.Amount       `json:"amount"`
	Authorization *auth.Authorization `json:"authorization"`
}

type EntryResult struct {
	Entry queue.Entry `json:"entry"`
}

// ProcessRequest pays the head entry. A non-zero Seq must name the head.
type ProcessRequest struct {
	Seq uint64 `json:"seq,omitempty"`
}

type CancelRequest struct {
	Account       ledger.AccountID    `json:"account"`
	Seq           uint64              `json:"seq"`
	Authorization *auth.Authorization `json:"authorization"`
}

type BalanceRequest struct {
	Account ledger.AccountID `json:"account"`
}

type SharePriceRequest struct{}

type QueueStatusRequest struct {
	From  uint64 `json:"from,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type QueueStatusResponse struct {
	Length       int           `json:"length"`
	CurrentIndex uint64        `json:"current_index"`
	Entries      []queue.Entry `json:"entries"`
}

type OperationRequest struct {
	ID string `json:"id"`
}

type HistoryRequest struct {
	Account ledger.AccountID `json:"account"`
	Limit   int              `json:"limit,omitempty"`
	Before  *int64           `json:"before,omitempty"`
}

type JournalRequest struct {
	Account        ledger.AccountID `json:"account"`
	Limit          int              `json:"limit,omitempty"`
	BeforeSequence *uint64          `json:"before_sequence,omitempty"`
}

type JournalResponse struct {
	Account string               `json:"account"`
	Entries []query.JournalEntry `json:"entries"`
}

type IntegrityRequest struct{}

type SnapshotRequest struct{}

type SnapshotResponse struct {
	Sequence  uint64 `json:"sequence"`
	StateHash string `json:"state_hash"`
}

const maxQueuePage = 500
