package query

import "SafeLedger/internal/projection"

// OperationResponse is one projected operation.
type OperationResponse struct {
	projection.OperationRow
	AsOfSequence uint64 `json:"as_of_sequence"`
}

// HistoryResponse is one page of an account's operations, newest first.
// NextBefore is the cursor for the following page, nil on the last page.
type HistoryResponse struct {
	Account      string                    `json:"account"`
	Operations   []projection.OperationRow `json:"operations"`
	NextBefore   *int64                    `json:"next_before,omitempty"`
	AsOfSequence uint64                    `json:"as_of_sequence"`
}

// JournalEntry represents a ledger.journal row for API queries.
type JournalEntry struct {
	EntryID  string `json:"entry_id"`
	BatchID  string `json:"batch_id"`
	Sequence uint64 `json:"sequence"`
	Account  string `json:"account"`
	Kind     string `json:"kind"`
	Amount   string `json:"amount"`
	Shares   string `json:"shares"`
	Nonce    uint64 `json:"nonce"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	LatestSequence  uint64   `json:"latest_sequence"`
	HashChainBreaks []uint64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []uint64 `json:"sequence_gaps,omitempty"`
}
