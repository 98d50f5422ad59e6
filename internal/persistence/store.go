package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"SafeLedger/internal/queue"
	"SafeLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
)

// JournalStore is the durable, append-only log of engine outputs.
// Appends are idempotent per sequence.
type JournalStore interface {
	Append(ctx context.Context, outputs []settlement.Output) error
	LoadFrom(ctx context.Context, fromSequence uint64, limit int) ([]settlement.Output, error)
	LatestSequence(ctx context.Context) (uint64, error)
}

// SnapshotStore keeps point-in-time state for fast restart.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *SnapshotData) error
	// LoadLatestSnapshot returns nil, nil when there is none.
	LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error)
}

// Store is what the service needs from a storage backend.
type Store interface {
	JournalStore
	SnapshotStore
	Close() error
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence    uint64              `json:"sequence"`
	StateHash   common.Hash         `json:"state_hash"`
	Engine      settlement.Snapshot `json:"engine"`
	Queue       queue.Snapshot      `json:"queue"`
	DepositKeys []string            `json:"deposit_keys,omitempty"` // recent dedup keys, warms the LRU
	CreatedAt   time.Time           `json:"created_at"`
}

// NewSnapshotData wraps an engine and queue checkpoint.
func NewSnapshotData(engine settlement.Snapshot, q queue.Snapshot, depositKeys []string) *SnapshotData {
	return &SnapshotData{
		Sequence:    engine.Ledger.Sequence,
		StateHash:   engine.StateHash,
		Engine:      engine,
		Queue:       q,
		DepositKeys: depositKeys,
		CreatedAt:   time.Now().UTC(),
	}
}

// snapshotFormatVersion v1: JSON-encoded SnapshotData.
const snapshotFormatVersion = 1

func encodeOutput(out settlement.Output) ([]byte, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal output seq %d: %w", out.Batch.Sequence, err)
	}
	return data, nil
}

func decodeOutput(data []byte) (settlement.Output, error) {
	var out settlement.Output
	if err := json.Unmarshal(data, &out); err != nil {
		return settlement.Output{}, fmt.Errorf("unmarshal output: %w", err)
	}
	if out.Batch == nil {
		return settlement.Output{}, fmt.Errorf("unmarshal output: missing batch")
	}
	return out, nil
}
