package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"SafeLedger/internal/observability"

	"github.com/google/uuid"
)

// SaveSnapshot persists a snapshot. It is marked verified because it was
// taken from live state whose hash chain has already been checked.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), int64(snap.Sequence), string(data), snap.StateHash.Bytes(), snapshotFormatVersion, len(data), snap.CreatedAt)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot.
func (s *PostgresStore) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data FROM ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SnapshotManager takes periodic snapshots into a SnapshotStore.
type SnapshotManager struct {
	store    SnapshotStore
	capture  func() (*SnapshotData, error)
	interval uint64
	metrics  *observability.Metrics

	mu      sync.Mutex // serializes periodic and on-demand snapshots
	lastSeq uint64
}

// NewSnapshotManager snapshots whenever the captured sequence has moved at
// least interval batches past the previous snapshot.
func NewSnapshotManager(store SnapshotStore, capture func() (*SnapshotData, error), interval uint64, metrics *observability.Metrics) *SnapshotManager {
	if interval == 0 {
		interval = 10_000
	}
	return &SnapshotManager{store: store, capture: capture, interval: interval, metrics: metrics}
}

// SetLastSequence records the sequence of the snapshot restored at startup.
func (m *SnapshotManager) SetLastSequence(seq uint64) {
	m.mu.Lock()
	m.lastSeq = seq
	m.mu.Unlock()
}

// LastSequence is the sequence of the newest snapshot saved or restored.
func (m *SnapshotManager) LastSequence() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// Take captures and saves a snapshot unconditionally.
func (m *SnapshotManager) Take(ctx context.Context) (*SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.take(ctx)
}

func (m *SnapshotManager) take(ctx context.Context) (*SnapshotData, error) {
	start := time.Now()
	snap, err := m.capture()
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	m.lastSeq = snap.Sequence

	if m.metrics != nil {
		m.metrics.SnapshotTaken.Inc()
		m.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		m.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
		if data, err := json.Marshal(snap); err == nil {
			m.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		}
	}
	return snap, nil
}

// MaybeTake snapshots when current is at least interval past the last one.
func (m *SnapshotManager) MaybeTake(ctx context.Context, current uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current < m.lastSeq+m.interval {
		return false, nil
	}
	if _, err := m.take(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Run checks every tick until ctx is done. current reports the live sequence.
func (m *SnapshotManager) Run(ctx context.Context, tick time.Duration, current func() uint64) error {
	log := observability.NewLogger("snapshot")
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			taken, err := m.MaybeTake(ctx, current())
			if err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			if taken {
				log.Info().Uint64("sequence", m.LastSequence()).Msg("periodic snapshot")
			}
		}
	}
}
