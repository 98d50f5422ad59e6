package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/settlement"

	"go.etcd.io/bbolt"
)

var (
	bucketBatches   = []byte("batches")
	bucketSnapshots = []byte("snapshots")
	bucketDeposits  = []byte("deposits")
)

// BoltStore is a single-file embedded backend for development and tests.
// Outputs are keyed by big-endian sequence so cursor order is journal order.
type BoltStore struct {
	db *bbolt.DB
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// OpenBoltStore opens or creates the database at path, creating the parent
// directory if needed.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("boltstore: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBatches, bucketSnapshots, bucketDeposits} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Append stores outputs in one transaction. Existing sequences are left
// untouched.
func (s *BoltStore) Append(_ context.Context, outputs []settlement.Output) error {
	if len(outputs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		batches := tx.Bucket(bucketBatches)
		deposits := tx.Bucket(bucketDeposits)
		for _, out := range outputs {
			key := seqKey(out.Batch.Sequence)
			if batches.Get(key) != nil {
				continue
			}
			data, err := encodeOutput(out)
			if err != nil {
				return err
			}
			if err := batches.Put(key, data); err != nil {
				return fmt.Errorf("boltstore: put batch %d: %w", out.Batch.Sequence, err)
			}
			if out.Batch.Kind == ledger.BatchDeposit {
				if err := deposits.Put([]byte(out.Batch.OperationRef), key); err != nil {
					return fmt.Errorf("boltstore: put deposit: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) LoadFrom(_ context.Context, fromSequence uint64, limit int) ([]settlement.Output, error) {
	var outputs []settlement.Output
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBatches).Cursor()
		for k, v := c.Seek(seqKey(fromSequence)); k != nil; k, v = c.Next() {
			if limit > 0 && len(outputs) >= limit {
				break
			}
			out, err := decodeOutput(v)
			if err != nil {
				return fmt.Errorf("boltstore: sequence %d: %w", binary.BigEndian.Uint64(k), err)
			}
			outputs = append(outputs, out)
		}
		return nil
	})
	return outputs, err
}

func (s *BoltStore) LatestSequence(_ context.Context) (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		k, _ := tx.Bucket(bucketBatches).Cursor().Last()
		if k != nil {
			seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return seq, err
}

func (s *BoltStore) SaveSnapshot(_ context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(seqKey(snap.Sequence), data)
	})
}

func (s *BoltStore) LoadLatestSnapshot(_ context.Context) (*SnapshotData, error) {
	var snap *SnapshotData
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(bucketSnapshots).Cursor().Last()
		if v == nil {
			return nil
		}
		snap = new(SnapshotData)
		if err := json.Unmarshal(v, snap); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// IsDuplicate reports whether a deposit with this id has been journaled.
func (s *BoltStore) IsDuplicate(_ context.Context, depositID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketDeposits).Get([]byte(depositID)) != nil
		return nil
	})
	return found, err
}
