package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/settlement"
)

// PostgresStore keeps the journal and snapshots in Postgres.
// Batches are written with multi-row INSERTs, one transaction per flush.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB returns the underlying handle for health checks.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close is a no-op: the caller owns the *sql.DB.
func (s *PostgresStore) Close() error { return nil }

// batchRow represents a row in ledger.batches
type batchRow struct {
	Sequence     uint64
	BatchID      string
	Kind         string
	OperationRef string
	Payload      string
	StateHash    []byte
	PrevHash     []byte
	Timestamp    int64
}

// entryRow represents a row in ledger.journal
type entryRow struct {
	EntryID  string
	BatchID  string
	Sequence uint64
	Account  string
	Kind     string
	Amount   string
	Shares   string
	Nonce    uint64
}

// depositRow represents a row in ledger.deposits
type depositRow struct {
	DepositID string
	Account   string
	Amount    string
}

func rowsFor(outputs []settlement.Output) ([]batchRow, []entryRow, []depositRow, error) {
	batches := make([]batchRow, 0, len(outputs))
	entries := make([]entryRow, 0, len(outputs)*2)
	var deposits []depositRow
	for _, out := range outputs {
		payload, err := encodeOutput(out)
		if err != nil {
			return nil, nil, nil, err
		}
		b := out.Batch
		if b.Kind == ledger.BatchDeposit && len(b.Entries) > 0 {
			deposits = append(deposits, depositRow{
				DepositID: b.OperationRef,
				Account:   ledger.AccountPath(b.Entries[0].Account),
				Amount:    b.Entries[0].Amount.String(),
			})
		}
		batches = append(batches, batchRow{
			Sequence:     b.Sequence,
			BatchID:      b.BatchID.String(),
			Kind:         b.Kind.String(),
			OperationRef: b.OperationRef,
			Payload:      string(payload),
			StateHash:    out.StateHash.Bytes(),
			PrevHash:     out.PrevHash.Bytes(),
			Timestamp:    b.Timestamp,
		})
		for _, e := range b.Entries {
			entries = append(entries, entryRow{
				EntryID:  e.EntryID.String(),
				BatchID:  e.BatchID.String(),
				Sequence: b.Sequence,
				Account:  ledger.AccountPath(e.Account),
				Kind:     e.Kind.String(),
				Amount:   e.Amount.String(),
				Shares:   e.Shares.String(),
				Nonce:    e.Nonce,
			})
		}
	}
	return batches, entries, deposits, nil
}

// Append writes outputs, their entries and any deposit keys in one
// transaction.
func (s *PostgresStore) Append(ctx context.Context, outputs []settlement.Output) error {
	if len(outputs) == 0 {
		return nil
	}
	batches, entries, deposits, err := rowsFor(outputs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := writeBatchRows(ctx, tx, batches); err != nil {
		return fmt.Errorf("write batches: %w", err)
	}
	if err := writeEntryRows(ctx, tx, entries); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := writeDepositRows(ctx, tx, deposits); err != nil {
		return fmt.Errorf("write deposits: %w", err)
	}
	return tx.Commit()
}

func writeBatchRows(ctx context.Context, tx *sql.Tx, rows []batchRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.batches
		(sequence, batch_id, kind, operation_ref, payload, state_hash, prev_hash, timestamp_us)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			int64(r.Sequence), r.BatchID, r.Kind, r.OperationRef,
			r.Payload, r.StateHash, r.PrevHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func writeEntryRows(ctx context.Context, tx *sql.Tx, rows []entryRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.journal
		(entry_id, batch_id, sequence, account, kind, amount, shares, nonce)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)

	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.EntryID, r.BatchID, int64(r.Sequence), r.Account,
			r.Kind, r.Amount, r.Shares, int64(r.Nonce),
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func writeDepositRows(ctx context.Context, tx *sql.Tx, rows []depositRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.deposits (deposit_id, account, amount) VALUES `
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*3)
	for i, r := range rows {
		base := i * 3
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, r.DepositID, r.Account, r.Amount)
	}
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (deposit_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadFrom returns up to limit outputs with sequence >= fromSequence, in order.
func (s *PostgresStore) LoadFrom(ctx context.Context, fromSequence uint64, limit int) ([]settlement.Output, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM ledger.batches
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, int64(fromSequence), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []settlement.Output
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		out, err := decodeOutput(payload)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, rows.Err()
}

// LatestSequence returns the highest journaled sequence, 0 when empty.
func (s *PostgresStore) LatestSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.batches`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
