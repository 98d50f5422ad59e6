package projection

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore writes read models into ledger.operations and
// ledger.queue_entries, one transaction per update.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if row := u.Operation; row != nil {
		var queueSeq interface{}
		if row.QueueSeq != nil {
			queueSeq = int64(*row.QueueSeq)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.operations
				(operation_id, kind, account, destination, amount, status, reason, receipt,
				 queue_seq, created_us, updated_us, last_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (operation_id) DO UPDATE SET
				status = EXCLUDED.status,
				reason = EXCLUDED.reason,
				receipt = EXCLUDED.receipt,
				updated_us = EXCLUDED.updated_us,
				last_seq = EXCLUDED.last_seq
			WHERE ledger.operations.last_seq < EXCLUDED.last_seq
		`, row.ID, row.Kind, row.Account.Hex(), row.Destination.Hex(), row.Amount.String(),
			row.Status, row.Reason, row.Receipt, queueSeq, row.CreatedAt, row.UpdatedAt, int64(row.LastSeq),
		); err != nil {
			return fmt.Errorf("operation projection: %w", err)
		}
	}

	if row := u.QueueEntry; row != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger.queue_entries
				(seq, account, destination, amount, status, attempts, reason, last_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (seq) DO UPDATE SET
				status = EXCLUDED.status,
				attempts = EXCLUDED.attempts,
				reason = EXCLUDED.reason,
				last_seq = EXCLUDED.last_seq
			WHERE ledger.queue_entries.last_seq < EXCLUDED.last_seq
		`, int64(row.Seq), row.Account.Hex(), row.Destination.Hex(), row.Amount.String(),
			row.Status, row.Attempts, row.Reason, int64(row.LastSeq),
		); err != nil {
			return fmt.Errorf("queue projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.projection_watermark (projection, last_seq, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (projection) DO UPDATE SET
			last_seq = GREATEST(ledger.projection_watermark.last_seq, EXCLUDED.last_seq),
			updated_at = NOW()
	`, int64(u.Sequence)); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Watermark(ctx context.Context) (uint64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM ledger.projection_watermark WHERE projection = 'main'`,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE ledger.operations`,
		`TRUNCATE ledger.queue_entries`,
		`DELETE FROM ledger.projection_watermark WHERE projection = 'main'`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	return nil
}

