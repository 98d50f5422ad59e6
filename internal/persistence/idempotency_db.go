package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresDepositChecker is the durable dedup tier: a deposit id is a
// duplicate once its batch has been journaled.
type PostgresDepositChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresDepositChecker(db *sql.DB) *PostgresDepositChecker {
	return &PostgresDepositChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether depositID is already in ledger.deposits.
func (c *PostgresDepositChecker) IsDuplicate(ctx context.Context, depositID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger.deposits WHERE deposit_id = $1 LIMIT 1`, depositID,
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentDepositIDs returns up to limit of the newest deposit ids, for
// warming the in-memory tier on restart.
func (c *PostgresDepositChecker) RecentDepositIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT deposit_id FROM ledger.deposits ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
