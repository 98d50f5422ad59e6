package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"SafeLedger/internal/ledger"
	"SafeLedger/internal/projection"

	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Reader serves settlement history from the read models. Responses carry
// as_of_sequence: the projection watermark they reflect.
type Reader interface {
	Operation(ctx context.Context, id uuid.UUID) (*OperationResponse, error)
	History(ctx context.Context, account ledger.AccountID, limit int, before *int64) (*HistoryResponse, error)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func page(account ledger.AccountID, rows []projection.OperationRow, limit int, asOf uint64) *HistoryResponse {
	resp := &HistoryResponse{Account: account.Hex(), Operations: rows, AsOfSequence: asOf}
	if resp.Operations == nil {
		resp.Operations = []projection.OperationRow{}
	}
	if len(rows) == limit {
		next := rows[len(rows)-1].CreatedAt
		resp.NextBefore = &next
	}
	return resp
}

// === In-memory ===

// MemoryService reads a projection.MemoryStore.
type MemoryService struct {
	store *projection.MemoryStore
}

var _ Reader = (*MemoryService)(nil)

func NewMemoryService(store *projection.MemoryStore) *MemoryService {
	return &MemoryService{store: store}
}

func (s *MemoryService) Operation(ctx context.Context, id uuid.UUID) (*OperationResponse, error) {
	row, ok := s.store.Operation(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownOperation, id)
	}
	asOf, _ := s.store.Watermark(ctx)
	return &OperationResponse{OperationRow: row, AsOfSequence: asOf}, nil
}

func (s *MemoryService) History(ctx context.Context, account ledger.AccountID, limit int, before *int64) (*HistoryResponse, error) {
	limit = clampLimit(limit)
	asOf, _ := s.store.Watermark(ctx)
	return page(account, s.store.History(account, limit, before), limit, asOf), nil
}

// === Postgres ===

// QueryService provides read-only access to the Postgres projection and
// journal tables.
type QueryService struct {
	db *sql.DB
}

var _ Reader = (*QueryService)(nil)

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const operationColumns = `operation_id, kind, account, destination, amount, status, reason, receipt,
	queue_seq, created_us, updated_us, last_seq`

func scanOperation(row interface{ Scan(...interface{}) error }) (projection.OperationRow, error) {
	var (
		r                    projection.OperationRow
		account, destination string
		amount               string
		queueSeq             sql.NullInt64
		lastSeq              int64
	)
	if err := row.Scan(&r.ID, &r.Kind, &account, &destination, &amount, &r.Status, &r.Reason, &r.Receipt,
		&queueSeq, &r.CreatedAt, &r.UpdatedAt, &lastSeq); err != nil {
		return r, err
	}

	var err error
	if r.Account, err = ledger.ParseAccountID(account); err != nil {
		return r, err
	}
	if r.Destination, err = ledger.ParseAccountID(destination); err != nil {
		return r, err
	}
	if r.Amount, err = ledger.ParseAmount(amount); err != nil {
		return r, err
	}
	if queueSeq.Valid {
		seq := uint64(queueSeq.Int64)
		r.QueueSeq = &seq
	}
	r.LastSeq = uint64(lastSeq)
	return r, nil
}

// Operation returns a projected operation by id.
func (qs *QueryService) Operation(ctx context.Context, id uuid.UUID) (*OperationResponse, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row, err := scanOperation(qs.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM ledger.operations WHERE operation_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownOperation, id)
	}
	if err != nil {
		return nil, err
	}
	return &OperationResponse{OperationRow: row, AsOfSequence: asOf}, nil
}

// History returns an account's operations newest first with cursor-based
// pagination on created time.
func (qs *QueryService) History(ctx context.Context, account ledger.AccountID, limit int, before *int64) (*HistoryResponse, error) {
	limit = clampLimit(limit)
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + operationColumns + ` FROM ledger.operations WHERE account = $1`
	args := []interface{}{account.Hex()}
	argIdx := 2

	if before != nil {
		query += fmt.Sprintf(" AND created_us < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY created_us DESC, last_seq DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []projection.OperationRow
	for rows.Next() {
		r, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page(account, ops, limit, asOf), nil
}

// Journal returns journal entries for an account, newest first.
func (qs *QueryService) Journal(ctx context.Context, account ledger.AccountID, limit int, beforeSequence *uint64) ([]JournalEntry, error) {
	query := `
		SELECT entry_id, batch_id, sequence, account, kind, amount::TEXT, shares::TEXT, nonce
		FROM ledger.journal
		WHERE account = $1
	`
	args := []interface{}{ledger.AccountPath(account)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, int64(*beforeSequence))
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var seq, nonce int64
		if err := rows.Scan(
			&e.EntryID, &e.BatchID, &seq, &e.Account,
			&e.Kind, &e.Amount, &e.Shares, &nonce,
		); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Nonce = uint64(nonce)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks that the journaled hash chain is unbroken and that
// sequences are contiguous.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.batches`).Scan(&latest); err != nil {
		return nil, err
	}
	report.LatestSequence = uint64(latest.Int64)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT b1.sequence
		FROM ledger.batches b1
		JOIN ledger.batches b2 ON b2.sequence = b1.sequence - 1
		WHERE b1.prev_hash != b2.state_hash
		ORDER BY b1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, uint64(seq))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gapRows, err := qs.db.QueryContext(ctx, `
		SELECT b1.sequence + 1
		FROM ledger.batches b1
		LEFT JOIN ledger.batches b2 ON b2.sequence = b1.sequence + 1
		WHERE b2.sequence IS NULL AND b1.sequence < (SELECT MAX(sequence) FROM ledger.batches)
		ORDER BY b1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer gapRows.Close()
	for gapRows.Next() {
		var seq int64
		if err := gapRows.Scan(&seq); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, uint64(seq))
	}
	if err := gapRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (uint64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_seq FROM ledger.projection_watermark WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(seq), err
}
