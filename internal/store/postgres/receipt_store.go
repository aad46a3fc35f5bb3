package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// ReceiptStore implements domain.ReceiptStore using PostgreSQL. Receipts
// are append-only; the delta sets are stored as JSONB alongside the
// indexed header columns.
type ReceiptStore struct {
	pool *pgxpool.Pool
}

// NewReceiptStore creates a ReceiptStore backed by the given connection pool.
func NewReceiptStore(pool *pgxpool.Pool) *ReceiptStore {
	return &ReceiptStore{pool: pool}
}

// receiptBody is the JSONB portion of a persisted receipt.
type receiptBody struct {
	BalanceDeltas []domain.BalanceDelta `json:"balance_deltas,omitempty"`
	HoldingDeltas []domain.HoldingDelta `json:"holding_deltas,omitempty"`
	LPShareDeltas []domain.LPShareDelta `json:"lp_share_deltas,omitempty"`
	PoolDeltas    []domain.PoolDelta    `json:"pool_deltas,omitempty"`
	DepositDeltas []domain.DepositDelta `json:"deposit_deltas,omitempty"`
	StatusChanges []domain.StatusChange `json:"status_changes,omitempty"`
	Detail        map[string]any        `json:"detail,omitempty"`
}

// Append persists a committed receipt.
func (s *ReceiptStore) Append(ctx context.Context, r domain.Receipt) error {
	body, err := json.Marshal(receiptBody{
		BalanceDeltas: r.BalanceDeltas,
		HoldingDeltas: r.HoldingDeltas,
		LPShareDeltas: r.LPShareDeltas,
		PoolDeltas:    r.PoolDeltas,
		DepositDeltas: r.DepositDeltas,
		StatusChanges: r.StatusChanges,
		Detail:        r.Detail,
	})
	if err != nil {
		return fmt.Errorf("postgres: marshal receipt %s: %w", r.ID, err)
	}

	const query = `
		INSERT INTO receipts (id, kind, sender, nonce, applied_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, query, r.ID, string(r.Kind), r.Sender, int64(r.Nonce), r.AppliedAt, body)
	if err != nil {
		return fmt.Errorf("postgres: append receipt %s: %w", r.ID, err)
	}
	return nil
}

// GetByID fetches one receipt. It returns domain.ErrNotFound when no
// receipt has the given id.
func (s *ReceiptStore) GetByID(ctx context.Context, id string) (domain.Receipt, error) {
	const query = `SELECT id, kind, sender, nonce, applied_at, body FROM receipts WHERE id = $1`
	r, err := scanReceipt(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Receipt{}, domain.ErrNotFound
		}
		return domain.Receipt{}, fmt.Errorf("postgres: get receipt %s: %w", id, err)
	}
	return r, nil
}

// ListRecent returns receipts newest first, with pagination and optional
// time filtering.
func (s *ReceiptStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Receipt, error) {
	query := `SELECT id, kind, sender, nonce, applied_at, body FROM receipts WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND applied_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND applied_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY applied_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	return s.queryReceipts(ctx, query, args...)
}

// ListBefore returns up to limit receipts applied before cutoff, oldest
// first. The archiver drains the journal in these batches.
func (s *ReceiptStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Receipt, error) {
	const query = `
		SELECT id, kind, sender, nonce, applied_at, body FROM receipts
		WHERE applied_at < $1
		ORDER BY applied_at ASC
		LIMIT $2`
	return s.queryReceipts(ctx, query, cutoff, limit)
}

// DeleteBefore removes receipts applied before cutoff, returning how many
// were deleted. Called only after the batch has been archived.
func (s *ReceiptStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM receipts WHERE applied_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete receipts before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

func (s *ReceiptStore) queryReceipts(ctx context.Context, query string, args ...any) ([]domain.Receipt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list receipts rows: %w", err)
	}
	return receipts, nil
}

func scanReceipt(row pgx.Row) (domain.Receipt, error) {
	var (
		r        domain.Receipt
		kind     string
		nonce    int64
		bodyJSON []byte
	)
	if err := row.Scan(&r.ID, &kind, &r.Sender, &nonce, &r.AppliedAt, &bodyJSON); err != nil {
		return domain.Receipt{}, err
	}
	r.Kind = domain.InstructionKind(kind)
	r.Nonce = uint64(nonce)

	var body receiptBody
	if err := json.Unmarshal(bodyJSON, &body); err != nil {
		return domain.Receipt{}, fmt.Errorf("unmarshal body: %w", err)
	}
	r.BalanceDeltas = body.BalanceDeltas
	r.HoldingDeltas = body.HoldingDeltas
	r.LPShareDeltas = body.LPShareDeltas
	r.PoolDeltas = body.PoolDeltas
	r.DepositDeltas = body.DepositDeltas
	r.StatusChanges = body.StatusChanges
	r.Detail = body.Detail
	return r, nil
}

// Compile-time interface check.
var _ domain.ReceiptStore = (*ReceiptStore)(nil)
