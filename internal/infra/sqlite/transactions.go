package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/groupfinance/txengine/internal/domain"
	"github.com/shopspring/decimal"
)

var _ domain.TransactionStore = (*DB)(nil)

const txColumns = `id, kind, amount, description, category, status, payee_handle,
	request_token, receipt_token, outcome_note, created_at, updated_at,
	completed_at, owner_id, original_id`

// ─── Writes ─────────────────────────────────────────────────────────────────

// Create assigns a fresh UUID and inserts the record.
func (db *DB) Create(ctx context.Context, tx *domain.Transaction) error {
	tx.ID = uuid.NewString()
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, string(tx.Kind), tx.Amount.String(), tx.Description, string(tx.Category),
		string(tx.Status), tx.PayeeHandle, tx.GatewayRequestToken, tx.GatewayReceiptToken,
		tx.GatewayOutcomeNote, tx.CreatedAt.UnixNano(), tx.UpdatedAt.UnixNano(),
		nullableNanos(tx.CompletedAt), tx.OwnerID, tx.OriginalID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// SetRequestToken stores the gateway request token while the record is PENDING.
func (db *DB) SetRequestToken(ctx context.Context, id, token string, at time.Time) error {
	res, err := db.db.ExecContext(ctx, `
		UPDATE transactions
		SET request_token = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND status = 'PENDING'
	`, token, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("set request token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set request token: %w", err)
	}
	if n == 1 {
		return nil
	}
	if err := db.mustExist(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrNotPending, id)
}

// Finalize is the guarded terminal write. It touches the row only while its
// status is still PENDING; applied reports whether it did.
func (db *DB) Finalize(ctx context.Context, id string, f domain.Finalization) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	var completedAt any
	if f.Status.Settles() {
		completedAt = f.At.UnixNano()
	}

	res, err := db.db.ExecContext(ctx, `
		UPDATE transactions
		SET status        = ?,
		    receipt_token = CASE WHEN ? <> '' THEN ? ELSE receipt_token END,
		    outcome_note  = ?,
		    updated_at    = MAX(updated_at, ?),
		    completed_at  = COALESCE(completed_at, ?)
		WHERE id = ? AND status = 'PENDING'
	`, string(f.Status), f.ReceiptToken, f.ReceiptToken, f.Note, f.At.UnixNano(), completedAt, id)
	if err != nil {
		return false, fmt.Errorf("finalize transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize transaction: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	return false, db.mustExist(ctx, id)
}

func (db *DB) mustExist(ctx context.Context, id string) error {
	var status string
	err := db.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lookup transaction: %w", err)
	}
	return nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Get loads a single record.
func (db *DB) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// ListByOwner returns an owner's records, newest first.
func (db *DB) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Transaction, error) {
	return db.list(ctx, `WHERE owner_id = ?`, ownerID)
}

// ListAll returns every record, newest first.
func (db *DB) ListAll(ctx context.Context) ([]*domain.Transaction, error) {
	return db.list(ctx, ``)
}

// ListByStatus returns records in the given status, newest first.
func (db *DB) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Transaction, error) {
	return db.list(ctx, `WHERE status = ?`, string(status))
}

// ListPendingCreatedBefore returns PENDING records created strictly before cutoff.
func (db *DB) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Transaction, error) {
	return db.list(ctx, `WHERE status = 'PENDING' AND created_at < ?`, cutoff.UnixNano())
}

// ListByOriginal returns the corrections that reference originalID.
func (db *DB) ListByOriginal(ctx context.Context, originalID string) ([]*domain.Transaction, error) {
	if originalID == "" {
		return nil, nil
	}
	return db.list(ctx, `WHERE original_id = ?`, originalID)
}

// ListCreatedBetween returns records created within [from, to].
func (db *DB) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Transaction, error) {
	return db.list(ctx, `WHERE created_at BETWEEN ? AND ?`, from.UnixNano(), to.UnixNano())
}

func (db *DB) list(ctx context.Context, where string, args ...any) ([]*domain.Transaction, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ─── Row Mapping ────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var (
		tx                   domain.Transaction
		kind, cat, status    string
		amount               string
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := s.Scan(&tx.ID, &kind, &amount, &tx.Description, &cat, &status, &tx.PayeeHandle,
		&tx.GatewayRequestToken, &tx.GatewayReceiptToken, &tx.GatewayOutcomeNote,
		&createdAt, &updatedAt, &completedAt, &tx.OwnerID, &tx.OriginalID)
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	tx.Kind = domain.Kind(kind)
	tx.Category = domain.Category(cat)
	tx.Status = domain.Status(status)
	tx.CreatedAt = time.Unix(0, createdAt).UTC()
	tx.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		at := time.Unix(0, completedAt.Int64).UTC()
		tx.CompletedAt = &at
	}
	return &tx, nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
