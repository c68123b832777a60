package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
)

const transactionColumns = `id, source_account_id, dest_account_id, amount, currency,
	idempotency_key, status, failure_reason, created_at, updated_at, completed_at`

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreateIfAbsent is the idempotency guard: a single conditional insert on
// the idempotency_key uniqueness constraint. It reports false when the key
// is already taken, without touching the existing row. Two racing requests
// with the same key get exactly one true.
func (r *TransactionRepository) CreateIfAbsent(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (
			id, source_account_id, dest_account_id, amount, currency,
			idempotency_key, status, failure_reason, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		txn.ID, txn.SourceAccountID, txn.DestAccountID, txn.Amount, txn.Currency,
		txn.IdempotencyKey, txn.Status, txn.FailureReason, txn.CreatedAt, txn.UpdatedAt, txn.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("CreateIfAbsent: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("CreateIfAbsent: rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.getByID(ctx, r.db, id)
}

func (r *TransactionRepository) GetByIDTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error) {
	return r.getByID(ctx, tx, id)
}

func (r *TransactionRepository) getByID(ctx context.Context, q querier, id uuid.UUID) (*domain.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return t, nil
}

// GetForUpdate locks the transaction row so concurrent reversals of the
// same transaction serialize.
func (r *TransactionRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return r.getByIdempotencyKey(ctx, r.db, key)
}

func (r *TransactionRepository) GetByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*domain.Transaction, error) {
	return r.getByIdempotencyKey(ctx, tx, key)
}

func (r *TransactionRepository) getByIdempotencyKey(ctx context.Context, q querier, key string) (*domain.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key,
	)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByIdempotencyKey: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByIdempotencyKey: %w", err)
	}
	return t, nil
}

func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, completed_at = $3, updated_at = now()
		WHERE id = $4`,
		status, failureReason, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrNotFound)
	}
	return nil
}

// ListPendingBefore returns transactions stuck in pending since before the
// cutoff. Used by the reconciler; a row younger than the cutoff may still be
// mid-commit and must not be touched.
func (r *TransactionRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListPendingBefore: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPendingBefore: scan: %w", err)
		}
		txns = append(txns, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPendingBefore: rows: %w", err)
	}
	return txns, nil
}

// FinalizeIfPending flips a pending transaction to failed and reports
// whether the row was still pending. A concurrent commit that won the race
// leaves the row terminal and the call is a no-op.
func (r *TransactionRepository) FinalizeIfPending(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = 'failed', failure_reason = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'`,
		reason, id,
	)
	if err != nil {
		return false, fmt.Errorf("FinalizeIfPending: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("FinalizeIfPending: rows affected: %w", err)
	}
	return rows == 1, nil
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var t domain.Transaction
	err := s.Scan(
		&t.ID, &t.SourceAccountID, &t.DestAccountID, &t.Amount, &t.Currency,
		&t.IdempotencyKey, &t.Status, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
