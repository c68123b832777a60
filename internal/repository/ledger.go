package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
)

const ledgerColumns = `id, transaction_id, account_id, entry_type, amount, currency, created_at`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (
			id, transaction_id, account_id, entry_type, amount, currency, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.TransactionID, entry.AccountID, entry.EntryType,
		entry.Amount, entry.Currency, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// BalanceOf folds the account's full entry history: credits minus debits.
// An account with no entries has balance zero.
func (r *LedgerRepository) BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return balanceOf(ctx, r.db, accountID)
}

// BalanceOfTx evaluates the same fold inside tx. Called after the account
// row is locked FOR UPDATE, so the result cannot be stale relative to a
// concurrently committing transfer.
func (r *LedgerRepository) BalanceOfTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID) (int64, error) {
	return balanceOf(ctx, tx, accountID)
}

func balanceOf(ctx context.Context, q querier, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END), 0)
		FROM ledger_entries WHERE account_id = $1`,
		accountID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balanceOf: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepository) GetByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1`, accountID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByAccountID: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("GetByAccountID: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("GetByAccountID: scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("GetByAccountID: rows: %w", err)
	}
	return entries, total, nil
}

func (r *LedgerRepository) GetByTransactionID(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE transaction_id = $1 ORDER BY created_at`, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByTransactionID: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("GetByTransactionID: scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetByTransactionID: rows: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(s scanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := s.Scan(
		&e.ID, &e.TransactionID, &e.AccountID, &e.EntryType,
		&e.Amount, &e.Currency, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
