package transfer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/logging"
)

// Reverse undoes a transfer. A pending transaction is flipped to reversed
// without ledger writes, since no entries exist yet. A completed transaction
// gets a compensating entry pair appended; the original entries are never
// touched. Failed and reversed transactions are terminal.
func (s *Service) Reverse(ctx context.Context, transactionID uuid.UUID, actor string) (*domain.Transaction, error) {
	log := logging.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Reverse: begin tx: %w", err)
	}
	defer tx.Rollback()

	txn, err := s.transactions.GetForUpdate(ctx, tx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	switch txn.Status {
	case domain.TransactionStatusPending, domain.TransactionStatusCompleted:
	default:
		return nil, fmt.Errorf("Reverse: status %s: %w", txn.Status, domain.ErrTransactionTerminal)
	}

	now := time.Now().UTC()

	if txn.Status == domain.TransactionStatusCompleted {
		if err := s.writeReversalEntries(ctx, tx, txn, now); err != nil {
			return nil, fmt.Errorf("Reverse: %w", err)
		}
	}

	if err := s.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusReversed, nil, txn.CompletedAt); err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"actor": actor, "prior_status": string(txn.Status)})
	event := &domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		EventType:     domain.TransactionEventTypeReversed,
		Actor:         actor,
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := s.events.Create(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("Reverse: %w", err)
	}

	if txn.Status == domain.TransactionStatusCompleted {
		source, err := s.accounts.GetForUpdate(ctx, tx, txn.SourceAccountID)
		if err != nil {
			return nil, fmt.Errorf("Reverse: %w", err)
		}
		if err := s.enqueueNotification(ctx, tx, txn, source.UserID, txn.DestAccountID, "reversed", now); err != nil {
			return nil, fmt.Errorf("Reverse: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Reverse: commit: %w", err)
	}

	log.Info("transfer reversed",
		"transaction_id", txn.ID,
		"prior_status", txn.Status,
		"actor", actor,
	)

	txn.Status = domain.TransactionStatusReversed
	txn.UpdatedAt = now
	return txn, nil
}

// writeReversalEntries appends the compensating pair: credit back the source,
// debit the destination. The destination must still hold the funds, otherwise
// the reversal would drive its derived balance negative.
func (s *Service) writeReversalEntries(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, now time.Time) error {
	if _, err := lockAccountsInOrder(ctx, tx, s.accounts, txn.SourceAccountID, txn.DestAccountID); err != nil {
		return fmt.Errorf("writeReversalEntries: %w", err)
	}

	destBalance, err := s.ledger.BalanceOfTx(ctx, tx, txn.DestAccountID)
	if err != nil {
		return fmt.Errorf("writeReversalEntries: derive balance: %w", err)
	}
	if destBalance < txn.Amount {
		return fmt.Errorf("writeReversalEntries: dest: %w", domain.ErrInsufficientFunds)
	}

	debit := &domain.LedgerEntry{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		AccountID:     txn.DestAccountID,
		EntryType:     domain.EntryTypeDebit,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		CreatedAt:     now,
	}
	if err := s.ledger.Create(ctx, tx, debit); err != nil {
		return fmt.Errorf("writeReversalEntries: debit: %w", err)
	}

	credit := &domain.LedgerEntry{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		AccountID:     txn.SourceAccountID,
		EntryType:     domain.EntryTypeCredit,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		CreatedAt:     now,
	}
	if err := s.ledger.Create(ctx, tx, credit); err != nil {
		return fmt.Errorf("writeReversalEntries: credit: %w", err)
	}

	return nil
}
