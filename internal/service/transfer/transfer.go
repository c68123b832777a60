package transfer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/logging"
	"github.com/backend-ledger/ledger/internal/obs"
)

type Request struct {
	SourceAccountID uuid.UUID
	DestAccountID   uuid.UUID
	Amount          int64
	IdempotencyKey  string
}

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeAlreadyPending   Outcome = "already_pending"
)

type Result struct {
	Transaction *domain.Transaction
	Outcome     Outcome
}

// Transfer drives a request through validation, the idempotency guard, the
// commit-time status re-check, balance derivation, and the double-entry
// commit. Steps that consume the idempotency key run inside one database
// transaction; nothing before the guard creates a record.
func (s *Service) Transfer(ctx context.Context, req Request) (*Result, error) {
	log := logging.FromContext(ctx)

	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("Transfer: %w", err)
	}

	source, dest, err := s.resolveAccounts(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Transfer: %w", err)
	}
	if source.Currency != dest.Currency {
		return nil, fmt.Errorf("Transfer: %w", domain.ErrCurrencyMismatch)
	}

	res, err := s.executeTransfer(ctx, req, source.Currency)
	if err != nil {
		return nil, fmt.Errorf("Transfer: %w", err)
	}

	if res.Outcome == OutcomeCompleted {
		log.Info("transfer completed",
			"transaction_id", res.Transaction.ID,
			"source_account", req.SourceAccountID,
			"dest_account", req.DestAccountID,
			"amount", req.Amount,
			"currency", source.Currency,
		)
	} else {
		log.Info("transfer replayed",
			"transaction_id", res.Transaction.ID,
			"outcome", res.Outcome,
			"idempotency_key", req.IdempotencyKey,
		)
	}

	return res, nil
}

func validateRequest(req Request) error {
	if req.SourceAccountID == uuid.Nil || req.DestAccountID == uuid.Nil {
		return domain.ErrInvalidRequest
	}
	if req.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		return domain.ErrMissingKey
	}
	if req.SourceAccountID == req.DestAccountID {
		return domain.ErrSelfTransfer
	}
	return nil
}

func (s *Service) resolveAccounts(ctx context.Context, req Request) (*domain.Account, *domain.Account, error) {
	source, err := s.accounts.GetByID(ctx, req.SourceAccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolveAccounts: source: %w", domain.ErrAccountNotFound)
	}
	dest, err := s.accounts.GetByID(ctx, req.DestAccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolveAccounts: dest: %w", domain.ErrAccountNotFound)
	}
	return source, dest, nil
}

func (s *Service) executeTransfer(ctx context.Context, req Request, currency domain.Currency) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commitTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("executeTransfer: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	txn := &domain.Transaction{
		ID:              uuid.New(),
		SourceAccountID: req.SourceAccountID,
		DestAccountID:   req.DestAccountID,
		Amount:          req.Amount,
		Currency:        currency,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          domain.TransactionStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, err := s.transactions.CreateIfAbsent(ctx, tx, txn)
	if err != nil {
		return nil, fmt.Errorf("executeTransfer: reserve key: %w", err)
	}
	if !created {
		existing, err := s.transactions.GetByIdempotencyKeyTx(ctx, tx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("executeTransfer: fetch existing: %w", err)
		}
		return replay(existing)
	}

	if err := s.writeEvent(ctx, tx, txn.ID, domain.TransactionEventTypeCreated, nil, now); err != nil {
		return nil, fmt.Errorf("executeTransfer: %w", err)
	}

	locked, err := lockAccountsInOrder(ctx, tx, s.accounts, req.SourceAccountID, req.DestAccountID)
	if err != nil {
		return nil, fmt.Errorf("executeTransfer: %w", err)
	}
	source, dest := locked[req.SourceAccountID], locked[req.DestAccountID]

	// Status may have changed between resolution and here; a transition
	// observed under the lock consumes the key and finalizes as failed.
	if err := verifyAccountActive(source, "source"); err != nil {
		return nil, s.finalizeFailed(ctx, tx, txn, source.UserID, err, now)
	}
	if err := verifyAccountActive(dest, "dest"); err != nil {
		return nil, s.finalizeFailed(ctx, tx, txn, source.UserID, err, now)
	}

	balance, err := s.ledger.BalanceOfTx(ctx, tx, req.SourceAccountID)
	if err != nil {
		return nil, fmt.Errorf("executeTransfer: derive balance: %w", err)
	}
	if balance < req.Amount {
		return nil, s.finalizeFailed(ctx, tx, txn, source.UserID, domain.ErrInsufficientFunds, now)
	}

	if err := s.writeEntries(ctx, tx, txn, now); err != nil {
		return nil, fmt.Errorf("executeTransfer: %w", err)
	}

	if err := s.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusCompleted, nil, &now); err != nil {
		return nil, fmt.Errorf("executeTransfer: complete: %w", err)
	}
	if err := s.writeEvent(ctx, tx, txn.ID, domain.TransactionEventTypeCompleted, nil, now); err != nil {
		return nil, fmt.Errorf("executeTransfer: %w", err)
	}
	if err := s.enqueueNotification(ctx, tx, txn, dest.UserID, txn.SourceAccountID, "completed", now); err != nil {
		return nil, fmt.Errorf("executeTransfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("executeTransfer: commit: %w", err)
	}

	obs.ObserveTransfer(string(domain.TransactionStatusCompleted))

	txn.Status = domain.TransactionStatusCompleted
	txn.CompletedAt = &now
	return &Result{Transaction: txn, Outcome: OutcomeCompleted}, nil
}

// replay maps an existing record's disposition to a response without
// re-running any transfer work.
func replay(existing *domain.Transaction) (*Result, error) {
	switch existing.Status {
	case domain.TransactionStatusCompleted:
		return &Result{Transaction: existing, Outcome: OutcomeAlreadyCompleted}, nil
	case domain.TransactionStatusPending:
		return &Result{Transaction: existing, Outcome: OutcomeAlreadyPending}, nil
	case domain.TransactionStatusReversed:
		return nil, fmt.Errorf("replay: %w", domain.ErrPriorAttemptReversed)
	default:
		return nil, fmt.Errorf("replay: %w", domain.ErrPriorAttemptFailed)
	}
}

// finalizeFailed commits the transaction as failed so the idempotency key
// stays consumed, then surfaces cause to the caller.
func (s *Service) finalizeFailed(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, notifyUserID uuid.UUID, cause error, now time.Time) error {
	reason := cause.Error()
	if err := s.transactions.UpdateStatus(ctx, tx, txn.ID, domain.TransactionStatusFailed, &reason, nil); err != nil {
		return fmt.Errorf("finalizeFailed: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})
	if err := s.writeEvent(ctx, tx, txn.ID, domain.TransactionEventTypeFailed, payload, now); err != nil {
		return fmt.Errorf("finalizeFailed: %w", err)
	}
	if err := s.enqueueNotification(ctx, tx, txn, notifyUserID, txn.DestAccountID, "failed", now); err != nil {
		return fmt.Errorf("finalizeFailed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalizeFailed: commit: %w", err)
	}

	obs.ObserveTransfer(string(domain.TransactionStatusFailed))
	return cause
}

func (s *Service) writeEntries(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, now time.Time) error {
	debit := &domain.LedgerEntry{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		AccountID:     txn.SourceAccountID,
		EntryType:     domain.EntryTypeDebit,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		CreatedAt:     now,
	}
	if err := s.ledger.Create(ctx, tx, debit); err != nil {
		return fmt.Errorf("writeEntries: debit: %w", err)
	}

	credit := &domain.LedgerEntry{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		AccountID:     txn.DestAccountID,
		EntryType:     domain.EntryTypeCredit,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		CreatedAt:     now,
	}
	if err := s.ledger.Create(ctx, tx, credit); err != nil {
		return fmt.Errorf("writeEntries: credit: %w", err)
	}

	return nil
}

func (s *Service) writeEvent(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID, eventType domain.TransactionEventType, payload json.RawMessage, now time.Time) error {
	event := &domain.TransactionEvent{
		ID:            uuid.New(),
		TransactionID: transactionID,
		EventType:     eventType,
		Actor:         "orchestrator",
		Payload:       payload,
		CreatedAt:     now,
	}
	if err := s.events.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("writeEvent: %w", err)
	}
	return nil
}

// enqueueNotification writes an outbox row for the recipient. The
// counterparty is the other side of the transfer as seen by the recipient,
// so callers pass it explicitly.
func (s *Service) enqueueNotification(ctx context.Context, tx *sql.Tx, txn *domain.Transaction, recipientUserID, counterpartyAccountID uuid.UUID, outcome string, now time.Time) error {
	payload, err := json.Marshal(map[string]any{
		"transaction_id":          txn.ID,
		"counterparty_account_id": counterpartyAccountID,
		"amount":                  txn.Amount,
		"currency":                txn.Currency,
		"outcome":                 outcome,
	})
	if err != nil {
		return fmt.Errorf("enqueueNotification: %w", err)
	}

	event := &domain.NotificationEvent{
		ID:              uuid.New(),
		TransactionID:   txn.ID,
		RecipientUserID: recipientUserID,
		Payload:         payload,
		Status:          domain.NotificationStatusPending,
		NextAttemptAt:   now,
		CreatedAt:       now,
	}
	if err := s.outbox.Create(ctx, tx, event); err != nil {
		return fmt.Errorf("enqueueNotification: %w", err)
	}
	return nil
}

func verifyAccountActive(acct *domain.Account, role string) error {
	if acct.Status == domain.AccountStatusFrozen {
		return fmt.Errorf("%s: %w", role, domain.ErrAccountFrozen)
	}
	if acct.Status != domain.AccountStatusActive {
		return fmt.Errorf("%s: %w", role, domain.ErrAccountClosed)
	}
	return nil
}

// lockAccountsInOrder takes FOR UPDATE locks in deterministic id order so
// two transfers touching the same pair cannot deadlock.
func lockAccountsInOrder(ctx context.Context, tx *sql.Tx, accounts accountRepo, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	sorted := make([]uuid.UUID, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	result := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range sorted {
		acct, err := accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			return nil, fmt.Errorf("lockAccountsInOrder: %w", err)
		}
		result[id] = acct
	}
	return result, nil
}
