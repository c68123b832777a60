package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
)

type transactionRepo interface {
	CreateIfAbsent(ctx context.Context, tx *sql.Tx, txn *domain.Transaction) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Transaction, error)
	GetByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status domain.TransactionStatus, failureReason *string, completedAt *time.Time) error
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error)
	FinalizeIfPending(ctx context.Context, tx *sql.Tx, id uuid.UUID, reason string) (bool, error)
}

type accountRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Account, error)
}

type ledgerRepo interface {
	Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error
	BalanceOfTx(ctx context.Context, tx *sql.Tx, accountID uuid.UUID) (int64, error)
}

type eventRepo interface {
	Create(ctx context.Context, tx *sql.Tx, event *domain.TransactionEvent) error
}

type outboxRepo interface {
	Create(ctx context.Context, tx *sql.Tx, event *domain.NotificationEvent) error
}

// Service is the transaction orchestrator: the only component that writes
// ledger entries. All mutual exclusion lives in the database commit; the
// service holds no in-process locks.
type Service struct {
	transactions  transactionRepo
	accounts      accountRepo
	ledger        ledgerRepo
	events        eventRepo
	outbox        outboxRepo
	db            *sql.DB
	commitTimeout time.Duration
}

func NewService(
	transactions transactionRepo,
	accounts accountRepo,
	ledger ledgerRepo,
	events eventRepo,
	outbox outboxRepo,
	db *sql.DB,
	commitTimeout time.Duration,
) *Service {
	return &Service{
		transactions:  transactions,
		accounts:      accounts,
		ledger:        ledger,
		events:        events,
		outbox:        outbox,
		db:            db,
		commitTimeout: commitTimeout,
	}
}

func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

// GetTransactionForUser returns the transaction only if the user owns one
// of the two accounts involved.
func (s *Service) GetTransactionForUser(ctx context.Context, id, userID uuid.UUID) (*domain.Transaction, error) {
	t, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetTransactionForUser: %w", err)
	}

	for _, accountID := range []uuid.UUID{t.SourceAccountID, t.DestAccountID} {
		acct, err := s.accounts.GetByID(ctx, accountID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("GetTransactionForUser: %w", err)
		}
		if acct.UserID == userID {
			return t, nil
		}
	}

	return nil, fmt.Errorf("GetTransactionForUser: %w", domain.ErrNotFound)
}
