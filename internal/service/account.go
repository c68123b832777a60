package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/logging"
)

type accountRepo interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.AccountStatus) error
}

type ledgerRepo interface {
	BalanceOf(ctx context.Context, accountID uuid.UUID) (int64, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error)
}

// Balance is a point-in-time fold of an account's ledger entries. It is
// derived on every read; no balance is ever stored.
type Balance struct {
	AccountID uuid.UUID
	Amount    int64
	Currency  domain.Currency
}

type AccountService struct {
	accounts accountRepo
	ledger   ledgerRepo
}

func NewAccountService(accounts accountRepo, ledger ledgerRepo) *AccountService {
	return &AccountService{accounts: accounts, ledger: ledger}
}

func (s *AccountService) CreateAccount(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Account, error) {
	if !currency.IsValid() {
		return nil, fmt.Errorf("CreateAccount: %q: %w", currency, domain.ErrInvalidCurrency)
	}

	account := &domain.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  currency,
		Status:    domain.AccountStatusActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("CreateAccount: %w", err)
	}

	logging.FromContext(ctx).Info("account created",
		"account_id", account.ID,
		"user_id", userID,
		"currency", currency,
	)
	return account, nil
}

// GetAccount returns the account only to its owner. Non-owners get the same
// not-found as a nonexistent id, so account ids cannot be probed.
func (s *AccountService) GetAccount(ctx context.Context, id, userID uuid.UUID) (*domain.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetAccount: %w", err)
	}
	if account.UserID != userID {
		return nil, fmt.Errorf("GetAccount: %w", domain.ErrNotFound)
	}
	return account, nil
}

func (s *AccountService) ListAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	accounts, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ListAccounts: %w", err)
	}
	return accounts, nil
}

func (s *AccountService) GetBalance(ctx context.Context, accountID, userID uuid.UUID) (*Balance, error) {
	account, err := s.GetAccount(ctx, accountID, userID)
	if err != nil {
		return nil, fmt.Errorf("GetBalance: %w", err)
	}

	amount, err := s.ledger.BalanceOf(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("GetBalance: %w", err)
	}

	return &Balance{
		AccountID: account.ID,
		Amount:    amount,
		Currency:  account.Currency,
	}, nil
}

func (s *AccountService) ListEntries(ctx context.Context, accountID, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error) {
	if _, err := s.GetAccount(ctx, accountID, userID); err != nil {
		return nil, 0, fmt.Errorf("ListEntries: %w", err)
	}

	entries, total, err := s.ledger.GetByAccountID(ctx, accountID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEntries: %w", err)
	}
	return entries, total, nil
}

func (s *AccountService) Freeze(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error) {
	return s.transition(ctx, accountID, userID, domain.AccountStatusFrozen)
}

func (s *AccountService) Unfreeze(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error) {
	return s.transition(ctx, accountID, userID, domain.AccountStatusActive)
}

func (s *AccountService) Close(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error) {
	return s.transition(ctx, accountID, userID, domain.AccountStatusClosed)
}

func (s *AccountService) transition(ctx context.Context, accountID, userID uuid.UUID, to domain.AccountStatus) (*domain.Account, error) {
	account, err := s.GetAccount(ctx, accountID, userID)
	if err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}

	if !validTransition(account.Status, to) {
		return nil, fmt.Errorf("transition: %s -> %s: %w", account.Status, to, domain.ErrInvalidTransition)
	}

	if err := s.accounts.UpdateStatus(ctx, accountID, to); err != nil {
		return nil, fmt.Errorf("transition: %w", err)
	}

	logging.FromContext(ctx).Info("account status changed",
		"account_id", accountID,
		"from", account.Status,
		"to", to,
	)
	account.Status = to
	return account, nil
}

// Closed is terminal. Frozen toggles with active; either can close.
func validTransition(from, to domain.AccountStatus) bool {
	switch from {
	case domain.AccountStatusActive:
		return to == domain.AccountStatusFrozen || to == domain.AccountStatusClosed
	case domain.AccountStatusFrozen:
		return to == domain.AccountStatusActive || to == domain.AccountStatusClosed
	default:
		return false
	}
}
