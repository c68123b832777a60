package domain

import (
	"time"

	"github.com/google/uuid"
)

type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

func (c Currency) IsValid() bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP:
		return true
	default:
		return false
	}
}

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusFrozen AccountStatus = "frozen"
	AccountStatusClosed AccountStatus = "closed"
)

// Account carries no balance column. The balance is derived by folding the
// account's ledger entries; see LedgerRepository.BalanceOf.
type Account struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Currency  Currency
	Status    AccountStatus
	CreatedAt time.Time
}
