package domain

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusFailed || s == TransactionStatusReversed
}

// Transaction is the intent record for a transfer. The idempotency key is
// unique across all transactions regardless of status; a consumed key is
// never freed.
type Transaction struct {
	ID              uuid.UUID
	SourceAccountID uuid.UUID
	DestAccountID   uuid.UUID
	Amount          int64
	Currency        Currency
	IdempotencyKey  string
	Status          TransactionStatus
	FailureReason   *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}
