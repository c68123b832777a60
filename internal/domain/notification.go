package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusPending    NotificationStatus = "pending"
	NotificationStatusDispatched NotificationStatus = "dispatched"
	NotificationStatusFailed     NotificationStatus = "failed"
)

// NotificationEvent is an outbox row. It is written in the same database
// transaction as the transfer it describes, so a notification exists if and
// only if the outcome it reports was committed.
type NotificationEvent struct {
	ID              uuid.UUID
	TransactionID   uuid.UUID
	RecipientUserID uuid.UUID
	Payload         json.RawMessage
	Status          NotificationStatus
	Attempts        int
	NextAttemptAt   time.Time
	CreatedAt       time.Time
}
