package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TransactionEventType string

const (
	TransactionEventTypeCreated   TransactionEventType = "created"
	TransactionEventTypeCompleted TransactionEventType = "completed"
	TransactionEventTypeFailed    TransactionEventType = "failed"
	TransactionEventTypeReversed  TransactionEventType = "reversed"
)

// TransactionEvent is an append-only audit record of a status change.
type TransactionEvent struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	EventType     TransactionEventType
	Actor         string
	Payload       json.RawMessage
	CreatedAt     time.Time
}
