package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/obs"
)

const dispatchBatchSize = 25

type notificationRepo interface {
	GetPending(ctx context.Context, limit int) ([]domain.NotificationEvent, error)
	MarkDispatched(ctx context.Context, id uuid.UUID) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

type userRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// Message is the rendered notification handed to a Sender. The counterparty
// account is the other side of the transfer as seen by the recipient.
type Message struct {
	NotificationID        uuid.UUID `json:"notification_id"`
	TransactionID         uuid.UUID `json:"transaction_id"`
	RecipientEmail        string    `json:"recipient_email"`
	CounterpartyAccountID uuid.UUID `json:"counterparty_account_id"`
	Outcome               string    `json:"outcome"`
	Amount                string    `json:"amount"`
	Currency              string    `json:"currency"`
	SentAt                time.Time `json:"sent_at"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Dispatcher drains the notification outbox. Delivery is at-least-once:
// a crash between Send and MarkDispatched re-sends on the next poll.
type Dispatcher struct {
	outbox      notificationRepo
	users       userRepo
	sender      Sender
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
}

func NewDispatcher(outbox notificationRepo, users userRepo, sender Sender, logger *slog.Logger, interval time.Duration, maxAttempts int) *Dispatcher {
	return &Dispatcher{
		outbox:      outbox,
		users:       users,
		sender:      sender,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("notification dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DispatchPending(ctx); err != nil {
				d.logger.Error("dispatch cycle failed", "error", err)
			}
		}
	}
}

// DispatchPending sends one batch of due outbox rows.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	events, err := d.outbox.GetPending(ctx, dispatchBatchSize)
	if err != nil {
		return fmt.Errorf("DispatchPending: %w", err)
	}

	for _, event := range events {
		d.dispatch(ctx, event)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event domain.NotificationEvent) {
	msg, err := d.buildMessage(ctx, event)
	if err != nil {
		// Unrenderable rows never become sendable; park them.
		d.logger.Error("notification unrenderable", "notification_id", event.ID, "error", err)
		if err := d.outbox.MarkFailed(ctx, event.ID); err != nil {
			d.logger.Error("mark failed", "notification_id", event.ID, "error", err)
		}
		obs.ObserveNotification("failed")
		return
	}

	if err := d.sender.Send(ctx, msg); err != nil {
		d.handleSendFailure(ctx, event, err)
		return
	}

	if err := d.outbox.MarkDispatched(ctx, event.ID); err != nil {
		d.logger.Error("mark dispatched", "notification_id", event.ID, "error", err)
		return
	}
	obs.ObserveNotification("dispatched")
	d.logger.Info("notification dispatched",
		"notification_id", event.ID,
		"transaction_id", event.TransactionID,
		"outcome", msg.Outcome,
	)
}

func (d *Dispatcher) handleSendFailure(ctx context.Context, event domain.NotificationEvent, sendErr error) {
	attempts := event.Attempts + 1
	if attempts >= d.maxAttempts {
		d.logger.Error("notification exhausted retries",
			"notification_id", event.ID,
			"attempts", attempts,
			"error", sendErr,
		)
		if err := d.outbox.MarkFailed(ctx, event.ID); err != nil {
			d.logger.Error("mark failed", "notification_id", event.ID, "error", err)
		}
		obs.ObserveNotification("failed")
		return
	}

	next := time.Now().UTC().Add(backoff(attempts))
	d.logger.Warn("notification send failed, retrying",
		"notification_id", event.ID,
		"attempt", attempts,
		"next_attempt_at", next,
		"error", sendErr,
	)
	if err := d.outbox.ScheduleRetry(ctx, event.ID, next); err != nil {
		d.logger.Error("schedule retry", "notification_id", event.ID, "error", err)
	}
	obs.ObserveNotification("retried")
}

type outboxPayload struct {
	TransactionID         uuid.UUID `json:"transaction_id"`
	CounterpartyAccountID uuid.UUID `json:"counterparty_account_id"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	Outcome               string    `json:"outcome"`
}

func (d *Dispatcher) buildMessage(ctx context.Context, event domain.NotificationEvent) (Message, error) {
	var payload outboxPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Message{}, fmt.Errorf("buildMessage: decode payload: %w", err)
	}

	user, err := d.users.GetByID(ctx, event.RecipientUserID)
	if err != nil {
		return Message{}, fmt.Errorf("buildMessage: recipient: %w", err)
	}

	// Amounts are stored in minor units; render as a decimal string.
	amount := decimal.NewFromInt(payload.Amount).Div(decimal.NewFromInt(100)).StringFixed(2)

	return Message{
		NotificationID:        event.ID,
		TransactionID:         event.TransactionID,
		RecipientEmail:        user.Email,
		CounterpartyAccountID: payload.CounterpartyAccountID,
		Outcome:               payload.Outcome,
		Amount:                amount,
		Currency:              payload.Currency,
		SentAt:                time.Now().UTC(),
	}, nil
}

// backoff doubles per attempt: 2s, 4s, 8s... capped at 5 minutes.
func backoff(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
