package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/domain"
)

const notificationColumns = `id, transaction_id, recipient_user_id, payload, status,
	attempts, next_attempt_at, created_at`

type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create enqueues an outbox row. Callers pass the commit transaction so the
// row becomes visible if and only if the financial commit does.
func (r *NotificationRepository) Create(ctx context.Context, tx *sql.Tx, event *domain.NotificationEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO notification_events (
			id, transaction_id, recipient_user_id, payload, status,
			attempts, next_attempt_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.TransactionID, event.RecipientUserID, event.Payload,
		event.Status, event.Attempts, event.NextAttemptAt, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *NotificationRepository) GetPending(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notification_events
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("GetPending: %w", err)
	}
	defer rows.Close()

	var events []domain.NotificationEvent
	for rows.Next() {
		e, err := scanNotificationEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetPending: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetPending: rows: %w", err)
	}
	return events, nil
}

func (r *NotificationRepository) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_events SET status = 'dispatched', attempts = attempts + 1
		WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("MarkDispatched: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ScheduleRetry(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_events SET attempts = attempts + 1, next_attempt_at = $1
		WHERE id = $2`, nextAttemptAt, id,
	)
	if err != nil {
		return fmt.Errorf("ScheduleRetry: %w", err)
	}
	return nil
}

func (r *NotificationRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notification_events SET status = 'failed', attempts = attempts + 1
		WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("MarkFailed: %w", err)
	}
	return nil
}

func scanNotificationEvent(s scanner) (*domain.NotificationEvent, error) {
	var e domain.NotificationEvent
	err := s.Scan(
		&e.ID, &e.TransactionID, &e.RecipientUserID, &e.Payload, &e.Status,
		&e.Attempts, &e.NextAttemptAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
