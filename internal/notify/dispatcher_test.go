package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backend-ledger/ledger/internal/domain"
)

type fakeOutbox struct {
	pending    []domain.NotificationEvent
	dispatched []uuid.UUID
	retried    map[uuid.UUID]time.Time
	failed     []uuid.UUID
}

func newFakeOutbox(events ...domain.NotificationEvent) *fakeOutbox {
	return &fakeOutbox{pending: events, retried: map[uuid.UUID]time.Time{}}
}

func (f *fakeOutbox) GetPending(ctx context.Context, limit int) ([]domain.NotificationEvent, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	f.dispatched = append(f.dispatched, id)
	return nil
}

func (f *fakeOutbox) ScheduleRetry(ctx context.Context, id uuid.UUID, next time.Time) error {
	f.retried[id] = next
	return nil
}

func (f *fakeOutbox) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakeUsers struct {
	users map[uuid.UUID]*domain.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

type fakeSender struct {
	sent []Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func pendingEvent(t *testing.T, recipientID, counterpartyID uuid.UUID, amount int64) domain.NotificationEvent {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"transaction_id":          uuid.New(),
		"counterparty_account_id": counterpartyID,
		"amount":                  amount,
		"currency":                "USD",
		"outcome":                 "completed",
	})
	require.NoError(t, err)

	return domain.NotificationEvent{
		ID:              uuid.New(),
		TransactionID:   uuid.New(),
		RecipientUserID: recipientID,
		Payload:         payload,
		Status:          domain.NotificationStatusPending,
		NextAttemptAt:   time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
	}
}

func TestDispatchPending_SendsAndMarks(t *testing.T) {
	recipient := &domain.User{ID: uuid.New(), Email: "bob@test.com", Name: "Bob"}
	counterparty := uuid.New()
	event := pendingEvent(t, recipient.ID, counterparty, 4000)

	outbox := newFakeOutbox(event)
	users := &fakeUsers{users: map[uuid.UUID]*domain.User{recipient.ID: recipient}}
	sender := &fakeSender{}

	d := NewDispatcher(outbox, users, sender, slog.Default(), time.Second, 5)
	require.NoError(t, d.DispatchPending(context.Background()))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "bob@test.com", msg.RecipientEmail)
	assert.Equal(t, counterparty, msg.CounterpartyAccountID)
	assert.Equal(t, "completed", msg.Outcome)
	assert.Equal(t, "40.00", msg.Amount)
	assert.Equal(t, "USD", msg.Currency)

	assert.Equal(t, []uuid.UUID{event.ID}, outbox.dispatched)
	assert.Empty(t, outbox.retried)
	assert.Empty(t, outbox.failed)
}

func TestDispatchPending_RetriesWithBackoff(t *testing.T) {
	recipient := &domain.User{ID: uuid.New(), Email: "bob@test.com", Name: "Bob"}
	event := pendingEvent(t, recipient.ID, uuid.New(), 1000)

	outbox := newFakeOutbox(event)
	users := &fakeUsers{users: map[uuid.UUID]*domain.User{recipient.ID: recipient}}
	sender := &fakeSender{err: errors.New("connection refused")}

	d := NewDispatcher(outbox, users, sender, slog.Default(), time.Second, 5)
	require.NoError(t, d.DispatchPending(context.Background()))

	assert.Empty(t, outbox.dispatched)
	assert.Empty(t, outbox.failed)

	next, ok := outbox.retried[event.ID]
	require.True(t, ok)
	assert.True(t, next.After(time.Now().UTC()))
}

func TestDispatchPending_ExhaustsAttempts(t *testing.T) {
	recipient := &domain.User{ID: uuid.New(), Email: "bob@test.com", Name: "Bob"}
	event := pendingEvent(t, recipient.ID, uuid.New(), 1000)
	event.Attempts = 4

	outbox := newFakeOutbox(event)
	users := &fakeUsers{users: map[uuid.UUID]*domain.User{recipient.ID: recipient}}
	sender := &fakeSender{err: errors.New("connection refused")}

	d := NewDispatcher(outbox, users, sender, slog.Default(), time.Second, 5)
	require.NoError(t, d.DispatchPending(context.Background()))

	assert.Equal(t, []uuid.UUID{event.ID}, outbox.failed)
	assert.Empty(t, outbox.retried)
}

func TestDispatchPending_UnknownRecipientParksRow(t *testing.T) {
	event := pendingEvent(t, uuid.New(), uuid.New(), 1000)

	outbox := newFakeOutbox(event)
	users := &fakeUsers{users: map[uuid.UUID]*domain.User{}}
	sender := &fakeSender{}

	d := NewDispatcher(outbox, users, sender, slog.Default(), time.Second, 5)
	require.NoError(t, d.DispatchPending(context.Background()))

	assert.Empty(t, sender.sent)
	assert.Equal(t, []uuid.UUID{event.ID}, outbox.failed)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoff(1))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 8*time.Second, backoff(3))
	assert.Equal(t, 5*time.Minute, backoff(20))
}

func TestWebhookSender(t *testing.T) {
	var received Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "ledger-notify/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	msg := Message{
		NotificationID:        uuid.New(),
		TransactionID:         uuid.New(),
		RecipientEmail:        "bob@test.com",
		CounterpartyAccountID: uuid.New(),
		Outcome:               "completed",
		Amount:                "40.00",
		Currency:              "USD",
		SentAt:                time.Now().UTC(),
	}

	sender := NewWebhookSender(srv.URL)
	require.NoError(t, sender.Send(context.Background(), msg))
	assert.Equal(t, msg.RecipientEmail, received.RecipientEmail)
	assert.Equal(t, msg.CounterpartyAccountID, received.CounterpartyAccountID)
	assert.Equal(t, msg.Amount, received.Amount)
}

func TestWebhookSender_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL)
	err := sender.Send(context.Background(), Message{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
