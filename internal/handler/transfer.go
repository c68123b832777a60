package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/auth"
	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/logging"
	"github.com/backend-ledger/ledger/internal/service/transfer"
)

type transferService interface {
	Transfer(ctx context.Context, req transfer.Request) (*transfer.Result, error)
	Reverse(ctx context.Context, transactionID uuid.UUID, actor string) (*domain.Transaction, error)
	GetTransactionForUser(ctx context.Context, id, userID uuid.UUID) (*domain.Transaction, error)
}

type TransferHandler struct {
	transfers transferService
}

func NewTransferHandler(transfers transferService) *TransferHandler {
	return &TransferHandler{transfers: transfers}
}

type createTransferRequest struct {
	SourceAccountID string `json:"source_account_id"`
	DestAccountID   string `json:"dest_account_id"`
	Amount          int64  `json:"amount"`
}

func (r createTransferRequest) Validate() []FieldError {
	var errs []FieldError

	if r.SourceAccountID == "" {
		errs = append(errs, FieldError{Field: "source_account_id", Message: "required"})
	} else if _, err := uuid.Parse(r.SourceAccountID); err != nil {
		errs = append(errs, FieldError{Field: "source_account_id", Message: "must be a valid uuid"})
	}

	if r.DestAccountID == "" {
		errs = append(errs, FieldError{Field: "dest_account_id", Message: "required"})
	} else if _, err := uuid.Parse(r.DestAccountID); err != nil {
		errs = append(errs, FieldError{Field: "dest_account_id", Message: "must be a valid uuid"})
	}

	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}

	return errs
}

type transactionDTO struct {
	ID              uuid.UUID  `json:"id"`
	SourceAccountID uuid.UUID  `json:"source_account_id"`
	DestAccountID   uuid.UUID  `json:"dest_account_id"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toTransactionDTO(t *domain.Transaction) transactionDTO {
	return transactionDTO{
		ID:              t.ID,
		SourceAccountID: t.SourceAccountID,
		DestAccountID:   t.DestAccountID,
		Amount:          t.Amount,
		Currency:        string(t.Currency),
		Status:          string(t.Status),
		FailureReason:   t.FailureReason,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
	}
}

func (h *TransferHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		RespondAppError(w, ErrMissingIdempotencyKey, nil)
		return
	}

	var req createTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	sourceID, _ := uuid.Parse(req.SourceAccountID)
	destID, _ := uuid.Parse(req.DestAccountID)

	res, err := h.transfers.Transfer(r.Context(), transfer.Request{
		SourceAccountID: sourceID,
		DestAccountID:   destID,
		Amount:          req.Amount,
		IdempotencyKey:  idempotencyKey,
	})
	if err != nil {
		log.Warn("transfer failed", "error", err, "user_id", userID)
		RespondDomainError(w, err)
		return
	}

	// Replays of a committed transfer return the original record with 200;
	// a still-pending replay gets 202.
	status := http.StatusCreated
	switch res.Outcome {
	case transfer.OutcomeAlreadyCompleted:
		status = http.StatusOK
	case transfer.OutcomeAlreadyPending:
		status = http.StatusAccepted
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", res.Transaction.ID))
	RespondSuccess(w, status, toTransactionDTO(res.Transaction))
}

func (h *TransferHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	t, err := h.transfers.GetTransactionForUser(r.Context(), id, userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(t))
}

func (h *TransferHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	// Ownership check before reversal: only a party to the transaction may
	// reverse it.
	if _, err := h.transfers.GetTransactionForUser(r.Context(), id, userID); err != nil {
		RespondDomainError(w, err)
		return
	}

	t, err := h.transfers.Reverse(r.Context(), id, fmt.Sprintf("user:%s", userID))
	if err != nil {
		log.Warn("reversal failed", "error", err, "transaction_id", id)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toTransactionDTO(t))
}
