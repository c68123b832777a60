package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/backend-ledger/ledger/internal/auth"
	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/logging"
	"github.com/backend-ledger/ledger/internal/service"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type accountService interface {
	CreateAccount(ctx context.Context, userID uuid.UUID, currency domain.Currency) (*domain.Account, error)
	GetAccount(ctx context.Context, id, userID uuid.UUID) (*domain.Account, error)
	ListAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
	GetBalance(ctx context.Context, accountID, userID uuid.UUID) (*service.Balance, error)
	ListEntries(ctx context.Context, accountID, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, int, error)
	Freeze(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error)
	Unfreeze(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error)
	Close(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error)
}

type AccountHandler struct {
	accounts accountService
}

func NewAccountHandler(accounts accountService) *AccountHandler {
	return &AccountHandler{accounts: accounts}
}

type createAccountRequest struct {
	Currency string `json:"currency"`
}

func (r createAccountRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Currency == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "required"})
	} else if !domain.Currency(r.Currency).IsValid() {
		errs = append(errs, FieldError{Field: "currency", Message: "must be USD, EUR, or GBP"})
	}
	return errs
}

type accountDTO struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toAccountDTO(a *domain.Account) accountDTO {
	return accountDTO{
		ID:        a.ID,
		UserID:    a.UserID,
		Currency:  string(a.Currency),
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt,
	}
}

type balanceDTO struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
}

type entryDTO struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	EntryType     string    `json:"entry_type"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CreatedAt     time.Time `json:"created_at"`
}

func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), userID, domain.Currency(req.Currency))
	if err != nil {
		log.Warn("account creation failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toAccountDTO(account))
}

func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		RespondAppError(w, ErrMissingToken, nil)
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context(), userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]accountDTO, 0, len(accounts))
	for i := range accounts {
		dtos = append(dtos, toAccountDTO(&accounts[i]))
	}
	RespondSuccess(w, http.StatusOK, dtos)
}

func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	account, err := h.accounts.GetAccount(r.Context(), id, userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toAccountDTO(account))
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
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

	balance, err := h.accounts.GetBalance(r.Context(), id, userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, balanceDTO{
		AccountID: balance.AccountID,
		Balance:   balance.Amount,
		Currency:  string(balance.Currency),
	})
}

func (h *AccountHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
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

	limit, offset := paginationParams(r)
	entries, total, err := h.accounts.ListEntries(r.Context(), id, userID, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	dtos := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, entryDTO{
			ID:            e.ID,
			TransactionID: e.TransactionID,
			EntryType:     string(e.EntryType),
			Amount:        e.Amount,
			Currency:      string(e.Currency),
			CreatedAt:     e.CreatedAt,
		})
	}

	RespondSuccess(w, http.StatusOK, map[string]any{
		"entries": dtos,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

func (h *AccountHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.accounts.Freeze)
}

func (h *AccountHandler) Unfreeze(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.accounts.Unfreeze)
}

func (h *AccountHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.accounts.Close)
}

func (h *AccountHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, accountID, userID uuid.UUID) (*domain.Account, error)) {
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

	account, err := fn(r.Context(), id, userID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, toAccountDTO(account))
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
