package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken       = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken       = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidCredentials = &AppError{http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"}
	ErrInvalidRequest     = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed   = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound   = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError      = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInsufficientFunds = &AppError{http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", "Insufficient funds"}
	ErrAccountFrozen     = &AppError{http.StatusUnprocessableEntity, "ACCOUNT_FROZEN", "Account is frozen"}
	ErrAccountClosed     = &AppError{http.StatusUnprocessableEntity, "ACCOUNT_CLOSED", "Account is closed"}
	ErrAccountNotFound   = &AppError{http.StatusUnprocessableEntity, "ACCOUNT_NOT_FOUND", "Account not found"}
	ErrSelfTransfer      = &AppError{http.StatusUnprocessableEntity, "SELF_TRANSFER_NOT_ALLOWED", "Cannot transfer to the same account"}
	ErrCurrencyMismatch  = &AppError{http.StatusUnprocessableEntity, "CURRENCY_MISMATCH", "Currency mismatch"}
	ErrInvalidCurrency   = &AppError{http.StatusBadRequest, "INVALID_CURRENCY", "Invalid currency"}
	ErrInvalidAmount     = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrEmailTaken        = &AppError{http.StatusConflict, "EMAIL_TAKEN", "Email already registered"}

	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrPriorAttemptFailed    = &AppError{http.StatusConflict, "PRIOR_ATTEMPT_FAILED", "Previous attempt with this idempotency key failed; retry with a new key"}
	ErrPriorAttemptReversed  = &AppError{http.StatusConflict, "PRIOR_ATTEMPT_REVERSED", "Transaction with this idempotency key was reversed; retry with a new key"}
	ErrTransactionTerminal   = &AppError{http.StatusConflict, "TRANSACTION_TERMINAL", "Transaction is already in a terminal state"}
	ErrInvalidTransition     = &AppError{http.StatusConflict, "INVALID_TRANSITION", "Invalid account status transition"}
)
