package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrAccountFrozen        = errors.New("account frozen")
	ErrAccountClosed        = errors.New("account closed")
	ErrSelfTransfer         = errors.New("cannot transfer to same account")
	ErrCurrencyMismatch     = errors.New("currency mismatch")
	ErrInvalidCurrency      = errors.New("invalid currency")
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrMissingKey           = errors.New("idempotency key is required")
	ErrEmailTaken           = errors.New("email already registered")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrTransactionTerminal  = errors.New("transaction already in terminal state")
	ErrPriorAttemptFailed   = errors.New("previous attempt with this idempotency key failed; retry with a new key")
	ErrPriorAttemptReversed = errors.New("transaction with this idempotency key was reversed; retry with a new key")
	ErrInvalidTransition    = errors.New("invalid account status transition")
)
