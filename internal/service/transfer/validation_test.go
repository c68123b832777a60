package transfer

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backend-ledger/ledger/internal/domain"
)

func TestValidateRequest(t *testing.T) {
	source := uuid.New()
	dest := uuid.New()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name: "valid request",
			req:  Request{SourceAccountID: source, DestAccountID: dest, Amount: 1000, IdempotencyKey: "k1"},
		},
		{
			name:    "missing source account",
			req:     Request{DestAccountID: dest, Amount: 1000, IdempotencyKey: "k1"},
			wantErr: domain.ErrInvalidRequest,
		},
		{
			name:    "missing dest account",
			req:     Request{SourceAccountID: source, Amount: 1000, IdempotencyKey: "k1"},
			wantErr: domain.ErrInvalidRequest,
		},
		{
			name:    "amount zero",
			req:     Request{SourceAccountID: source, DestAccountID: dest, Amount: 0, IdempotencyKey: "k1"},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "amount negative",
			req:     Request{SourceAccountID: source, DestAccountID: dest, Amount: -50, IdempotencyKey: "k1"},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "missing idempotency key",
			req:     Request{SourceAccountID: source, DestAccountID: dest, Amount: 1000},
			wantErr: domain.ErrMissingKey,
		},
		{
			name:    "self transfer",
			req:     Request{SourceAccountID: source, DestAccountID: source, Amount: 1000, IdempotencyKey: "k1"},
			wantErr: domain.ErrSelfTransfer,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRequest(tc.req)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestVerifyAccountActive(t *testing.T) {
	tests := []struct {
		name    string
		status  domain.AccountStatus
		wantErr error
	}{
		{name: "active", status: domain.AccountStatusActive},
		{name: "frozen", status: domain.AccountStatusFrozen, wantErr: domain.ErrAccountFrozen},
		{name: "closed", status: domain.AccountStatusClosed, wantErr: domain.ErrAccountClosed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := verifyAccountActive(&domain.Account{ID: uuid.New(), Status: tc.status}, "source")
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestReplay(t *testing.T) {
	tests := []struct {
		name        string
		status      domain.TransactionStatus
		wantOutcome Outcome
		wantErr     error
	}{
		{name: "completed replays", status: domain.TransactionStatusCompleted, wantOutcome: OutcomeAlreadyCompleted},
		{name: "pending reports in flight", status: domain.TransactionStatusPending, wantOutcome: OutcomeAlreadyPending},
		{name: "failed is terminal", status: domain.TransactionStatusFailed, wantErr: domain.ErrPriorAttemptFailed},
		{name: "reversed is terminal", status: domain.TransactionStatusReversed, wantErr: domain.ErrPriorAttemptReversed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := replay(&domain.Transaction{ID: uuid.New(), Status: tc.status})
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOutcome, res.Outcome)
		})
	}
}
