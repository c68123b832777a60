package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/repository"
	"github.com/backend-ledger/ledger/internal/service"
	"github.com/backend-ledger/ledger/internal/testutil"
)

func TestAccountService_DerivedBalance(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	svc := service.NewAccountService(
		repository.NewAccountRepository(db),
		repository.NewLedgerRepository(db),
	)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	acct, err := svc.CreateAccount(ctx, alice.ID, domain.CurrencyUSD)
	require.NoError(t, err)

	// New accounts have no entries and a zero balance.
	balance, err := svc.GetBalance(ctx, acct.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Amount)
	assert.Equal(t, domain.CurrencyUSD, balance.Currency)

	testutil.FundAccount(t, db, acct.ID, "USD", 7500)

	balance, err = svc.GetBalance(ctx, acct.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), balance.Amount)

	entries, total, err := svc.ListEntries(ctx, acct.ID, alice.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryTypeCredit, entries[0].EntryType)
	assert.Equal(t, int64(7500), entries[0].Amount)
}

func TestAccountService_OwnershipIsOpaque(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	svc := service.NewAccountService(
		repository.NewAccountRepository(db),
		repository.NewLedgerRepository(db),
	)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	mallory := testutil.SeedUser(t, db, "mallory@test.com", "Mallory")
	acct, err := svc.CreateAccount(ctx, alice.ID, domain.CurrencyUSD)
	require.NoError(t, err)

	// Another user sees the same not-found as for a random id.
	_, err = svc.GetAccount(ctx, acct.ID, mallory.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.GetBalance(ctx, acct.ID, mallory.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccountService_StatusTransitions(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	svc := service.NewAccountService(
		repository.NewAccountRepository(db),
		repository.NewLedgerRepository(db),
	)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	acct, err := svc.CreateAccount(ctx, alice.ID, domain.CurrencyUSD)
	require.NoError(t, err)

	frozen, err := svc.Freeze(ctx, acct.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusFrozen, frozen.Status)

	active, err := svc.Unfreeze(ctx, acct.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusActive, active.Status)

	closed, err := svc.Close(ctx, acct.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStatusClosed, closed.Status)

	// Closed is terminal.
	_, err = svc.Unfreeze(ctx, acct.ID, alice.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUserService_RegisterAndLogin(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	svc := service.NewUserService(repository.NewUserRepository(db), "test-secret", time.Hour)

	user, err := svc.Register(ctx, "alice@test.com", "Alice", "password123")
	require.NoError(t, err)
	assert.NotEqual(t, "password123", user.PasswordHash)

	_, err = svc.Register(ctx, "alice@test.com", "Alice Again", "password123")
	require.ErrorIs(t, err, domain.ErrEmailTaken)

	_, _, err = svc.Login(ctx, "alice@test.com", "wrong-password")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@test.com", "password123")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)
}
