package transfer_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backend-ledger/ledger/internal/domain"
	"github.com/backend-ledger/ledger/internal/repository"
	"github.com/backend-ledger/ledger/internal/service/transfer"
	"github.com/backend-ledger/ledger/internal/testutil"
)

func setupTransferService(t *testing.T, db *sql.DB) *transfer.Service {
	t.Helper()
	return transfer.NewService(
		repository.NewTransactionRepository(db),
		repository.NewAccountRepository(db),
		repository.NewLedgerRepository(db),
		repository.NewTransactionEventRepository(db),
		repository.NewNotificationRepository(db),
		db,
		5*time.Second,
	)
}

func TestTransfer_HappyPath(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	res, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          4000,
		IdempotencyKey:  uuid.NewString(),
	})

	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeCompleted, res.Outcome)
	assert.Equal(t, domain.TransactionStatusCompleted, res.Transaction.Status)
	assert.NotNil(t, res.Transaction.CompletedAt)

	assert.Equal(t, int64(6000), testutil.DerivedBalance(t, db, aliceAcct.ID))
	assert.Equal(t, int64(4000), testutil.DerivedBalance(t, db, bobAcct.ID))
	assert.Equal(t, 2, testutil.LedgerEntryCount(t, db, res.Transaction.ID))

	// One debit and one credit for the same amount.
	entries, err := repository.NewLedgerRepository(db).GetByTransactionID(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var debits, credits int
	for _, e := range entries {
		assert.Equal(t, int64(4000), e.Amount)
		switch e.EntryType {
		case domain.EntryTypeDebit:
			debits++
			assert.Equal(t, aliceAcct.ID, e.AccountID)
		case domain.EntryTypeCredit:
			credits++
			assert.Equal(t, bobAcct.ID, e.AccountID)
		}
	}
	assert.Equal(t, 1, debits)
	assert.Equal(t, 1, credits)

	// Outbox row for the recipient exists in the same commit, naming the
	// source account as the recipient's counterparty.
	var outboxCount int
	var counterparty string
	err = db.QueryRow(
		`SELECT COUNT(*), MIN(payload->>'counterparty_account_id')
		 FROM notification_events WHERE transaction_id = $1 AND recipient_user_id = $2`,
		res.Transaction.ID, bob.ID,
	).Scan(&outboxCount, &counterparty)
	require.NoError(t, err)
	assert.Equal(t, 1, outboxCount)
	assert.Equal(t, aliceAcct.ID.String(), counterparty)
}

func TestTransfer_IdempotentReplay(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	key := uuid.NewString()
	req := transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          4000,
		IdempotencyKey:  key,
	}

	first, err := svc.Transfer(ctx, req)
	require.NoError(t, err)
	require.Equal(t, transfer.OutcomeCompleted, first.Outcome)

	second, err := svc.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeAlreadyCompleted, second.Outcome)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	// No double spend: balances and entry count unchanged.
	assert.Equal(t, int64(6000), testutil.DerivedBalance(t, db, aliceAcct.ID))
	assert.Equal(t, int64(4000), testutil.DerivedBalance(t, db, bobAcct.ID))
	assert.Equal(t, 2, testutil.LedgerEntryCount(t, db, first.Transaction.ID))
}

func TestTransfer_ConcurrentSameKey(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	// Two requests race the same key: exactly one creates, the other
	// replays or observes the in-flight attempt. Money moves once.
	key := uuid.NewString()
	type attempt struct {
		res *transfer.Result
		err error
	}
	var wg sync.WaitGroup
	attempts := make(chan attempt, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Transfer(ctx, transfer.Request{
				SourceAccountID: aliceAcct.ID,
				DestAccountID:   bobAcct.ID,
				Amount:          4000,
				IdempotencyKey:  key,
			})
			attempts <- attempt{res: res, err: err}
		}()
	}
	wg.Wait()
	close(attempts)

	var created int
	for a := range attempts {
		require.NoError(t, a.err)
		if a.res.Outcome == transfer.OutcomeCompleted {
			created++
		} else {
			assert.Contains(t,
				[]transfer.Outcome{transfer.OutcomeAlreadyCompleted, transfer.OutcomeAlreadyPending},
				a.res.Outcome,
			)
		}
	}
	assert.Equal(t, 1, created)

	var rows int
	err := db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE idempotency_key = $1`, key).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	txn, err := repository.NewTransactionRepository(db).GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, testutil.LedgerEntryCount(t, db, txn.ID))
	assert.Equal(t, int64(6000), testutil.DerivedBalance(t, db, aliceAcct.ID))
	assert.Equal(t, int64(4000), testutil.DerivedBalance(t, db, bobAcct.ID))
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 1000)

	key := uuid.NewString()
	_, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          5000,
		IdempotencyKey:  key,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The attempt consumed the key and left a failed record with no entries.
	txn, err := repository.NewTransactionRepository(db).GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusFailed, txn.Status)
	require.NotNil(t, txn.FailureReason)
	assert.Equal(t, 0, testutil.LedgerEntryCount(t, db, txn.ID))

	assert.Equal(t, int64(1000), testutil.DerivedBalance(t, db, aliceAcct.ID))
	assert.Equal(t, int64(0), testutil.DerivedBalance(t, db, bobAcct.ID))

	// Replaying a failed key is a terminal error, not a retry.
	_, err = svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          5000,
		IdempotencyKey:  key,
	})
	require.ErrorIs(t, err, domain.ErrPriorAttemptFailed)
}

func TestTransfer_FrozenAccountConsumesKey(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	_, err := db.Exec(`UPDATE accounts SET status = 'frozen' WHERE id = $1`, aliceAcct.ID)
	require.NoError(t, err)

	key := uuid.NewString()
	_, err = svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          1000,
		IdempotencyKey:  key,
	})
	require.ErrorIs(t, err, domain.ErrAccountFrozen)

	// Unfreezing does not resurrect the key; the client must use a new one.
	_, err = db.Exec(`UPDATE accounts SET status = 'active' WHERE id = $1`, aliceAcct.ID)
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          1000,
		IdempotencyKey:  key,
	})
	require.ErrorIs(t, err, domain.ErrPriorAttemptFailed)

	res, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          1000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeCompleted, res.Outcome)
}

func TestTransfer_ConcurrentOverdraft(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	// Two transfers of 8000 from a balance of 10000: exactly one commits.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Transfer(ctx, transfer.Request{
				SourceAccountID: aliceAcct.ID,
				DestAccountID:   bobAcct.ID,
				Amount:          8000,
				IdempotencyKey:  uuid.NewString(),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, overdrawn int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)
			overdrawn++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, overdrawn)

	assert.Equal(t, int64(2000), testutil.DerivedBalance(t, db, aliceAcct.ID))
	assert.Equal(t, int64(8000), testutil.DerivedBalance(t, db, bobAcct.ID))
}

func TestTransfer_FullBalance(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 5000)

	res, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          5000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)
	assert.Equal(t, transfer.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(0), testutil.DerivedBalance(t, db, aliceAcct.ID))
}

func TestTransfer_CurrencyMismatch(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "EUR")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 5000)

	key := uuid.NewString()
	_, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          1000,
		IdempotencyKey:  key,
	})
	require.ErrorIs(t, err, domain.ErrCurrencyMismatch)

	// Pre-commit rejection never consumes the key.
	_, err = repository.NewTransactionRepository(db).GetByIdempotencyKey(ctx, key)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransfer_UnknownAccount(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 5000)

	_, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   uuid.New(),
		Amount:          1000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestReverse_CompletedTransfer(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	res, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          4000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)

	reversed, err := svc.Reverse(ctx, res.Transaction.ID, "user:"+alice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusReversed, reversed.Status)

	// Original entries untouched; an offsetting pair was appended.
	assert.Equal(t, 4, testutil.LedgerEntryCount(t, db, res.Transaction.ID))
	assert.Equal(t, int64(10000), testutil.DerivedBalance(t, db, aliceAcct.ID))
	assert.Equal(t, int64(0), testutil.DerivedBalance(t, db, bobAcct.ID))

	// Reversal is terminal: reversing again fails.
	_, err = svc.Reverse(ctx, res.Transaction.ID, "user:"+alice.ID.String())
	require.ErrorIs(t, err, domain.ErrTransactionTerminal)
}

func TestReverse_DestinationSpentFunds(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	carol := testutil.SeedUser(t, db, "carol@test.com", "Carol")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	carolAcct := testutil.SeedAccount(t, db, carol.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 5000)

	res, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          3000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)

	// Bob forwards most of it away before the reversal lands.
	_, err = svc.Transfer(ctx, transfer.Request{
		SourceAccountID: bobAcct.ID,
		DestAccountID:   carolAcct.ID,
		Amount:          2500,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)

	_, err = svc.Reverse(ctx, res.Transaction.ID, "user:"+alice.ID.String())
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// Nothing moved and the transaction stays completed.
	txn, err := svc.GetTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, txn.Status)
	assert.Equal(t, 2, testutil.LedgerEntryCount(t, db, res.Transaction.ID))
}

func TestLedgerConservation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)
	testutil.FundAccount(t, db, bobAcct.ID, "USD", 10000)

	amounts := []int64{1200, 300, 4500, 75}
	for i, amount := range amounts {
		src, dst := aliceAcct.ID, bobAcct.ID
		if i%2 == 1 {
			src, dst = dst, src
		}
		_, err := svc.Transfer(ctx, transfer.Request{
			SourceAccountID: src,
			DestAccountID:   dst,
			Amount:          amount,
			IdempotencyKey:  uuid.NewString(),
		})
		require.NoError(t, err)
	}

	// Every debit has a matching credit: the total fold over all entries
	// is zero.
	var sum int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entries`,
	).Scan(&sum)
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	total := testutil.DerivedBalance(t, db, aliceAcct.ID) + testutil.DerivedBalance(t, db, bobAcct.ID)
	assert.Equal(t, int64(20000), total)
}

func TestTransfer_AuditTrail(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupTransferService(t, db)
	ctx := context.Background()
	testutil.SeedTreasury(t, db)

	alice := testutil.SeedUser(t, db, "alice@test.com", "Alice")
	bob := testutil.SeedUser(t, db, "bob@test.com", "Bob")
	aliceAcct := testutil.SeedAccount(t, db, alice.ID, "USD")
	bobAcct := testutil.SeedAccount(t, db, bob.ID, "USD")
	testutil.FundAccount(t, db, aliceAcct.ID, "USD", 10000)

	res, err := svc.Transfer(ctx, transfer.Request{
		SourceAccountID: aliceAcct.ID,
		DestAccountID:   bobAcct.ID,
		Amount:          2000,
		IdempotencyKey:  uuid.NewString(),
	})
	require.NoError(t, err)

	events, err := repository.NewTransactionEventRepository(db).GetByTransactionID(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.TransactionEventTypeCreated, events[0].EventType)
	assert.Equal(t, domain.TransactionEventTypeCompleted, events[1].EventType)
}
