package testutil

import (
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/backend-ledger/ledger/internal/domain"
)

var (
	TreasuryUserID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

	TreasuryUSDID = uuid.MustParse("00000000-0000-0000-0001-000000000001")
	TreasuryEURID = uuid.MustParse("00000000-0000-0000-0001-000000000002")
	TreasuryGBPID = uuid.MustParse("00000000-0000-0000-0001-000000000003")
)

// SeedTreasury creates the internal funding accounts. They are frozen so
// they can never be party to an API transfer; seeding drives their derived
// balance negative, which is fine for an internal account.
func SeedTreasury(t *testing.T, db *sql.DB) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	_, err = db.Exec(
		`INSERT INTO users (id, email, name, password_hash, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		TreasuryUserID, "treasury@ledger.internal", "Treasury", string(hash), "active",
	)
	if err != nil {
		t.Fatalf("seed treasury user: %v", err)
	}

	treasuries := []struct {
		id       uuid.UUID
		currency string
	}{
		{TreasuryUSDID, "USD"},
		{TreasuryEURID, "EUR"},
		{TreasuryGBPID, "GBP"},
	}
	for _, a := range treasuries {
		_, err := db.Exec(
			`INSERT INTO accounts (id, user_id, currency, status)
			 VALUES ($1, $2, $3, 'frozen')
			 ON CONFLICT (id) DO NOTHING`,
			a.id, TreasuryUserID, a.currency,
		)
		if err != nil {
			t.Fatalf("seed treasury %s: %v", a.currency, err)
		}
	}
}

func SeedUser(t *testing.T, db *sql.DB, email, name string) *domain.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &domain.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Status:       domain.UserStatusActive,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = db.Exec(
		`INSERT INTO users (id, email, name, password_hash, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Status, u.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return u
}

func SeedAccount(t *testing.T, db *sql.DB, userID uuid.UUID, currency string) *domain.Account {
	t.Helper()

	a := &domain.Account{
		ID:        uuid.New(),
		UserID:    userID,
		Currency:  domain.Currency(currency),
		Status:    domain.AccountStatusActive,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.Exec(
		`INSERT INTO accounts (id, user_id, currency, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.Currency, a.Status, a.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

// FundAccount gives an account an opening balance by committing a completed
// transfer from the matching treasury account with a balanced entry pair.
// The ledger stays balanced: the treasury absorbs the debit.
func FundAccount(t *testing.T, db *sql.DB, accountID uuid.UUID, currency string, amount int64) {
	t.Helper()

	treasuryID := treasuryFor(t, currency)
	txnID := uuid.New()
	now := time.Now().UTC()

	_, err := db.Exec(
		`INSERT INTO transactions (
			id, source_account_id, dest_account_id, amount, currency,
			idempotency_key, status, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'completed', $7, $7, $7)`,
		txnID, treasuryID, accountID, amount, currency, "seed-"+txnID.String(), now,
	)
	if err != nil {
		t.Fatalf("fund account: seed transaction: %v", err)
	}

	entries := []struct {
		accountID uuid.UUID
		entryType string
	}{
		{treasuryID, "debit"},
		{accountID, "credit"},
	}
	for _, e := range entries {
		_, err := db.Exec(
			`INSERT INTO ledger_entries (
				id, transaction_id, account_id, entry_type, amount, currency, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New(), txnID, e.accountID, e.entryType, amount, currency, now,
		)
		if err != nil {
			t.Fatalf("fund account: %s entry: %v", e.entryType, err)
		}
	}
}

func treasuryFor(t *testing.T, currency string) uuid.UUID {
	t.Helper()
	switch currency {
	case "USD":
		return TreasuryUSDID
	case "EUR":
		return TreasuryEURID
	case "GBP":
		return TreasuryGBPID
	default:
		t.Fatalf("no treasury for currency %s", currency)
		return uuid.Nil
	}
}

// DerivedBalance folds an account's entries the same way the read path does.
func DerivedBalance(t *testing.T, db *sql.DB, accountID uuid.UUID) int64 {
	t.Helper()

	var balance int64
	err := db.QueryRow(
		`SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END), 0)
		 FROM ledger_entries WHERE account_id = $1`,
		accountID,
	).Scan(&balance)
	if err != nil {
		t.Fatalf("derive balance: %v", err)
	}
	return balance
}

// LedgerEntryCount counts all entries for a transaction.
func LedgerEntryCount(t *testing.T, db *sql.DB, transactionID uuid.UUID) int {
	t.Helper()

	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM ledger_entries WHERE transaction_id = $1`, transactionID,
	).Scan(&n)
	if err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	return n
}
