package store

import (
	"context"

	"lnbank/internal/models"
	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

type AccountStore struct {
	db DB
}

// AccountBalanceSummary compares the stored balance with the balance derived
// from the transactions that touch the account.
type AccountBalanceSummary struct {
	ID                string              `db:"account_id"`
	UID               int64               `db:"uid"`
	Currency          money.Currency      `db:"currency"`
	Kind              models.AccountKind  `db:"account_type"`
	Class             models.AccountClass `db:"account_class"`
	StoredBalance     decimal.Decimal     `db:"stored_balance"`
	CalculatedBalance decimal.Decimal     `db:"calculated_balance"`
	Difference        decimal.Decimal     `db:"difference"`
}

const accountColumns = `account_id, uid, currency, balance, account_type, account_class, created_at`

func NewAccountStore(db DB) *AccountStore {
	return &AccountStore{db: db}
}

// Create inserts the account unless one already exists for the same owner,
// currency and class.
func (s *AccountStore) Create(ctx context.Context, tx Execer, account models.Account) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (account_id, uid, currency, balance, account_type, account_class)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (uid, currency, account_class) DO NOTHING
	`, account.ID, account.UID, account.Currency, account.Balance, account.Kind, account.Class)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *AccountStore) GetByID(ctx context.Context, accountID string) (models.Account, error) {
	var row models.Account
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	return row, err
}

func (s *AccountStore) GetByUserAndCurrency(ctx context.Context, q Getter, uid int64, currency money.Currency) (models.Account, error) {
	var row models.Account
	err := q.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE uid = $1 AND currency = $2 AND account_class = $3
	`, uid, currency, models.ClassUser)
	return row, err
}

func (s *AccountStore) ListByUser(ctx context.Context, uid int64) ([]models.Account, error) {
	var rows []models.Account
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE uid = $1
		ORDER BY currency
	`, uid)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *AccountStore) GetForUpdate(ctx context.Context, tx Getter, accountID string) (models.Account, error) {
	var row models.Account
	err := tx.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE
	`, accountID)
	return row, err
}

func (s *AccountStore) UpdateBalance(ctx context.Context, tx Execer, accountID string, balance decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, updated_at = NOW()
		WHERE account_id = $2
	`, balance, accountID)
	return err
}

func (s *AccountStore) GetSystemAccount(ctx context.Context, q Getter, class models.AccountClass, currency money.Currency) (models.Account, error) {
	var row models.Account
	err := q.GetContext(ctx, &row, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_class = $1 AND currency = $2 AND account_type = $3
	`, class, currency, models.KindInternal)
	return row, err
}

// reserveLockKey identifies the transaction-scoped advisory lock that
// serializes reserve checks.
const reserveLockKey = 7_205_391

// LockReserve blocks until no other transaction holds the reserve lock. The
// lock is released when tx ends.
func (s *AccountStore) LockReserve(ctx context.Context, tx Execer) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, reserveLockKey)
	return err
}

// SumByKind totals balances of one kind in one currency, reading through q
// or the store's own DB when q is nil.
func (s *AccountStore) SumByKind(ctx context.Context, q Getter, kind models.AccountKind, currency money.Currency) (decimal.Decimal, error) {
	if q == nil {
		q = s.db
	}
	var sum decimal.Decimal
	err := q.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(balance), 0)
		FROM accounts
		WHERE account_type = $1 AND currency = $2
	`, kind, currency)
	return sum, err
}

func (s *AccountStore) ListNegativeChecking(ctx context.Context) ([]models.Account, error) {
	var rows []models.Account
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE account_type = $1 AND balance < 0
	`, models.KindChecking)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListDrift returns accounts whose stored balance disagrees with their
// transaction history.
func (s *AccountStore) ListDrift(ctx context.Context) ([]AccountBalanceSummary, error) {
	var rows []AccountBalanceSummary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT a.account_id,
		       a.uid,
		       a.currency,
		       a.account_type,
		       a.account_class,
		       a.balance AS stored_balance,
		       COALESCE(i.total, 0) - COALESCE(o.total, 0) AS calculated_balance,
		       a.balance - (COALESCE(i.total, 0) - COALESCE(o.total, 0)) AS difference
		FROM accounts a
		LEFT JOIN (
			SELECT inbound_account_id AS account_id, SUM(inbound_amount) AS total
			FROM transactions GROUP BY inbound_account_id
		) i ON i.account_id = a.account_id
		LEFT JOIN (
			SELECT outbound_account_id AS account_id, SUM(outbound_amount) AS total
			FROM transactions GROUP BY outbound_account_id
		) o ON o.account_id = a.account_id
		WHERE a.balance <> COALESCE(i.total, 0) - COALESCE(o.total, 0)
		ORDER BY a.account_id
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type CurrencyTotal struct {
	Currency money.Currency  `db:"currency"`
	Total    decimal.Decimal `db:"total"`
}

// NetByCurrency sums every account balance per currency.
func (s *AccountStore) NetByCurrency(ctx context.Context) ([]CurrencyTotal, error) {
	var rows []CurrencyTotal
	err := s.db.SelectContext(ctx, &rows, `
		SELECT currency, COALESCE(SUM(balance), 0) AS total
		FROM accounts
		GROUP BY currency
		ORDER BY currency
	`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *AccountStore) ListAll(ctx context.Context) ([]models.Account, error) {
	var rows []models.Account
	err := s.db.SelectContext(ctx, &rows, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
