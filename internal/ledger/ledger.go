package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lnbank/internal/db"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/store"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrAmountMismatch    = errors.New("amount mismatch")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrSameAccount       = errors.New("outbound and inbound account are the same")
	ErrDuplicateRequest  = errors.New("request already processed")
	ErrNotBootstrapped   = errors.New("system accounts not provisioned")
	ErrPersistence       = errors.New("persistence failure")
)

// PersistenceError wraps storage failures so callers can tell them apart
// from business rejections.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

type AccountStore interface {
	Create(ctx context.Context, tx store.Execer, account models.Account) (int64, error)
	GetByID(ctx context.Context, accountID string) (models.Account, error)
	GetByUserAndCurrency(ctx context.Context, q store.Getter, uid int64, currency money.Currency) (models.Account, error)
	ListByUser(ctx context.Context, uid int64) ([]models.Account, error)
	GetForUpdate(ctx context.Context, tx store.Getter, accountID string) (models.Account, error)
	UpdateBalance(ctx context.Context, tx store.Execer, accountID string, balance decimal.Decimal) error
	GetSystemAccount(ctx context.Context, q store.Getter, class models.AccountClass, currency money.Currency) (models.Account, error)
	LockReserve(ctx context.Context, tx store.Execer) error
	SumByKind(ctx context.Context, q store.Getter, kind models.AccountKind, currency money.Currency) (decimal.Decimal, error)
	ListNegativeChecking(ctx context.Context) ([]models.Account, error)
	ListDrift(ctx context.Context) ([]store.AccountBalanceSummary, error)
	NetByCurrency(ctx context.Context) ([]store.CurrencyTotal, error)
}

type TransactionStore interface {
	InsertTransactions(ctx context.Context, tx store.Execer, txs []models.Transaction) error
}

type SummaryStore interface {
	Create(ctx context.Context, tx store.Execer, summary models.SummaryTransaction) error
}

type UserStore interface {
	Create(ctx context.Context, tx store.Execer, user models.User) error
}

// Guard runs inside the commit transaction before any balance moves. A
// non-nil error aborts the whole batch.
type Guard func(ctx context.Context, tx store.Tx) error

// Batch is applied atomically: every transaction, the summary and the guards
// succeed together or nothing is persisted.
type Batch struct {
	Summary      *models.SummaryTransaction
	Transactions []models.Transaction
	Guards       []Guard
	// After runs inside the transaction once balances are updated.
	After []Guard
}

type Ledger struct {
	txRunner  db.TxRunner
	accounts  AccountStore
	txs       TransactionStore
	summaries SummaryStore
	users     UserStore

	mu     sync.RWMutex
	system map[systemKey]models.Account
}

type systemKey struct {
	class    models.AccountClass
	currency money.Currency
}

func New(txRunner db.TxRunner, accounts AccountStore, txs TransactionStore, summaries SummaryStore, users UserStore) *Ledger {
	return &Ledger{
		txRunner:  txRunner,
		accounts:  accounts,
		txs:       txs,
		summaries: summaries,
		users:     users,
		system:    make(map[systemKey]models.Account),
	}
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acc, err := l.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, ErrUnknownAccount
		}
		return decimal.Zero, &PersistenceError{Op: "balance", Err: err}
	}
	return acc.Balance, nil
}

func (l *Ledger) Balances(ctx context.Context, uid int64) ([]models.Account, error) {
	rows, err := l.accounts.ListByUser(ctx, uid)
	if err != nil {
		return nil, &PersistenceError{Op: "balances", Err: err}
	}
	return rows, nil
}

func (l *Ledger) Apply(ctx context.Context, tx models.Transaction) error {
	return l.Commit(ctx, Batch{Transactions: []models.Transaction{tx}})
}

// Validate checks a transaction's shape without touching storage.
func Validate(tx models.Transaction) error {
	if tx.OutboundAccountID == "" || tx.InboundAccountID == "" {
		return ErrUnknownAccount
	}
	if tx.OutboundAccountID == tx.InboundAccountID {
		return ErrSameAccount
	}
	if !tx.OutboundCurrency.Valid() || !tx.InboundCurrency.Valid() {
		return money.ErrUnknownCurrency
	}
	if !tx.OutboundAmount.IsPositive() || !tx.InboundAmount.IsPositive() {
		return ErrInvalidAmount
	}
	rate := tx.ExchangeRate
	if rate.IsZero() {
		rate = decimal.NewFromInt(1)
	}
	if tx.OutboundCurrency == tx.InboundCurrency && !rate.Equal(decimal.NewFromInt(1)) {
		return ErrAmountMismatch
	}
	if !money.WithinUnit(tx.InboundCurrency, tx.OutboundAmount.Mul(rate), tx.InboundAmount) {
		return ErrAmountMismatch
	}
	return nil
}

func (l *Ledger) Commit(ctx context.Context, batch Batch) error {
	if len(batch.Transactions) == 0 && batch.Summary == nil {
		return nil
	}
	for _, tx := range batch.Transactions {
		if err := Validate(tx); err != nil {
			return err
		}
	}
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return l.commit(ctx, tx, batch)
	})
	return classify("commit", err)
}

func (l *Ledger) commit(ctx context.Context, tx *sqlx.Tx, batch Batch) error {
	for _, guard := range batch.Guards {
		if err := guard(ctx, tx); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(batch.Transactions)*2)
	seen := make(map[string]bool)
	for _, t := range batch.Transactions {
		for _, id := range []string{t.OutboundAccountID, t.InboundAccountID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	// Lock in a stable order so concurrent batches cannot deadlock.
	sort.Strings(ids)
	locked := make(map[string]models.Account, len(ids))
	for _, id := range ids {
		acc, err := l.accounts.GetForUpdate(ctx, tx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUnknownAccount
			}
			return err
		}
		locked[id] = acc
	}

	for _, t := range batch.Transactions {
		out := locked[t.OutboundAccountID]
		in := locked[t.InboundAccountID]
		if out.Currency != t.OutboundCurrency || in.Currency != t.InboundCurrency {
			return ErrCurrencyMismatch
		}
		out.Balance = out.Balance.Sub(t.OutboundAmount)
		in.Balance = in.Balance.Add(t.InboundAmount)
		locked[out.ID] = out
		locked[in.ID] = in
	}
	for _, id := range ids {
		if acc := locked[id]; !acc.MayGoNegative() && acc.Balance.IsNegative() {
			return ErrInsufficientFunds
		}
	}
	for _, id := range ids {
		if err := l.accounts.UpdateBalance(ctx, tx, id, locked[id].Balance); err != nil {
			return err
		}
	}
	if len(batch.Transactions) > 0 {
		if err := l.txs.InsertTransactions(ctx, tx, batch.Transactions); err != nil {
			return err
		}
	}
	if batch.Summary != nil {
		if err := l.summaries.Create(ctx, tx, *batch.Summary); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicateRequest
			}
			return err
		}
	}
	for _, after := range batch.After {
		if err := after(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// RunInTx runs fn in a ledger transaction without moving balances.
func (l *Ledger) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(ctx, tx)
	})
	return classify("tx", err)
}

// EnsureAccount returns the user's account in currency, creating it and the
// owning user on first use.
func (l *Ledger) EnsureAccount(ctx context.Context, uid int64, currency money.Currency) (models.Account, error) {
	if !currency.Valid() {
		return models.Account{}, money.ErrUnknownCurrency
	}
	var acc models.Account
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := l.users.Create(ctx, tx, models.User{UID: uid, Username: fmt.Sprintf("%d", uid)}); err != nil {
			return err
		}
		if _, err := l.accounts.Create(ctx, tx, models.Account{
			ID:       uuid.NewString(),
			UID:      uid,
			Currency: currency,
			Balance:  decimal.Zero,
			Kind:     models.KindChecking,
			Class:    models.ClassUser,
		}); err != nil {
			return err
		}
		var err error
		acc, err = l.accounts.GetByUserAndCurrency(ctx, tx, uid, currency)
		return err
	})
	if err != nil {
		return models.Account{}, classify("ensure account", err)
	}
	return acc, nil
}

// Bootstrap provisions the bank's liabilities and fee accounts and the
// dealer's float accounts. Running it again is a no-op.
func (l *Ledger) Bootstrap(ctx context.Context, currencies []money.Currency) error {
	type want struct {
		uid   int64
		class models.AccountClass
		cur   money.Currency
	}
	wants := []want{{models.BankUID, models.ClassLiabilities, money.BTC}}
	for _, c := range currencies {
		wants = append(wants,
			want{models.BankUID, models.ClassFees, c},
			want{models.DealerUID, models.ClassDealer, c},
		)
	}
	found := make(map[systemKey]models.Account, len(wants))
	err := l.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, u := range []models.User{
			{UID: models.BankUID, Username: "bank", IsInternal: true},
			{UID: models.DealerUID, Username: "dealer", IsInternal: true},
		} {
			if err := l.users.Create(ctx, tx, u); err != nil {
				return err
			}
		}
		for _, w := range wants {
			if _, err := l.accounts.Create(ctx, tx, models.Account{
				ID:       uuid.NewString(),
				UID:      w.uid,
				Currency: w.cur,
				Balance:  decimal.Zero,
				Kind:     models.KindInternal,
				Class:    w.class,
			}); err != nil {
				return err
			}
			acc, err := l.accounts.GetSystemAccount(ctx, tx, w.class, w.cur)
			if err != nil {
				return err
			}
			found[systemKey{w.class, w.cur}] = acc
		}
		return nil
	})
	if err != nil {
		return classify("bootstrap", err)
	}
	l.mu.Lock()
	for k, v := range found {
		l.system[k] = v
	}
	l.mu.Unlock()
	return nil
}

func (l *Ledger) SystemAccount(class models.AccountClass, currency money.Currency) (models.Account, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.system[systemKey{class, currency}]
	if !ok {
		return models.Account{}, ErrNotBootstrapped
	}
	return acc, nil
}

// LockReserve takes the reserve lock inside tx and returns what customers
// are owed in BTC and the bank's own BTC equity, both read through tx:
// equity is every Internal BTC balance except the liabilities mirror.
func (l *Ledger) LockReserve(ctx context.Context, tx store.Tx) (liabilities, equity decimal.Decimal, err error) {
	if err := l.accounts.LockReserve(ctx, tx); err != nil {
		return decimal.Zero, decimal.Zero, &PersistenceError{Op: "reserve lock", Err: err}
	}
	liabilities, err = l.accounts.SumByKind(ctx, tx, models.KindChecking, money.BTC)
	if err != nil {
		return decimal.Zero, decimal.Zero, &PersistenceError{Op: "reserve inputs", Err: err}
	}
	internal, err := l.accounts.SumByKind(ctx, tx, models.KindInternal, money.BTC)
	if err != nil {
		return decimal.Zero, decimal.Zero, &PersistenceError{Op: "reserve inputs", Err: err}
	}
	mirror, err := l.accounts.GetSystemAccount(ctx, tx, models.ClassLiabilities, money.BTC)
	if err != nil {
		return decimal.Zero, decimal.Zero, &PersistenceError{Op: "reserve inputs", Err: err}
	}
	return liabilities, internal.Sub(mirror.Balance), nil
}

type Report struct {
	CheckedAt        time.Time                     `json:"checked_at"`
	NegativeChecking []models.Account              `json:"negative_checking"`
	Unbalanced       []store.CurrencyTotal         `json:"unbalanced"`
	Drift            []store.AccountBalanceSummary `json:"drift"`
}

func (r Report) OK() bool {
	return len(r.NegativeChecking) == 0 && len(r.Unbalanced) == 0 && len(r.Drift) == 0
}

// Reconcile verifies that no customer account is negative, each currency
// nets to zero across all accounts and every stored balance matches its
// transaction history.
func (l *Ledger) Reconcile(ctx context.Context) (Report, error) {
	report := Report{CheckedAt: time.Now().UTC()}
	negative, err := l.accounts.ListNegativeChecking(ctx)
	if err != nil {
		return report, &PersistenceError{Op: "reconcile", Err: err}
	}
	report.NegativeChecking = negative
	totals, err := l.accounts.NetByCurrency(ctx)
	if err != nil {
		return report, &PersistenceError{Op: "reconcile", Err: err}
	}
	for _, total := range totals {
		if !total.Total.IsZero() {
			report.Unbalanced = append(report.Unbalanced, total)
		}
	}
	drift, err := l.accounts.ListDrift(ctx)
	if err != nil {
		return report, &PersistenceError{Op: "reconcile", Err: err}
	}
	report.Drift = drift
	return report, nil
}

// NewTransaction builds a same-currency movement between two accounts.
func NewTransaction(out, in models.Account, amount decimal.Decimal, kind models.TxKind, at time.Time) models.Transaction {
	return models.Transaction{
		ID:                uuid.NewString(),
		CreatedAt:         at,
		OutboundAccountID: out.ID,
		OutboundUID:       out.UID,
		OutboundAmount:    amount,
		OutboundCurrency:  out.Currency,
		InboundAccountID:  in.ID,
		InboundUID:        in.UID,
		InboundAmount:     amount,
		InboundCurrency:   in.Currency,
		ExchangeRate:      decimal.NewFromInt(1),
		Kind:              kind,
		Fees:              decimal.Zero,
	}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusiness(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

var businessErrors = []error{
	ErrInsufficientFunds, ErrUnknownAccount, ErrAmountMismatch, ErrCurrencyMismatch,
	ErrInvalidAmount, ErrSameAccount, ErrDuplicateRequest, ErrNotBootstrapped,
	money.ErrUnknownCurrency,
}

// Rejection marks an error returned from a Guard as a business rejection so
// it is passed through unwrapped.
type Rejection struct {
	Err error
}

func (r *Rejection) Error() string {
	return r.Err.Error()
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func Reject(err error) error {
	return &Rejection{Err: err}
}

func IsBusiness(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var rejection *Rejection
	return errors.As(err, &rejection)
}
