// Package ledgertest provides an in-memory book that satisfies the store
// interfaces used by the ledger and services, with rollback on failed
// transactions.
package ledgertest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type invoiceKey struct {
	hash     string
	incoming bool
}

type Book struct {
	txMu sync.Mutex
	mu   sync.Mutex

	users     map[int64]models.User
	accounts  map[string]models.Account
	txs       []models.Transaction
	summaries map[string]models.SummaryTransaction
	invoices  map[invoiceKey]models.Invoice
	addresses map[string]models.BitcoinAddress
	onchain   map[string]models.OnchainTransaction
	lnurls    map[string]models.LnurlWithdrawal

	// FailInserts makes InsertTransactions fail while set.
	FailInserts error
	commits     int
}

func NewBook() *Book {
	return &Book{
		users:     make(map[int64]models.User),
		accounts:  make(map[string]models.Account),
		summaries: make(map[string]models.SummaryTransaction),
		invoices:  make(map[invoiceKey]models.Invoice),
		addresses: make(map[string]models.BitcoinAddress),
		onchain:   make(map[string]models.OnchainTransaction),
		lnurls:    make(map[string]models.LnurlWithdrawal),
	}
}

type snapshot struct {
	users     map[int64]models.User
	accounts  map[string]models.Account
	txs       []models.Transaction
	summaries map[string]models.SummaryTransaction
	invoices  map[invoiceKey]models.Invoice
	addresses map[string]models.BitcoinAddress
	onchain   map[string]models.OnchainTransaction
	lnurls    map[string]models.LnurlWithdrawal
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (b *Book) snapshot() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return snapshot{
		users:     copyMap(b.users),
		accounts:  copyMap(b.accounts),
		txs:       append([]models.Transaction(nil), b.txs...),
		summaries: copyMap(b.summaries),
		invoices:  copyMap(b.invoices),
		addresses: copyMap(b.addresses),
		onchain:   copyMap(b.onchain),
		lnurls:    copyMap(b.lnurls),
	}
}

func (b *Book) restore(s snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users, b.accounts, b.txs, b.summaries = s.users, s.accounts, s.txs, s.summaries
	b.invoices, b.addresses, b.onchain, b.lnurls = s.invoices, s.addresses, s.onchain, s.lnurls
}

// WithTx serializes transactions and restores the prior state when fn fails.
func (b *Book) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := b.snapshot()
	if err := fn(nil); err != nil {
		b.restore(snap)
		return err
	}
	b.mu.Lock()
	b.commits++
	b.mu.Unlock()
	return nil
}

func (b *Book) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

func (b *Book) Transactions() []models.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Transaction(nil), b.txs...)
}

func (b *Book) SummaryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.summaries)
}

// AddAccount seeds an account directly.
func (b *Book) AddAccount(acc models.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[acc.UID]; !ok {
		b.users[acc.UID] = models.User{UID: acc.UID}
	}
	b.accounts[acc.ID] = acc
}

// Fund moves amount into accountID from the matching system account class,
// recording a transaction so balances reconcile.
func (b *Book) Fund(accountID string, from models.AccountClass, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	to := b.accounts[accountID]
	var src models.Account
	for _, acc := range b.accounts {
		if acc.Class == from && acc.Currency == to.Currency && acc.Kind == models.KindInternal {
			src = acc
			break
		}
	}
	src.Balance = src.Balance.Sub(amount)
	to.Balance = to.Balance.Add(amount)
	b.accounts[src.ID] = src
	b.accounts[to.ID] = to
	b.txs = append(b.txs, models.Transaction{
		ID: fmt.Sprintf("fund-%d", len(b.txs)), OutboundAccountID: src.ID, InboundAccountID: to.ID,
		OutboundAmount: amount, InboundAmount: amount, OutboundCurrency: to.Currency, InboundCurrency: to.Currency,
		ExchangeRate: decimal.NewFromInt(1), Kind: models.TxInternal, CreatedAt: time.Now(),
	})
}

func (b *Book) Account(id string) models.Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accounts[id]
}

func (b *Book) Invoice(hash string, incoming bool) (models.Invoice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[invoiceKey{hash, incoming}]
	return inv, ok
}

func (b *Book) Accounts() *Accounts   { return &Accounts{b} }
func (b *Book) Ledger() *Ledger       { return &Ledger{b} }
func (b *Book) Summaries() *Summaries { return &Summaries{b} }
func (b *Book) Users() *Users         { return &Users{b} }
func (b *Book) Invoices() *Invoices   { return &Invoices{b} }
func (b *Book) Onchain() *Onchain     { return &Onchain{b} }
func (b *Book) Lnurls() *Lnurls       { return &Lnurls{b} }

func (b *Book) lock() func() {
	b.mu.Lock()
	return b.mu.Unlock
}

func duplicate() error {
	return &pq.Error{Code: "23505"}
}

func sortAccounts(rows []models.Account) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}

type Accounts struct{ b *Book }

func (a *Accounts) Create(_ context.Context, _ store.Execer, acc models.Account) (int64, error) {
	defer a.b.lock()()
	for _, existing := range a.b.accounts {
		if existing.UID == acc.UID && existing.Currency == acc.Currency && existing.Class == acc.Class {
			return 0, nil
		}
	}
	acc.CreatedAt = time.Now()
	a.b.accounts[acc.ID] = acc
	return 1, nil
}

func (a *Accounts) GetByID(_ context.Context, id string) (models.Account, error) {
	defer a.b.lock()()
	acc, ok := a.b.accounts[id]
	if !ok {
		return models.Account{}, sql.ErrNoRows
	}
	return acc, nil
}

func (a *Accounts) GetByUserAndCurrency(_ context.Context, _ store.Getter, uid int64, currency money.Currency) (models.Account, error) {
	defer a.b.lock()()
	for _, acc := range a.b.accounts {
		if acc.UID == uid && acc.Currency == currency && acc.Class == models.ClassUser {
			return acc, nil
		}
	}
	return models.Account{}, sql.ErrNoRows
}

func (a *Accounts) ListByUser(_ context.Context, uid int64) ([]models.Account, error) {
	defer a.b.lock()()
	var rows []models.Account
	for _, acc := range a.b.accounts {
		if acc.UID == uid {
			rows = append(rows, acc)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Currency < rows[j].Currency })
	return rows, nil
}

func (a *Accounts) GetForUpdate(ctx context.Context, _ store.Getter, id string) (models.Account, error) {
	return a.GetByID(ctx, id)
}

func (a *Accounts) UpdateBalance(_ context.Context, _ store.Execer, id string, balance decimal.Decimal) error {
	defer a.b.lock()()
	acc, ok := a.b.accounts[id]
	if !ok {
		return sql.ErrNoRows
	}
	acc.Balance = balance
	a.b.accounts[id] = acc
	return nil
}

func (a *Accounts) GetSystemAccount(_ context.Context, _ store.Getter, class models.AccountClass, currency money.Currency) (models.Account, error) {
	defer a.b.lock()()
	for _, acc := range a.b.accounts {
		if acc.Class == class && acc.Currency == currency && acc.Kind == models.KindInternal {
			return acc, nil
		}
	}
	return models.Account{}, sql.ErrNoRows
}

// LockReserve is a no-op: WithTx already runs one transaction at a time.
func (a *Accounts) LockReserve(context.Context, store.Execer) error { return nil }

func (a *Accounts) SumByKind(_ context.Context, _ store.Getter, kind models.AccountKind, currency money.Currency) (decimal.Decimal, error) {
	defer a.b.lock()()
	sum := decimal.Zero
	for _, acc := range a.b.accounts {
		if acc.Kind == kind && acc.Currency == currency {
			sum = sum.Add(acc.Balance)
		}
	}
	return sum, nil
}

func (a *Accounts) ListNegativeChecking(context.Context) ([]models.Account, error) {
	defer a.b.lock()()
	var rows []models.Account
	for _, acc := range a.b.accounts {
		if acc.Kind == models.KindChecking && acc.Balance.IsNegative() {
			rows = append(rows, acc)
		}
	}
	sortAccounts(rows)
	return rows, nil
}

func (a *Accounts) ListDrift(context.Context) ([]store.AccountBalanceSummary, error) {
	defer a.b.lock()()
	derived := make(map[string]decimal.Decimal)
	for _, t := range a.b.txs {
		derived[t.InboundAccountID] = derived[t.InboundAccountID].Add(t.InboundAmount)
		derived[t.OutboundAccountID] = derived[t.OutboundAccountID].Sub(t.OutboundAmount)
	}
	var rows []store.AccountBalanceSummary
	for _, acc := range a.b.accounts {
		calc := derived[acc.ID]
		if !calc.Equal(acc.Balance) {
			rows = append(rows, store.AccountBalanceSummary{
				ID: acc.ID, UID: acc.UID, Currency: acc.Currency, Kind: acc.Kind, Class: acc.Class,
				StoredBalance: acc.Balance, CalculatedBalance: calc, Difference: acc.Balance.Sub(calc),
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (a *Accounts) NetByCurrency(context.Context) ([]store.CurrencyTotal, error) {
	defer a.b.lock()()
	totals := make(map[money.Currency]decimal.Decimal)
	for _, acc := range a.b.accounts {
		totals[acc.Currency] = totals[acc.Currency].Add(acc.Balance)
	}
	rows := make([]store.CurrencyTotal, 0, len(totals))
	for c, total := range totals {
		rows = append(rows, store.CurrencyTotal{Currency: c, Total: total})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Currency < rows[j].Currency })
	return rows, nil
}

type Ledger struct{ b *Book }

func (l *Ledger) InsertTransactions(_ context.Context, _ store.Execer, txs []models.Transaction) error {
	defer l.b.lock()()
	if l.b.FailInserts != nil {
		return l.b.FailInserts
	}
	l.b.txs = append(l.b.txs, txs...)
	return nil
}

func (l *Ledger) GetByIDs(_ context.Context, _ store.Selecter, ids []string) ([]models.Transaction, error) {
	defer l.b.lock()()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var rows []models.Transaction
	for _, t := range l.b.txs {
		if want[t.ID] {
			rows = append(rows, t)
		}
	}
	return rows, nil
}

type Summaries struct{ b *Book }

func (s *Summaries) Create(_ context.Context, _ store.Execer, summary models.SummaryTransaction) error {
	defer s.b.lock()()
	for _, existing := range s.b.summaries {
		if existing.RequestID == summary.RequestID {
			return duplicate()
		}
	}
	s.b.summaries[summary.ID] = summary
	return nil
}

func (s *Summaries) GetByID(_ context.Context, id string) (models.SummaryTransaction, error) {
	defer s.b.lock()()
	summary, ok := s.b.summaries[id]
	if !ok {
		return models.SummaryTransaction{}, sql.ErrNoRows
	}
	return summary, nil
}

func (s *Summaries) GetByRequestID(_ context.Context, requestID string) (models.SummaryTransaction, error) {
	defer s.b.lock()()
	for _, summary := range s.b.summaries {
		if summary.RequestID == requestID {
			return summary, nil
		}
	}
	return models.SummaryTransaction{}, sql.ErrNoRows
}

func (s *Summaries) ListByUser(_ context.Context, uid int64, limit, offset int) ([]models.SummaryTransaction, error) {
	defer s.b.lock()()
	var rows []models.SummaryTransaction
	for _, summary := range s.b.summaries {
		if summary.OutboundUID == uid || summary.InboundUID == uid {
			rows = append(rows, summary)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

type Users struct{ b *Book }

func (u *Users) Create(_ context.Context, _ store.Execer, user models.User) error {
	defer u.b.lock()()
	if _, ok := u.b.users[user.UID]; !ok {
		u.b.users[user.UID] = user
	}
	return nil
}

type Invoices struct{ b *Book }

func (i *Invoices) Create(_ context.Context, _ store.Execer, inv models.Invoice) error {
	defer i.b.lock()()
	key := invoiceKey{inv.PaymentHash, inv.Incoming}
	if _, ok := i.b.invoices[key]; ok {
		return duplicate()
	}
	i.b.invoices[key] = inv
	return nil
}

func (i *Invoices) GetByHash(_ context.Context, _ store.Getter, hash string, incoming bool) (models.Invoice, error) {
	defer i.b.lock()()
	inv, ok := i.b.invoices[invoiceKey{hash, incoming}]
	if !ok {
		return models.Invoice{}, sql.ErrNoRows
	}
	return inv, nil
}

func (i *Invoices) GetByPaymentRequest(_ context.Context, payreq string) (models.Invoice, error) {
	defer i.b.lock()()
	for key, inv := range i.b.invoices {
		if key.incoming && inv.PaymentRequest == payreq {
			return inv, nil
		}
	}
	return models.Invoice{}, sql.ErrNoRows
}

func (i *Invoices) MarkSettled(_ context.Context, _ store.Execer, hash string, at time.Time, addIndex int64) (int64, error) {
	defer i.b.lock()()
	key := invoiceKey{hash, true}
	inv, ok := i.b.invoices[key]
	if !ok || inv.Settled {
		return 0, nil
	}
	inv.Settled = true
	inv.SettledAt = &at
	inv.AddIndex = addIndex
	inv.Status = models.InvoiceSettled
	i.b.invoices[key] = inv
	return 1, nil
}

func (i *Invoices) Transition(_ context.Context, _ store.Execer, hash string, from, to models.InvoiceStatus, feesMsat int64) (int64, error) {
	defer i.b.lock()()
	key := invoiceKey{hash, false}
	inv, ok := i.b.invoices[key]
	if !ok || inv.Status != from {
		return 0, nil
	}
	inv.Status = to
	inv.FeesMsat = feesMsat
	if to == models.InvoiceSettled {
		now := time.Now()
		inv.Settled = true
		inv.SettledAt = &now
	}
	i.b.invoices[key] = inv
	return 1, nil
}

func (i *Invoices) Reopen(_ context.Context, _ store.Execer, inv models.Invoice) (int64, error) {
	defer i.b.lock()()
	key := invoiceKey{inv.PaymentHash, false}
	cur, ok := i.b.invoices[key]
	if !ok || cur.Status != models.InvoiceFailed {
		return 0, nil
	}
	cur.Status = models.InvoicePending
	cur.UID, cur.AccountID, cur.Currency = inv.UID, inv.AccountID, inv.Currency
	cur.SummaryTxID, cur.ReservedFee = inv.SummaryTxID, inv.ReservedFee
	cur.FeesMsat, cur.Settled, cur.SettledAt, cur.CreatedAt = 0, false, nil, inv.CreatedAt
	i.b.invoices[key] = cur
	return 1, nil
}

func (i *Invoices) PendingOutbound(context.Context, store.Getter) (decimal.Decimal, error) {
	defer i.b.lock()()
	sum := decimal.Zero
	for key, inv := range i.b.invoices {
		if !key.incoming && inv.Status == models.InvoicePending {
			sum = sum.Add(money.FromMsat(inv.ValueMsat)).Add(inv.ReservedFee)
		}
	}
	return sum, nil
}

func (i *Invoices) ListOutboundByStatus(_ context.Context, status models.InvoiceStatus) ([]models.Invoice, error) {
	defer i.b.lock()()
	var rows []models.Invoice
	for key, inv := range i.b.invoices {
		if !key.incoming && inv.Status == status {
			rows = append(rows, inv)
		}
	}
	sort.Slice(rows, func(x, y int) bool { return rows[x].CreatedAt.Before(rows[y].CreatedAt) })
	return rows, nil
}

func (i *Invoices) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	defer i.b.lock()()
	var n int64
	for key, inv := range i.b.invoices {
		if key.incoming && !inv.Settled && inv.Status == models.InvoiceOpen && inv.ExpiresAt().Before(now) {
			inv.Status = models.InvoiceExpired
			i.b.invoices[key] = inv
			n++
		}
	}
	return n, nil
}

func (i *Invoices) ResumeIndex(context.Context) (int64, error) {
	defer i.b.lock()()
	var newest, oldestOpen int64
	for key, inv := range i.b.invoices {
		if !key.incoming {
			continue
		}
		if inv.AddIndex > newest {
			newest = inv.AddIndex
		}
		if !inv.Settled && inv.Status == models.InvoiceOpen && (oldestOpen == 0 || inv.AddIndex < oldestOpen) {
			oldestOpen = inv.AddIndex
		}
	}
	if oldestOpen > 0 {
		return oldestOpen - 1, nil
	}
	return newest, nil
}

type Onchain struct{ b *Book }

func (o *Onchain) RegisterAddress(_ context.Context, _ store.Execer, addr models.BitcoinAddress) (int64, error) {
	defer o.b.lock()()
	if _, ok := o.b.addresses[addr.Address]; ok {
		return 0, nil
	}
	o.b.addresses[addr.Address] = addr
	return 1, nil
}

func (o *Onchain) GetAddress(_ context.Context, address string) (models.BitcoinAddress, error) {
	defer o.b.lock()()
	addr, ok := o.b.addresses[address]
	if !ok {
		return models.BitcoinAddress{}, sql.ErrNoRows
	}
	return addr, nil
}

func (o *Onchain) Record(_ context.Context, _ store.Execer, otx models.OnchainTransaction) error {
	defer o.b.lock()()
	if _, ok := o.b.onchain[otx.TxID]; !ok {
		o.b.onchain[otx.TxID] = otx
	}
	return nil
}

func (o *Onchain) MarkSettled(_ context.Context, _ store.Execer, txid string) (int64, error) {
	defer o.b.lock()()
	otx, ok := o.b.onchain[txid]
	if !ok || otx.IsSettled {
		return 0, nil
	}
	otx.IsSettled = true
	o.b.onchain[txid] = otx
	return 1, nil
}

type Lnurls struct{ b *Book }

func (l *Lnurls) Create(_ context.Context, _ store.Execer, w models.LnurlWithdrawal) error {
	defer l.b.lock()()
	if _, ok := l.b.lnurls[w.ID]; ok {
		return duplicate()
	}
	l.b.lnurls[w.ID] = w
	return nil
}

func (l *Lnurls) Get(_ context.Context, id string, now time.Time) (models.LnurlWithdrawal, error) {
	defer l.b.lock()()
	w, ok := l.b.lnurls[id]
	if !ok || !w.ExpiresAt.After(now) {
		return models.LnurlWithdrawal{}, sql.ErrNoRows
	}
	return w, nil
}

func (l *Lnurls) Take(_ context.Context, _ store.Getter, id string, now time.Time) (models.LnurlWithdrawal, error) {
	defer l.b.lock()()
	w, ok := l.b.lnurls[id]
	if !ok || !w.ExpiresAt.After(now) {
		return models.LnurlWithdrawal{}, sql.ErrNoRows
	}
	delete(l.b.lnurls, id)
	return w, nil
}

func (l *Lnurls) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	defer l.b.lock()()
	var n int64
	for id, w := range l.b.lnurls {
		if !w.ExpiresAt.After(now) {
			delete(l.b.lnurls, id)
			n++
		}
	}
	return n, nil
}
