package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"lnbank/internal/config"
	"lnbank/internal/dealer"
	"lnbank/internal/ledger"
	"lnbank/internal/lightning"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/policy"
	"lnbank/internal/store"
	"lnbank/internal/transport"
	"lnbank/internal/websocket"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is a step of the per-request state machine.
type State string

const (
	StateReceived       State = "Received"
	StateValidated      State = "Validated"
	StateQuoteRequested State = "QuoteRequested"
	StateReserved       State = "Reserved"
	StateCommitted      State = "Committed"
	StateAcknowledged   State = "Acknowledged"
	StateRejected       State = "Rejected"
	// StatePending is reported for an outbound payment whose outcome the
	// node could not tell us.
	StatePending State = "Pending"
)

// Summary references.
const (
	RefInternalTransfer     = "InternalTransfer"
	RefExternalDeposit      = "ExternalDeposit"
	RefExternalPayment      = "ExternalPayment"
	RefInternalPayment      = "InternalPayment"
	RefPaymentRefund        = "PaymentRefund"
	RefPaymentFeeSettlement = "PaymentFeeSettlement"
	RefSwap                 = "Swap"
	RefOnchainDeposit       = "OnchainDeposit"
)

type Ledger interface {
	Commit(ctx context.Context, batch ledger.Batch) error
	EnsureAccount(ctx context.Context, uid int64, currency money.Currency) (models.Account, error)
	SystemAccount(class models.AccountClass, currency money.Currency) (models.Account, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Balances(ctx context.Context, uid int64) ([]models.Account, error)
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error
}

type Quoter interface {
	RequestQuote(ctx context.Context, correlationID string, pair money.Pair, quantity decimal.Decimal) (dealer.Quote, error)
	CommitGuard(q dealer.Quote) ledger.Guard
	PublishBankState(ctx context.Context, state transport.BankState) error
}

// ReserveChecker builds the guard that keeps a BTC withdrawal within the
// reserve ratio. The guard runs inside the commit transaction.
type ReserveChecker interface {
	Guard(withdrawal decimal.Decimal) ledger.Guard
}

type InvoiceStore interface {
	Create(ctx context.Context, tx store.Execer, inv models.Invoice) error
	GetByHash(ctx context.Context, q store.Getter, paymentHash string, incoming bool) (models.Invoice, error)
	GetByPaymentRequest(ctx context.Context, paymentRequest string) (models.Invoice, error)
	MarkSettled(ctx context.Context, tx store.Execer, paymentHash string, settledAt time.Time, addIndex int64) (int64, error)
	Transition(ctx context.Context, tx store.Execer, paymentHash string, from, to models.InvoiceStatus, feesMsat int64) (int64, error)
	Reopen(ctx context.Context, tx store.Execer, inv models.Invoice) (int64, error)
	ListOutboundByStatus(ctx context.Context, status models.InvoiceStatus) ([]models.Invoice, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

type SummaryReader interface {
	GetByID(ctx context.Context, txid string) (models.SummaryTransaction, error)
	GetByRequestID(ctx context.Context, requestID string) (models.SummaryTransaction, error)
}

type LegReader interface {
	GetByIDs(ctx context.Context, q store.Selecter, ids []string) ([]models.Transaction, error)
}

type OnchainStore interface {
	RegisterAddress(ctx context.Context, tx store.Execer, addr models.BitcoinAddress) (int64, error)
	GetAddress(ctx context.Context, address string) (models.BitcoinAddress, error)
	Record(ctx context.Context, tx store.Execer, otx models.OnchainTransaction) error
	MarkSettled(ctx context.Context, tx store.Execer, txid string) (int64, error)
}

type LnurlStore interface {
	Create(ctx context.Context, tx store.Execer, w models.LnurlWithdrawal) error
	Get(ctx context.Context, id string, now time.Time) (models.LnurlWithdrawal, error)
	Take(ctx context.Context, q store.Getter, id string, now time.Time) (models.LnurlWithdrawal, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type AuditStore interface {
	Log(ctx context.Context, tx store.Execer, actorID, action, entityType, entityID, data string) error
}

type BalanceHub interface {
	BroadcastBalance(uid int64, update websocket.BalanceUpdate)
}

type Observer interface {
	ObserveRequest(kind, outcome string, elapsed time.Duration)
	ObservePayment(status string)
}

// Policy is the fee and limit configuration the processor applies.
type Policy struct {
	InternalTxFee      decimal.Decimal
	ExternalTxFee      decimal.Decimal
	LNNetworkFeeMargin decimal.Decimal
	LNNetworkMaxFee    decimal.Decimal
	DepositLimits      map[money.Currency]config.Limit
	WithdrawalLimits   map[money.Currency]config.Limit
	RiskTolerances     map[money.Currency]decimal.Decimal
	WithdrawalOnly     bool
	PaymentTimeout     time.Duration
	InvoiceExpiry      time.Duration
	ReserveRatio       decimal.Decimal
	LnurlCallbackURL   string
	LnurlPayURL        string
	LnurlExpiry        time.Duration
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		InternalTxFee:      cfg.InternalTxFee,
		ExternalTxFee:      cfg.ExternalTxFee,
		LNNetworkFeeMargin: cfg.LNNetworkFeeMargin,
		LNNetworkMaxFee:    cfg.LNNetworkMaxFee,
		DepositLimits:      cfg.DepositLimits,
		WithdrawalLimits:   cfg.WithdrawalLimits,
		RiskTolerances:     cfg.RiskTolerances,
		WithdrawalOnly:     cfg.WithdrawalOnly,
		PaymentTimeout:     cfg.PaymentTimeout,
		InvoiceExpiry:      cfg.InvoiceExpiry,
		ReserveRatio:       cfg.ReserveRatio,
		LnurlCallbackURL:   cfg.LnurlCallbackURL,
		LnurlPayURL:        cfg.LnurlPayURL,
		LnurlExpiry:        cfg.LnurlExpiry,
	}
}

// Deps are the collaborators of the processor. Hub, Notifier, Observer and
// Lnurls may be nil.
type Deps struct {
	Ledger    Ledger
	Quotes    Quoter
	Reserve   ReserveChecker
	Limiter   policy.RateLimiter
	Node      lightning.Node
	Invoices  InvoiceStore
	Summaries SummaryReader
	Legs      LegReader
	Onchain   OnchainStore
	Lnurls    LnurlStore
	Audit     AuditStore
	Hub       BalanceHub
	Notifier  transport.Publisher
	Observer  Observer
	Logger    *zap.Logger
}

// Processor drives every customer request from receipt to an acknowledged
// result. Callers serialize requests per account.
type Processor struct {
	ledger    Ledger
	quotes    Quoter
	reserve   ReserveChecker
	limiter   policy.RateLimiter
	node      lightning.Node
	invoices  InvoiceStore
	summaries SummaryReader
	legs      LegReader
	onchain   OnchainStore
	lnurls    LnurlStore
	audit     AuditStore
	hub       BalanceHub
	notifier  transport.Publisher
	obs       Observer
	logger    *zap.Logger
	policy    Policy
	now       func() time.Time
}

func NewProcessor(d Deps, pol Policy) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		ledger:    d.Ledger,
		quotes:    d.Quotes,
		reserve:   d.Reserve,
		limiter:   d.Limiter,
		node:      d.Node,
		invoices:  d.Invoices,
		summaries: d.Summaries,
		legs:      d.Legs,
		onchain:   d.Onchain,
		lnurls:    d.Lnurls,
		audit:     d.Audit,
		hub:       d.Hub,
		notifier:  d.Notifier,
		obs:       d.Observer,
		logger:    logger,
		policy:    pol,
		now:       time.Now,
	}
}

type flow struct {
	p     *Processor
	kind  transport.Kind
	req   string
	uid   int64
	state State
	log   *zap.Logger
}

func (p *Processor) begin(kind transport.Kind, requestID string, uid int64) *flow {
	f := &flow{
		p:    p,
		kind: kind,
		req:  requestID,
		uid:  uid,
		log: p.logger.With(
			zap.String("request_id", requestID),
			zap.String("kind", string(kind)),
			zap.Int64("uid", uid),
		),
	}
	f.to(StateReceived)
	return f
}

func (f *flow) to(s State) {
	f.state = s
	f.log.Debug("request state", zap.String("state", string(s)))
}

func (f *flow) result(state State, reason string) transport.RequestResult {
	return transport.RequestResult{
		RequestID: f.req,
		UID:       f.uid,
		Kind:      f.kind,
		State:     string(state),
		Reason:    reason,
		Fees:      decimal.Zero,
	}
}

func (f *flow) reject(err error) transport.RequestResult {
	reason := ReasonCode(err)
	fields := []zap.Field{zap.String("state", string(f.state)), zap.String("reason", reason), zap.Error(err)}
	if reason == ReasonPersistence || reason == ReasonInternal {
		f.log.Error("request failed", fields...)
	} else {
		f.log.Info("request rejected", fields...)
	}
	f.state = StateRejected
	res := f.result(StateRejected, reason)
	res.Message = err.Error()
	return res
}

func (f *flow) committed(summary models.SummaryTransaction) transport.RequestResult {
	f.to(StateCommitted)
	res := f.result(StateCommitted, "")
	res.SummaryTxID = summary.ID
	res.Fees = summary.Fees
	return res
}

// duplicate answers a redelivered request with the outcome already stored.
func (f *flow) duplicate(summary models.SummaryTransaction) transport.RequestResult {
	f.log.Debug("request already processed", zap.String("summary_txid", summary.ID))
	f.state = StateCommitted
	res := f.result(StateCommitted, "")
	res.SummaryTxID = summary.ID
	res.Fees = summary.Fees
	res.Message = "already processed"
	return res
}

func (f *flow) pending(summaryID, reason string, err error) transport.RequestResult {
	f.log.Error("payment outcome unknown, left pending for reconciliation",
		zap.String("summary_txid", summaryID), zap.String("reason", reason), zap.Error(err))
	f.state = StatePending
	res := f.result(StatePending, reason)
	res.SummaryTxID = summaryID
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

// Acknowledge records that res was delivered to the requester, elapsed
// after the request was received.
func (p *Processor) Acknowledge(res transport.RequestResult, elapsed time.Duration) {
	p.logger.Debug("request state",
		zap.String("request_id", res.RequestID),
		zap.String("kind", string(res.Kind)),
		zap.Int64("uid", res.UID),
		zap.String("state", string(StateAcknowledged)),
		zap.String("outcome", res.State),
	)
	if p.obs == nil {
		return
	}
	outcome := strings.ToLower(res.State)
	if res.Reason != "" {
		outcome = res.Reason
	}
	p.obs.ObserveRequest(string(res.Kind), outcome, elapsed)
}

func (p *Processor) existing(ctx context.Context, requestID string) (models.SummaryTransaction, bool) {
	if requestID == "" {
		return models.SummaryTransaction{}, false
	}
	s, err := p.summaries.GetByRequestID(ctx, requestID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.logger.Warn("summary lookup failed", zap.String("request_id", requestID), zap.Error(err))
		}
		return models.SummaryTransaction{}, false
	}
	return s, true
}

// commit applies batch and reports whether it was newly persisted.
func (p *Processor) commit(ctx context.Context, f *flow, batch ledger.Batch) (transport.RequestResult, bool) {
	err := p.ledger.Commit(ctx, batch)
	if errors.Is(err, ledger.ErrDuplicateRequest) {
		if s, ok := p.existing(ctx, f.req); ok {
			return f.duplicate(s), false
		}
	}
	if err != nil {
		return f.reject(err), false
	}
	return f.committed(*batch.Summary), true
}

func newSummary(requestID, reference string, kind models.TxKind, out, in models.Transaction, rate decimal.Decimal, at time.Time) models.SummaryTransaction {
	return models.SummaryTransaction{
		ID:                uuid.NewString(),
		RequestID:         requestID,
		OutboundTxID:      &out.ID,
		InboundTxID:       &in.ID,
		CreatedAt:         at,
		OutboundAccountID: out.OutboundAccountID,
		OutboundUID:       out.OutboundUID,
		OutboundAmount:    out.OutboundAmount,
		OutboundCurrency:  out.OutboundCurrency,
		InboundAccountID:  in.InboundAccountID,
		InboundUID:        in.InboundUID,
		InboundAmount:     in.InboundAmount,
		InboundCurrency:   in.InboundCurrency,
		ExchangeRate:      rate,
		Kind:              kind,
		Fees:              decimal.Zero,
		Reference:         reference,
	}
}

func one() decimal.Decimal {
	return decimal.NewFromInt(1)
}

func checkAmount(c money.Currency, amount decimal.Decimal) error {
	if !c.Valid() {
		return money.ErrUnknownCurrency
	}
	if !amount.IsPositive() {
		return invalid("amount must be positive")
	}
	if amount.Exponent() < -c.Places() {
		return money.ErrTooManyDecimals
	}
	return nil
}

func checkLimit(limits map[money.Currency]config.Limit, c money.Currency, amount decimal.Decimal) error {
	limit, ok := limits[c]
	if !ok || limit.Allows(amount) {
		return nil
	}
	return invalid("amount outside the " + c.String() + " limits")
}

func isSystem(uid int64) bool {
	return uid == models.BankUID || uid == models.DealerUID
}

// accountFor resolves the account uid holds c in. The dealer's BTC float is
// a system account rather than a user account.
func (p *Processor) accountFor(ctx context.Context, uid int64, c money.Currency) (models.Account, error) {
	if uid == models.DealerUID {
		return p.ledger.SystemAccount(models.ClassDealer, c)
	}
	return p.ledger.EnsureAccount(ctx, uid, c)
}

// checkExposure rejects a movement that would push the dealer's exposure in
// c beyond its tolerance. A missing tolerance means unlimited.
func (p *Processor) checkExposure(ctx context.Context, c money.Currency, increase decimal.Decimal) error {
	tolerance, ok := p.policy.RiskTolerances[c]
	if !c.IsFiat() || !ok || !tolerance.IsPositive() || !increase.IsPositive() {
		return nil
	}
	acc, err := p.ledger.SystemAccount(models.ClassDealer, c)
	if err != nil {
		return err
	}
	bal, err := p.ledger.Balance(ctx, acc.ID)
	if err != nil {
		return err
	}
	if bal.Neg().Add(increase).GreaterThan(tolerance) {
		return ErrRiskLimit
	}
	return nil
}

// Balances answers a GetBalances request.
func (p *Processor) Balances(ctx context.Context, req transport.GetBalances) (transport.Balances, error) {
	rows, err := p.ledger.Balances(ctx, req.UID)
	if err != nil {
		return transport.Balances{}, err
	}
	out := transport.Balances{RequestID: req.RequestID, UID: req.UID, Accounts: make([]transport.AccountBalance, 0, len(rows))}
	for _, acc := range rows {
		out.Accounts = append(out.Accounts, transport.AccountBalance{AccountID: acc.ID, Currency: acc.Currency, Balance: acc.Balance})
	}
	return out, nil
}

// BankState reports the dealer's exposure per fiat currency and the fee
// fund per currency.
func (p *Processor) BankState(ctx context.Context) (transport.BankState, error) {
	state := transport.BankState{
		Exposures: make(map[money.Currency]decimal.Decimal),
		FeeFund:   make(map[money.Currency]decimal.Decimal),
		At:        p.now().UTC(),
	}
	for _, c := range money.Supported() {
		if acc, err := p.ledger.SystemAccount(models.ClassFees, c); err == nil {
			bal, err := p.ledger.Balance(ctx, acc.ID)
			if err != nil {
				return state, err
			}
			state.FeeFund[c] = bal
		}
		if !c.IsFiat() {
			continue
		}
		if acc, err := p.ledger.SystemAccount(models.ClassDealer, c); err == nil {
			bal, err := p.ledger.Balance(ctx, acc.ID)
			if err != nil {
				return state, err
			}
			state.Exposures[c] = bal.Neg()
		}
	}
	return state, nil
}

func (p *Processor) PublishBankState(ctx context.Context) error {
	state, err := p.BankState(ctx)
	if err != nil {
		return err
	}
	return p.quotes.PublishBankState(ctx, state)
}

func (p *Processor) publishBankState(ctx context.Context) {
	if err := p.PublishBankState(ctx); err != nil {
		p.logger.Warn("publish bank state failed", zap.Error(err))
	}
}

// notifyBalances pushes the current balances of each user to their open
// websocket connections.
func (p *Processor) notifyBalances(ctx context.Context, uids ...int64) {
	if p.hub == nil {
		return
	}
	for _, uid := range uids {
		if isSystem(uid) {
			continue
		}
		rows, err := p.ledger.Balances(ctx, uid)
		if err != nil {
			p.logger.Warn("balance notification skipped", zap.Int64("uid", uid), zap.Error(err))
			continue
		}
		for _, acc := range rows {
			p.hub.BroadcastBalance(uid, websocket.BalanceUpdate{AccountID: acc.ID, Currency: acc.Currency, Balance: acc.Balance})
		}
	}
}

func (p *Processor) notify(ctx context.Context, uid int64, event string, c money.Currency, amount decimal.Decimal, message string) {
	if p.notifier == nil || isSystem(uid) {
		return
	}
	_, err := transport.Send(ctx, p.notifier, transport.ChannelNostr, transport.KindNotification, transport.Notification{
		UID:      uid,
		Event:    event,
		Currency: c,
		Amount:   amount,
		Message:  message,
	})
	if err != nil {
		p.logger.Warn("notification not sent", zap.Int64("uid", uid), zap.String("event", event), zap.Error(err))
	}
}
