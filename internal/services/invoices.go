package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"lnbank/internal/ledger"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/policy"
	"lnbank/internal/store"
	"lnbank/internal/transport"

	"go.uber.org/zap"
)

func settlementID(paymentHash string) string { return "settle:" + paymentHash }

// InvoiceService issues Lightning invoices and credits them exactly once
// when the node reports them settled.
type InvoiceService struct {
	p      *Processor
	logger *zap.Logger
}

func NewInvoiceService(p *Processor, logger *zap.Logger) *InvoiceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvoiceService{p: p, logger: logger}
}

// CreateInvoice handles DepositRequest and InvoiceRequest. ok is false when
// the request was rejected; res then carries the reason.
func (s *InvoiceService) CreateInvoice(ctx context.Context, kind transport.Kind, req transport.DepositRequest) (resp transport.InvoiceResponse, res transport.RequestResult, ok bool) {
	p := s.p
	f := p.begin(kind, req.RequestID, req.UID)
	if p.policy.WithdrawalOnly {
		return resp, f.reject(ErrDepositsDisabled), false
	}
	if err := checkAmount(req.Currency, req.Amount); err != nil {
		return resp, f.reject(err), false
	}
	if err := checkLimit(p.policy.DepositLimits, req.Currency, req.Amount); err != nil {
		return resp, f.reject(err), false
	}
	action := policy.ActionInvoiceCreation
	if kind == transport.KindDepositRequest {
		action = policy.ActionDeposit
	}
	if err := policy.CheckRateLimit(ctx, p.limiter, req.UID, action); err != nil {
		return resp, f.reject(err), false
	}
	f.to(StateValidated)

	btc := req.Amount
	if req.Currency.IsFiat() {
		if err := p.checkExposure(ctx, req.Currency, req.Amount); err != nil {
			return resp, f.reject(err), false
		}
		pair, err := money.NewPair(req.Currency, money.BTC)
		if err != nil {
			return resp, f.reject(err), false
		}
		f.to(StateQuoteRequested)
		q, err := p.quotes.RequestQuote(ctx, req.RequestID, pair, req.Amount)
		if err != nil {
			return resp, f.reject(err), false
		}
		btc = q.Convert(req.Amount)
	}
	msat := money.ToMsat(btc)
	if msat <= 0 {
		return resp, f.reject(invalid("amount too small for an invoice")), false
	}
	acc, err := p.ledger.EnsureAccount(ctx, req.UID, req.Currency)
	if err != nil {
		return resp, f.reject(err), false
	}

	created, err := p.node.AddInvoice(ctx, msat, req.Memo, p.policy.InvoiceExpiry)
	if err != nil {
		return resp, f.reject(err), false
	}
	now := p.now()
	inv := models.Invoice{
		PaymentHash:    created.PaymentHash,
		PaymentRequest: created.PaymentRequest,
		Value:          money.ToSats(btc),
		ValueMsat:      msat,
		Expiry:         int64(p.policy.InvoiceExpiry / time.Second),
		CreatedAt:      now,
		AddIndex:       created.AddIndex,
		AccountID:      acc.ID,
		UID:            req.UID,
		Incoming:       true,
		Currency:       req.Currency,
		Status:         models.InvoiceOpen,
		Description:    req.Memo,
	}
	err = p.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return p.invoices.Create(ctx, tx, inv)
	})
	if err != nil {
		return resp, f.reject(err), false
	}
	f.to(StateCommitted)
	f.log.Info("invoice created", zap.String("payment_hash", inv.PaymentHash), zap.Int64("amount_msat", msat))
	resp = transport.InvoiceResponse{
		RequestID:      req.RequestID,
		UID:            req.UID,
		PaymentRequest: inv.PaymentRequest,
		PaymentHash:    inv.PaymentHash,
		Currency:       req.Currency,
		Amount:         req.Amount,
		AmountMsat:     msat,
		ExpiresAt:      inv.ExpiresAt(),
	}
	return resp, f.result(StateCommitted, ""), true
}

// dealerMemo marks invoices the dealer issues to move funds back from the
// hedging venue.
const dealerMemo = "DealerSettlement"

// DealerCreateInvoice issues an invoice that credits the dealer's BTC float
// when paid. Dealer invoices skip the customer limits.
func (s *InvoiceService) DealerCreateInvoice(ctx context.Context, req transport.CreateInvoiceRequest) transport.CreateInvoiceResponse {
	p := s.p
	f := p.begin(transport.KindCreateInvoiceRequest, req.RequestID, models.DealerUID)
	resp := transport.CreateInvoiceResponse{RequestID: req.RequestID, AmountSats: req.AmountSats}
	if req.AmountSats <= 0 {
		resp.Reason = f.reject(invalid("amount must be positive")).Reason
		return resp
	}
	acc, err := p.ledger.SystemAccount(models.ClassDealer, money.BTC)
	if err != nil {
		resp.Reason = f.reject(err).Reason
		return resp
	}
	msat := req.AmountSats * money.MsatPerSat
	created, err := p.node.AddInvoice(ctx, msat, dealerMemo, p.policy.InvoiceExpiry)
	if err != nil {
		resp.Reason = f.reject(err).Reason
		return resp
	}
	inv := models.Invoice{
		PaymentHash:    created.PaymentHash,
		PaymentRequest: created.PaymentRequest,
		Value:          req.AmountSats,
		ValueMsat:      msat,
		Expiry:         int64(p.policy.InvoiceExpiry / time.Second),
		CreatedAt:      p.now(),
		AddIndex:       created.AddIndex,
		AccountID:      acc.ID,
		UID:            models.DealerUID,
		Incoming:       true,
		Currency:       money.BTC,
		Status:         models.InvoiceOpen,
		Description:    dealerMemo,
	}
	err = p.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return p.invoices.Create(ctx, tx, inv)
	})
	if err != nil {
		resp.Reason = f.reject(err).Reason
		return resp
	}
	f.to(StateCommitted)
	f.log.Info("dealer invoice created", zap.String("payment_hash", inv.PaymentHash), zap.Int64("amount_msat", msat))
	resp.PaymentRequest = inv.PaymentRequest
	return resp
}

// OnSettlement credits the owner of a settled invoice. Replays of the same
// settlement are no-ops. A non-nil error means the credit was not applied
// and the notification should be delivered again.
func (s *InvoiceService) OnSettlement(ctx context.Context, msg transport.InvoiceSettled) (transport.RequestResult, error) {
	p := s.p
	f := p.begin(transport.KindInvoiceSettled, settlementID(msg.PaymentHash), 0)
	inv, err := p.invoices.GetByHash(ctx, nil, msg.PaymentHash, true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			f.log.Warn("settlement for unknown invoice", zap.String("payment_hash", msg.PaymentHash))
			return f.result(StateRejected, ReasonValidation), nil
		}
		err = &ledger.PersistenceError{Op: "invoice lookup", Err: err}
		return f.reject(err), err
	}
	f.uid = inv.UID
	f.log = f.log.With(zap.Int64("owner", inv.UID))
	if inv.Settled {
		return p.creditResult(ctx, f, models.SummaryTransaction{}, errAlreadyCredited), nil
	}
	if inv.Status == models.InvoiceExpired {
		f.log.Info("settlement after invoice expiry, crediting", zap.String("payment_hash", msg.PaymentHash))
	}
	f.to(StateValidated)

	msat := msg.AmountMsat
	if msat <= 0 {
		msat = inv.ValueMsat
	}
	addIndex := msg.AddIndex
	if addIndex == 0 {
		addIndex = inv.AddIndex
	}
	settledAt := msg.SettledAt
	if settledAt.IsZero() {
		settledAt = p.now()
	}
	btc := money.FromMsat(msat)
	guard := func(ctx context.Context, tx store.Tx) error {
		n, err := p.invoices.MarkSettled(ctx, tx, msg.PaymentHash, settledAt, addIndex)
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.Reject(errAlreadyCredited)
		}
		return nil
	}
	summary, amount, err := p.credit(ctx, f, inv.UID, inv.Currency, btc, models.TxLightningReceive, RefExternalDeposit, guard)
	res := p.creditResult(ctx, f, summary, err)
	if err != nil {
		if !errors.Is(err, errAlreadyCredited) && transient(err) {
			return res, err
		}
		return res, nil
	}
	p.notifyBalances(ctx, inv.UID)
	p.notify(ctx, inv.UID, "deposit_received", inv.Currency, amount, inv.Description)
	return res, nil
}

// ExpireStale marks open invoices past their expiry. It has no ledger
// effect.
func (s *InvoiceService) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.p.invoices.ExpireStale(ctx, s.p.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired stale invoices", zap.Int64("count", n))
	}
	return n, nil
}
