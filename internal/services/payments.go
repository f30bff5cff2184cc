package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lnbank/internal/db"
	"lnbank/internal/ledger"
	"lnbank/internal/lightning"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/policy"
	"lnbank/internal/store"
	"lnbank/internal/transport"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errResolved = errors.New("payment already resolved")

func feeSettlementID(summaryID string) string { return "fee:" + summaryID }
func refundID(summaryID string) string        { return "refund:" + summaryID }

// Withdraw pays a BOLT11 payment request from the user's account. Requests
// for invoices issued by this bank are settled internally.
func (p *Processor) Withdraw(ctx context.Context, req transport.WithdrawalRequest) transport.RequestResult {
	f := p.begin(transport.KindWithdrawalRequest, req.RequestID, req.UID)
	if isSystem(req.UID) {
		return f.reject(invalid("system users cannot withdraw"))
	}
	return p.withdraw(ctx, f, req)
}

// DealerPayInvoice pays a request out of the dealer's BTC float, for example
// to move funds to the hedging venue. The bank charges no fee on it.
func (p *Processor) DealerPayInvoice(ctx context.Context, req transport.PayInvoice) transport.RequestResult {
	f := p.begin(transport.KindPayInvoice, req.RequestID, models.DealerUID)
	return p.withdraw(ctx, f, transport.WithdrawalRequest{
		RequestID:      req.RequestID,
		UID:            models.DealerUID,
		Currency:       money.BTC,
		PaymentRequest: req.PaymentRequest,
	})
}

func (p *Processor) withdraw(ctx context.Context, f *flow, req transport.WithdrawalRequest) transport.RequestResult {
	if s, ok := p.existing(ctx, req.RequestID); ok {
		res := f.duplicate(s)
		if _, refunded := p.existing(ctx, refundID(s.ID)); refunded {
			res.State, res.Reason = string(StateRejected), ReasonPaymentFailed
		}
		return res
	}
	if !req.Currency.Valid() {
		return f.reject(money.ErrUnknownCurrency)
	}
	if !isSystem(req.UID) {
		if err := policy.CheckRateLimit(ctx, p.limiter, req.UID, policy.ActionWithdrawal); err != nil {
			return f.reject(err)
		}
	}
	pr, err := p.node.DecodePayReq(ctx, req.PaymentRequest)
	if err != nil {
		return f.reject(err)
	}
	if pr.AmountMsat <= 0 {
		return f.reject(invalid("payment request has no amount"))
	}
	if !p.now().Before(pr.ExpiresAt()) {
		return f.reject(invalid("payment request expired"))
	}
	f.to(StateValidated)

	inv, err := p.invoices.GetByPaymentRequest(ctx, req.PaymentRequest)
	switch {
	case err == nil:
		return p.payInternal(ctx, f, req, pr, inv)
	case !errors.Is(err, sql.ErrNoRows):
		return f.reject(&ledger.PersistenceError{Op: "invoice lookup", Err: err})
	}
	return p.payExternal(ctx, f, req, pr)
}

// feeReservation estimates the network fee for paying btc and how much to
// hold back for it. Nothing above btc * LNNetworkMaxFee is ever reserved.
func (p *Processor) feeReservation(ctx context.Context, pr lightning.PayReq, btc decimal.Decimal) (estimate, reserved decimal.Decimal, err error) {
	margin := btc.Mul(p.policy.LNNetworkFeeMargin)
	ceiling := btc.Mul(p.policy.LNNetworkMaxFee).RoundDown(money.BTC.Places())
	routeFee, err := p.node.QueryRouteFee(ctx, pr.Destination, pr.AmountMsat)
	if err != nil {
		p.logger.Warn("route fee unavailable, using margin", zap.String("payment_hash", pr.PaymentHash), zap.Error(err))
		estimate = margin
	} else {
		estimate = money.FromMsat(routeFee + money.MsatPerSat)
	}
	if estimate.GreaterThan(ceiling) {
		return estimate, decimal.Zero, ErrFeeCapExceeded
	}
	reserved = money.RoundUp(money.BTC, estimate.Add(margin))
	if reserved.GreaterThan(ceiling) {
		reserved = ceiling
	}
	return estimate, reserved, nil
}

func (p *Processor) payExternal(ctx context.Context, f *flow, req transport.WithdrawalRequest, pr lightning.PayReq) transport.RequestResult {
	prior, err := p.invoices.GetByHash(ctx, nil, pr.PaymentHash, false)
	reopen := false
	switch {
	case err == nil && prior.Status != models.InvoiceFailed:
		return f.reject(ErrInvoiceAlreadyPaid)
	case err == nil:
		reopen = true
	case !errors.Is(err, sql.ErrNoRows):
		return f.reject(&ledger.PersistenceError{Op: "invoice lookup", Err: err})
	}

	btc := money.FromMsat(pr.AmountMsat)
	if req.Currency == money.BTC {
		if err := checkLimit(p.policy.WithdrawalLimits, money.BTC, btc); err != nil {
			return f.reject(err)
		}
	}
	estimate, reserved, err := p.feeReservation(ctx, pr, btc)
	if err != nil {
		return f.reject(err)
	}
	bankFee := decimal.Zero
	if !isSystem(req.UID) {
		bankFee = money.RoundUp(money.BTC, btc.Mul(p.policy.ExternalTxFee))
	}
	debit := btc.Add(reserved)

	user, err := p.accountFor(ctx, req.UID, req.Currency)
	if err != nil {
		return f.reject(err)
	}
	liabilities, err := p.ledger.SystemAccount(models.ClassLiabilities, money.BTC)
	if err != nil {
		return f.reject(err)
	}
	feeAcc, err := p.ledger.SystemAccount(models.ClassFees, money.BTC)
	if err != nil {
		return f.reject(err)
	}

	var (
		txs    []models.Transaction
		guards []ledger.Guard
		out    models.Transaction
		send   models.Transaction
		feeSrc = user
		rate   = one()
		now    = p.now()
	)
	if req.Currency == money.BTC {
		send = ledger.NewTransaction(user, liabilities, debit, models.TxLightningSend, now)
		out = send
		txs = append(txs, send)
	} else {
		dealerCur, err := p.ledger.SystemAccount(models.ClassDealer, req.Currency)
		if err != nil {
			return f.reject(err)
		}
		dealerBTC, err := p.ledger.SystemAccount(models.ClassDealer, money.BTC)
		if err != nil {
			return f.reject(err)
		}
		pair, err := money.NewPair(money.BTC, req.Currency)
		if err != nil {
			return f.reject(err)
		}
		f.to(StateQuoteRequested)
		total := debit.Add(bankFee)
		q, err := p.quotes.RequestQuote(ctx, req.RequestID, pair, total)
		if err != nil {
			return f.reject(err)
		}
		charge := money.RoundUp(req.Currency, total.Mul(q.Rate))
		if err := checkLimit(p.policy.WithdrawalLimits, req.Currency, charge); err != nil {
			return f.reject(err)
		}
		now = p.now()
		out = ledger.NewTransaction(user, dealerCur, charge, models.TxSwap, now)
		send = ledger.NewTransaction(dealerBTC, liabilities, debit, models.TxLightningSend, now)
		txs = append(txs, out, send)
		guards = append(guards, p.quotes.CommitGuard(q))
		feeSrc = dealerBTC
		rate = q.Rate
	}
	guards = append(guards, p.reserve.Guard(debit))
	f.to(StateReserved)

	summary := newSummary(req.RequestID, RefExternalPayment, models.TxLightningSend, out, send, rate, now)
	if bankFee.IsPositive() {
		feeLeg := ledger.NewTransaction(feeSrc, feeAcc, bankFee, models.TxFee, now)
		txs = append(txs, feeLeg)
		summary.FeeTxID = &feeLeg.ID
		summary.Fees = bankFee
	}
	inv := models.Invoice{
		PaymentHash:    pr.PaymentHash,
		PaymentRequest: req.PaymentRequest,
		Value:          money.ToSats(btc),
		ValueMsat:      pr.AmountMsat,
		Expiry:         int64(pr.Expiry.Seconds()),
		CreatedAt:      now,
		AccountID:      user.ID,
		UID:            req.UID,
		Incoming:       false,
		Currency:       req.Currency,
		Status:         models.InvoicePending,
		SummaryTxID:    &summary.ID,
		ReservedFee:    reserved,
		Description:    pr.Description,
	}
	var record ledger.Guard = func(ctx context.Context, tx store.Tx) error {
		if reopen {
			n, err := p.invoices.Reopen(ctx, tx, inv)
			if err != nil {
				return err
			}
			if n == 0 {
				return ledger.Reject(ErrInvoiceAlreadyPaid)
			}
			return nil
		}
		if err := p.invoices.Create(ctx, tx, inv); err != nil {
			if db.IsUniqueViolation(err) {
				return ledger.Reject(ErrInvoiceAlreadyPaid)
			}
			return err
		}
		return nil
	}
	res, ok := p.commit(ctx, f, ledger.Batch{
		Summary:      &summary,
		Transactions: txs,
		Guards:       guards,
		After:        []ledger.Guard{record},
	})
	if !ok {
		return res
	}
	p.notifyBalances(ctx, req.UID)

	f.log.Info("dispatching lightning payment",
		zap.String("payment_hash", pr.PaymentHash),
		zap.Int64("amount_msat", pr.AmountMsat),
		zap.Int64("fee_limit_msat", money.ToMsat(reserved)),
		zap.String("fee_estimate", estimate.String()),
	)
	payment, err := p.node.SendPayment(ctx, req.PaymentRequest, money.ToMsat(reserved), p.policy.PaymentTimeout)
	return p.resolve(ctx, f, inv, payment, err, res)
}

// resolve books the node's answer for a dispatched payment. Only a definite
// failure releases the debit; anything ambiguous stays pending.
func (p *Processor) resolve(ctx context.Context, f *flow, inv models.Invoice, payment lightning.Payment, sendErr error, res transport.RequestResult) transport.RequestResult {
	switch {
	case sendErr == nil && payment.Status == lightning.PaymentSucceeded:
		p.observePayment(payment.Status)
		if err := p.completePayment(ctx, inv, payment); err != nil && !errors.Is(err, errResolved) {
			return f.pending(res.SummaryTxID, ReasonCode(err), err)
		}
		f.log.Info("lightning payment succeeded", zap.String("payment_hash", inv.PaymentHash), zap.Int64("fee_msat", payment.FeeMsat))
		res.Fees = res.Fees.Add(money.FromMsat(payment.FeeMsat))
		return res
	case sendErr == nil && payment.Status == lightning.PaymentFailed,
		sendErr != nil && errors.Is(sendErr, lightning.ErrConnector) && !errors.Is(sendErr, lightning.ErrUnknownOutcome):
		p.observePayment(lightning.PaymentFailed)
		cause := sendErr
		if cause == nil {
			cause = fmt.Errorf("%w: %s", ErrPaymentFailed, payment.FailureReason)
		}
		if err := p.refundPayment(ctx, inv); err != nil && !errors.Is(err, errResolved) {
			return f.pending(res.SummaryTxID, ReasonCode(err), err)
		}
		out := f.reject(cause)
		out.SummaryTxID = res.SummaryTxID
		return out
	default:
		p.observePayment(lightning.PaymentUnknown)
		p.auditUnknown(ctx, inv, payment, sendErr)
		return f.pending(res.SummaryTxID, ReasonUnknownOutcome, sendErr)
	}
}

func (p *Processor) observePayment(status lightning.PaymentStatus) {
	if p.obs != nil {
		p.obs.ObservePayment(string(status))
	}
}

func (p *Processor) transitionGuard(hash string, from, to models.InvoiceStatus, feesMsat int64) ledger.Guard {
	return func(ctx context.Context, tx store.Tx) error {
		n, err := p.invoices.Transition(ctx, tx, hash, from, to, feesMsat)
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.Reject(errResolved)
		}
		return nil
	}
}

// completePayment marks the payment settled and releases whatever part of
// the fee reservation the network did not take to the fee account.
func (p *Processor) completePayment(ctx context.Context, inv models.Invoice, payment lightning.Payment) error {
	guard := p.transitionGuard(inv.PaymentHash, models.InvoicePending, models.InvoiceSettled, payment.FeeMsat)
	unused := inv.ReservedFee.Sub(money.FromMsat(payment.FeeMsat))
	if unused.IsZero() || inv.SummaryTxID == nil {
		return p.ledger.RunInTx(ctx, guard)
	}
	liabilities, err := p.ledger.SystemAccount(models.ClassLiabilities, money.BTC)
	if err != nil {
		return err
	}
	feeAcc, err := p.ledger.SystemAccount(models.ClassFees, money.BTC)
	if err != nil {
		return err
	}
	now := p.now()
	var leg models.Transaction
	if unused.IsPositive() {
		leg = ledger.NewTransaction(liabilities, feeAcc, unused, models.TxFee, now)
	} else {
		p.logger.Warn("network fee above reservation", zap.String("payment_hash", inv.PaymentHash), zap.Int64("fee_msat", payment.FeeMsat))
		leg = ledger.NewTransaction(feeAcc, liabilities, unused.Neg(), models.TxFee, now)
	}
	summary := newSummary(feeSettlementID(*inv.SummaryTxID), RefPaymentFeeSettlement, models.TxFee, leg, leg, one(), now)
	return p.ledger.Commit(ctx, ledger.Batch{
		Summary:      &summary,
		Transactions: []models.Transaction{leg},
		Guards:       []ledger.Guard{guard},
	})
}

// refundPayment reverses every leg of the payment's summary and marks the
// payment failed.
func (p *Processor) refundPayment(ctx context.Context, inv models.Invoice) error {
	if inv.SummaryTxID == nil {
		return fmt.Errorf("payment %s has no summary", inv.PaymentHash)
	}
	original, err := p.summaries.GetByID(ctx, *inv.SummaryTxID)
	if err != nil {
		return &ledger.PersistenceError{Op: "refund summary", Err: err}
	}
	legs, err := p.legs.GetByIDs(ctx, nil, store.LegIDs(original))
	if err != nil {
		return &ledger.PersistenceError{Op: "refund legs", Err: err}
	}
	if len(legs) == 0 {
		return fmt.Errorf("payment %s has no legs", inv.PaymentHash)
	}
	now := p.now()
	reversed := make([]models.Transaction, 0, len(legs))
	byID := make(map[string]models.Transaction, len(legs))
	for _, leg := range legs {
		r := leg.Reversed(uuid.NewString(), now)
		reversed = append(reversed, r)
		byID[leg.ID] = r
	}
	out, in := reversed[len(reversed)-1], reversed[0]
	if original.InboundTxID != nil {
		if r, ok := byID[*original.InboundTxID]; ok {
			out = r
		}
	}
	if original.OutboundTxID != nil {
		if r, ok := byID[*original.OutboundTxID]; ok {
			in = r
		}
	}
	rate := one()
	if !original.ExchangeRate.IsZero() {
		rate = rate.DivRound(original.ExchangeRate, 16)
	}
	summary := newSummary(refundID(original.ID), RefPaymentRefund, models.TxLightningSend, out, in, rate, now)
	err = p.ledger.Commit(ctx, ledger.Batch{
		Summary:      &summary,
		Transactions: reversed,
		Guards:       []ledger.Guard{p.transitionGuard(inv.PaymentHash, models.InvoicePending, models.InvoiceFailed, 0)},
	})
	if err != nil {
		return err
	}
	p.notifyBalances(ctx, inv.UID)
	return nil
}

func (p *Processor) auditUnknown(ctx context.Context, inv models.Invoice, payment lightning.Payment, sendErr error) {
	if p.audit == nil {
		return
	}
	detail := map[string]any{"status": payment.Status, "uid": inv.UID}
	if inv.SummaryTxID != nil {
		detail["summary_txid"] = *inv.SummaryTxID
	}
	if sendErr != nil {
		detail["error"] = sendErr.Error()
	}
	data, _ := json.Marshal(detail)
	if err := p.audit.Log(ctx, nil, "bank", "payment.outcome_unknown", "invoice", inv.PaymentHash, string(data)); err != nil {
		p.logger.Error("audit log failed", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
	}
}

// PendingPayments lists outbound payments awaiting operator reconciliation.
func (p *Processor) PendingPayments(ctx context.Context) ([]models.Invoice, error) {
	return p.invoices.ListOutboundByStatus(ctx, models.InvoicePending)
}

// ReconcilePayment asks the node for the final state of a pending payment
// and books it. A payment the node still reports as in flight is left
// untouched.
func (p *Processor) ReconcilePayment(ctx context.Context, actor, paymentHash string) (models.Invoice, error) {
	inv, err := p.invoices.GetByHash(ctx, nil, paymentHash, false)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Invoice{}, lightning.ErrPaymentNotFound
		}
		return models.Invoice{}, &ledger.PersistenceError{Op: "invoice lookup", Err: err}
	}
	if inv.Status != models.InvoicePending {
		return inv, nil
	}
	payment, err := p.node.LookupPayment(ctx, paymentHash)
	if err != nil {
		return inv, err
	}
	log := p.logger.With(zap.String("payment_hash", paymentHash), zap.String("actor", actor), zap.String("status", string(payment.Status)))
	switch payment.Status {
	case lightning.PaymentSucceeded:
		err = p.completePayment(ctx, inv, payment)
	case lightning.PaymentFailed:
		err = p.refundPayment(ctx, inv)
	default:
		log.Info("payment still unresolved on node")
		return inv, nil
	}
	if err != nil && !errors.Is(err, errResolved) {
		log.Error("payment reconciliation failed", zap.Error(err))
		return inv, err
	}
	p.observePayment(payment.Status)
	log.Info("payment reconciled")
	if p.audit != nil {
		data, _ := json.Marshal(map[string]any{"status": payment.Status, "fee_msat": payment.FeeMsat})
		if err := p.audit.Log(ctx, nil, actor, "payment.reconciled", "invoice", paymentHash, string(data)); err != nil {
			log.Error("audit log failed", zap.Error(err))
		}
	}
	return p.invoices.GetByHash(ctx, nil, paymentHash, false)
}

// payInternal settles an invoice issued by this bank to another user without
// touching the network.
func (p *Processor) payInternal(ctx context.Context, f *flow, req transport.WithdrawalRequest, pr lightning.PayReq, inv models.Invoice) transport.RequestResult {
	if inv.UID == req.UID {
		return f.reject(ErrSelfPayment)
	}
	if err := payable(inv, p.now()); err != nil {
		return f.reject(err)
	}
	btc := money.FromMsat(pr.AmountMsat)
	payer, err := p.accountFor(ctx, req.UID, req.Currency)
	if err != nil {
		return f.reject(err)
	}
	payee, err := p.accountFor(ctx, inv.UID, inv.Currency)
	if err != nil {
		return f.reject(err)
	}
	feeAcc, err := p.ledger.SystemAccount(models.ClassFees, req.Currency)
	if err != nil {
		return f.reject(err)
	}

	var (
		txs    []models.Transaction
		guards []ledger.Guard
		debit  decimal.Decimal
		credit decimal.Decimal
	)
	if req.Currency.IsFiat() || inv.Currency.IsFiat() {
		f.to(StateQuoteRequested)
	}
	if req.Currency == inv.Currency {
		debit, guards, err = p.priceInCurrency(ctx, req.RequestID, req.Currency, btc, true)
		if err != nil {
			return f.reject(err)
		}
		credit = debit
		txs = append(txs, ledger.NewTransaction(payer, payee, debit, models.TxInternal, p.now()))
	} else {
		var g []ledger.Guard
		debit, g, err = p.priceInCurrency(ctx, req.RequestID+":payer", req.Currency, btc, true)
		if err != nil {
			return f.reject(err)
		}
		guards = append(guards, g...)
		credit, g, err = p.priceInCurrency(ctx, req.RequestID+":payee", inv.Currency, btc, false)
		if err != nil {
			return f.reject(err)
		}
		guards = append(guards, g...)
		if err := p.checkExposure(ctx, inv.Currency, credit); err != nil {
			return f.reject(err)
		}
		dealerIn, err := p.ledger.SystemAccount(models.ClassDealer, req.Currency)
		if err != nil {
			return f.reject(err)
		}
		dealerOut, err := p.ledger.SystemAccount(models.ClassDealer, inv.Currency)
		if err != nil {
			return f.reject(err)
		}
		now := p.now()
		txs = append(txs,
			ledger.NewTransaction(payer, dealerIn, debit, models.TxSwap, now),
			ledger.NewTransaction(dealerOut, payee, credit, models.TxSwap, now),
		)
	}
	if !debit.IsPositive() || !credit.IsPositive() {
		return f.reject(invalid("amount too small"))
	}
	f.to(StateReserved)

	now := p.now()
	settledAt := now
	guards = append(guards, func(ctx context.Context, tx store.Tx) error {
		current, err := p.invoices.GetByHash(ctx, tx, inv.PaymentHash, true)
		if err != nil {
			return err
		}
		if err := payable(current, settledAt); err != nil {
			return ledger.Reject(err)
		}
		n, err := p.invoices.MarkSettled(ctx, tx, inv.PaymentHash, settledAt, inv.AddIndex)
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.Reject(ErrInvoiceAlreadyPaid)
		}
		return nil
	})
	first, last := txs[0], txs[len(txs)-1]
	rate := one()
	if first.OutboundCurrency != last.InboundCurrency {
		rate = last.InboundAmount.DivRound(first.OutboundAmount, 16)
	}
	summary := newSummary(req.RequestID, RefInternalPayment, models.TxInternal, first, last, rate, now)
	fee := money.RoundUp(req.Currency, debit.Mul(p.policy.InternalTxFee))
	if fee.IsPositive() && !isSystem(req.UID) {
		feeLeg := ledger.NewTransaction(payer, feeAcc, fee, models.TxFee, now)
		txs = append(txs, feeLeg)
		summary.FeeTxID = &feeLeg.ID
		summary.Fees = fee
	}
	res, ok := p.commit(ctx, f, ledger.Batch{Summary: &summary, Transactions: txs, Guards: guards})
	if ok {
		p.notifyBalances(ctx, req.UID, inv.UID)
		p.notify(ctx, inv.UID, "invoice_paid", inv.Currency, credit, inv.Description)
	}
	return res
}

// payable rejects an issued invoice that can no longer take a payment.
func payable(inv models.Invoice, now time.Time) error {
	switch {
	case inv.Settled || inv.Status == models.InvoiceSettled:
		return ErrInvoiceAlreadyPaid
	case inv.Status == models.InvoiceExpired, !now.Before(inv.ExpiresAt()):
		return ErrInvoiceExpired
	}
	return nil
}

// priceInCurrency values btc in c. Fiat amounts come from a dealer quote
// whose commit guard is returned; charges round up, credits round to even.
func (p *Processor) priceInCurrency(ctx context.Context, correlationID string, c money.Currency, btc decimal.Decimal, charge bool) (decimal.Decimal, []ledger.Guard, error) {
	if c == money.BTC {
		return btc, nil, nil
	}
	pair, err := money.NewPair(money.BTC, c)
	if err != nil {
		return decimal.Zero, nil, err
	}
	q, err := p.quotes.RequestQuote(ctx, correlationID, pair, btc)
	if err != nil {
		return decimal.Zero, nil, err
	}
	amount := q.Convert(btc)
	if charge {
		amount = money.RoundUp(c, btc.Mul(q.Rate))
	}
	return amount, []ledger.Guard{p.quotes.CommitGuard(q)}, nil
}
