package services

import (
	"context"

	"lnbank/internal/ledger"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/transport"
)

// Transfer moves funds between two users in one currency, charging the
// internal fee to the sender.
func (p *Processor) Transfer(ctx context.Context, req transport.TransferRequest) transport.RequestResult {
	f := p.begin(transport.KindTransferRequest, req.RequestID, req.UID)
	if s, ok := p.existing(ctx, req.RequestID); ok {
		return f.duplicate(s)
	}
	if req.UID == req.ToUID || isSystem(req.ToUID) {
		return f.reject(invalid("invalid recipient"))
	}
	if err := checkAmount(req.Currency, req.Amount); err != nil {
		return f.reject(err)
	}
	f.to(StateValidated)

	from, err := p.ledger.EnsureAccount(ctx, req.UID, req.Currency)
	if err != nil {
		return f.reject(err)
	}
	to, err := p.ledger.EnsureAccount(ctx, req.ToUID, req.Currency)
	if err != nil {
		return f.reject(err)
	}
	feeAcc, err := p.ledger.SystemAccount(models.ClassFees, req.Currency)
	if err != nil {
		return f.reject(err)
	}
	fee := money.RoundUp(req.Currency, req.Amount.Mul(p.policy.InternalTxFee))
	f.to(StateReserved)

	now := p.now()
	leg := ledger.NewTransaction(from, to, req.Amount, models.TxInternal, now)
	txs := []models.Transaction{leg}
	summary := newSummary(req.RequestID, RefInternalTransfer, models.TxInternal, leg, leg, one(), now)
	if fee.IsPositive() {
		feeLeg := ledger.NewTransaction(from, feeAcc, fee, models.TxFee, now)
		txs = append(txs, feeLeg)
		summary.FeeTxID = &feeLeg.ID
		summary.Fees = fee
	}
	res, ok := p.commit(ctx, f, ledger.Batch{Summary: &summary, Transactions: txs})
	if ok {
		p.notifyBalances(ctx, req.UID, req.ToUID)
		p.notify(ctx, req.ToUID, "transfer_received", req.Currency, req.Amount, "")
	}
	return res
}

// Swap converts between BTC and a fiat currency for one user at a dealer
// quote. The dealer's accounts take the other side of both legs.
func (p *Processor) Swap(ctx context.Context, req transport.SwapRequest) transport.RequestResult {
	f := p.begin(transport.KindSwapRequest, req.RequestID, req.UID)
	if s, ok := p.existing(ctx, req.RequestID); ok {
		return f.duplicate(s)
	}
	pair, err := money.NewPair(req.From, req.To)
	if err != nil {
		return f.reject(err)
	}
	if err := checkAmount(req.From, req.Amount); err != nil {
		return f.reject(err)
	}
	f.to(StateValidated)

	src, err := p.ledger.EnsureAccount(ctx, req.UID, req.From)
	if err != nil {
		return f.reject(err)
	}
	dst, err := p.ledger.EnsureAccount(ctx, req.UID, req.To)
	if err != nil {
		return f.reject(err)
	}
	dealerFrom, err := p.ledger.SystemAccount(models.ClassDealer, req.From)
	if err != nil {
		return f.reject(err)
	}
	dealerTo, err := p.ledger.SystemAccount(models.ClassDealer, req.To)
	if err != nil {
		return f.reject(err)
	}
	// Checked again under lock at commit; this only avoids asking the
	// dealer for a quote that cannot be used.
	if src.Balance.LessThan(req.Amount) {
		return f.reject(ledger.ErrInsufficientFunds)
	}

	f.to(StateQuoteRequested)
	q, err := p.quotes.RequestQuote(ctx, req.RequestID, pair, req.Amount)
	if err != nil {
		return f.reject(err)
	}
	out := q.Convert(req.Amount)
	if !out.IsPositive() {
		return f.reject(invalid("amount too small to convert"))
	}
	if req.To.IsFiat() {
		if err := p.checkExposure(ctx, req.To, out); err != nil {
			return f.reject(err)
		}
	}
	f.to(StateReserved)

	now := p.now()
	sell := ledger.NewTransaction(src, dealerFrom, req.Amount, models.TxSwap, now)
	buy := ledger.NewTransaction(dealerTo, dst, out, models.TxSwap, now)
	summary := newSummary(req.RequestID, RefSwap, models.TxSwap, sell, buy, q.Rate, now)
	res, ok := p.commit(ctx, f, ledger.Batch{
		Summary:      &summary,
		Transactions: []models.Transaction{sell, buy},
		Guards:       []ledger.Guard{p.quotes.CommitGuard(q)},
	})
	if ok {
		p.notifyBalances(ctx, req.UID)
		p.publishBankState(ctx)
	}
	return res
}
