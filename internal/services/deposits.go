package services

import (
	"context"
	"database/sql"
	"errors"

	"lnbank/internal/ledger"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/store"
	"lnbank/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errAlreadyCredited = errors.New("deposit already credited")

func onchainID(txid string) string { return "onchain:" + txid }

// credit books btc that arrived from outside the bank into uid's account
// in c. Fiat accounts are credited through the dealer at a fresh quote.
// guard runs in the same ledger transaction and decides whether the
// deposit is still creditable.
func (p *Processor) credit(ctx context.Context, f *flow, uid int64, c money.Currency, btc decimal.Decimal, kind models.TxKind, reference string, guard ledger.Guard) (models.SummaryTransaction, decimal.Decimal, error) {
	user, err := p.accountFor(ctx, uid, c)
	if err != nil {
		return models.SummaryTransaction{}, decimal.Zero, err
	}
	liabilities, err := p.ledger.SystemAccount(models.ClassLiabilities, money.BTC)
	if err != nil {
		return models.SummaryTransaction{}, decimal.Zero, err
	}
	guards := []ledger.Guard{guard}
	var summary models.SummaryTransaction
	var txs []models.Transaction
	amount := btc
	if c == money.BTC {
		f.to(StateReserved)
		leg := ledger.NewTransaction(liabilities, user, btc, kind, p.now())
		txs = append(txs, leg)
		summary = newSummary(f.req, reference, kind, leg, leg, one(), leg.CreatedAt)
	} else {
		dealerBTC, err := p.ledger.SystemAccount(models.ClassDealer, money.BTC)
		if err != nil {
			return models.SummaryTransaction{}, decimal.Zero, err
		}
		dealerCur, err := p.ledger.SystemAccount(models.ClassDealer, c)
		if err != nil {
			return models.SummaryTransaction{}, decimal.Zero, err
		}
		pair, err := money.NewPair(money.BTC, c)
		if err != nil {
			return models.SummaryTransaction{}, decimal.Zero, err
		}
		f.to(StateQuoteRequested)
		q, err := p.quotes.RequestQuote(ctx, f.req, pair, btc)
		if err != nil {
			return models.SummaryTransaction{}, decimal.Zero, err
		}
		amount = q.Convert(btc)
		if !amount.IsPositive() {
			return models.SummaryTransaction{}, decimal.Zero, invalid("deposit too small to convert")
		}
		f.to(StateReserved)
		now := p.now()
		in := ledger.NewTransaction(liabilities, dealerBTC, btc, kind, now)
		out := ledger.NewTransaction(dealerCur, user, amount, models.TxSwap, now)
		txs = append(txs, in, out)
		guards = append(guards, p.quotes.CommitGuard(q))
		summary = newSummary(f.req, reference, kind, in, out, q.Rate, now)
	}
	if err := p.ledger.Commit(ctx, ledger.Batch{Summary: &summary, Transactions: txs, Guards: guards}); err != nil {
		return models.SummaryTransaction{}, decimal.Zero, err
	}
	return summary, amount, nil
}

// creditResult turns the outcome of credit into the acknowledgement.
func (p *Processor) creditResult(ctx context.Context, f *flow, summary models.SummaryTransaction, err error) transport.RequestResult {
	if errors.Is(err, errAlreadyCredited) || errors.Is(err, ledger.ErrDuplicateRequest) {
		if s, ok := p.existing(ctx, f.req); ok {
			return f.duplicate(s)
		}
		f.log.Debug("deposit already credited")
		res := f.result(StateCommitted, "")
		res.Message = "already processed"
		return res
	}
	if err != nil {
		return f.reject(err)
	}
	return f.committed(summary)
}

// RegisterAddress binds an on-chain deposit address to a user. Binding the
// same address to the same user again is a no-op.
func (p *Processor) RegisterAddress(ctx context.Context, msg transport.BitcoinAddressAssigned) error {
	if isSystem(msg.UID) {
		return invalid("address cannot belong to a system user")
	}
	if _, err := p.ledger.EnsureAccount(ctx, msg.UID, money.BTC); err != nil {
		return err
	}
	return p.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := p.onchain.RegisterAddress(ctx, tx, models.BitcoinAddress{Address: msg.Address, UID: msg.UID})
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		owner, err := p.onchain.GetAddress(ctx, msg.Address)
		if err != nil {
			return err
		}
		if owner.UID != msg.UID {
			return ledger.Reject(invalid("address belongs to another user"))
		}
		return nil
	})
}

// OnchainDeposit records an on-chain transaction to one of our addresses and
// credits its owner once the transaction is confirmed. Deposits are credited
// even when new deposits are disabled since the funds already arrived.
func (p *Processor) OnchainDeposit(ctx context.Context, msg transport.OnchainTransactionState) (transport.RequestResult, error) {
	f := p.begin(transport.KindOnchainTransactionState, onchainID(msg.TxID), 0)
	addr, err := p.onchain.GetAddress(ctx, msg.Address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			f.log.Warn("on-chain transaction to unknown address", zap.String("address", msg.Address))
			return f.reject(invalid("unknown address")), nil
		}
		return f.reject(&ledger.PersistenceError{Op: "address lookup", Err: err}), err
	}
	f.uid = addr.UID
	f.log = f.log.With(zap.Int64("owner", addr.UID))
	if s, ok := p.existing(ctx, f.req); ok {
		return f.duplicate(s), nil
	}
	otx := models.OnchainTransaction{TxID: msg.TxID, UID: addr.UID, Address: msg.Address, ValueSats: msg.ValueSats}
	err = p.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return p.onchain.Record(ctx, tx, otx)
	})
	if err != nil {
		return f.reject(err), err
	}
	f.to(StateValidated)
	if !msg.Confirmed {
		f.log.Info("on-chain deposit awaiting confirmation", zap.String("txid", msg.TxID))
		res := f.result(StatePending, "")
		res.Message = "awaiting confirmation"
		return res, nil
	}

	btc := money.FromSats(msg.ValueSats)
	guard := func(ctx context.Context, tx store.Tx) error {
		n, err := p.onchain.MarkSettled(ctx, tx, msg.TxID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ledger.Reject(errAlreadyCredited)
		}
		return nil
	}
	summary, _, err := p.credit(ctx, f, addr.UID, money.BTC, btc, models.TxOnchainReceive, RefOnchainDeposit, guard)
	res := p.creditResult(ctx, f, summary, err)
	if err != nil && !errors.Is(err, errAlreadyCredited) && transient(err) {
		return res, err
	}
	if err == nil {
		p.notifyBalances(ctx, addr.UID)
		p.notify(ctx, addr.UID, "deposit_received", money.BTC, btc, "on-chain deposit confirmed")
	}
	return res, nil
}
