package services

import (
	"context"
	"database/sql"
	"errors"

	"lnbank/internal/ledger"
	"lnbank/internal/money"
)

// Owner is the account a message will touch, as far as it can be known
// before the message is handled. Found is false for unknown entities.
type Owner struct {
	UID      int64
	Currency money.Currency
	Found    bool
}

func owner(uid int64, c money.Currency, err error) (Owner, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Owner{}, nil
	case err != nil:
		return Owner{}, &ledger.PersistenceError{Op: "owner lookup", Err: err}
	}
	return Owner{UID: uid, Currency: c, Found: true}, nil
}

// InvoiceOwner is the account an incoming invoice credits when it settles.
func (p *Processor) InvoiceOwner(ctx context.Context, paymentHash string) (Owner, error) {
	inv, err := p.invoices.GetByHash(ctx, nil, paymentHash, true)
	return owner(inv.UID, inv.Currency, err)
}

// PayeeOf is the account credited when paymentRequest is paid internally.
// Found is false for requests issued by other nodes.
func (p *Processor) PayeeOf(ctx context.Context, paymentRequest string) (Owner, error) {
	inv, err := p.invoices.GetByPaymentRequest(ctx, paymentRequest)
	return owner(inv.UID, inv.Currency, err)
}

// AddressOwner is the account an on-chain deposit to address credits.
func (p *Processor) AddressOwner(ctx context.Context, address string) (Owner, error) {
	addr, err := p.onchain.GetAddress(ctx, address)
	return owner(addr.UID, money.BTC, err)
}

// LnurlOwner is the account an open lnurl offer draws on.
func (p *Processor) LnurlOwner(ctx context.Context, id string) (Owner, error) {
	w, err := p.offer(ctx, id)
	if errors.Is(err, ErrRequestNotFound) {
		return Owner{}, nil
	}
	if err != nil {
		return Owner{}, err
	}
	return Owner{UID: w.UID, Currency: w.Currency, Found: true}, nil
}
