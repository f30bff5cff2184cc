package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"lnbank/internal/ledger"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/policy"
	"lnbank/internal/store"
	"lnbank/internal/transport"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	lnurlHRP         = "lnurl"
	lnurlTag         = "withdrawRequest"
	lnurlDescription = "lnbank withdrawal"
)

func lnurlRequestID(id string) string { return "lnurl:" + id }

// EncodeLnurl bech32-encodes base with the offer id in its q parameter.
func EncodeLnurl(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("lnurl base %q is not an absolute url", base)
	}
	q := u.Query()
	q.Set("q", id)
	u.RawQuery = q.Encode()
	data, err := bech32.ConvertBits([]byte(u.String()), 8, 5, true)
	if err != nil {
		return "", err
	}
	encoded, err := bech32.Encode(lnurlHRP, data)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(encoded), nil
}

// DecodeLnurl returns the url an lnurl string carries.
func DecodeLnurl(encoded string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.ToLower(encoded))
	if err != nil {
		return "", err
	}
	if hrp != lnurlHRP {
		return "", fmt.Errorf("unexpected prefix %q", hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// CreateLnurlWithdrawal records a single-use offer for a wallet to pull up
// to req.Amount from the user's account and returns it as an lnurl. Nothing
// is debited until the wallet presents an invoice.
func (p *Processor) CreateLnurlWithdrawal(ctx context.Context, req transport.CreateLnurlWithdrawalRequest) transport.CreateLnurlWithdrawalResponse {
	f := p.begin(transport.KindCreateLnurlWithdrawalRequest, req.RequestID, req.UID)
	resp := transport.CreateLnurlWithdrawalResponse{RequestID: req.RequestID, UID: req.UID}
	fail := func(err error) transport.CreateLnurlWithdrawalResponse {
		res := f.reject(err)
		resp.Reason, resp.Message = res.Reason, res.Message
		return resp
	}
	if p.lnurls == nil {
		return fail(errors.New("lnurl withdrawals are not configured"))
	}
	if isSystem(req.UID) {
		return fail(invalid("system users cannot withdraw"))
	}
	if err := checkAmount(req.Currency, req.Amount); err != nil {
		return fail(err)
	}
	if err := policy.CheckRateLimit(ctx, p.limiter, req.UID, policy.ActionWithdrawal); err != nil {
		return fail(err)
	}
	acc, err := p.ledger.EnsureAccount(ctx, req.UID, req.Currency)
	if err != nil {
		return fail(err)
	}
	balance, err := p.ledger.Balance(ctx, acc.ID)
	if err != nil {
		return fail(err)
	}
	if balance.LessThan(req.Amount) {
		return fail(ledger.ErrInsufficientFunds)
	}
	f.to(StateValidated)

	btc := req.Amount
	if req.Currency.IsFiat() {
		pair, err := money.NewPair(req.Currency, money.BTC)
		if err != nil {
			return fail(err)
		}
		f.to(StateQuoteRequested)
		q, err := p.quotes.RequestQuote(ctx, req.RequestID, pair, req.Amount)
		if err != nil {
			return fail(err)
		}
		btc = q.Convert(req.Amount)
	}
	maxMsat := money.ToMsat(btc)
	if maxMsat <= 0 {
		return fail(invalid("amount too small to withdraw"))
	}

	now := p.now()
	w := models.LnurlWithdrawal{
		ID:        uuid.NewString(),
		UID:       req.UID,
		Currency:  req.Currency,
		Amount:    req.Amount,
		MaxMsat:   maxMsat,
		CreatedAt: now,
		ExpiresAt: now.Add(p.policy.LnurlExpiry),
	}
	lnurl, err := EncodeLnurl(p.policy.LnurlCallbackURL, w.ID)
	if err != nil {
		return fail(err)
	}
	err = p.ledger.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return p.lnurls.Create(ctx, tx, w)
	})
	if err != nil {
		return fail(err)
	}
	f.to(StateCommitted)
	f.log.Info("lnurl withdrawal offered", zap.String("offer_id", w.ID), zap.Int64("max_msat", maxMsat))
	resp.Lnurl = lnurl
	return resp
}

// GetLnurlWithdrawal answers a wallet resolving an lnurl with the terms of
// the offer.
func (p *Processor) GetLnurlWithdrawal(ctx context.Context, req transport.GetLnurlWithdrawalRequest) transport.GetLnurlWithdrawalResponse {
	resp := transport.GetLnurlWithdrawalResponse{RequestID: req.RequestID}
	w, err := p.offer(ctx, req.RequestID)
	if err != nil {
		resp.Reason = ReasonCode(err)
		return resp
	}
	resp.Callback = p.policy.LnurlPayURL
	resp.MaxWithdrawableMsat = w.MaxMsat
	resp.MinWithdrawableMsat = 1
	resp.DefaultDescription = lnurlDescription
	resp.Tag = lnurlTag
	return resp
}

// PayLnurlWithdrawal pays the wallet's invoice against an offer. The offer
// is used up once the payment is committed; a rejected payment leaves it
// open for another invoice.
func (p *Processor) PayLnurlWithdrawal(ctx context.Context, req transport.PayLnurlWithdrawalRequest) transport.RequestResult {
	f := p.begin(transport.KindPayLnurlWithdrawalRequest, req.RequestID, 0)
	w, err := p.offer(ctx, req.RequestID)
	if err != nil {
		return f.reject(err)
	}
	f.uid = w.UID
	f.log = f.log.With(zap.Int64("owner", w.UID))
	pr, err := p.node.DecodePayReq(ctx, req.PaymentRequest)
	if err != nil {
		return f.reject(err)
	}
	if pr.AmountMsat > w.MaxMsat {
		return f.reject(fmt.Errorf("%w: %d msat offered, %d requested", ErrAboveWithdrawable, w.MaxMsat, pr.AmountMsat))
	}
	res := p.Withdraw(ctx, transport.WithdrawalRequest{
		RequestID:      lnurlRequestID(w.ID),
		UID:            w.UID,
		Currency:       w.Currency,
		PaymentRequest: req.PaymentRequest,
	})
	res.RequestID, res.Kind = req.RequestID, transport.KindPayLnurlWithdrawalRequest
	if res.State == string(StateRejected) {
		return res
	}
	if _, err := p.lnurls.Take(ctx, nil, w.ID, p.now()); err != nil && !errors.Is(err, sql.ErrNoRows) {
		f.log.Error("lnurl offer not closed", zap.String("offer_id", w.ID), zap.Error(err))
	}
	return res
}

func (p *Processor) offer(ctx context.Context, id string) (models.LnurlWithdrawal, error) {
	if p.lnurls == nil {
		return models.LnurlWithdrawal{}, ErrRequestNotFound
	}
	w, err := p.lnurls.Get(ctx, id, p.now())
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return w, ErrRequestNotFound
	case err != nil:
		return w, &ledger.PersistenceError{Op: "lnurl lookup", Err: err}
	}
	return w, nil
}

// ExpireLnurls drops offers nobody redeemed in time.
func (p *Processor) ExpireLnurls(ctx context.Context) (int64, error) {
	if p.lnurls == nil {
		return 0, nil
	}
	n, err := p.lnurls.DeleteExpired(ctx, p.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("expired lnurl offers", zap.Int64("count", n))
	}
	return n, nil
}
