package services

import (
	"context"
	"errors"
	"fmt"

	"lnbank/internal/dealer"
	"lnbank/internal/ledger"
	"lnbank/internal/lightning"
	"lnbank/internal/money"
	"lnbank/internal/policy"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrSelfPayment        = errors.New("cannot pay your own invoice")
	ErrInvoiceAlreadyPaid = errors.New("invoice already paid")
	ErrInvoiceExpired     = errors.New("invoice expired")
	ErrFeeCapExceeded     = errors.New("network fee exceeds the maximum fee")
	ErrDepositsDisabled   = errors.New("deposits are disabled")
	ErrRiskLimit          = errors.New("currency exposure above tolerance")
	ErrPaymentFailed      = errors.New("lightning payment failed")
	ErrRequestNotFound    = errors.New("withdrawal request not found")
	ErrNoRouteFound       = errors.New("no route found")
	ErrAboveWithdrawable  = errors.New("amount above the withdrawable maximum")
)

// Wire reason codes carried in RequestResult.Reason.
const (
	ReasonValidation       = "ValidationError"
	ReasonInsufficient     = "InsufficientFunds"
	ReasonReserveBreached  = "ReserveBreached"
	ReasonRateLimited      = "RateLimited"
	ReasonQuoteTimeout     = "QuoteTimeout"
	ReasonQuoteExpired     = "QuoteExpired"
	ReasonQuoteRejected    = "QuoteRejected"
	ReasonPersistence      = "LedgerPersistenceError"
	ReasonConnector        = "LightningConnectorError"
	ReasonUnknownOutcome   = "UnknownSettlementOutcome"
	ReasonUnknownAccount   = "UnknownAccount"
	ReasonAmountMismatch   = "AmountMismatch"
	ReasonSelfPayment      = "SelfPayment"
	ReasonAlreadyPaid      = "InvoiceAlreadyPaid"
	ReasonInvoiceExpired   = "InvoiceExpired"
	ReasonFeeCapExceeded   = "FeeCapExceeded"
	ReasonDepositsDisabled = "DepositsDisabled"
	ReasonRiskLimit        = "RiskLimit"
	ReasonPaymentFailed    = "PaymentFailed"
	ReasonDuplicate        = "DuplicateRequest"
	ReasonRequestNotFound  = "RequestNotFound"
	ReasonNoRouteFound     = "NoRouteFound"
	ReasonAboveMaximum     = "AmountAboveMaximum"
	ReasonInternal         = "InternalError"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrValidation, ReasonValidation},
	{money.ErrUnknownCurrency, ReasonValidation},
	{money.ErrUnsupportedPair, ReasonValidation},
	{money.ErrInvalidAmount, ReasonValidation},
	{money.ErrTooManyDecimals, ReasonValidation},
	{ledger.ErrInvalidAmount, ReasonValidation},
	{ledger.ErrSameAccount, ReasonValidation},
	{lightning.ErrInvalidPayReq, ReasonValidation},
	{ledger.ErrInsufficientFunds, ReasonInsufficient},
	{policy.ErrReserveBreached, ReasonReserveBreached},
	{policy.ErrRateLimited, ReasonRateLimited},
	{dealer.ErrQuoteTimeout, ReasonQuoteTimeout},
	{context.DeadlineExceeded, ReasonQuoteTimeout},
	{dealer.ErrQuoteExpired, ReasonQuoteExpired},
	{dealer.ErrQuoteRejected, ReasonQuoteRejected},
	{ledger.ErrPersistence, ReasonPersistence},
	{lightning.ErrUnknownOutcome, ReasonUnknownOutcome},
	{lightning.ErrConnector, ReasonConnector},
	{ledger.ErrUnknownAccount, ReasonUnknownAccount},
	{ledger.ErrAmountMismatch, ReasonAmountMismatch},
	{ledger.ErrCurrencyMismatch, ReasonAmountMismatch},
	{ErrSelfPayment, ReasonSelfPayment},
	{ErrInvoiceAlreadyPaid, ReasonAlreadyPaid},
	{ErrInvoiceExpired, ReasonInvoiceExpired},
	{ErrFeeCapExceeded, ReasonFeeCapExceeded},
	{ErrDepositsDisabled, ReasonDepositsDisabled},
	{ErrRiskLimit, ReasonRiskLimit},
	{ErrPaymentFailed, ReasonPaymentFailed},
	{ledger.ErrDuplicateRequest, ReasonDuplicate},
	{dealer.ErrInFlight, ReasonDuplicate},
	{ErrRequestNotFound, ReasonRequestNotFound},
	{ErrNoRouteFound, ReasonNoRouteFound},
	{ErrAboveWithdrawable, ReasonAboveMaximum},
}

// ReasonCode maps err to the reason code reported to the requester.
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

// transient reports whether handling the same event again later could
// succeed.
func transient(err error) bool {
	switch ReasonCode(err) {
	case ReasonPersistence, ReasonConnector, ReasonInternal, ReasonQuoteTimeout, ReasonQuoteExpired, ReasonQuoteRejected:
		return true
	}
	return false
}
