// Package lightning connects the bank to its Lightning node.
package lightning

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrConnector means the node could not be reached or refused the call.
	ErrConnector = errors.New("lightning connector error")
	// ErrUnknownOutcome means a payment was handed to the node but its
	// result could not be observed.
	ErrUnknownOutcome  = errors.New("lightning payment outcome unknown")
	ErrPaymentNotFound = errors.New("payment not found on node")
	ErrInvalidPayReq   = errors.New("invalid payment request")
)

type Info struct {
	Pubkey  string
	Alias   string
	Network string
	Synced  bool
}

type CreatedInvoice struct {
	PaymentRequest string
	PaymentHash    string
	AddIndex       int64
}

// PayReq is a decoded BOLT11 payment request.
type PayReq struct {
	Destination string
	PaymentHash string
	AmountMsat  int64
	Timestamp   time.Time
	Expiry      time.Duration
	Description string
}

func (p PayReq) ExpiresAt() time.Time {
	return p.Timestamp.Add(p.Expiry)
}

type PaymentStatus string

const (
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentInFlight  PaymentStatus = "in_flight"
	PaymentUnknown   PaymentStatus = "unknown"
)

// Terminal reports whether the node will not change its answer.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentSucceeded || s == PaymentFailed
}

type Payment struct {
	PaymentHash   string
	Status        PaymentStatus
	FeeMsat       int64
	Preimage      string
	FailureReason string
}

type InvoiceState string

const (
	InvoiceOpen     InvoiceState = "OPEN"
	InvoiceSettled  InvoiceState = "SETTLED"
	InvoiceCanceled InvoiceState = "CANCELED"
	InvoiceAccepted InvoiceState = "ACCEPTED"
)

type InvoiceUpdate struct {
	PaymentHash    string
	State          InvoiceState
	AmountPaidMsat int64
	AddIndex       int64
	SettledAt      time.Time
}

// Node is everything the bank asks of its Lightning node.
type Node interface {
	GetInfo(ctx context.Context) (Info, error)
	// ChannelBalance is the local balance across open channels in BTC.
	ChannelBalance(ctx context.Context) (decimal.Decimal, error)
	AddInvoice(ctx context.Context, amountMsat int64, memo string, expiry time.Duration) (CreatedInvoice, error)
	DecodePayReq(ctx context.Context, payReq string) (PayReq, error)
	// QueryRouteFee returns the fee of the best route to dest in msat.
	QueryRouteFee(ctx context.Context, dest string, amountMsat int64) (int64, error)
	// SendPayment blocks until the payment reaches a final state. A nil
	// error with Status PaymentUnknown, or ErrUnknownOutcome, means the
	// payment may still complete.
	SendPayment(ctx context.Context, payReq string, feeLimitMsat int64, timeout time.Duration) (Payment, error)
	LookupPayment(ctx context.Context, paymentHash string) (Payment, error)
	// SubscribeInvoices streams invoice updates added after addIndex. The
	// update channel closes when the stream ends; the error channel then
	// carries the cause.
	SubscribeInvoices(ctx context.Context, addIndex int64) (<-chan InvoiceUpdate, <-chan error, error)
}
