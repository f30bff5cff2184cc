package lightning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lnbank/internal/resilience"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Resilient wraps a Node with a circuit breaker. Read-only calls are
// retried; SendPayment is never retried and is additionally bounded by a
// bulkhead.
type Resilient struct {
	node     Node
	breaker  *gobreaker.CircuitBreaker
	bulkhead *resilience.Bulkhead
	policy   resilience.Policy
	logger   *zap.Logger
}

func NewResilient(node Node, breaker *gobreaker.CircuitBreaker, maxPayments int, policy resilience.Policy, logger *zap.Logger) *Resilient {
	return &Resilient{
		node:     node,
		breaker:  breaker,
		bulkhead: resilience.NewBulkhead(maxPayments),
		policy:   policy,
		logger:   logger,
	}
}

// call runs fn through the breaker. Errors that are not connector failures
// are answers from the node and do not count against it.
func (r *Resilient) call(fn func() error) error {
	_, err := r.breaker.Execute(func() (any, error) {
		err := fn()
		if err != nil && !errors.Is(err, ErrConnector) && !errors.Is(err, ErrUnknownOutcome) {
			return nil, resilience.Stop(err)
		}
		return nil, err
	})
	var perm *resilience.Permanent
	if errors.As(err, &perm) {
		return perm.Err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrConnector, err)
	}
	return err
}

func (r *Resilient) query(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return resilience.Retry(ctx, r.policy, func(ctx context.Context) error {
		err := r.call(func() error { return fn(ctx) })
		if err != nil && errors.Is(err, ErrConnector) {
			r.logger.Warn("lightning query failed", zap.String("op", op), zap.Error(err))
			return err
		}
		return resilience.Stop(err)
	})
}

func (r *Resilient) GetInfo(ctx context.Context) (Info, error) {
	var out Info
	err := r.query(ctx, "get_info", func(ctx context.Context) (err error) {
		out, err = r.node.GetInfo(ctx)
		return err
	})
	return out, err
}

func (r *Resilient) ChannelBalance(ctx context.Context) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := r.query(ctx, "channel_balance", func(ctx context.Context) (err error) {
		out, err = r.node.ChannelBalance(ctx)
		return err
	})
	return out, err
}

// AddInvoice is not retried.
func (r *Resilient) AddInvoice(ctx context.Context, amountMsat int64, memo string, expiry time.Duration) (CreatedInvoice, error) {
	var out CreatedInvoice
	err := r.call(func() (err error) {
		out, err = r.node.AddInvoice(ctx, amountMsat, memo, expiry)
		return err
	})
	return out, err
}

func (r *Resilient) DecodePayReq(ctx context.Context, payReq string) (PayReq, error) {
	var out PayReq
	err := r.query(ctx, "decode_pay_req", func(ctx context.Context) (err error) {
		out, err = r.node.DecodePayReq(ctx, payReq)
		return err
	})
	return out, err
}

func (r *Resilient) QueryRouteFee(ctx context.Context, dest string, amountMsat int64) (int64, error) {
	var out int64
	err := r.query(ctx, "query_route_fee", func(ctx context.Context) (err error) {
		out, err = r.node.QueryRouteFee(ctx, dest, amountMsat)
		return err
	})
	return out, err
}

func (r *Resilient) SendPayment(ctx context.Context, payReq string, feeLimitMsat int64, timeout time.Duration) (Payment, error) {
	if err := r.bulkhead.Acquire(ctx); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", ErrConnector, err)
	}
	defer r.bulkhead.Release()
	var out Payment
	err := r.call(func() (err error) {
		out, err = r.node.SendPayment(ctx, payReq, feeLimitMsat, timeout)
		return err
	})
	return out, err
}

func (r *Resilient) LookupPayment(ctx context.Context, paymentHash string) (Payment, error) {
	var out Payment
	err := r.query(ctx, "lookup_payment", func(ctx context.Context) (err error) {
		out, err = r.node.LookupPayment(ctx, paymentHash)
		return err
	})
	return out, err
}

func (r *Resilient) SubscribeInvoices(ctx context.Context, addIndex int64) (<-chan InvoiceUpdate, <-chan error, error) {
	return r.node.SubscribeInvoices(ctx, addIndex)
}
