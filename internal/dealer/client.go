package dealer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lnbank/internal/ledger"
	"lnbank/internal/money"
	"lnbank/internal/store"
	"lnbank/internal/transport"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrQuoteTimeout  = errors.New("quote timed out")
	ErrQuoteExpired  = errors.New("quote expired")
	ErrQuoteRejected = errors.New("quote rejected by dealer")
	ErrInFlight      = errors.New("quote already requested for correlation id")
)

// Quote is a dealer rate for one conversion. Rate is units of Pair.To per
// unit of Pair.From.
type Quote struct {
	ID         string
	Pair       money.Pair
	Quantity   decimal.Decimal
	Rate       decimal.Decimal
	Expiry     time.Time
	ReceivedAt time.Time
}

// Convert prices amount of Pair.From in Pair.To.
func (q Quote) Convert(amount decimal.Decimal) decimal.Decimal {
	return money.Convert(amount, q.Rate, q.Pair.To)
}

// Usable reports whether the quote can still be committed at now, leaving
// margin before expiry.
func (q Quote) Usable(now time.Time, margin time.Duration) bool {
	return now.Add(margin).Before(q.Expiry)
}

type Observer interface {
	ObserveQuote(outcome string, elapsed time.Duration)
}

type Client struct {
	pub     transport.Publisher
	timeout time.Duration
	margin  time.Duration
	logger  *zap.Logger
	obs     Observer
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]chan transport.QuoteResponse
}

func NewClient(pub transport.Publisher, timeout, margin time.Duration, logger *zap.Logger, obs Observer) *Client {
	return &Client{
		pub:     pub,
		timeout: timeout,
		margin:  margin,
		logger:  logger,
		obs:     obs,
		now:     time.Now,
		pending: make(map[string]chan transport.QuoteResponse),
	}
}

// RequestQuote publishes a QuoteRequest and suspends until the matching
// response arrives, the timeout fires or ctx ends.
func (c *Client) RequestQuote(ctx context.Context, correlationID string, pair money.Pair, quantity decimal.Decimal) (Quote, error) {
	ch := make(chan transport.QuoteResponse, 1)
	c.mu.Lock()
	if _, busy := c.pending[correlationID]; busy {
		c.mu.Unlock()
		return Quote{}, ErrInFlight
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	started := c.now()
	_, err := transport.Send(ctx, c.pub, transport.ChannelDealer, transport.KindQuoteRequest, transport.QuoteRequest{
		CorrelationID: correlationID,
		Pair:          pair,
		Quantity:      quantity,
		Deadline:      started.Add(c.timeout),
	})
	if err != nil {
		return Quote{}, fmt.Errorf("publish quote request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		now := c.now()
		if resp.Rejected {
			c.observe("rejected", started)
			return Quote{}, fmt.Errorf("%w: %s", ErrQuoteRejected, resp.Reason)
		}
		if !now.Before(resp.Expiry) {
			c.observe("late", started)
			c.logger.Info("discarding quote received after its expiry",
				zap.String("correlation_id", correlationID), zap.Time("expiry", resp.Expiry))
			return Quote{}, ErrQuoteTimeout
		}
		if !resp.Rate.IsPositive() {
			c.observe("rejected", started)
			return Quote{}, fmt.Errorf("%w: non-positive rate", ErrQuoteRejected)
		}
		c.observe("received", started)
		return Quote{
			ID:         correlationID,
			Pair:       pair,
			Quantity:   quantity,
			Rate:       resp.Rate,
			Expiry:     resp.Expiry,
			ReceivedAt: now,
		}, nil
	case <-timer.C:
		c.observe("timeout", started)
		return Quote{}, ErrQuoteTimeout
	case <-ctx.Done():
		c.observe("cancelled", started)
		return Quote{}, ctx.Err()
	}
}

// HandleResponse routes a dealer response to its waiting request. It
// returns false when nothing is waiting for the correlation id.
func (c *Client) HandleResponse(resp transport.QuoteResponse) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.CorrelationID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("discarding unmatched quote response", zap.String("correlation_id", resp.CorrelationID))
		return false
	}
	select {
	case ch <- resp:
	default:
		c.logger.Debug("discarding duplicate quote response", zap.String("correlation_id", resp.CorrelationID))
	}
	return true
}

// CommitGuard rejects the ledger commit unless q is still usable at the
// moment the database transaction runs.
func (c *Client) CommitGuard(q Quote) ledger.Guard {
	return func(context.Context, store.Tx) error {
		if !q.Usable(c.now(), c.margin) {
			return ledger.Reject(ErrQuoteExpired)
		}
		return nil
	}
}

func (c *Client) PublishBankState(ctx context.Context, state transport.BankState) error {
	_, err := transport.Send(ctx, c.pub, transport.ChannelDealer, transport.KindBankState, state)
	return err
}

func (c *Client) observe(outcome string, started time.Time) {
	if c.obs != nil {
		c.obs.ObserveQuote(outcome, c.now().Sub(started))
	}
}
