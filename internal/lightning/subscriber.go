package lightning

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type InvoiceHandler interface {
	HandleInvoiceUpdate(ctx context.Context, u InvoiceUpdate) error
}

// Subscriber keeps an invoice stream open, reconnecting from resume() after
// every failure until ctx ends.
type Subscriber struct {
	node    Node
	handler InvoiceHandler
	resume  func(ctx context.Context) (int64, error)
	logger  *zap.Logger
	backoff time.Duration
}

func NewSubscriber(node Node, handler InvoiceHandler, resume func(ctx context.Context) (int64, error), logger *zap.Logger) *Subscriber {
	return &Subscriber{
		node:    node,
		handler: handler,
		resume:  resume,
		logger:  logger,
		backoff: 5 * time.Second,
	}
}

func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := s.stream(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("invoice stream interrupted", zap.Error(err), zap.Duration("retry_in", s.backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

func (s *Subscriber) stream(ctx context.Context) error {
	from, err := s.resume(ctx)
	if err != nil {
		return err
	}
	updates, errs, err := s.node.SubscribeInvoices(ctx, from)
	if err != nil {
		return err
	}
	s.logger.Info("listening for invoices", zap.Int64("add_index", from))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return <-errs
			}
			if u.State != InvoiceSettled {
				continue
			}
			if err := s.handler.HandleInvoiceUpdate(ctx, u); err != nil {
				// Reconnecting replays the update from the resume index.
				return err
			}
		}
	}
}
