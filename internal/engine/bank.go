// Package engine routes bank channel traffic into the processor and runs the
// bank's background loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"lnbank/internal/dispatch"
	"lnbank/internal/ledger"
	"lnbank/internal/lightning"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/services"
	"lnbank/internal/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Validator interface {
	Struct(s any) error
}

type QuoteRouter interface {
	HandleResponse(resp transport.QuoteResponse) bool
}

type Reconciler interface {
	Reconcile(ctx context.Context) (ledger.Report, error)
}

type ReconcileObserver interface {
	ReconcileFailed()
}

// Runner is a long-lived loop such as the invoice subscription.
type Runner interface {
	Run(ctx context.Context) error
}

type Config struct {
	MaxInflight       int
	ReconcileInterval time.Duration
	BankStateInterval time.Duration
	ExpiryInterval    time.Duration
	// RetryDelay spaces out redelivery of events that failed transiently.
	RetryDelay time.Duration
}

// Deps are the collaborators of the bank. Subscribe and Metrics may be nil.
// Subscribe builds the invoice subscription around the bank so streamed
// settlements are dispatched like any other message.
type Deps struct {
	Bus       transport.Bus
	Processor *services.Processor
	Invoices  *services.InvoiceService
	Quotes    QuoteRouter
	Ledger    Reconciler
	Subscribe func(h lightning.InvoiceHandler) Runner
	Validator Validator
	Dedupe    transport.Deduper
	Metrics   ReconcileObserver
	Logger    *zap.Logger
}

// Bank is the engine's single context object. Everything it needs is passed
// in; nothing is reached through globals.
type Bank struct {
	bus        transport.Bus
	processor  *services.Processor
	invoices   *services.InvoiceService
	quotes     QuoteRouter
	ledger     Reconciler
	subscriber Runner
	validator  Validator
	dedupe     transport.Deduper
	metrics    ReconcileObserver
	logger     *zap.Logger
	cfg        Config
	now        func() time.Time

	disp *dispatch.Dispatcher

	// inflight holds the broker acks of every delivery of a claimed id
	// until its job finishes.
	mu       sync.Mutex
	inflight map[string][]func()
}

func New(d Deps, cfg Config) *Bank {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	b := &Bank{
		bus:       d.Bus,
		processor: d.Processor,
		invoices:  d.Invoices,
		quotes:    d.Quotes,
		ledger:    d.Ledger,
		validator: d.Validator,
		dedupe:    d.Dedupe,
		metrics:   d.Metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[string][]func()),
	}
	if d.Subscribe != nil {
		b.subscriber = d.Subscribe(b)
	}
	return b
}

// Run consumes the bank channel and runs the background loops until ctx
// ends or one of them fails.
func (b *Bank) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	b.disp = dispatch.New(ctx, b.cfg.MaxInflight)

	g.Go(func() error { return b.consume(ctx) })
	if b.subscriber != nil {
		g.Go(func() error { return b.subscriber.Run(ctx) })
	}
	g.Go(func() error { return b.every(ctx, "reconcile", b.cfg.ReconcileInterval, b.Reconcile) })
	g.Go(func() error { return b.every(ctx, "bank_state", b.cfg.BankStateInterval, b.processor.PublishBankState) })
	g.Go(func() error {
		return b.every(ctx, "invoice_expiry", b.cfg.ExpiryInterval, func(ctx context.Context) error {
			if _, err := b.invoices.ExpireStale(ctx); err != nil {
				return err
			}
			_, err := b.processor.ExpireLnurls(ctx)
			return err
		})
	})

	err := g.Wait()
	if werr := b.disp.Wait(); werr != nil && err == nil {
		err = werr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bank) consume(ctx context.Context) error {
	for {
		err := b.bus.Consume(ctx, transport.ChannelBank, func(ctx context.Context, env transport.Envelope, ack func()) error {
			return b.Handle(ctx, b.disp, env, ack)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, transport.ErrClosed) {
			return err
		}
		b.logger.Warn("bank channel consumer stopped, rejoining", zap.Error(err), zap.Duration("retry_in", b.cfg.RetryDelay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.RetryDelay):
		}
	}
}

func (b *Bank) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
			}
		}
	}
}

// Reconcile runs the ledger consistency checks and reports any finding.
func (b *Bank) Reconcile(ctx context.Context) error {
	report, err := b.ledger.Reconcile(ctx)
	if err != nil {
		return err
	}
	if report.OK() {
		b.logger.Debug("ledger reconciled")
		return nil
	}
	if b.metrics != nil {
		b.metrics.ReconcileFailed()
	}
	b.logger.Error("ledger reconciliation failed",
		zap.Int("negative_checking", len(report.NegativeChecking)),
		zap.Int("unbalanced_currencies", len(report.Unbalanced)),
		zap.Int("drifted_accounts", len(report.Drift)),
	)
	return nil
}

// Handle routes one envelope from the bank channel. ack releases the
// envelope at the broker and is called once the work it started has
// finished; a returned error asks for the envelope to be delivered again.
// Quote responses and passthrough messages are handled at once; everything
// else is queued behind earlier work on the same accounts.
func (b *Bank) Handle(ctx context.Context, disp *dispatch.Dispatcher, env transport.Envelope, ack func()) error {
	log := b.logger.With(zap.String("envelope_id", env.ID), zap.String("kind", string(env.Kind)))
	switch env.Kind {
	case transport.KindQuoteResponse:
		var resp transport.QuoteResponse
		if err := env.Decode(&resp); err != nil {
			log.Warn("dropping malformed quote response", zap.Error(err))
			ack()
			return nil
		}
		if !b.quotes.HandleResponse(resp) && resp.UID != 0 {
			if err := b.bus.Publish(ctx, transport.ChannelAPI, env); err != nil {
				return fmt.Errorf("forward quote response: %w", err)
			}
		}
		ack()
		return nil
	case transport.KindQuoteRequest, transport.KindAvailableCurrenciesRequest:
		return b.forward(ctx, transport.ChannelDealer, env, ack)
	case transport.KindAvailableCurrencies:
		return b.forward(ctx, transport.ChannelAPI, env, ack)
	}

	started := b.now()
	j, err := b.route(ctx, env, started)
	if err != nil {
		if errors.Is(err, ledger.ErrPersistence) {
			return fmt.Errorf("route %s: %w", env.ID, err)
		}
		log.Info("rejecting inbound message", zap.Error(err))
		if j.reject != nil {
			j.reject(ctx, err)
		}
		ack()
		return nil
	}

	if !b.hold(j.dedupeID, ack) {
		log.Debug("delivery joined in-flight work", zap.String("correlation_id", j.dedupeID))
		return nil
	}
	state, err := b.dedupe.Claim(ctx, j.dedupeID)
	if err != nil {
		b.release(j.dedupeID)
		return fmt.Errorf("claim %s: %w", j.dedupeID, err)
	}
	switch state {
	case transport.Completed:
		log.Debug("duplicate delivery ignored", zap.String("correlation_id", j.dedupeID))
		b.finish(j.dedupeID)
		return nil
	case transport.Busy:
		b.release(j.dedupeID)
		return fmt.Errorf("claim %s: %w", j.dedupeID, errBusy)
	}
	disp.Submit(j.keys, func(ctx context.Context) {
		if j.run(ctx) {
			b.retry(ctx, j.dedupeID, env)
			return
		}
		if err := b.dedupe.Complete(ctx, j.dedupeID); err != nil {
			log.Warn("complete claim failed", zap.Error(err))
		}
		b.finish(j.dedupeID)
	})
	return nil
}

var errBusy = errors.New("claimed by another consumer")

// HandleInvoiceUpdate feeds settlements streamed from the node through the
// same dispatch path as settlement messages on the bank channel.
func (b *Bank) HandleInvoiceUpdate(ctx context.Context, u lightning.InvoiceUpdate) error {
	if u.State != lightning.InvoiceSettled {
		return nil
	}
	if b.disp == nil {
		return errors.New("bank is not running")
	}
	env, err := transport.NewEnvelope(transport.KindInvoiceSettled, transport.InvoiceSettled{
		PaymentHash: u.PaymentHash,
		AmountMsat:  u.AmountPaidMsat,
		AddIndex:    u.AddIndex,
		SettledAt:   u.SettledAt,
	})
	if err != nil {
		return err
	}
	return b.Handle(ctx, b.disp, env, func() {})
}

// hold registers ack under id. It reports false when id is already being
// handled here, in which case ack joins that work.
func (b *Bank) hold(id string, ack func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if acks, ok := b.inflight[id]; ok {
		b.inflight[id] = append(acks, ack)
		return false
	}
	b.inflight[id] = []func(){ack}
	return true
}

// release forgets id without acknowledging its deliveries.
func (b *Bank) release(id string) []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	acks := b.inflight[id]
	delete(b.inflight, id)
	return acks
}

// finish acknowledges every delivery of id.
func (b *Bank) finish(id string) {
	for _, ack := range b.release(id) {
		ack()
	}
}

// retry hands the claim back and puts env on the bank channel again after
// the retry delay. The original deliveries are acknowledged only once the
// copy is published.
func (b *Bank) retry(ctx context.Context, id string, env transport.Envelope) {
	if err := b.dedupe.Release(ctx, id); err != nil {
		b.logger.Error("release claim failed", zap.String("correlation_id", id), zap.Error(err))
	}
	acks := b.release(id)
	time.AfterFunc(b.cfg.RetryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := b.bus.Publish(ctx, transport.ChannelBank, env); err != nil {
			b.logger.Error("redelivery failed", zap.String("envelope_id", env.ID), zap.Error(err))
			return
		}
		for _, ack := range acks {
			ack()
		}
	})
}

func (b *Bank) forward(ctx context.Context, ch transport.Channel, env transport.Envelope, ack func()) error {
	if err := b.bus.Publish(ctx, ch, env); err != nil {
		return fmt.Errorf("forward %s to %s: %w", env.Kind, ch, err)
	}
	ack()
	return nil
}

func (b *Bank) send(ctx context.Context, ch transport.Channel, kind transport.Kind, payload any) {
	if _, err := transport.Send(ctx, b.bus, ch, kind, payload); err != nil {
		b.logger.Error("reply not sent", zap.String("kind", string(kind)), zap.String("channel", string(ch)), zap.Error(err))
	}
}

func (b *Bank) reply(ctx context.Context, kind transport.Kind, payload any) {
	b.send(ctx, transport.ChannelAPI, kind, payload)
}

func (b *Bank) respond(ctx context.Context, res transport.RequestResult, started time.Time) {
	b.reply(ctx, transport.KindRequestResult, res)
	b.processor.Acknowledge(res, b.now().Sub(started))
}

// rejected answers a request that never reached the processor.
func (b *Bank) rejected(ch transport.Channel, kind transport.Kind, requestID string, uid int64, started time.Time) func(ctx context.Context, err error) {
	return func(ctx context.Context, err error) {
		if requestID == "" {
			return
		}
		res := transport.RequestResult{
			RequestID: requestID,
			UID:       uid,
			Kind:      kind,
			State:     string(services.StateRejected),
			Reason:    services.ReasonCode(err),
			Message:   err.Error(),
		}
		b.send(ctx, ch, transport.KindRequestResult, res)
		b.processor.Acknowledge(res, b.now().Sub(started))
	}
}

// job is a decoded message ready to run. run reports whether the message
// should be delivered again. reject answers the sender when the message
// cannot be routed.
type job struct {
	dedupeID string
	keys     []string
	run      func(ctx context.Context) bool
	reject   func(ctx context.Context, err error)
}

func (b *Bank) decode(env transport.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	if err := b.validator.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", services.ErrValidation, err)
	}
	return nil
}

func userKeys(uid int64, currencies ...money.Currency) []string {
	keys := make([]string, 0, len(currencies))
	for _, c := range currencies {
		keys = append(keys, dispatch.AccountKey(uid, c))
	}
	return keys
}

func ownerKeys(o services.Owner, extra ...string) []string {
	if o.Found {
		extra = append(extra, dispatch.AccountKey(o.UID, o.Currency))
	}
	return extra
}

func (b *Bank) route(ctx context.Context, env transport.Envelope, started time.Time) (job, error) {
	switch env.Kind {
	case transport.KindDepositRequest, transport.KindInvoiceRequest:
		var req transport.DepositRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "req:" + req.RequestID, reject: b.rejected(transport.ChannelAPI, env.Kind, req.RequestID, req.UID, started)}
		if err != nil {
			return j, err
		}
		j.keys = userKeys(req.UID, req.Currency)
		j.run = func(ctx context.Context) bool {
			resp, res, ok := b.invoices.CreateInvoice(ctx, env.Kind, req)
			if ok {
				b.reply(ctx, transport.KindInvoiceResponse, resp)
			}
			b.respond(ctx, res, started)
			return false
		}
		return j, nil

	case transport.KindWithdrawalRequest:
		var req transport.WithdrawalRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "req:" + req.RequestID, reject: b.rejected(transport.ChannelAPI, env.Kind, req.RequestID, req.UID, started)}
		if err != nil {
			return j, err
		}
		payee, err := b.processor.PayeeOf(ctx, req.PaymentRequest)
		if err != nil {
			return j, err
		}
		j.keys = ownerKeys(payee, userKeys(req.UID, req.Currency)...)
		j.run = func(ctx context.Context) bool {
			b.respond(ctx, b.processor.Withdraw(ctx, req), started)
			return false
		}
		return j, nil

	case transport.KindTransferRequest:
		var req transport.TransferRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "req:" + req.RequestID, reject: b.rejected(transport.ChannelAPI, env.Kind, req.RequestID, req.UID, started)}
		if err != nil {
			return j, err
		}
		j.keys = append(userKeys(req.UID, req.Currency), userKeys(req.ToUID, req.Currency)...)
		j.run = func(ctx context.Context) bool {
			b.respond(ctx, b.processor.Transfer(ctx, req), started)
			return false
		}
		return j, nil

	case transport.KindSwapRequest:
		var req transport.SwapRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "req:" + req.RequestID, reject: b.rejected(transport.ChannelAPI, env.Kind, req.RequestID, req.UID, started)}
		if err != nil {
			return j, err
		}
		j.keys = userKeys(req.UID, req.From, req.To)
		j.run = func(ctx context.Context) bool {
			b.respond(ctx, b.processor.Swap(ctx, req), started)
			return false
		}
		return j, nil

	case transport.KindGetBalances:
		var req transport.GetBalances
		err := b.decode(env, &req)
		j := job{dedupeID: "env:" + env.ID, reject: b.rejected(transport.ChannelAPI, env.Kind, req.RequestID, req.UID, started)}
		if err != nil {
			return j, err
		}
		j.keys = userKeys(req.UID, money.Supported()...)
		j.run = func(ctx context.Context) bool {
			out, err := b.processor.Balances(ctx, req)
			if err != nil {
				j.reject(ctx, err)
				return false
			}
			b.reply(ctx, transport.KindBalances, out)
			return false
		}
		return j, nil

	case transport.KindInvoiceSettled:
		var msg transport.InvoiceSettled
		if err := b.decode(env, &msg); err != nil {
			return job{}, err
		}
		owner, err := b.processor.InvoiceOwner(ctx, msg.PaymentHash)
		if err != nil {
			return job{}, err
		}
		return job{
			dedupeID: "settle:" + msg.PaymentHash,
			keys:     ownerKeys(owner, "invoice:"+msg.PaymentHash),
			run: func(ctx context.Context) bool {
				res, err := b.invoices.OnSettlement(ctx, msg)
				b.processor.Acknowledge(res, b.now().Sub(started))
				return err != nil
			},
		}, nil

	case transport.KindOnchainTransactionState:
		var msg transport.OnchainTransactionState
		if err := b.decode(env, &msg); err != nil {
			return job{}, err
		}
		owner, err := b.processor.AddressOwner(ctx, msg.Address)
		if err != nil {
			return job{}, err
		}
		return job{
			dedupeID: "onchain:" + msg.TxID + ":" + strconv.FormatBool(msg.Confirmed),
			keys:     ownerKeys(owner, "address:"+msg.Address),
			run: func(ctx context.Context) bool {
				res, err := b.processor.OnchainDeposit(ctx, msg)
				b.processor.Acknowledge(res, b.now().Sub(started))
				return err != nil
			},
		}, nil

	case transport.KindBitcoinAddressAssigned:
		var msg transport.BitcoinAddressAssigned
		if err := b.decode(env, &msg); err != nil {
			return job{}, err
		}
		return job{
			dedupeID: "address:" + msg.Address,
			keys:     append(userKeys(msg.UID, money.BTC), "address:"+msg.Address),
			run: func(ctx context.Context) bool {
				err := b.processor.RegisterAddress(ctx, msg)
				if err == nil {
					return false
				}
				b.logger.Warn("address not registered", zap.Int64("uid", msg.UID), zap.String("address", msg.Address), zap.Error(err))
				return errors.Is(err, ledger.ErrPersistence)
			},
		}, nil

	case transport.KindPayInvoice:
		var req transport.PayInvoice
		err := b.decode(env, &req)
		j := job{dedupeID: "dealer:" + req.RequestID, reject: b.rejected(transport.ChannelDealer, env.Kind, req.RequestID, models.DealerUID, started)}
		if err != nil {
			return j, err
		}
		payee, err := b.processor.PayeeOf(ctx, req.PaymentRequest)
		if err != nil {
			return j, err
		}
		j.keys = ownerKeys(payee, userKeys(models.DealerUID, money.BTC)...)
		j.run = func(ctx context.Context) bool {
			res := b.processor.DealerPayInvoice(ctx, req)
			b.send(ctx, transport.ChannelDealer, transport.KindRequestResult, res)
			b.processor.Acknowledge(res, b.now().Sub(started))
			return false
		}
		return j, nil

	case transport.KindCreateInvoiceRequest:
		var req transport.CreateInvoiceRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "dealer:" + req.RequestID}
		j.reject = func(ctx context.Context, err error) {
			b.send(ctx, transport.ChannelDealer, transport.KindCreateInvoiceResponse, transport.CreateInvoiceResponse{
				RequestID: req.RequestID, AmountSats: req.AmountSats, Reason: services.ReasonCode(err),
			})
		}
		if err != nil {
			return j, err
		}
		j.keys = userKeys(models.DealerUID, money.BTC)
		j.run = func(ctx context.Context) bool {
			b.send(ctx, transport.ChannelDealer, transport.KindCreateInvoiceResponse, b.invoices.DealerCreateInvoice(ctx, req))
			return false
		}
		return j, nil

	case transport.KindQueryRouteRequest:
		var req transport.QueryRouteRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "env:" + env.ID}
		j.reject = func(ctx context.Context, err error) {
			b.reply(ctx, transport.KindQueryRouteResponse, transport.QueryRouteResponse{RequestID: req.RequestID, Reason: services.ReasonNoRouteFound})
		}
		if err != nil {
			return j, err
		}
		j.run = func(ctx context.Context) bool {
			b.reply(ctx, transport.KindQueryRouteResponse, b.processor.QueryRoute(ctx, req))
			return false
		}
		return j, nil

	case transport.KindGetNodeInfoRequest:
		var req transport.GetNodeInfoRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "env:" + env.ID}
		j.reject = func(ctx context.Context, err error) {
			b.reply(ctx, transport.KindGetNodeInfoResponse, transport.GetNodeInfoResponse{RequestID: req.RequestID, Reason: services.ReasonCode(err)})
		}
		if err != nil {
			return j, err
		}
		j.run = func(ctx context.Context) bool {
			b.reply(ctx, transport.KindGetNodeInfoResponse, b.processor.NodeInfo(ctx, req))
			return false
		}
		return j, nil

	case transport.KindCreateLnurlWithdrawalRequest:
		var req transport.CreateLnurlWithdrawalRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "req:" + req.RequestID}
		j.reject = func(ctx context.Context, err error) {
			b.reply(ctx, transport.KindCreateLnurlWithdrawalResponse, transport.CreateLnurlWithdrawalResponse{
				RequestID: req.RequestID, UID: req.UID, Reason: services.ReasonCode(err), Message: err.Error(),
			})
		}
		if err != nil {
			return j, err
		}
		j.keys = userKeys(req.UID, req.Currency)
		j.run = func(ctx context.Context) bool {
			b.reply(ctx, transport.KindCreateLnurlWithdrawalResponse, b.processor.CreateLnurlWithdrawal(ctx, req))
			return false
		}
		return j, nil

	case transport.KindGetLnurlWithdrawalRequest:
		var req transport.GetLnurlWithdrawalRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "env:" + env.ID}
		j.reject = func(ctx context.Context, err error) {
			b.reply(ctx, transport.KindGetLnurlWithdrawalResponse, transport.GetLnurlWithdrawalResponse{RequestID: req.RequestID, Reason: services.ReasonCode(err)})
		}
		if err != nil {
			return j, err
		}
		j.keys = []string{"lnurl:" + req.RequestID}
		j.run = func(ctx context.Context) bool {
			b.reply(ctx, transport.KindGetLnurlWithdrawalResponse, b.processor.GetLnurlWithdrawal(ctx, req))
			return false
		}
		return j, nil

	case transport.KindPayLnurlWithdrawalRequest:
		var req transport.PayLnurlWithdrawalRequest
		err := b.decode(env, &req)
		j := job{dedupeID: "env:" + env.ID, reject: b.rejected(transport.ChannelAPI, env.Kind, req.RequestID, 0, started)}
		if err != nil {
			return j, err
		}
		owner, err := b.processor.LnurlOwner(ctx, req.RequestID)
		if err != nil {
			return j, err
		}
		payee, err := b.processor.PayeeOf(ctx, req.PaymentRequest)
		if err != nil {
			return j, err
		}
		j.keys = ownerKeys(payee, ownerKeys(owner, "lnurl:"+req.RequestID)...)
		j.run = func(ctx context.Context) bool {
			b.respond(ctx, b.processor.PayLnurlWithdrawal(ctx, req), started)
			return false
		}
		return j, nil
	}
	return job{}, fmt.Errorf("%w: unexpected kind %q", services.ErrValidation, env.Kind)
}
