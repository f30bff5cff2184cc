package lightning_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lnbank/internal/lightning"
	"lnbank/internal/lightning/lightningtest"
	"lnbank/internal/resilience"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type flakyNode struct {
	*lightningtest.Node
	mu        sync.Mutex
	failures  int
	infoCalls int
	sendCalls int
	sendErr   error
}

func (f *flakyNode) GetInfo(ctx context.Context) (lightning.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if f.infoCalls <= f.failures {
		return lightning.Info{}, lightning.ErrConnector
	}
	return f.Node.GetInfo(ctx)
}

func (f *flakyNode) SendPayment(ctx context.Context, payReq string, fee int64, timeout time.Duration) (lightning.Payment, error) {
	f.mu.Lock()
	f.sendCalls++
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return lightning.Payment{Status: lightning.PaymentUnknown}, err
	}
	return f.Node.SendPayment(ctx, payReq, fee, timeout)
}

func newResilient(node lightning.Node) *lightning.Resilient {
	return lightning.NewResilient(
		node,
		resilience.NewBreaker("lnd-test", time.Hour, nil),
		2,
		resilience.Policy{Attempts: 3, InitialBackoff: time.Millisecond},
		zap.NewNop(),
	)
}

func TestResilientRetriesQueries(t *testing.T) {
	node := &flakyNode{Node: lightningtest.NewNode(decimal.Zero), failures: 2}
	info, err := newResilient(node).GetInfo(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Alias != "stub" || node.infoCalls != 3 {
		t.Fatalf("expected success on third call, got %+v after %d", info, node.infoCalls)
	}
}

func TestResilientDoesNotRetryPayments(t *testing.T) {
	node := &flakyNode{Node: lightningtest.NewNode(decimal.Zero), sendErr: lightning.ErrUnknownOutcome}
	_, err := newResilient(node).SendPayment(context.Background(), "lnbc1", 1000, time.Second)
	if !errors.Is(err, lightning.ErrUnknownOutcome) {
		t.Fatalf("expected ErrUnknownOutcome, got %v", err)
	}
	if node.sendCalls != 1 {
		t.Fatalf("expected a single send attempt, got %d", node.sendCalls)
	}
}

func TestResilientPassesNodeAnswersThrough(t *testing.T) {
	node := lightningtest.NewNode(decimal.Zero)
	_, err := newResilient(node).DecodePayReq(context.Background(), "garbage")
	if !errors.Is(err, lightning.ErrInvalidPayReq) {
		t.Fatalf("expected ErrInvalidPayReq, got %v", err)
	}
}

func TestResilientOpenBreakerIsConnectorError(t *testing.T) {
	node := &flakyNode{Node: lightningtest.NewNode(decimal.Zero), failures: 100}
	r := lightning.NewResilient(node, resilience.NewBreaker("lnd-test", time.Hour, nil), 1,
		resilience.Policy{Attempts: 1}, zap.NewNop())
	for i := 0; i < 5; i++ {
		_, _ = r.GetInfo(context.Background())
	}
	calls := node.infoCalls
	_, err := r.GetInfo(context.Background())
	if !errors.Is(err, lightning.ErrConnector) {
		t.Fatalf("expected ErrConnector, got %v", err)
	}
	if node.infoCalls != calls {
		t.Fatalf("open breaker must not reach the node")
	}
}

type recordingHandler struct {
	mu   sync.Mutex
	once sync.Once
	seen []string
	done chan struct{}
}

func (h *recordingHandler) HandleInvoiceUpdate(_ context.Context, u lightning.InvoiceUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, u.PaymentHash)
	h.once.Do(func() { close(h.done) })
	return nil
}

func TestSubscriberDeliversSettlements(t *testing.T) {
	node := lightningtest.NewNode(decimal.Zero)
	inv, _ := node.AddInvoice(context.Background(), 1000, "coffee", time.Hour)
	h := &recordingHandler{done: make(chan struct{})}
	resumed := make(chan struct{}, 1)
	sub := lightning.NewSubscriber(node, h, func(context.Context) (int64, error) {
		resumed <- struct{}{}
		return 0, nil
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatalf("subscriber never connected")
	}
	deadline := time.Now().Add(time.Second)
	for {
		node.Settle(inv.PaymentHash, 1000)
		select {
		case <-h.done:
			h.mu.Lock()
			first := h.seen[0]
			h.mu.Unlock()
			if first != inv.PaymentHash {
				t.Fatalf("unexpected hash %s", first)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("settlement not delivered")
		}
	}
}
