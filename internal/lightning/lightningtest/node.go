package lightningtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"lnbank/internal/lightning"
	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

// Node is an in-process lightning.Node. Outgoing payments resolve through
// PayFunc and drain Channel when they succeed; invoices it issues can be
// settled with Settle.
type Node struct {
	mu       sync.Mutex
	Channel  decimal.Decimal
	RouteFee int64
	RouteErr error
	PayReqs  map[string]lightning.PayReq
	Payments map[string]lightning.Payment
	PayFunc  func(payReq string, feeLimitMsat int64) (lightning.Payment, error)
	Sent     []string
	next     int64
	subs     []chan lightning.InvoiceUpdate
	issued   map[string]lightning.CreatedInvoice
}

func NewNode(channel decimal.Decimal) *Node {
	return &Node{
		Channel:  channel,
		PayReqs:  make(map[string]lightning.PayReq),
		Payments: make(map[string]lightning.Payment),
		issued:   make(map[string]lightning.CreatedInvoice),
	}
}

func (s *Node) GetInfo(context.Context) (lightning.Info, error) {
	return lightning.Info{Alias: "stub", Network: "regtest", Synced: true}, nil
}

func (s *Node) ChannelBalance(context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Channel, nil
}

func (s *Node) AddInvoice(_ context.Context, amountMsat int64, memo string, expiry time.Duration) (lightning.CreatedInvoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d/%s", s.next, amountMsat, memo)))
	inv := lightning.CreatedInvoice{
		PaymentRequest: fmt.Sprintf("lnbcrt%dn1stubinvoice%04d", amountMsat, s.next),
		PaymentHash:    hex.EncodeToString(sum[:]),
		AddIndex:       s.next,
	}
	s.issued[inv.PaymentHash] = inv
	s.PayReqs[inv.PaymentRequest] = lightning.PayReq{
		Destination: "stub",
		PaymentHash: inv.PaymentHash,
		AmountMsat:  amountMsat,
		Timestamp:   time.Now().UTC(),
		Expiry:      expiry,
		Description: memo,
	}
	return inv, nil
}

func (s *Node) DecodePayReq(_ context.Context, payReq string) (lightning.PayReq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.PayReqs[payReq]
	if !ok {
		return lightning.PayReq{}, lightning.ErrInvalidPayReq
	}
	return p, nil
}

// AddPayReq registers a payment request the node can decode.
func (s *Node) AddPayReq(payReq string, p lightning.PayReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PayReqs[payReq] = p
}

func (s *Node) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

func (s *Node) QueryRouteFee(context.Context, string, int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RouteFee, s.RouteErr
}

func (s *Node) SendPayment(_ context.Context, payReq string, feeLimitMsat int64, _ time.Duration) (lightning.Payment, error) {
	s.mu.Lock()
	s.Sent = append(s.Sent, payReq)
	pay := s.PayFunc
	hash := s.PayReqs[payReq].PaymentHash
	s.mu.Unlock()
	p, err := lightning.Payment{Status: lightning.PaymentSucceeded}, error(nil)
	if pay != nil {
		p, err = pay(payReq, feeLimitMsat)
	}
	if p.PaymentHash == "" {
		p.PaymentHash = hash
	}
	s.mu.Lock()
	s.Payments[hash] = p
	if err == nil && p.Status == lightning.PaymentSucceeded {
		s.Channel = s.Channel.Sub(money.FromMsat(s.PayReqs[payReq].AmountMsat + p.FeeMsat))
	}
	s.mu.Unlock()
	return p, err
}

func (s *Node) LookupPayment(_ context.Context, paymentHash string) (lightning.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Payments[paymentHash]
	if !ok {
		return lightning.Payment{}, lightning.ErrPaymentNotFound
	}
	return p, nil
}

func (s *Node) SubscribeInvoices(ctx context.Context, _ int64) (<-chan lightning.InvoiceUpdate, <-chan error, error) {
	ch := make(chan lightning.InvoiceUpdate, 16)
	errs := make(chan error, 1)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		errs <- ctx.Err()
		close(ch)
	}()
	return ch, errs, nil
}

// Subscribers reports how many invoice streams are open.
func (s *Node) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Settle marks an issued invoice paid and notifies subscribers.
func (s *Node) Settle(paymentHash string, amountMsat int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := lightning.InvoiceUpdate{
		PaymentHash:    paymentHash,
		State:          lightning.InvoiceSettled,
		AmountPaidMsat: amountMsat,
		AddIndex:       s.issued[paymentHash].AddIndex,
		SettledAt:      time.Now().UTC(),
	}
	for _, c := range s.subs {
		select {
		case c <- u:
		default:
		}
	}
}
