package engine

import (
	"context"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"lnbank/internal/dispatch"
	"lnbank/internal/lightning"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/services"
	"lnbank/internal/transport"

	"github.com/shopspring/decimal"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func resultFor(t *testing.T, bus *transport.MemoryBus, ch transport.Channel, id string) transport.RequestResult {
	t.Helper()
	for {
		var res transport.RequestResult
		next(t, bus, ch, transport.KindRequestResult, &res)
		if res.RequestID == id {
			return res
		}
	}
}

func (tb *testBank) balance(t *testing.T, uid int64, c money.Currency) decimal.Decimal {
	t.Helper()
	acc, err := tb.l.EnsureAccount(context.Background(), uid, c)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return tb.book.Account(acc.ID).Balance
}

func (tb *testBank) dealerFloat(t *testing.T) decimal.Decimal {
	t.Helper()
	acc, err := tb.l.SystemAccount(models.ClassDealer, money.BTC)
	if err != nil {
		t.Fatalf("system account: %v", err)
	}
	return tb.book.Account(acc.ID).Balance
}

func (tb *testBank) invoice(t *testing.T, id string, uid int64, amount string) transport.InvoiceResponse {
	t.Helper()
	tb.send(t, transport.KindDepositRequest, transport.DepositRequest{
		RequestID: id, UID: uid, Currency: money.BTC, Amount: decimal.RequireFromString(amount),
	})
	for {
		var resp transport.InvoiceResponse
		next(t, tb.bus, transport.ChannelAPI, transport.KindInvoiceResponse, &resp)
		if resp.RequestID == id {
			return resp
		}
	}
}

// answerQuotes plays the dealer until ctx ends, quoting every pair at rate.
func answerQuotes(ctx context.Context, bus *transport.MemoryBus, rate decimal.Decimal) {
	for {
		env, err := bus.Next(ctx, transport.ChannelDealer)
		if err != nil {
			return
		}
		if env.Kind != transport.KindQuoteRequest {
			continue
		}
		var req transport.QuoteRequest
		if env.Decode(&req) != nil {
			continue
		}
		_, _ = transport.Send(ctx, bus, transport.ChannelBank, transport.KindQuoteResponse, transport.QuoteResponse{
			CorrelationID: req.CorrelationID,
			Rate:          rate,
			Expiry:        time.Now().Add(time.Minute),
		})
	}
}

func TestQuotesFlowWhileDispatcherIsFull(t *testing.T) {
	tb := newTestBank(t, func(c *Config) { c.MaxInflight = 1 })
	tb.fund(t, 1, money.BTC, "0.01")
	tb.start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go answerQuotes(ctx, tb.bus, decimal.NewFromInt(50000))

	ids := []string{"s-1", "s-2", "s-3"}
	for _, id := range ids {
		tb.send(t, transport.KindSwapRequest, transport.SwapRequest{
			RequestID: id, UID: 1, From: money.BTC, To: money.USD, Amount: decimal.RequireFromString("0.001"),
		})
	}
	for range ids {
		var res transport.RequestResult
		next(t, tb.bus, transport.ChannelAPI, transport.KindRequestResult, &res)
		if res.State != string(services.StateCommitted) {
			t.Fatalf("swap %s: %s/%s (%s)", res.RequestID, res.State, res.Reason, res.Message)
		}
	}
	if got := tb.balance(t, 1, money.USD); !got.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected 150 USD, got %s", got)
	}
}

func TestSettlementRacingWithdrawalOnSameAccount(t *testing.T) {
	tb := newTestBank(t)
	tb.fund(t, 1, money.BTC, "0.01")
	tb.start(t)
	eventually(t, "invoice subscription", func() bool { return tb.node.Subscribers() == 1 })

	deposit := tb.invoice(t, "dep-1", 1, "0.001")
	payee := tb.invoice(t, "dep-2", 2, "0.004")

	tb.send(t, transport.KindWithdrawalRequest, transport.WithdrawalRequest{
		RequestID: "w-1", UID: 1, Currency: money.BTC, PaymentRequest: payee.PaymentRequest,
	})
	tb.node.Settle(deposit.PaymentHash, deposit.AmountMsat)

	res := resultFor(t, tb.bus, transport.ChannelAPI, "w-1")
	if res.State != string(services.StateCommitted) {
		t.Fatalf("withdrawal: %s/%s (%s)", res.State, res.Reason, res.Message)
	}
	want := decimal.RequireFromString("0.007")
	eventually(t, "settlement credit", func() bool { return tb.balance(t, 1, money.BTC).Equal(want) })
	if got := tb.balance(t, 2, money.BTC); !got.Equal(decimal.RequireFromString("0.004")) {
		t.Fatalf("unexpected payee balance %s", got)
	}

	tb.node.Settle(deposit.PaymentHash, deposit.AmountMsat)
	time.Sleep(100 * time.Millisecond)
	if got := tb.balance(t, 1, money.BTC); !got.Equal(want) {
		t.Fatalf("replayed settlement credited twice: %s", got)
	}
	report, err := tb.l.Reconcile(context.Background())
	if err != nil || !report.OK() {
		t.Fatalf("ledger does not reconcile: %#v %v", report, err)
	}
}

func TestDeliveryDuringInFlightWorkIsAckedWithIt(t *testing.T) {
	tb := newTestBank(t)
	tb.fund(t, 1, money.BTC, "0.01")
	ctx, cancel := context.WithCancel(context.Background())
	d := dispatch.New(ctx, 4)
	t.Cleanup(func() {
		cancel()
		_ = d.Wait()
	})

	env, err := transport.NewEnvelope(transport.KindSwapRequest, transport.SwapRequest{
		RequestID: "s-1", UID: 1, From: money.BTC, To: money.USD, Amount: decimal.RequireFromString("0.001"),
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	var acks atomic.Int32
	ack := func() { acks.Add(1) }
	if err := tb.bank.Handle(ctx, d, env, ack); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	waitCtx, stop := context.WithTimeout(ctx, 2*time.Second)
	defer stop()
	quoteEnv, err := tb.bus.Next(waitCtx, transport.ChannelDealer)
	if err != nil {
		t.Fatalf("quote request: %v", err)
	}
	if err := tb.bank.Handle(ctx, d, env, ack); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if n := acks.Load(); n != 0 {
		t.Fatalf("acked %d deliveries before the swap finished", n)
	}

	var req transport.QuoteRequest
	if err := quoteEnv.Decode(&req); err != nil {
		t.Fatalf("decode quote request: %v", err)
	}
	resp, err := transport.NewEnvelope(transport.KindQuoteResponse, transport.QuoteResponse{
		CorrelationID: req.CorrelationID, Rate: decimal.NewFromInt(50000), Expiry: time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := tb.bank.Handle(ctx, d, resp, func() {}); err != nil {
		t.Fatalf("quote response: %v", err)
	}
	res := resultFor(t, tb.bus, transport.ChannelAPI, "s-1")
	if res.State != string(services.StateCommitted) {
		t.Fatalf("swap: %s/%s (%s)", res.State, res.Reason, res.Message)
	}
	eventually(t, "both deliveries acked", func() bool { return acks.Load() == 2 })

	if err := tb.bank.Handle(ctx, d, env, ack); err != nil {
		t.Fatalf("late delivery: %v", err)
	}
	if n := acks.Load(); n != 3 {
		t.Fatalf("expected a completed id to be acked at once, got %d acks", n)
	}
	if tb.book.SummaryCount() != 1 {
		t.Fatalf("expected one summary, got %d", tb.book.SummaryCount())
	}
}

func TestInvoiceUpdateBeforeRunIsRefused(t *testing.T) {
	tb := newTestBank(t)
	err := tb.bank.HandleInvoiceUpdate(context.Background(), lightning.InvoiceUpdate{State: lightning.InvoiceSettled})
	if err == nil {
		t.Fatalf("expected an error while the bank is stopped")
	}
	if err := tb.bank.HandleInvoiceUpdate(context.Background(), lightning.InvoiceUpdate{State: lightning.InvoiceOpen}); err != nil {
		t.Fatalf("open invoices are ignored, got %v", err)
	}
}

func TestDealerInvoiceAndPayment(t *testing.T) {
	tb := newTestBank(t)
	tb.start(t)
	eventually(t, "invoice subscription", func() bool { return tb.node.Subscribers() == 1 })
	before := tb.dealerFloat(t)

	tb.send(t, transport.KindCreateInvoiceRequest, transport.CreateInvoiceRequest{RequestID: "d-1", AmountSats: 1000})
	var created transport.CreateInvoiceResponse
	next(t, tb.bus, transport.ChannelDealer, transport.KindCreateInvoiceResponse, &created)
	if created.Reason != "" || created.PaymentRequest == "" {
		t.Fatalf("unexpected response %#v", created)
	}
	pr, err := tb.node.DecodePayReq(context.Background(), created.PaymentRequest)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tb.node.Settle(pr.PaymentHash, pr.AmountMsat)
	funded := before.Add(decimal.RequireFromString("0.00001"))
	eventually(t, "dealer float credit", func() bool { return tb.dealerFloat(t).Equal(funded) })

	inv := tb.invoice(t, "dep-1", 2, "0.000004")
	tb.send(t, transport.KindPayInvoice, transport.PayInvoice{RequestID: "dp-1", PaymentRequest: inv.PaymentRequest})
	res := resultFor(t, tb.bus, transport.ChannelDealer, "dp-1")
	if res.State != string(services.StateCommitted) || !res.Fees.IsZero() {
		t.Fatalf("dealer payment: %#v", res)
	}
	if got := tb.balance(t, 2, money.BTC); !got.Equal(decimal.RequireFromString("0.000004")) {
		t.Fatalf("unexpected payee balance %s", got)
	}
	if got := tb.dealerFloat(t); !got.Equal(funded.Sub(decimal.RequireFromString("0.000004"))) {
		t.Fatalf("unexpected dealer float %s", got)
	}
}

func TestInvalidDealerInvoiceRequestIsAnswered(t *testing.T) {
	tb := newTestBank(t)
	tb.start(t)

	tb.send(t, transport.KindCreateInvoiceRequest, transport.CreateInvoiceRequest{RequestID: "d-1", AmountSats: -5})
	var resp transport.CreateInvoiceResponse
	next(t, tb.bus, transport.ChannelDealer, transport.KindCreateInvoiceResponse, &resp)
	if resp.RequestID != "d-1" || resp.Reason != services.ReasonValidation {
		t.Fatalf("unexpected response %#v", resp)
	}
}

func TestNodeQueriesAreAnswered(t *testing.T) {
	tb := newTestBank(t)
	tb.node.RouteFee = 2000
	tb.node.AddPayReq("lnbcrt500u1remoteinvoice0001", lightning.PayReq{
		Destination: "remote", PaymentHash: "aa", AmountMsat: 50_000_000, Timestamp: time.Now(), Expiry: time.Hour,
	})
	tb.start(t)

	tb.send(t, transport.KindQueryRouteRequest, transport.QueryRouteRequest{RequestID: "q-1", PaymentRequest: "lnbcrt500u1remoteinvoice0001"})
	var route transport.QueryRouteResponse
	next(t, tb.bus, transport.ChannelAPI, transport.KindQueryRouteResponse, &route)
	if route.RequestID != "q-1" || route.TotalFeeSats != 2 || route.Reason != "" {
		t.Fatalf("unexpected route %#v", route)
	}

	tb.send(t, transport.KindGetNodeInfoRequest, transport.GetNodeInfoRequest{RequestID: "n-1"})
	var info transport.GetNodeInfoResponse
	next(t, tb.bus, transport.ChannelAPI, transport.KindGetNodeInfoResponse, &info)
	if info.RequestID != "n-1" || info.Node.Alias != "stub" || info.Reason != "" {
		t.Fatalf("unexpected node info %#v", info)
	}
}

func TestLnurlWithdrawalOverTheBus(t *testing.T) {
	tb := newTestBank(t)
	tb.fund(t, 1, money.BTC, "0.01")
	tb.start(t)

	tb.send(t, transport.KindCreateLnurlWithdrawalRequest, transport.CreateLnurlWithdrawalRequest{
		RequestID: "ln-1", UID: 1, Currency: money.BTC, Amount: decimal.RequireFromString("0.005"),
	})
	var created transport.CreateLnurlWithdrawalResponse
	next(t, tb.bus, transport.ChannelAPI, transport.KindCreateLnurlWithdrawalResponse, &created)
	if created.Reason != "" {
		t.Fatalf("create: %s (%s)", created.Reason, created.Message)
	}
	raw, err := services.DecodeLnurl(created.Lnurl)
	if err != nil {
		t.Fatalf("decode lnurl: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse lnurl: %v", err)
	}
	offer := u.Query().Get("q")

	tb.send(t, transport.KindGetLnurlWithdrawalRequest, transport.GetLnurlWithdrawalRequest{RequestID: offer})
	var terms transport.GetLnurlWithdrawalResponse
	next(t, tb.bus, transport.ChannelAPI, transport.KindGetLnurlWithdrawalResponse, &terms)
	if terms.MaxWithdrawableMsat != 500_000_000 || terms.Tag != "withdrawRequest" {
		t.Fatalf("unexpected terms %#v", terms)
	}

	inv := tb.invoice(t, "dep-2", 2, "0.004")
	tb.send(t, transport.KindPayLnurlWithdrawalRequest, transport.PayLnurlWithdrawalRequest{RequestID: offer, PaymentRequest: inv.PaymentRequest})
	res := resultFor(t, tb.bus, transport.ChannelAPI, offer)
	if res.State != string(services.StateCommitted) {
		t.Fatalf("pay: %s/%s (%s)", res.State, res.Reason, res.Message)
	}
	if got := tb.balance(t, 1, money.BTC); !got.Equal(decimal.RequireFromString("0.006")) {
		t.Fatalf("unexpected balance %s", got)
	}

	again := tb.invoice(t, "dep-3", 2, "0.0001")
	tb.send(t, transport.KindPayLnurlWithdrawalRequest, transport.PayLnurlWithdrawalRequest{RequestID: offer, PaymentRequest: again.PaymentRequest})
	res = resultFor(t, tb.bus, transport.ChannelAPI, offer)
	if res.State != string(services.StateRejected) || res.Reason != services.ReasonRequestNotFound {
		t.Fatalf("expected the offer to be used up, got %#v", res)
	}
}

func TestPassthroughsAreForwarded(t *testing.T) {
	tb := newTestBank(t)
	tb.start(t)

	req := tb.send(t, transport.KindQuoteRequest, transport.QuoteRequest{CorrelationID: "api-1", UID: 5, Pair: money.Pair{From: money.BTC, To: money.USD}, Quantity: decimal.NewFromInt(1)})
	cases := []struct {
		name string
		ch   transport.Channel
		env  transport.Envelope
	}{
		{"quote request to dealer", transport.ChannelDealer, req},
		{"quote response to api", transport.ChannelAPI, tb.send(t, transport.KindQuoteResponse, transport.QuoteResponse{CorrelationID: "api-1", UID: 5, Rate: decimal.NewFromInt(50000)})},
		{"currencies request to dealer", transport.ChannelDealer, tb.send(t, transport.KindAvailableCurrenciesRequest, transport.AvailableCurrenciesRequest{RequestID: "c-1"})},
		{"currencies to api", transport.ChannelAPI, tb.send(t, transport.KindAvailableCurrencies, transport.AvailableCurrencies{RequestID: "c-1", Currencies: money.Supported()})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				got, err := tb.bus.Next(ctx, tc.ch)
				if err != nil {
					t.Fatalf("waiting for %s: %v", tc.env.ID, err)
				}
				if got.ID == tc.env.ID {
					return
				}
			}
		})
	}
}
