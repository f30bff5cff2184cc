package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"lnbank/internal/lightning"
	"lnbank/internal/lightning/lightningtest"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/policy"
	"lnbank/internal/transport"

	"github.com/shopspring/decimal"
)

func withdraw(h *harness, id string, uid int64, c money.Currency, pr string) transport.RequestResult {
	return h.p.Withdraw(context.Background(), transport.WithdrawalRequest{
		RequestID: id, UID: uid, Currency: c, PaymentRequest: pr,
	})
}

func expectInvoiceStatus(t *testing.T, h *harness, hash string, incoming bool, want models.InvoiceStatus) {
	t.Helper()
	inv, ok := h.book.Invoice(hash, incoming)
	if !ok {
		t.Fatalf("invoice %s not stored", hash)
	}
	if inv.Status != want {
		t.Fatalf("expected invoice status %s, got %s", want, inv.Status)
	}
}

func TestWithdrawSettlesFeeReservation(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	pr, hash := h.externalPayReq(500_000)
	var feeLimit int64
	h.node.PayFunc = func(_ string, limit int64) (lightning.Payment, error) {
		feeLimit = limit
		return lightning.Payment{Status: lightning.PaymentSucceeded, FeeMsat: 2000}, nil
	}

	res := withdraw(h, "w-1", 1, money.BTC, pr)
	expectResult(t, res, StateCommitted, "")
	if feeLimit != 6000 {
		t.Fatalf("expected a 6000 msat fee limit, got %d", feeLimit)
	}
	if !res.Fees.Equal(dec("0.000000025")) {
		t.Fatalf("unexpected fees %s", res.Fees)
	}
	h.assertBalance(t, 1, money.BTC, "0.000004935")
	if got := h.systemBalance(t, models.ClassFees, money.BTC); !got.Equal(dec("0.000000045")) {
		t.Fatalf("unexpected fee account balance %s", got)
	}
	expectInvoiceStatus(t, h, hash, false, models.InvoiceSettled)
}

func TestWithdrawNodeFailureIsFullyReversed(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	pr, hash := h.externalPayReq(500_000)
	h.node.PayFunc = func(string, int64) (lightning.Payment, error) {
		return lightning.Payment{Status: lightning.PaymentFailed, FailureReason: "FAILURE_REASON_NO_ROUTE"}, nil
	}

	res := withdraw(h, "w-1", 1, money.BTC, pr)
	expectResult(t, res, StateRejected, ReasonPaymentFailed)
	if res.SummaryTxID == "" {
		t.Fatalf("expected the rejected result to carry the payment summary")
	}
	h.assertBalance(t, 1, money.BTC, "0.00001")
	if got := h.systemBalance(t, models.ClassFees, money.BTC); !got.IsZero() {
		t.Fatalf("expected the bank fee to be refunded, fee account holds %s", got)
	}
	expectInvoiceStatus(t, h, hash, false, models.InvoiceFailed)
	if h.book.SummaryCount() != 2 {
		t.Fatalf("expected payment and refund summaries, got %d", h.book.SummaryCount())
	}

	again := withdraw(h, "w-1", 1, money.BTC, pr)
	expectResult(t, again, StateRejected, ReasonPaymentFailed)
	if h.node.SentCount() != 1 {
		t.Fatalf("redelivery must not pay again, sent %d", h.node.SentCount())
	}
}

func TestWithdrawConnectorErrorIsRefunded(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	pr, _ := h.externalPayReq(500_000)
	h.node.PayFunc = func(string, int64) (lightning.Payment, error) {
		return lightning.Payment{}, fmt.Errorf("%w: no active channels", lightning.ErrConnector)
	}

	res := withdraw(h, "w-1", 1, money.BTC, pr)
	expectResult(t, res, StateRejected, ReasonConnector)
	h.assertBalance(t, 1, money.BTC, "0.00001")
}

func TestWithdrawRetryAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	pr, hash := h.externalPayReq(500_000)
	h.node.PayFunc = func(string, int64) (lightning.Payment, error) {
		return lightning.Payment{Status: lightning.PaymentFailed}, nil
	}
	expectResult(t, withdraw(h, "w-1", 1, money.BTC, pr), StateRejected, ReasonPaymentFailed)

	h.node.PayFunc = nil
	res := withdraw(h, "w-2", 1, money.BTC, pr)
	expectResult(t, res, StateCommitted, "")
	expectInvoiceStatus(t, h, hash, false, models.InvoiceSettled)
	inv, _ := h.book.Invoice(hash, false)
	if inv.SummaryTxID == nil || *inv.SummaryTxID != res.SummaryTxID {
		t.Fatalf("expected the invoice to point at the retried payment")
	}

	expectResult(t, withdraw(h, "w-3", 1, money.BTC, pr), StateRejected, ReasonAlreadyPaid)
}

func TestWithdrawUnknownOutcomeStaysPending(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	pr, hash := h.externalPayReq(500_000)
	h.node.PayFunc = func(string, int64) (lightning.Payment, error) {
		return lightning.Payment{Status: lightning.PaymentUnknown}, fmt.Errorf("%w: stream closed", lightning.ErrUnknownOutcome)
	}

	res := withdraw(h, "w-1", 1, money.BTC, pr)
	expectResult(t, res, StatePending, ReasonUnknownOutcome)
	h.assertBalance(t, 1, money.BTC, "0.000004935")
	expectInvoiceStatus(t, h, hash, false, models.InvoicePending)
	if !h.audit.has("payment.outcome_unknown") {
		t.Fatalf("expected the unknown outcome to be audited")
	}
	pending, err := h.p.PendingPayments(context.Background())
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending payment, got %d (%v)", len(pending), err)
	}

	h.node.Payments[hash] = lightning.Payment{PaymentHash: hash, Status: lightning.PaymentInFlight}
	inv, err := h.p.ReconcilePayment(context.Background(), "ops", hash)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if inv.Status != models.InvoicePending {
		t.Fatalf("in-flight payment must stay pending, got %s", inv.Status)
	}

	h.node.Payments[hash] = lightning.Payment{PaymentHash: hash, Status: lightning.PaymentFailed}
	inv, err = h.p.ReconcilePayment(context.Background(), "ops", hash)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if inv.Status != models.InvoiceFailed {
		t.Fatalf("expected a failed payment, got %s", inv.Status)
	}
	h.assertBalance(t, 1, money.BTC, "0.00001")
	if !h.audit.has("payment.reconciled") {
		t.Fatalf("expected the reconciliation to be audited")
	}

	if _, err := h.p.ReconcilePayment(context.Background(), "ops", hash); err != nil {
		t.Fatalf("reconciling a resolved payment should be a no-op, got %v", err)
	}
	h.assertBalance(t, 1, money.BTC, "0.00001")
}

func TestReconcileSucceededPayment(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	pr, hash := h.externalPayReq(500_000)
	h.node.PayFunc = func(string, int64) (lightning.Payment, error) {
		return lightning.Payment{Status: lightning.PaymentInFlight}, nil
	}
	expectResult(t, withdraw(h, "w-1", 1, money.BTC, pr), StatePending, ReasonUnknownOutcome)

	h.node.Payments[hash] = lightning.Payment{PaymentHash: hash, Status: lightning.PaymentSucceeded, FeeMsat: 1000}
	inv, err := h.p.ReconcilePayment(context.Background(), "ops", hash)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if inv.Status != models.InvoiceSettled || inv.FeesMsat != 1000 {
		t.Fatalf("unexpected invoice after reconcile %#v", inv)
	}
	h.assertBalance(t, 1, money.BTC, "0.000004935")
	if got := h.systemBalance(t, models.ClassFees, money.BTC); !got.Equal(dec("0.000000055")) {
		t.Fatalf("unexpected fee account balance %s", got)
	}
}

func TestReconcileUnknownPayment(t *testing.T) {
	h := newHarness(t)
	if _, err := h.p.ReconcilePayment(context.Background(), "ops", "00"); err != lightning.ErrPaymentNotFound {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestWithdrawFiatFailureRestoresFiat(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.USD, "10")
	pr, _ := h.externalPayReq(500_000)
	var during string
	h.node.PayFunc = func(string, int64) (lightning.Payment, error) {
		during = h.balance(t, 1, money.USD).String()
		return lightning.Payment{Status: lightning.PaymentFailed}, nil
	}

	res := withdraw(h, "w-1", 1, money.USD, pr)
	expectResult(t, res, StateRejected, ReasonPaymentFailed)
	if during != "9.74675" {
		t.Fatalf("expected 0.25325 USD to be held during the payment, balance was %s", during)
	}
	h.assertBalance(t, 1, money.USD, "10")
	if got := h.systemBalance(t, models.ClassDealer, money.USD); !got.Equal(dec("-10")) {
		t.Fatalf("unexpected dealer USD balance %s", got)
	}
}

func TestWithdrawReserveBreachLeavesBalances(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	h.reserve.err = policy.ErrReserveBreached
	pr, hash := h.externalPayReq(500_000)

	expectResult(t, withdraw(h, "w-1", 1, money.BTC, pr), StateRejected, ReasonReserveBreached)
	h.assertBalance(t, 1, money.BTC, "0.00001")
	if h.node.SentCount() != 0 {
		t.Fatalf("nothing should reach the node")
	}
	if _, ok := h.book.Invoice(hash, false); ok {
		t.Fatalf("no outbound invoice should be stored")
	}
}

func TestWithdrawFeeCapExceeded(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	h.node.RouteFee = 1_000_000
	pr, _ := h.externalPayReq(500_000)

	expectResult(t, withdraw(h, "w-1", 1, money.BTC, pr), StateRejected, ReasonFeeCapExceeded)
	h.assertBalance(t, 1, money.BTC, "0.00001")
}

func TestWithdrawRateLimitedPerUser(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Policy) {
		d.Limiter = policy.NewMemoryBuckets(map[policy.Action]policy.Bucket{
			policy.ActionWithdrawal: {Capacity: 1, Interval: time.Hour},
		})
	})
	h.fund(t, 1, money.BTC, "0.0001")
	h.fund(t, 2, money.BTC, "0.0001")

	first, _ := h.externalPayReq(100_000)
	second, _ := h.externalPayReq(100_000)
	third, _ := h.externalPayReq(100_000)
	expectResult(t, withdraw(h, "w-1", 1, money.BTC, first), StateCommitted, "")
	expectResult(t, withdraw(h, "w-2", 1, money.BTC, second), StateRejected, ReasonRateLimited)
	expectResult(t, withdraw(h, "w-3", 2, money.BTC, third), StateCommitted, "")
}

func TestWithdrawRejectsBadPaymentRequests(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.00001")
	h.node.AddPayReq("lnbcrtexpired", lightning.PayReq{
		PaymentHash: "aa", AmountMsat: 1000, Timestamp: time.Now().Add(-2 * time.Hour), Expiry: time.Hour,
	})
	h.node.AddPayReq("lnbcrtzero", lightning.PayReq{
		PaymentHash: "bb", Timestamp: time.Now(), Expiry: time.Hour,
	})

	for _, pr := range []string{"lnbcrtexpired", "lnbcrtzero", "lnbcrtunknown"} {
		expectResult(t, withdraw(h, "w-"+pr, 1, money.BTC, pr), StateRejected, ReasonValidation)
	}
	if h.node.SentCount() != 0 {
		t.Fatalf("nothing should reach the node")
	}
}

func TestWithdrawOwnInvoiceIsSelfPayment(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")
	resp, _, ok := h.invoices.CreateInvoice(context.Background(), transport.KindInvoiceRequest, transport.DepositRequest{
		RequestID: "inv-1", UID: 1, Currency: money.BTC, Amount: dec("0.00001"),
	})
	if !ok {
		t.Fatalf("invoice not created")
	}

	expectResult(t, withdraw(h, "w-1", 1, money.BTC, resp.PaymentRequest), StateRejected, ReasonSelfPayment)
	h.assertBalance(t, 1, money.BTC, "0.001")
}

func TestWithdrawInternalInvoiceSettlesWithoutNode(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, money.BTC, "0.001")
	h.fund(t, 3, money.BTC, "0.001")
	resp, _, ok := h.invoices.CreateInvoice(context.Background(), transport.KindInvoiceRequest, transport.DepositRequest{
		RequestID: "inv-1", UID: 1, Currency: money.BTC, Amount: dec("0.00001"), Memo: "coffee",
	})
	if !ok {
		t.Fatalf("invoice not created")
	}

	res := withdraw(h, "w-1", 2, money.BTC, resp.PaymentRequest)
	expectResult(t, res, StateCommitted, "")
	if h.node.SentCount() != 0 {
		t.Fatalf("internal payments must not reach the node")
	}
	h.assertBalance(t, 1, money.BTC, "0.00001")
	h.assertBalance(t, 2, money.BTC, "0.00098999")
	expectInvoiceStatus(t, h, resp.PaymentHash, true, models.InvoiceSettled)

	expectResult(t, withdraw(h, "w-2", 3, money.BTC, resp.PaymentRequest), StateRejected, ReasonAlreadyPaid)
	h.assertBalance(t, 3, money.BTC, "0.001")
}

func TestWithdrawInternalInvoiceAcrossCurrencies(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, money.BTC, "0.001")
	resp, _, ok := h.invoices.CreateInvoice(context.Background(), transport.KindInvoiceRequest, transport.DepositRequest{
		RequestID: "inv-1", UID: 1, Currency: money.USD, Amount: dec("10"),
	})
	if !ok {
		t.Fatalf("invoice not created")
	}
	if resp.AmountMsat != 20_000_000 {
		t.Fatalf("expected 20000000 msat, got %d", resp.AmountMsat)
	}

	expectResult(t, withdraw(h, "w-1", 2, money.BTC, resp.PaymentRequest), StateCommitted, "")
	h.assertBalance(t, 1, money.USD, "10")
	h.assertBalance(t, 2, money.BTC, "0.0007998")
}

func TestWithdrawInternalExpiredInvoiceIsRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 2, money.BTC, "0.001")
	resp, _, ok := h.invoices.CreateInvoice(context.Background(), transport.KindInvoiceRequest, transport.DepositRequest{
		RequestID: "inv-1", UID: 1, Currency: money.BTC, Amount: dec("0.00001"),
	})
	if !ok {
		t.Fatalf("invoice not created")
	}
	if n, err := h.book.Invoices().ExpireStale(context.Background(), time.Now().Add(2*time.Hour)); err != nil || n != 1 {
		t.Fatalf("expected the invoice to expire, got %d %v", n, err)
	}

	expectResult(t, withdraw(h, "w-1", 2, money.BTC, resp.PaymentRequest), StateRejected, ReasonInvoiceExpired)
	h.assertBalance(t, 2, money.BTC, "0.001")
	h.assertBalance(t, 1, money.BTC, "0")
	expectInvoiceStatus(t, h, resp.PaymentHash, true, models.InvoiceExpired)
}

// rendezvousNode holds the first ChannelBalance caller until a second one
// arrives or a short wait passes, so two reserve checks made outside the
// commit would both read the balance before either withdrawal lands.
type rendezvousNode struct {
	*lightningtest.Node
	arrived chan struct{}
}

func (n *rendezvousNode) ChannelBalance(ctx context.Context) (decimal.Decimal, error) {
	select {
	case n.arrived <- struct{}{}:
	default:
		select {
		case <-n.arrived:
		case <-time.After(200 * time.Millisecond):
		}
	}
	return n.Node.ChannelBalance(ctx)
}

func TestConcurrentWithdrawalsCannotBothPassReserve(t *testing.T) {
	h := newHarness(t)
	h.node.Channel = dec("0.5")
	h.p.reserve = policy.NewReserve(dec("0.5"), h.ledger, h.book.Invoices(), &rendezvousNode{Node: h.node, arrived: make(chan struct{})})
	h.fund(t, 1, money.BTC, "0.4")
	h.fund(t, 2, money.BTC, "0.4")

	// Either withdrawal alone keeps the ratio above 0.5; both together do not.
	prs := make([]string, 2)
	for i := range prs {
		prs[i], _ = h.externalPayReq(12_000_000_000)
	}
	results := make([]transport.RequestResult, 2)
	var wg sync.WaitGroup
	for i := range prs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = withdraw(h, fmt.Sprintf("w-%d", i), int64(i+1), money.BTC, prs[i])
		}()
	}
	wg.Wait()

	committed, breached := 0, 0
	for _, res := range results {
		switch {
		case res.State == string(StateCommitted):
			committed++
		case res.State == string(StateRejected) && res.Reason == ReasonReserveBreached:
			breached++
			h.assertBalance(t, res.UID, money.BTC, "0.4")
		default:
			t.Fatalf("unexpected result %#v", res)
		}
	}
	if committed != 1 || breached != 1 {
		t.Fatalf("expected one payout and one reserve rejection, got %d and %d", committed, breached)
	}
	if h.node.SentCount() != 1 {
		t.Fatalf("expected a single payment on the network, got %d", h.node.SentCount())
	}
}
