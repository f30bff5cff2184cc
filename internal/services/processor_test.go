package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lnbank/internal/dealer"
	"lnbank/internal/ledger"
	"lnbank/internal/ledger/ledgertest"
	"lnbank/internal/lightning"
	"lnbank/internal/lightning/lightningtest"
	"lnbank/internal/models"
	"lnbank/internal/money"
	"lnbank/internal/policy"
	"lnbank/internal/store"
	"lnbank/internal/transport"
	"lnbank/internal/websocket"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// quoteDesk answers quote requests at fixed rates and records everything
// published through it.
type quoteDesk struct {
	mu     sync.Mutex
	client *dealer.Client
	rates  map[money.Pair]decimal.Decimal
	ttl    time.Duration
	silent bool
	sent   map[transport.Channel][]transport.Envelope
}

func (d *quoteDesk) Publish(_ context.Context, ch transport.Channel, env transport.Envelope) error {
	d.mu.Lock()
	d.sent[ch] = append(d.sent[ch], env)
	silent, ttl := d.silent, d.ttl
	d.mu.Unlock()
	if env.Kind != transport.KindQuoteRequest || silent {
		return nil
	}
	var req transport.QuoteRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	d.mu.Lock()
	rate := d.rates[req.Pair]
	d.mu.Unlock()
	go d.client.HandleResponse(transport.QuoteResponse{
		CorrelationID: req.CorrelationID,
		Rate:          rate,
		Expiry:        time.Now().Add(ttl),
	})
	return nil
}

func (d *quoteDesk) count(ch transport.Channel, kind transport.Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, env := range d.sent[ch] {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

type stubReserve struct {
	err error
}

func (r *stubReserve) Guard(decimal.Decimal) ledger.Guard {
	return func(context.Context, store.Tx) error {
		if r.err != nil {
			return ledger.Reject(r.err)
		}
		return nil
	}
}

type stubAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *stubAudit) Log(_ context.Context, _ store.Execer, _, action, _, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
	return nil
}

func (a *stubAudit) has(action string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.actions {
		if got == action {
			return true
		}
	}
	return false
}

type stubHub struct {
	mu      sync.Mutex
	updates map[int64]int
}

func (h *stubHub) BroadcastBalance(uid int64, _ websocket.BalanceUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates[uid]++
}

type recordingObserver struct {
	mu       sync.Mutex
	requests []string
	payments []string
}

func (o *recordingObserver) ObserveRequest(kind, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, kind+"/"+outcome)
}

func (o *recordingObserver) ObservePayment(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.payments = append(o.payments, status)
}

type harness struct {
	p        *Processor
	invoices *InvoiceService
	ledger   *ledger.Ledger
	book     *ledgertest.Book
	node     *lightningtest.Node
	desk     *quoteDesk
	reserve  *stubReserve
	audit    *stubAudit
	hub      *stubHub
	payreqs  int
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newHarness(t *testing.T, opts ...func(*Deps, *Policy)) *harness {
	t.Helper()
	book := ledgertest.NewBook()
	l := ledger.New(book, book.Accounts(), book.Ledger(), book.Summaries(), book.Users())
	if err := l.Bootstrap(context.Background(), money.Supported()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	desk := &quoteDesk{
		rates: map[money.Pair]decimal.Decimal{
			{From: money.BTC, To: money.USD}: dec("50000"),
			{From: money.USD, To: money.BTC}: dec("0.00002"),
		},
		ttl:  time.Minute,
		sent: make(map[transport.Channel][]transport.Envelope),
	}
	desk.client = dealer.NewClient(desk, 200*time.Millisecond, time.Second, zap.NewNop(), nil)
	h := &harness{
		ledger:  l,
		book:    book,
		node:    lightningtest.NewNode(dec("10")),
		desk:    desk,
		reserve: &stubReserve{},
		audit:   &stubAudit{},
		hub:     &stubHub{updates: make(map[int64]int)},
	}
	deps := Deps{
		Ledger:    l,
		Quotes:    desk.client,
		Reserve:   h.reserve,
		Limiter:   policy.NewMemoryBuckets(nil),
		Node:      h.node,
		Invoices:  book.Invoices(),
		Summaries: book.Summaries(),
		Legs:      book.Ledger(),
		Onchain:   book.Onchain(),
		Audit:     h.audit,
		Lnurls:    book.Lnurls(),
		Hub:       h.hub,
		Notifier:  desk,
		Logger:    zap.NewNop(),
	}
	pol := Policy{
		InternalTxFee:      dec("0.001"),
		ExternalTxFee:      dec("0.001"),
		LNNetworkFeeMargin: dec("0.01"),
		LNNetworkMaxFee:    dec("0.05"),
		PaymentTimeout:     time.Second,
		InvoiceExpiry:      time.Hour,
		ReserveRatio:       dec("0.2"),
		LnurlCallbackURL:   "https://bank.example/lnurl_withdrawal",
		LnurlPayURL:        "https://bank.example/lnurl_withdrawal/pay",
		LnurlExpiry:        time.Hour,
	}
	for _, opt := range opts {
		opt(&deps, &pol)
	}
	h.p = NewProcessor(deps, pol)
	h.invoices = NewInvoiceService(h.p, zap.NewNop())
	return h
}

func (h *harness) account(t *testing.T, uid int64, c money.Currency) models.Account {
	t.Helper()
	acc, err := h.ledger.EnsureAccount(context.Background(), uid, c)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return acc
}

func (h *harness) fund(t *testing.T, uid int64, c money.Currency, amount string) {
	t.Helper()
	from := models.ClassLiabilities
	if c.IsFiat() {
		from = models.ClassDealer
	}
	h.book.Fund(h.account(t, uid, c).ID, from, dec(amount))
}

func (h *harness) balance(t *testing.T, uid int64, c money.Currency) decimal.Decimal {
	t.Helper()
	return h.book.Account(h.account(t, uid, c).ID).Balance
}

func (h *harness) systemBalance(t *testing.T, class models.AccountClass, c money.Currency) decimal.Decimal {
	t.Helper()
	acc, err := h.ledger.SystemAccount(class, c)
	if err != nil {
		t.Fatalf("system account: %v", err)
	}
	return h.book.Account(acc.ID).Balance
}

func (h *harness) assertBalance(t *testing.T, uid int64, c money.Currency, want string) {
	t.Helper()
	if got := h.balance(t, uid, c); !got.Equal(dec(want)) {
		t.Fatalf("uid %d %s balance: expected %s, got %s", uid, c, want, got)
	}
}

// externalPayReq registers a payment request for a remote node.
func (h *harness) externalPayReq(msat int64) (string, string) {
	h.payreqs++
	pr := fmt.Sprintf("lnbcrt%dremote%d", msat, h.payreqs)
	sum := sha256.Sum256([]byte(pr))
	hash := hex.EncodeToString(sum[:])
	h.node.AddPayReq(pr, lightning.PayReq{
		Destination: "remote",
		PaymentHash: hash,
		AmountMsat:  msat,
		Timestamp:   time.Now(),
		Expiry:      time.Hour,
	})
	return pr, hash
}

func expectResult(t *testing.T, res transport.RequestResult, state State, reason string) {
	t.Helper()
	if res.State != string(state) || res.Reason != reason {
		t.Fatalf("expected %s/%q, got %s/%q (%s)", state, reason, res.State, res.Reason, res.Message)
	}
}

func TestTransferChargesInternalFee(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")

	res := h.p.Transfer(context.Background(), transport.TransferRequest{
		RequestID: "req-1", UID: 1, ToUID: 2, Currency: money.BTC, Amount: dec("0.0005"),
	})
	expectResult(t, res, StateCommitted, "")
	if !res.Fees.Equal(dec("0.0000005")) {
		t.Fatalf("unexpected fee %s", res.Fees)
	}
	h.assertBalance(t, 1, money.BTC, "0.0004995")
	h.assertBalance(t, 2, money.BTC, "0.0005")
	if got := h.systemBalance(t, models.ClassFees, money.BTC); !got.Equal(dec("0.0000005")) {
		t.Fatalf("unexpected fee account balance %s", got)
	}
	if h.desk.count(transport.ChannelNostr, transport.KindNotification) != 1 {
		t.Fatalf("expected a notification for the recipient")
	}
	if h.hub.updates[1] == 0 || h.hub.updates[2] == 0 {
		t.Fatalf("expected balance pushes for both users, got %v", h.hub.updates)
	}
}

func TestTransferRedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")
	req := transport.TransferRequest{RequestID: "req-1", UID: 1, ToUID: 2, Currency: money.BTC, Amount: dec("0.0005")}

	first := h.p.Transfer(context.Background(), req)
	second := h.p.Transfer(context.Background(), req)
	expectResult(t, second, StateCommitted, "")
	if second.SummaryTxID != first.SummaryTxID {
		t.Fatalf("expected the original summary, got %s and %s", first.SummaryTxID, second.SummaryTxID)
	}
	h.assertBalance(t, 2, money.BTC, "0.0005")
	if h.book.SummaryCount() != 1 {
		t.Fatalf("expected one summary, got %d", h.book.SummaryCount())
	}
}

func TestTransferRejections(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")

	cases := []struct {
		name   string
		req    transport.TransferRequest
		reason string
	}{
		{"to self", transport.TransferRequest{RequestID: "a", UID: 1, ToUID: 1, Currency: money.BTC, Amount: dec("0.0001")}, ReasonValidation},
		{"to the bank", transport.TransferRequest{RequestID: "b", UID: 1, ToUID: models.BankUID, Currency: money.BTC, Amount: dec("0.0001")}, ReasonValidation},
		{"too many decimals", transport.TransferRequest{RequestID: "c", UID: 1, ToUID: 2, Currency: money.USD, Amount: dec("0.000001")}, ReasonValidation},
		{"unfunded", transport.TransferRequest{RequestID: "d", UID: 1, ToUID: 2, Currency: money.BTC, Amount: dec("0.01")}, ReasonInsufficient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expectResult(t, h.p.Transfer(context.Background(), tc.req), StateRejected, tc.reason)
		})
	}
	h.assertBalance(t, 1, money.BTC, "0.001")
	if h.book.SummaryCount() != 0 {
		t.Fatalf("rejected transfers must not persist anything")
	}
}

func TestSwapBTCToFiat(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")

	res := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-1", UID: 1, From: money.BTC, To: money.USD, Amount: dec("0.001"),
	})
	expectResult(t, res, StateCommitted, "")
	h.assertBalance(t, 1, money.BTC, "0")
	h.assertBalance(t, 1, money.USD, "50")
	if got := h.systemBalance(t, models.ClassDealer, money.USD); !got.Equal(dec("-50")) {
		t.Fatalf("unexpected dealer USD balance %s", got)
	}
	if h.desk.count(transport.ChannelDealer, transport.KindBankState) != 1 {
		t.Fatalf("expected bank state to be published after a swap")
	}
	state, err := h.p.BankState(context.Background())
	if err != nil {
		t.Fatalf("bank state: %v", err)
	}
	if !state.Exposures[money.USD].Equal(dec("50")) {
		t.Fatalf("unexpected USD exposure %s", state.Exposures[money.USD])
	}
}

func TestSwapQuoteTimeoutPersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")
	h.desk.silent = true

	res := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-1", UID: 1, From: money.BTC, To: money.USD, Amount: dec("0.001"),
	})
	expectResult(t, res, StateRejected, ReasonQuoteTimeout)
	h.assertBalance(t, 1, money.BTC, "0.001")
	h.assertBalance(t, 1, money.USD, "0")
	if h.book.SummaryCount() != 0 {
		t.Fatalf("expected no summary after a timeout")
	}
}

func TestSwapExpiredQuoteIsRejected(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")
	// Valid on arrival but inside the commit margin.
	h.desk.ttl = 100 * time.Millisecond

	res := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-1", UID: 1, From: money.BTC, To: money.USD, Amount: dec("0.001"),
	})
	expectResult(t, res, StateRejected, ReasonQuoteExpired)
	h.assertBalance(t, 1, money.BTC, "0.001")
	if h.book.SummaryCount() != 0 {
		t.Fatalf("expected no summary after an expired quote")
	}
}

func TestSwapInsufficientFundsSkipsQuote(t *testing.T) {
	h := newHarness(t)

	res := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-1", UID: 1, From: money.USD, To: money.BTC, Amount: dec("10"),
	})
	expectResult(t, res, StateRejected, ReasonInsufficient)
	if n := h.desk.count(transport.ChannelDealer, transport.KindQuoteRequest); n != 0 {
		t.Fatalf("expected no quote request, got %d", n)
	}
}

func TestSwapRejectsDustAndFiatPairs(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.001")
	h.fund(t, 1, money.USD, "10")

	dust := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-1", UID: 1, From: money.BTC, To: money.USD, Amount: dec("0.00000000001"),
	})
	expectResult(t, dust, StateRejected, ReasonValidation)

	fiat := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-2", UID: 1, From: money.USD, To: money.EUR, Amount: dec("1"),
	})
	expectResult(t, fiat, StateRejected, ReasonValidation)
}

func TestSwapRiskLimit(t *testing.T) {
	h := newHarness(t, func(_ *Deps, p *Policy) {
		p.RiskTolerances = map[money.Currency]decimal.Decimal{money.USD: dec("40")}
	})
	h.fund(t, 1, money.BTC, "0.001")

	res := h.p.Swap(context.Background(), transport.SwapRequest{
		RequestID: "swap-1", UID: 1, From: money.BTC, To: money.USD, Amount: dec("0.001"),
	})
	expectResult(t, res, StateRejected, ReasonRiskLimit)
	h.assertBalance(t, 1, money.BTC, "0.001")
}

func TestBalances(t *testing.T) {
	h := newHarness(t)
	h.fund(t, 1, money.BTC, "0.5")
	h.account(t, 1, money.USD)

	out, err := h.p.Balances(context.Background(), transport.GetBalances{RequestID: "b-1", UID: 1})
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if out.RequestID != "b-1" || len(out.Accounts) != 2 {
		t.Fatalf("unexpected balances %#v", out)
	}
	for _, acc := range out.Accounts {
		if acc.Currency == money.BTC && !acc.Balance.Equal(dec("0.5")) {
			t.Fatalf("unexpected BTC balance %s", acc.Balance)
		}
	}
}

func TestAcknowledgeObservesOutcome(t *testing.T) {
	obs := &recordingObserver{}
	h := newHarness(t, func(d *Deps, _ *Policy) { d.Observer = obs })

	h.p.Acknowledge(transport.RequestResult{Kind: transport.KindTransferRequest, State: string(StateCommitted)}, time.Millisecond)
	h.p.Acknowledge(transport.RequestResult{Kind: transport.KindSwapRequest, State: string(StateRejected), Reason: ReasonQuoteTimeout}, time.Millisecond)

	want := []string{"TransferRequest/committed", "SwapRequest/" + ReasonQuoteTimeout}
	if len(obs.requests) != len(want) {
		t.Fatalf("expected %v, got %v", want, obs.requests)
	}
	for i := range want {
		if obs.requests[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, obs.requests)
		}
	}
}

func TestReasonCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{invalid("bad"), ReasonValidation},
		{money.ErrTooManyDecimals, ReasonValidation},
		{ledger.ErrInsufficientFunds, ReasonInsufficient},
		{policy.ErrReserveBreached, ReasonReserveBreached},
		{policy.ErrRateLimited, ReasonRateLimited},
		{dealer.ErrQuoteTimeout, ReasonQuoteTimeout},
		{fmt.Errorf("%w: dealer busy", dealer.ErrQuoteRejected), ReasonQuoteRejected},
		{&ledger.PersistenceError{Op: "commit", Err: errors.New("conn reset")}, ReasonPersistence},
		{fmt.Errorf("%w: %w", lightning.ErrConnector, lightning.ErrUnknownOutcome), ReasonUnknownOutcome},
		{fmt.Errorf("%w: unavailable", lightning.ErrConnector), ReasonConnector},
		{ErrSelfPayment, ReasonSelfPayment},
		{ErrInvoiceExpired, ReasonInvoiceExpired},
		{ledger.ErrDuplicateRequest, ReasonDuplicate},
		{ErrRequestNotFound, ReasonRequestNotFound},
		{ErrNoRouteFound, ReasonNoRouteFound},
		{ErrAboveWithdrawable, ReasonAboveMaximum},
		{errors.New("boom"), ReasonInternal},
	}
	for _, tc := range cases {
		if got := ReasonCode(tc.err); got != tc.want {
			t.Fatalf("ReasonCode(%v): expected %q, got %q", tc.err, tc.want, got)
		}
	}
}
