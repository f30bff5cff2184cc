package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lnbank/internal/config"
	"lnbank/internal/ledger"
	"lnbank/internal/middleware"
	"lnbank/internal/models"
	"lnbank/internal/store"
	"lnbank/internal/websocket"
)

const testToken = "operator-secret"

type stubLedger struct {
	balancesFn  func(ctx context.Context, uid int64) ([]models.Account, error)
	reconcileFn func(ctx context.Context) (ledger.Report, error)
}

func (s stubLedger) Balances(ctx context.Context, uid int64) ([]models.Account, error) {
	if s.balancesFn == nil {
		return nil, nil
	}
	return s.balancesFn(ctx, uid)
}

func (s stubLedger) Reconcile(ctx context.Context) (ledger.Report, error) {
	if s.reconcileFn == nil {
		return ledger.Report{}, nil
	}
	return s.reconcileFn(ctx)
}

type stubUserStore struct {
	getFn func(ctx context.Context, uid int64) (models.User, error)
}

func (s stubUserStore) GetByUID(ctx context.Context, uid int64) (models.User, error) {
	if s.getFn == nil {
		return models.User{UID: uid, Username: "user"}, nil
	}
	return s.getFn(ctx, uid)
}

type stubPayments struct {
	pendingFn   func(ctx context.Context) ([]models.Invoice, error)
	reconcileFn func(ctx context.Context, actor, paymentHash string) (models.Invoice, error)
}

func (s stubPayments) PendingPayments(ctx context.Context) ([]models.Invoice, error) {
	if s.pendingFn == nil {
		return nil, nil
	}
	return s.pendingFn(ctx)
}

func (s stubPayments) ReconcilePayment(ctx context.Context, actor, paymentHash string) (models.Invoice, error) {
	if s.reconcileFn == nil {
		return models.Invoice{}, nil
	}
	return s.reconcileFn(ctx, actor, paymentHash)
}

type stubInvoiceStore struct {
	listByUserFn func(ctx context.Context, uid int64, limit, offset int) ([]models.Invoice, error)
}

func (s stubInvoiceStore) ListByUser(ctx context.Context, uid int64, limit, offset int) ([]models.Invoice, error) {
	if s.listByUserFn == nil {
		return nil, nil
	}
	return s.listByUserFn(ctx, uid, limit, offset)
}

type stubTransactionStore struct {
	listByUserFn func(ctx context.Context, uid int64, limit, offset int) ([]models.SummaryTransaction, error)
}

func (s stubTransactionStore) ListByUser(ctx context.Context, uid int64, limit, offset int) ([]models.SummaryTransaction, error) {
	if s.listByUserFn == nil {
		return nil, nil
	}
	return s.listByUserFn(ctx, uid, limit, offset)
}

type stubAuditStore struct {
	listFn func(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error)
}

func (s stubAuditStore) List(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error) {
	if s.listFn == nil {
		return nil, nil
	}
	return s.listFn(ctx, action, limit, offset)
}

func newTestHandler(d Deps) *Handler {
	if d.Ledger == nil {
		d.Ledger = stubLedger{}
	}
	if d.Users == nil {
		d.Users = stubUserStore{}
	}
	if d.Payments == nil {
		d.Payments = stubPayments{}
	}
	if d.Invoices == nil {
		d.Invoices = stubInvoiceStore{}
	}
	if d.Transactions == nil {
		d.Transactions = stubTransactionStore{}
	}
	if d.Audit == nil {
		d.Audit = stubAuditStore{}
	}
	if d.Hub == nil {
		d.Hub = websocket.NewHub()
	}
	return New(config.Config{AllowedOrigins: "*", OperatorToken: testToken}, d)
}

// serve routes req through the full router with operator credentials.
func serve(h *Handler, req *http.Request, actor string) *httptest.ResponseRecorder {
	req.Header.Set("Authorization", "Bearer "+testToken)
	if actor != "" {
		req.Header.Set(middleware.OperatorHeader, actor)
	}
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
