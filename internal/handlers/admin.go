package handlers

import (
	"errors"
	"net/http"

	"lnbank/internal/ledger"
	"lnbank/internal/lightning"
	"lnbank/internal/middleware"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Reconcile runs the ledger checks on demand. A failing report is returned
// with 409 so scripted checks can key off the status alone.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context())
	if err != nil {
		h.logger.Error("reconcile", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to reconcile balances")
		return
	}
	status := http.StatusOK
	if !report.OK() {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]any{"ok": report.OK(), "report": report})
}

func (h *Handler) PendingPayments(w http.ResponseWriter, r *http.Request) {
	rows, err := h.payments.PendingPayments(r.Context())
	if err != nil {
		h.logger.Error("list pending payments", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to load pending payments")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) ReconcilePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusForbidden, "operator name required")
		return
	}
	hash, err := parsePaymentHash(chi.URLParam(r, "hash"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	inv, err := h.payments.ReconcilePayment(r.Context(), actor, hash)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, inv)
	case errors.Is(err, lightning.ErrPaymentNotFound):
		respondError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, lightning.ErrConnector):
		h.logger.Warn("payment lookup failed", zap.String("payment_hash", hash), zap.Error(err))
		respondError(w, http.StatusBadGateway, "lightning node unavailable")
	case errors.Is(err, ledger.ErrPersistence):
		h.logger.Error("payment reconciliation", zap.String("payment_hash", hash), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to book payment outcome")
	default:
		h.logger.Error("payment reconciliation", zap.String("payment_hash", hash), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to reconcile payment")
	}
}

func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r.URL.Query())
	rows, err := h.audit.List(r.Context(), r.URL.Query().Get("action"), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load audit logs")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}
