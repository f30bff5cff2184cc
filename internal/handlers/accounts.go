package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"lnbank/internal/websocket"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	uid, err := parseUID(chi.URLParam(r, "uid"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := h.users.GetByUID(r.Context(), uid)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "unknown user")
		return
	}
	if err != nil {
		h.logger.Error("load user", zap.Int64("uid", uid), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to load user")
		return
	}
	accounts, err := h.ledger.Balances(r.Context(), uid)
	if err != nil {
		h.logger.Error("load balances", zap.Int64("uid", uid), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to load balances")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"uid":         uid,
		"username":    user.Username,
		"is_internal": user.IsInternal,
		"accounts":    accounts,
	})
}

func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	uid, err := parseUID(chi.URLParam(r, "uid"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := page(r.URL.Query())
	rows, err := h.invoices.ListByUser(r.Context(), uid, limit, offset)
	if err != nil {
		h.logger.Error("list invoices", zap.Int64("uid", uid), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to load invoices")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	uid, err := parseUID(chi.URLParam(r, "uid"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := page(r.URL.Query())
	rows, err := h.transactions.ListByUser(r.Context(), uid, limit, offset)
	if err != nil {
		h.logger.Error("list transactions", zap.Int64("uid", uid), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "unable to load transactions")
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

// WSBalances streams balance updates for one user.
func (h *Handler) WSBalances(w http.ResponseWriter, r *http.Request) {
	uid, err := parseUID(r.URL.Query().Get("uid"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	websocket.ServeWS(w, r, h.upgrader, h.hub, uid)
}
