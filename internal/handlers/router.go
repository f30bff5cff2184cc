package handlers

import (
	"net/http"
	"strings"

	"lnbank/internal/config"
	"lnbank/internal/middleware"
	"lnbank/internal/observability"
	"lnbank/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Deps struct {
	Ledger       Ledger
	Users        UserStore
	Payments     Payments
	Invoices     InvoiceStore
	Transactions TransactionStore
	Audit        AuditStore
	Hub          *websocket.Hub
	Metrics      http.Handler
	Logger       *zap.Logger
}

// Handler serves the operator surface. Customer traffic never reaches the
// bank over HTTP; it arrives as messages.
type Handler struct {
	cfg          config.Config
	ledger       Ledger
	users        UserStore
	payments     Payments
	invoices     InvoiceStore
	transactions TransactionStore
	audit        AuditStore
	hub          *websocket.Hub
	metrics      http.Handler
	logger       *zap.Logger
	upgrader     gorilla.Upgrader
}

func New(cfg config.Config, d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:          cfg,
		ledger:       d.Ledger,
		users:        d.Users,
		payments:     d.Payments,
		invoices:     d.Invoices,
		transactions: d.Transactions,
		audit:        d.Audit,
		hub:          d.Hub,
		metrics:      d.Metrics,
		logger:       logger,
		upgrader:     websocket.Upgrader(origins(cfg.AllowedOrigins)),
	}
}

func origins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(observability.ZapLoggerMiddleware(h.logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins(h.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", middleware.OperatorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		router.Handle("/metrics", h.metrics)
	}
	router.With(middleware.Operator(h.cfg.OperatorToken)).Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Operator(h.cfg.OperatorToken))
		r.Get("/accounts/{uid}", h.GetBalances)
		r.Get("/accounts/{uid}/invoices", h.ListInvoices)
		r.Get("/accounts/{uid}/transactions", h.ListTransactions)
		r.Get("/reconcile", h.Reconcile)
		r.Get("/payments/pending", h.PendingPayments)
		r.With(middleware.RequireActor).Post("/payments/{hash}/reconcile", h.ReconcilePayment)
		r.Get("/audit", h.ListAuditLogs)
	})
	return router
}
