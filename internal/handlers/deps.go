package handlers

import (
	"context"

	"lnbank/internal/ledger"
	"lnbank/internal/models"
	"lnbank/internal/store"
)

type Ledger interface {
	Balances(ctx context.Context, uid int64) ([]models.Account, error)
	Reconcile(ctx context.Context) (ledger.Report, error)
}

type UserStore interface {
	GetByUID(ctx context.Context, uid int64) (models.User, error)
}

type Payments interface {
	PendingPayments(ctx context.Context) ([]models.Invoice, error)
	ReconcilePayment(ctx context.Context, actor, paymentHash string) (models.Invoice, error)
}

type InvoiceStore interface {
	ListByUser(ctx context.Context, uid int64, limit, offset int) ([]models.Invoice, error)
}

type TransactionStore interface {
	ListByUser(ctx context.Context, uid int64, limit, offset int) ([]models.SummaryTransaction, error)
}

type AuditStore interface {
	List(ctx context.Context, action string, limit, offset int) ([]store.AuditEntry, error)
}
