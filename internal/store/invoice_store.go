package store

import (
	"context"
	"time"

	"lnbank/internal/models"
	"lnbank/internal/money"

	"github.com/shopspring/decimal"
)

type InvoiceStore struct {
	db DB
}

const invoiceColumns = `payment_hash, payment_request, value, value_msat, expiry, created_at, settled, settled_at,
	add_index, account_id, uid, incoming, fees, currency, status, summary_txid, reserved_fee, description`

func NewInvoiceStore(db DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

func (s *InvoiceStore) Create(ctx context.Context, tx Execer, inv models.Invoice) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		inv.PaymentHash, inv.PaymentRequest, inv.Value, inv.ValueMsat, inv.Expiry, inv.CreatedAt, inv.Settled, inv.SettledAt,
		inv.AddIndex, inv.AccountID, inv.UID, inv.Incoming, inv.FeesMsat, inv.Currency, inv.Status, inv.SummaryTxID,
		inv.ReservedFee, inv.Description,
	)
	return err
}

// GetByHash reads through q, or the store's own DB when q is nil.
func (s *InvoiceStore) GetByHash(ctx context.Context, q Getter, paymentHash string, incoming bool) (models.Invoice, error) {
	if q == nil {
		q = s.db
	}
	var row models.Invoice
	err := q.GetContext(ctx, &row, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE payment_hash = $1 AND incoming = $2
	`, paymentHash, incoming)
	return row, err
}

func (s *InvoiceStore) GetByPaymentRequest(ctx context.Context, paymentRequest string) (models.Invoice, error) {
	var row models.Invoice
	err := s.db.GetContext(ctx, &row, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE payment_request = $1 AND incoming = TRUE
	`, paymentRequest)
	return row, err
}

// MarkSettled flips an incoming invoice to settled. Zero rows affected means
// it was settled before.
func (s *InvoiceStore) MarkSettled(ctx context.Context, tx Execer, paymentHash string, settledAt time.Time, addIndex int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET settled = TRUE, settled_at = $2, add_index = $3, status = $4
		WHERE payment_hash = $1 AND incoming = TRUE AND settled = FALSE
	`, paymentHash, settledAt, addIndex, models.InvoiceSettled)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Transition moves an outbound payment between states only if it is still in
// the expected one.
func (s *InvoiceStore) Transition(ctx context.Context, tx Execer, paymentHash string, from, to models.InvoiceStatus, feesMsat int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $3, fees = $4, settled = ($3 = 'Settled'), settled_at = CASE WHEN $3 = 'Settled' THEN NOW() ELSE settled_at END
		WHERE payment_hash = $1 AND incoming = FALSE AND status = $2
	`, paymentHash, from, to, feesMsat)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Reopen reuses a failed outbound payment row for a new attempt.
func (s *InvoiceStore) Reopen(ctx context.Context, tx Execer, inv models.Invoice) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2, uid = $3, account_id = $4, currency = $5, summary_txid = $6, reserved_fee = $7,
		    fees = 0, settled = FALSE, settled_at = NULL, created_at = $8
		WHERE payment_hash = $1 AND incoming = FALSE AND status = $9
	`, inv.PaymentHash, models.InvoicePending, inv.UID, inv.AccountID, inv.Currency, inv.SummaryTxID, inv.ReservedFee,
		inv.CreatedAt, models.InvoiceFailed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *InvoiceStore) ListOutboundByStatus(ctx context.Context, status models.InvoiceStatus) ([]models.Invoice, error) {
	var rows []models.Invoice
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE incoming = FALSE AND status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *InvoiceStore) ListByUser(ctx context.Context, uid int64, limit, offset int) ([]models.Invoice, error) {
	var rows []models.Invoice
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE uid = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, uid, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExpireStale marks open incoming invoices whose expiry has passed.
func (s *InvoiceStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2
		WHERE incoming = TRUE AND settled = FALSE AND status = $3
		  AND created_at + expiry * INTERVAL '1 second' < $1
	`, now, models.InvoiceExpired, models.InvoiceOpen)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbound is the BTC committed to outbound payments that have not
// resolved yet: their amounts plus the fees reserved for them.
func (s *InvoiceStore) PendingOutbound(ctx context.Context, q Getter) (decimal.Decimal, error) {
	if q == nil {
		q = s.db
	}
	var row struct {
		Msat int64           `db:"msat"`
		Fees decimal.Decimal `db:"fees"`
	}
	err := q.GetContext(ctx, &row, `
		SELECT COALESCE(SUM(value_msat), 0) AS msat, COALESCE(SUM(reserved_fee), 0) AS fees
		FROM invoices
		WHERE incoming = FALSE AND status = $1
	`, models.InvoicePending)
	if err != nil {
		return decimal.Zero, err
	}
	return money.FromMsat(row.Msat).Add(row.Fees), nil
}

// ResumeIndex is where an invoice subscription resumes after a restart: just
// before the oldest open incoming invoice, or after the newest one when none
// is open.
func (s *InvoiceStore) ResumeIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.db.GetContext(ctx, &idx, `
		SELECT COALESCE(
			(SELECT MIN(add_index) - 1 FROM invoices WHERE incoming = TRUE AND settled = FALSE AND status = 'Open'),
			(SELECT MAX(add_index) FROM invoices WHERE incoming = TRUE),
			0)`)
	return idx, err
}
