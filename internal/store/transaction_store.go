package store

import (
	"context"

	"lnbank/internal/models"
)

// TransactionStore persists summary transactions, the customer-facing view
// over one to three physical legs.
type TransactionStore struct {
	db DB
}

const summaryColumns = `txid, request_id, fee_txid, outbound_txid, inbound_txid, created_at,
	outbound_account_id, outbound_uid, outbound_amount, outbound_currency,
	inbound_account_id, inbound_uid, inbound_amount, inbound_currency,
	exchange_rate, tx_type, fees, reference`

func NewTransactionStore(db DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Create fails with a unique violation when the request id was already used.
func (s *TransactionStore) Create(ctx context.Context, tx Execer, summary models.SummaryTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO summary_transactions (`+summaryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		summary.ID, summary.RequestID, summary.FeeTxID, summary.OutboundTxID, summary.InboundTxID, summary.CreatedAt,
		summary.OutboundAccountID, summary.OutboundUID, summary.OutboundAmount, summary.OutboundCurrency,
		summary.InboundAccountID, summary.InboundUID, summary.InboundAmount, summary.InboundCurrency,
		summary.ExchangeRate, summary.Kind, summary.Fees, summary.Reference,
	)
	return err
}

func (s *TransactionStore) GetByID(ctx context.Context, txid string) (models.SummaryTransaction, error) {
	var row models.SummaryTransaction
	err := s.db.GetContext(ctx, &row, `SELECT `+summaryColumns+` FROM summary_transactions WHERE txid = $1`, txid)
	return row, err
}

func (s *TransactionStore) GetByRequestID(ctx context.Context, requestID string) (models.SummaryTransaction, error) {
	var row models.SummaryTransaction
	err := s.db.GetContext(ctx, &row, `SELECT `+summaryColumns+` FROM summary_transactions WHERE request_id = $1`, requestID)
	return row, err
}

func (s *TransactionStore) ListByUser(ctx context.Context, uid int64, limit, offset int) ([]models.SummaryTransaction, error) {
	var rows []models.SummaryTransaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+summaryColumns+`
		FROM summary_transactions
		WHERE outbound_uid = $1 OR inbound_uid = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, uid, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *TransactionStore) ListAll(ctx context.Context, limit, offset int) ([]models.SummaryTransaction, error) {
	var rows []models.SummaryTransaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+summaryColumns+`
		FROM summary_transactions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// LegIDs lists the physical transactions a summary references.
func LegIDs(summary models.SummaryTransaction) []string {
	ids := make([]string, 0, 3)
	for _, id := range []*string{summary.OutboundTxID, summary.InboundTxID, summary.FeeTxID} {
		if id == nil || *id == "" || (len(ids) > 0 && ids[len(ids)-1] == *id) {
			continue
		}
		ids = append(ids, *id)
	}
	return ids
}
