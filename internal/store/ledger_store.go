package store

import (
	"context"

	"lnbank/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// LedgerStore persists the physical double-entry transactions.
type LedgerStore struct {
	db DB
}

const transactionColumns = `txid, created_at, outbound_account_id, outbound_uid, outbound_amount, outbound_currency,
	inbound_account_id, inbound_uid, inbound_amount, inbound_currency, exchange_rate, tx_type, fees`

func NewLedgerStore(db DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) InsertTransactions(ctx context.Context, tx Execer, txs []models.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	for _, t := range txs {
		if _, err := tx.ExecContext(ctx, query,
			t.ID, t.CreatedAt, t.OutboundAccountID, t.OutboundUID, t.OutboundAmount, t.OutboundCurrency,
			t.InboundAccountID, t.InboundUID, t.InboundAmount, t.InboundCurrency, t.ExchangeRate, t.Kind, t.Fees,
		); err != nil {
			return err
		}
	}
	return nil
}

// SumByAccount derives an account balance from its transaction history.
func (s *LedgerStore) SumByAccount(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.GetContext(ctx, &sum, `
		SELECT
			COALESCE((SELECT SUM(inbound_amount) FROM transactions WHERE inbound_account_id = $1), 0) -
			COALESCE((SELECT SUM(outbound_amount) FROM transactions WHERE outbound_account_id = $1), 0)
	`, accountID)
	return sum, err
}

func (s *LedgerStore) GetByIDs(ctx context.Context, q Selecter, ids []string) ([]models.Transaction, error) {
	var rows []models.Transaction
	if len(ids) == 0 {
		return rows, nil
	}
	if q == nil {
		q = s.db
	}
	err := q.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE txid = ANY($1)
		ORDER BY created_at
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *LedgerStore) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]models.Transaction, error) {
	var rows []models.Transaction
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE outbound_account_id = $1 OR inbound_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
