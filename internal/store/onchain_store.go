package store

import (
	"context"

	"lnbank/internal/models"
)

type OnchainStore struct {
	db DB
}

func NewOnchainStore(db DB) *OnchainStore {
	return &OnchainStore{db: db}
}

func (s *OnchainStore) RegisterAddress(ctx context.Context, tx Execer, addr models.BitcoinAddress) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO bitcoin_addresses (address, uid)
		VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING
	`, addr.Address, addr.UID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *OnchainStore) GetAddress(ctx context.Context, address string) (models.BitcoinAddress, error) {
	var row models.BitcoinAddress
	err := s.db.GetContext(ctx, &row, `SELECT address, uid FROM bitcoin_addresses WHERE address = $1`, address)
	return row, err
}

// Record stores a sighting of an on-chain transaction. Repeats are ignored.
func (s *OnchainStore) Record(ctx context.Context, tx Execer, otx models.OnchainTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO onchain_transactions (txid, uid, address, value_sats, is_settled)
		VALUES ($1, $2, $3, $4, FALSE)
		ON CONFLICT (txid) DO NOTHING
	`, otx.TxID, otx.UID, otx.Address, otx.ValueSats)
	return err
}

// MarkSettled returns zero rows when the transaction was already credited.
func (s *OnchainStore) MarkSettled(ctx context.Context, tx Execer, txid string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE onchain_transactions
		SET is_settled = TRUE
		WHERE txid = $1 AND is_settled = FALSE
	`, txid)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
