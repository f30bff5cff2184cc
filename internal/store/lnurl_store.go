package store

import (
	"context"
	"time"

	"lnbank/internal/models"
)

const lnurlColumns = `id, uid, currency, amount, max_msat, created_at, expires_at`

type LnurlStore struct {
	db DB
}

func NewLnurlStore(db DB) *LnurlStore {
	return &LnurlStore{db: db}
}

func (s *LnurlStore) Create(ctx context.Context, tx Execer, w models.LnurlWithdrawal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lnurl_withdrawals (`+lnurlColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, w.ID, w.UID, w.Currency, w.Amount, w.MaxMsat, w.CreatedAt, w.ExpiresAt)
	return err
}

// Get returns an offer that has not expired at now.
func (s *LnurlStore) Get(ctx context.Context, id string, now time.Time) (models.LnurlWithdrawal, error) {
	var row models.LnurlWithdrawal
	err := s.db.GetContext(ctx, &row, `
		SELECT `+lnurlColumns+`
		FROM lnurl_withdrawals
		WHERE id = $1 AND expires_at > $2
	`, id, now)
	return row, err
}

// Take removes an unexpired offer and returns it. A second Take of the same
// id finds nothing.
func (s *LnurlStore) Take(ctx context.Context, q Getter, id string, now time.Time) (models.LnurlWithdrawal, error) {
	if q == nil {
		q = s.db
	}
	var row models.LnurlWithdrawal
	err := q.GetContext(ctx, &row, `
		DELETE FROM lnurl_withdrawals
		WHERE id = $1 AND expires_at > $2
		RETURNING `+lnurlColumns, id, now)
	return row, err
}

func (s *LnurlStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lnurl_withdrawals WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
