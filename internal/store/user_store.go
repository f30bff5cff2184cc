package store

import (
	"context"

	"lnbank/internal/models"
)

type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(ctx context.Context, tx Execer, user models.User) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (uid, username, is_internal)
		VALUES ($1, $2, $3)
		ON CONFLICT (uid) DO NOTHING
	`, user.UID, user.Username, user.IsInternal)
	return err
}

func (s *UserStore) GetByUID(ctx context.Context, uid int64) (models.User, error) {
	var row models.User
	err := s.db.GetContext(ctx, &row, `SELECT uid, username, is_internal, created_at FROM users WHERE uid = $1`, uid)
	return row, err
}
