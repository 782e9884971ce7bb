package profile

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore 从用户表解析资料
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Resolve(ctx context.Context, userID string) (Profile, error) {
	const q = `SELECT gender, nickname FROM users WHERE id = $1`
	p := Profile{UserID: userID}
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&p.Gender, &p.Nickname)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	return p, nil
}
