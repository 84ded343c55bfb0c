package postgres

import (
	"context"
	"fmt"
)

func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("postgres: check revoked token: %w", err)
	}
	return revoked, nil
}

// RecordRevokedToken идемпотентен: повторный отзыв того же jti не ошибка.
func (s *Store) RecordRevokedToken(ctx context.Context, jti string) error {
	query := `INSERT INTO revoked_tokens (jti, revoked_at) VALUES ($1, NOW()) ON CONFLICT (jti) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, jti); err != nil {
		return fmt.Errorf("postgres: revoke token: %w", err)
	}
	return nil
}
