package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

const agentColumns = `id, name, credential_hash, enabled, rate_limit, created_at, updated_at`

func (s *Store) GetAgentByID(ctx context.Context, id string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return s.getAgent(ctx, query, id)
}

// GetAgentByCredentialHash ищет агента по хэшу API-ключа. Сам ключ в базе не хранится.
func (s *Store) GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE credential_hash = $1`
	return s.getAgent(ctx, query, hash)
}

func (s *Store) getAgent(ctx context.Context, query, arg string) (*domain.Agent, error) {
	var (
		a         domain.Agent
		rateLimit sql.NullInt32
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&a.ID, &a.Name, &a.CredentialHash, &a.Enabled, &rateLimit, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	if rateLimit.Valid {
		limit := int(rateLimit.Int32)
		a.RateLimit = &limit
	}
	return &a, nil
}
