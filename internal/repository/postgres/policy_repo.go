package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

// GetRules возвращает все правила тройки (агент, tool, scope) в порядке хранения.
// Пустой срез валиден, решение "нет правил" принимает движок.
func (s *Store) GetRules(ctx context.Context, agentID, tool, scope string) ([]domain.Rule, error) {
	query := `
		SELECT id, agent_id, tool, scope, require_reasoning, conditions, created_at, updated_at
		FROM rules
		WHERE agent_id = $1 AND tool = $2 AND scope = $3
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, agentID, tool, scope)
	if err != nil {
		return nil, fmt.Errorf("postgres: query rules: %w", err)
	}
	defer rows.Close()

	var results []domain.Rule
	for rows.Next() {
		var (
			r     domain.Rule
			level string
			conds []byte
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Tool, &r.Scope, &level, &conds, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan rule: %w", err)
		}
		r.RequireReasoning = domain.ReasoningLevel(level).Normalize()
		if len(conds) > 0 {
			if err := json.Unmarshal(conds, &r.Conditions); err != nil {
				return nil, fmt.Errorf("postgres: rule %s conditions: %w", r.ID, err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate rules: %w", err)
	}
	return results, nil
}

func (s *Store) GetTool(ctx context.Context, name string) (*domain.Tool, error) {
	query := `SELECT name, description, scopes, created_at FROM tools WHERE name = $1`

	t, err := scanTool(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get tool: %w", err)
	}
	return t, nil
}

// ListTools: "холодная загрузка" каталога для кэша в памяти.
func (s *Store) ListTools(ctx context.Context) ([]domain.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, description, scopes, created_at FROM tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tools: %w", err)
	}
	defer rows.Close()

	var results []domain.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan tool: %w", err)
		}
		results = append(results, *t)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTool(row rowScanner) (*domain.Tool, error) {
	var (
		t      domain.Tool
		scopes []byte
	)
	if err := row.Scan(&t.Name, &t.Description, &scopes, &t.CreatedAt); err != nil {
		return nil, err
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
			return nil, fmt.Errorf("tool %s scopes: %w", t.Name, err)
		}
	}
	return &t, nil
}
