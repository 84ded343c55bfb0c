package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
)

//go:embed schema.sql
var schema string

// Store реализует хранилище шлюза на PostgreSQL: агенты, инструменты, правила, отзывы и аудит.
type Store struct {
	db *sql.DB
}

// Open открывает пул соединений через pgx stdlib.
func Open(cfg infra.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	maxConns := int(cfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)
	return New(db), nil
}

// New оборачивает готовый *sql.DB (в тестах это sqlmock).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping проверяет доступность базы при старте
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate создает таблицы, если их еще нет. Скрипт идемпотентен.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
