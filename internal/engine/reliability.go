package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra"
	"go.uber.org/zap"
)

// Storage: полный контракт хранилища шлюза.
type Storage interface {
	GetAgentByID(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error)
	GetTool(ctx context.Context, name string) (*domain.Tool, error)
	ListTools(ctx context.Context) ([]domain.Tool, error)
	GetRules(ctx context.Context, agentID, tool, scope string) ([]domain.Rule, error)
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	RecordRevokedToken(ctx context.Context, jti string) error
	WriteBatch(ctx context.Context, entries []audit.LogEntry) error
}

// ReliableStore оборачивает хранилище:
// - чтения на пути авторизации идут через Circuit Breaker, открытый предохранитель сразу дает ErrEngineUnavailable;
// - пакетная запись аудита повторяется с экспоненциальным бэкоффом через отдельный предохранитель.
type ReliableStore struct {
	next     Storage
	reads    *gobreaker.CircuitBreaker
	writes   *gobreaker.CircuitBreaker
	attempts uint
	logger   *zap.Logger
}

func NewReliableStore(next Storage, cfg infra.BreakerConfig, writeAttempts uint, metrics *Metrics, logger *zap.Logger) *ReliableStore {
	if writeAttempts == 0 {
		writeAttempts = 3
	}
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}

	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout, // Время, через которое CB попробует "закрыться"
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			// Отмена запроса клиентом: не сбой хранилища
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
				if metrics != nil {
					metrics.setBreakerState(name, to)
				}
			},
		}
	}

	return &ReliableStore{
		next:     next,
		reads:    gobreaker.NewCircuitBreaker(settings("storage-read")),
		writes:   gobreaker.NewCircuitBreaker(settings("audit-write")),
		attempts: writeAttempts,
		logger:   logger.Named("reliable-store"),
	}
}

// read выполняет чтение через предохранитель. Открытый CB маскируется под ErrEngineUnavailable.
func read[T any](s *ReliableStore, fn func() (T, error)) (T, error) {
	var zero T
	res, err := s.reads.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
		}
		return zero, err
	}
	return res.(T), nil
}

func (s *ReliableStore) GetAgentByID(ctx context.Context, id string) (*domain.Agent, error) {
	return read(s, func() (*domain.Agent, error) { return s.next.GetAgentByID(ctx, id) })
}

func (s *ReliableStore) GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error) {
	return read(s, func() (*domain.Agent, error) { return s.next.GetAgentByCredentialHash(ctx, hash) })
}

func (s *ReliableStore) GetTool(ctx context.Context, name string) (*domain.Tool, error) {
	return read(s, func() (*domain.Tool, error) { return s.next.GetTool(ctx, name) })
}

func (s *ReliableStore) ListTools(ctx context.Context) ([]domain.Tool, error) {
	return read(s, func() ([]domain.Tool, error) { return s.next.ListTools(ctx) })
}

func (s *ReliableStore) GetRules(ctx context.Context, agentID, tool, scope string) ([]domain.Rule, error) {
	return read(s, func() ([]domain.Rule, error) { return s.next.GetRules(ctx, agentID, tool, scope) })
}

func (s *ReliableStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return read(s, func() (bool, error) { return s.next.IsTokenRevoked(ctx, jti) })
}

// RecordRevokedToken: единичная идемпотентная запись без повторов, вызывающий получает ошибку сразу.
func (s *ReliableStore) RecordRevokedToken(ctx context.Context, jti string) error {
	_, err := read(s, func() (struct{}, error) { return struct{}{}, s.next.RecordRevokedToken(ctx, jti) })
	return err
}

// WriteBatch повторяет запись аудита с бэкоффом. Финальную ошибку логирует и глотает воркер аудита.
// Частичный отказ (audit.ErrEntriesRejected) не повторяется и не считается сбоем предохранителя:
// хранилище живо, отвергнуты только конкретные записи.
func (s *ReliableStore) WriteBatch(ctx context.Context, entries []audit.LogEntry) error {
	var rejected error
	_, err := s.writes.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(s.attempts),
			retry.Delay(50*time.Millisecond),
			// Стандартный экспоненциальный бэкофф
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error {
			err := s.next.WriteBatch(ctx, entries)
			if errors.Is(err, audit.ErrEntriesRejected) {
				rejected = err
				return nil
			}
			return err
		})
	})
	if err != nil {
		return err
	}
	return rejected
}
