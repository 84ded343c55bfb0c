package memory

import (
	"context"
	"sync"

	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

// Store: in-memory реализация хранилища шлюза. Используется в тестах и при storage.driver=memory.
type Store struct {
	mu      sync.RWMutex
	agents  map[string]domain.Agent
	tools   map[string]domain.Tool
	rules   []domain.Rule // порядок вставки = порядок хранения
	revoked map[string]struct{}
	logs    []audit.LogEntry

	failure error // если задано: любой вызов возвращает эту ошибку
}

func NewStore() *Store {
	return &Store{
		agents:  make(map[string]domain.Agent),
		tools:   make(map[string]domain.Tool),
		revoked: make(map[string]struct{}),
	}
}

// SetFailure имитирует недоступность хранилища. nil: восстановить.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

func (s *Store) PutAgent(a domain.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

func (s *Store) PutTool(t domain.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[t.Name] = t
}

func (s *Store) PutRule(r domain.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

func (s *Store) GetAgentByID(ctx context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) GetAgentByCredentialHash(ctx context.Context, hash string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	for _, a := range s.agents {
		if a.CredentialHash == hash {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) GetTool(ctx context.Context, name string) (*domain.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	t, ok := s.tools[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *Store) ListTools(ctx context.Context) ([]domain.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	out := make([]domain.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetRules(ctx context.Context, agentID, tool, scope string) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	var out []domain.Rule
	for _, r := range s.rules {
		if r.AgentID == agentID && r.Tool == tool && r.Scope == scope {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return false, s.failure
	}
	_, ok := s.revoked[jti]
	return ok, nil
}

func (s *Store) RecordRevokedToken(ctx context.Context, jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	s.revoked[jti] = struct{}{}
	return nil
}

func (s *Store) WriteBatch(ctx context.Context, entries []audit.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	s.logs = append(s.logs, entries...)
	return nil
}

// AuditLogs возвращает копию записанных записей аудита.
func (s *Store) AuditLogs() []audit.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.LogEntry, len(s.logs))
	copy(out, s.logs)
	return out
}
