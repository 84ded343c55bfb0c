package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
	"github.com/xela07ax/spaceai-agent-gate/internal/credential"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
	"github.com/xela07ax/spaceai-agent-gate/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-gate/internal/policy"
	"github.com/xela07ax/spaceai-agent-gate/internal/ratelimit"
	"github.com/xela07ax/spaceai-agent-gate/internal/repository/memory"
	"go.uber.org/zap"
)

const testAPIKey = "sk-calendar-bot"

// recordingAuditor: синхронный Recorder для проверок содержимого аудита.
type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.LogEntry
}

func (r *recordingAuditor) Record(e audit.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) all() []audit.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

type gateFixture struct {
	store    *memory.Store
	verifier *credential.Verifier
	limiter  *ratelimit.Limiter
	auditor  *recordingAuditor
	metrics  *Metrics
	gate     *Gate
	server   *Server
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	rules   policy.RuleRepository
	auditor audit.Recorder
}

func withRules(r policy.RuleRepository) fixtureOption {
	return func(c *fixtureConfig) { c.rules = r }
}

func withAuditor(a audit.Recorder) fixtureOption {
	return func(c *fixtureConfig) { c.auditor = a }
}

func newGateFixture(t *testing.T, opts ...fixtureOption) *gateFixture {
	t.Helper()

	f := &gateFixture{
		store:   memory.NewStore(),
		limiter: ratelimit.NewLimiter(60),
		auditor: &recordingAuditor{},
	}
	cfg := fixtureConfig{rules: f.store, auditor: f.auditor}
	for _, o := range opts {
		o(&cfg)
	}

	f.store.PutAgent(domain.Agent{ID: "agent-1", Name: "Calendar-Bot", CredentialHash: credential.HashAPIKey(testAPIKey), Enabled: true})
	f.store.PutRule(domain.Rule{
		ID: "r1", AgentID: "agent-1", Tool: "calendar", Scope: "write:events",
		RequireReasoning: domain.ReasoningNone,
		Conditions:       domain.Conditions{"max_duration": json.RawMessage("60")},
	})

	codec, err := auth.NewHMACCodec([]byte("engine-test-secret"), "test-gate")
	require.NoError(t, err)

	revocations := credential.NewRevocationCache(f.store, nil, zap.NewNop())
	f.verifier = credential.NewVerifier(f.store, revocations, codec, 15*time.Minute, time.Hour, zap.NewNop())

	f.metrics = NewMetrics(nil)
	pdp := policy.NewEngine(cfg.rules, nil, zap.NewNop())
	f.gate = NewGate(pdp, f.limiter, cfg.auditor, f.metrics, 60, zap.NewNop())
	f.server = NewServer(f.gate, f.verifier, f.metrics, 2*time.Second, zap.NewNop())
	return f
}

func (f *gateFixture) setAgent(mutate func(a *domain.Agent)) {
	a, _ := f.store.GetAgentByID(context.Background(), "agent-1")
	mutate(a)
	f.store.PutAgent(*a)
}

// do выполняет запрос к API. headers: пары ключ/значение.
func (f *gateFixture) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func apiKeyHeaders() []string {
	return []string{auth.HeaderAgentID, "agent-1", auth.HeaderAPIKey, testAPIKey}
}

func bearer(token string) []string {
	return []string{auth.HeaderAuthorization, "Bearer " + token}
}

func decodeDecision(t *testing.T, rec *httptest.ResponseRecorder) domain.Decision {
	t.Helper()
	var d domain.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d), rec.Body.String())
	return d
}

func meeting(start, end string) map[string]interface{} {
	return map[string]interface{}{
		"tool":  "calendar",
		"scope": "write:events",
		"payload": map[string]interface{}{
			"start": map[string]string{"dateTime": start},
			"end":   map[string]string{"dateTime": end},
		},
	}
}

func decodeInto(rec *httptest.ResponseRecorder, v interface{}) error {
	return json.Unmarshal(rec.Body.Bytes(), v)
}

var _ http.Handler = (*Server)(nil)
