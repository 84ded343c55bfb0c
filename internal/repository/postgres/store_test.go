package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db), mock
}

var agentCols = []string{"id", "name", "credential_hash", "enabled", "rate_limit", "created_at", "updated_at"}

func TestGetAgentByID(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM agents WHERE id = \$1`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(agentCols).AddRow("agent-1", "Calendar-Bot", "abc", true, 120, now, now))

	a, err := store.GetAgentByID(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "Calendar-Bot", a.Name)
	assert.True(t, a.Enabled)
	require.NotNil(t, a.RateLimit)
	assert.Equal(t, 120, *a.RateLimit)
}

func TestGetAgentByCredentialHash_NullRateLimit(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM agents WHERE credential_hash = \$1`).
		WithArgs("hash").
		WillReturnRows(sqlmock.NewRows(agentCols).AddRow("agent-2", "Mailer", "hash", false, nil, now, now))

	a, err := store.GetAgentByCredentialHash(context.Background(), "hash")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.False(t, a.Enabled)
	assert.Nil(t, a.RateLimit)
	assert.Equal(t, domain.DefaultRateLimit, a.EffectiveRateLimit(domain.DefaultRateLimit))
}

func TestGetAgent_NotFoundAndFailure(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery(`FROM agents WHERE id`).WithArgs("ghost").WillReturnRows(sqlmock.NewRows(agentCols))
	a, err := store.GetAgentByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, a)

	mock.ExpectQuery(`FROM agents WHERE id`).WithArgs("x").WillReturnError(errors.New("connection reset"))
	_, err = store.GetAgentByID(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: get agent")
}

func TestGetRules(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"id", "agent_id", "tool", "scope", "require_reasoning", "conditions", "created_at", "updated_at"}

	mock.ExpectQuery(`FROM rules\s+WHERE agent_id = \$1 AND tool = \$2 AND scope = \$3\s+ORDER BY created_at, id`).
		WithArgs("agent-1", "calendar", "write:events").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("r1", "agent-1", "calendar", "write:events", "soft", `{"max_duration": 60}`, now, now).
			AddRow("r2", "agent-1", "calendar", "write:events", "bogus", `{}`, now, now))

	rules, err := store.GetRules(context.Background(), "agent-1", "calendar", "write:events")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "r1", rules[0].ID)
	assert.Equal(t, domain.ReasoningSoft, rules[0].RequireReasoning)
	assert.JSONEq(t, `60`, string(rules[0].Conditions["max_duration"]))

	// Неизвестный уровень приводится к none
	assert.Equal(t, domain.ReasoningNone, rules[1].RequireReasoning)
	assert.Empty(t, rules[1].Conditions)
}

func TestGetRules_Empty(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`FROM rules`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_id", "tool", "scope", "require_reasoning", "conditions", "created_at", "updated_at"}))

	rules, err := store.GetRules(context.Background(), "agent-1", "crm", "read:contacts")
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestGetRules_BadConditions(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`FROM rules`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_id", "tool", "scope", "require_reasoning", "conditions", "created_at", "updated_at"}).
			AddRow("r1", "agent-1", "calendar", "write:events", "none", `[1,2]`, now, now))

	_, err := store.GetRules(context.Background(), "agent-1", "calendar", "write:events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r1")
}

func TestTools(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	cols := []string{"name", "description", "scopes", "created_at"}

	mock.ExpectQuery(`FROM tools WHERE name = \$1`).WithArgs("calendar").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("calendar", "Google Calendar", `["read:events","write:events"]`, now))
	tool, err := store.GetTool(context.Background(), "calendar")
	require.NoError(t, err)
	require.NotNil(t, tool)
	assert.True(t, tool.HasScope("write:events"))
	assert.False(t, tool.HasScope("delete:events"))

	mock.ExpectQuery(`FROM tools WHERE name = \$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(cols))
	tool, err = store.GetTool(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tool)

	mock.ExpectQuery(`FROM tools ORDER BY name`).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("calendar", "", `["write:events"]`, now).
			AddRow("crm", "", `["read:contacts"]`, now))
	tools, err := store.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "crm", tools[1].Name)
}

func TestRevokedTokens(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO revoked_tokens`) + `.*ON CONFLICT \(jti\) DO NOTHING`).
		WithArgs("jti-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RecordRevokedToken(context.Background(), "jti-1"))

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	revoked, err := store.IsTokenRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("jti-2").WillReturnError(errors.New("timeout"))
	_, err = store.IsTokenRevoked(context.Background(), "jti-2")
	require.Error(t, err)
}

func TestWriteBatch(t *testing.T) {
	store, mock := newMock(t)
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	reason := "max_duration exceeded"

	entries := []audit.LogEntry{
		{
			ID: "11111111-1111-1111-1111-111111111111", TraceID: "t1", AgentID: "agent-1",
			Tool: "calendar", Scope: "write:events", Allowed: true,
			RequestContext:   json.RawMessage(`{"attendees":3}`),
			RequireReasoning: domain.ReasoningNone, Timestamp: ts,
		},
		{
			ID: "22222222-2222-2222-2222-222222222222", TraceID: "t2", AgentID: "agent-1",
			Tool: "calendar", Scope: "write:events", Allowed: false, DenyReason: &reason,
			Metadata:         json.RawMessage(`{"max_minutes":60}`),
			RequireReasoning: domain.ReasoningSoft, Timestamp: ts,
		},
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO audit_logs (id, trace_id`) + `.*VALUES \(\$1,.*\$13\),\(\$14,.*\$26\)`).
		WithArgs(
			entries[0].ID, "t1", "agent-1", "calendar", "write:events", true, nil, `{"attendees":3}`, nil, nil, "none", false, ts,
			entries[1].ID, "t2", "agent-1", "calendar", "write:events", false, reason, "{}", `{"max_minutes":60}`, nil, "soft", false, ts,
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.WriteBatch(context.Background(), entries))
}

func TestWriteBatch_EmptyAndFailure(t *testing.T) {
	store, mock := newMock(t)

	// Пустая пачка не ходит в базу
	require.NoError(t, store.WriteBatch(context.Background(), nil))

	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnError(errors.New("disk full"))
	err := store.WriteBatch(context.Background(), []audit.LogEntry{{ID: "x", Timestamp: time.Now()}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: write audit batch")
}

func TestMigrate(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS agents`).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, store.Migrate(context.Background()))
}

func auditEntries(n int) []audit.LogEntry {
	ts := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	out := make([]audit.LogEntry, n)
	for i := range out {
		out[i] = audit.LogEntry{ID: fmt.Sprintf("id-%d", i), AgentID: fmt.Sprintf("agent-%d", i), Timestamp: ts}
	}
	return out
}

const singleRowInsert = `INSERT INTO audit_logs .* VALUES \(\$1,[^)]*\$13\) ON CONFLICT \(id\) DO NOTHING$`

func TestWriteBatch_FallsBackToSingleRows(t *testing.T) {
	store, mock := newMock(t)
	entries := auditEntries(3)

	// Одна запись отравляет всю пачку
	mock.ExpectExec(`INSERT INTO audit_logs .*\(\$27,.*\$39\) ON CONFLICT`).
		WillReturnError(errors.New(`invalid byte sequence for encoding "UTF8": 0x00`))

	mock.ExpectExec(singleRowInsert).WithArgs(sqlmock.AnyArg(), "", "agent-0", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(singleRowInsert).
		WillReturnError(errors.New(`invalid byte sequence for encoding "UTF8": 0x00`))
	mock.ExpectExec(singleRowInsert).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.WriteBatch(context.Background(), entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, audit.ErrEntriesRejected)
	assert.Contains(t, err.Error(), "1 of 3")
}

func TestWriteBatch_FallbackAllRowsSucceed(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectExec(`INSERT INTO audit_logs .*\$26\) ON CONFLICT`).WillReturnError(errors.New("deadlock detected"))
	mock.ExpectExec(singleRowInsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(singleRowInsert).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.WriteBatch(context.Background(), auditEntries(2)))
}

func TestWriteBatch_OutageIsNotRejection(t *testing.T) {
	store, mock := newMock(t)

	outage := errors.New("connection refused")
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnError(outage)
	mock.ExpectExec(singleRowInsert).WillReturnError(outage)
	mock.ExpectExec(singleRowInsert).WillReturnError(outage)

	err := store.WriteBatch(context.Background(), auditEntries(2))
	require.Error(t, err)
	assert.NotErrorIs(t, err, audit.ErrEntriesRejected)
	assert.ErrorIs(t, err, outage)
}
