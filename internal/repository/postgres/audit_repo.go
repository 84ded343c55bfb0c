package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-agent-gate/internal/audit"
)

// Количество колонок в таблице audit_logs
const auditFields = 13

const auditInsert = `INSERT INTO audit_logs (id, trace_id, agent_id, tool, scope, allowed, deny_reason, request_context, metadata, reasoning, require_reasoning, reasoning_provided, timestamp) VALUES %s ON CONFLICT (id) DO NOTHING`

// WriteBatch вставляет пачку записей одним INSERT. Если пачку отвергли, пишет записи по одной,
// чтобы одна плохая запись не утянула за собой чужие. ON CONFLICT делает повтор безопасным.
func (s *Store) WriteBatch(ctx context.Context, entries []audit.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batchErr := s.insertAudit(ctx, entries)
	if batchErr == nil || len(entries) == 1 || ctx.Err() != nil {
		return wrapAuditErr(batchErr)
	}

	// Fallback: построчная вставка
	rejected := 0
	for i := range entries {
		if err := s.insertAudit(ctx, entries[i:i+1]); err != nil {
			rejected++
		}
	}
	switch {
	case rejected == 0:
		return nil
	case rejected == len(entries):
		// Не прошла ни одна строка: это сбой базы, а не плохие данные
		return wrapAuditErr(batchErr)
	default:
		return fmt.Errorf("postgres: %w: %d of %d (batch error: %v)", audit.ErrEntriesRejected, rejected, len(entries), batchErr)
	}
}

func wrapAuditErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("postgres: write audit batch: %w", err)
}

func (s *Store) insertAudit(ctx context.Context, entries []audit.LogEntry) error {
	var placeholders strings.Builder
	vals := make([]any, 0, len(entries)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		if i > 0 {
			placeholders.WriteByte(',')
		}
		placeholders.WriteByte('(')
		for j := 1; j <= auditFields; j++ {
			if j > 1 {
				placeholders.WriteByte(',')
			}
			fmt.Fprintf(&placeholders, "$%d", i*auditFields+j)
		}
		placeholders.WriteByte(')')

		requestContext := "{}"
		if len(e.RequestContext) > 0 {
			requestContext = string(e.RequestContext)
		}
		var metadata any
		if len(e.Metadata) > 0 {
			metadata = string(e.Metadata)
		}

		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.Tool, e.Scope,
			e.Allowed, nullString(e.DenyReason), requestContext, metadata,
			nullString(e.Reasoning), string(e.RequireReasoning), e.ReasoningProvided, e.Timestamp,
		)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(auditInsert, placeholders.String()), vals...)
	return err
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
