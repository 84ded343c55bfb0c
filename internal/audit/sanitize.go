package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrEntriesRejected: хранилище записало пачку частично, отдельные записи отвергнуты.
// Повтор такой пачки бесполезен, и это не признак недоступности хранилища.
var ErrEntriesRejected = errors.New("audit entries rejected by storage")

// PostgreSQL не принимает NUL ни в TEXT, ни в JSONB, а также битый UTF-8.
// Все, что пришло от агента, чистим до постановки в очередь.
const replacementChar = "\uFFFD"

var jsonNUL = []byte(`\u0000`)

func cleanText(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(strings.ToValidUTF8(s, replacementChar), "\x00", replacementChar)
}

func cleanTextPtr(s *string) *string {
	if s == nil {
		return nil
	}
	c := cleanText(*s)
	return &c
}

// cleanJSON перекодирует документ, только если в нем есть NUL или битый UTF-8.
// Невалидный JSON заменяется на fallback: в аудит он попасть не должен.
func cleanJSON(raw json.RawMessage, fallback json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return fallback
	}
	if utf8.Valid(raw) && !bytes.Contains(raw, jsonNUL) && bytes.IndexByte(raw, 0) < 0 {
		return raw
	}

	var v interface{}
	if err := json.Unmarshal(bytes.ToValidUTF8(raw, []byte(replacementChar)), &v); err != nil {
		return fallback
	}
	out, err := json.Marshal(cleanValue(v))
	if err != nil {
		return fallback
	}
	return out
}

func cleanValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return cleanText(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[cleanText(k)] = cleanValue(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = cleanValue(item)
		}
		return val
	default:
		return v
	}
}

// sanitized возвращает копию записи, пригодную для любого хранилища.
func (e LogEntry) sanitized() LogEntry {
	e.TraceID = cleanText(e.TraceID)
	e.AgentID = cleanText(e.AgentID)
	e.Tool = cleanText(e.Tool)
	e.Scope = cleanText(e.Scope)
	e.DenyReason = cleanTextPtr(e.DenyReason)
	e.Reasoning = cleanTextPtr(e.Reasoning)
	e.RequestContext = cleanJSON(e.RequestContext, json.RawMessage(`{}`))
	e.Metadata = cleanJSON(e.Metadata, nil)
	return e
}
