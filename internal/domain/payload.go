package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload: типизированное представление тела запроса. Собирается один раз на границе,
// чтобы условия работали с полями, а не разбирали вложенный JSON каждый раз заново.
type Payload struct {
	Start     *time.Time
	End       *time.Time
	Attendees *int

	// Extra: все остальные ключи (расширения коннекторов)
	Extra map[string]interface{}

	// Raw: исходный JSON для аудита
	Raw json.RawMessage
}

// ParsePayload разбирает свободный JSON. Пустое тело: валидный пустой payload.
// Поля со странной формой не считаются ошибкой: условие просто становится неприменимым.
func ParsePayload(raw []byte) (Payload, error) {
	p := Payload{Extra: make(map[string]interface{})}
	if trimmed := strings.TrimSpace(string(raw)); trimmed == "" || trimmed == "null" {
		return p, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return p, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	p.Raw = append(json.RawMessage(nil), raw...)

	for k, v := range m {
		switch k {
		case "start":
			p.Start = parseInstant(v)
		case "end":
			p.End = parseInstant(v)
		case "attendees":
			if list, ok := v.([]interface{}); ok {
				n := len(list)
				p.Attendees = &n
			}
		default:
			p.Extra[k] = v
		}
	}
	return p, nil
}

// parseInstant поддерживает сырой timestamp (RFC3339 или epoch millis) и обертку {"dateTime": ...}.
func parseInstant(v interface{}) *time.Time {
	switch val := v.(type) {
	case map[string]interface{}:
		if dt, ok := val["dateTime"]; ok {
			return parseInstant(dt)
		}
		return nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, val); err == nil {
				t = t.UTC()
				return &t
			}
		}
		if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			return &t
		}
		return nil
	case float64:
		t := time.UnixMilli(int64(val)).UTC()
		return &t
	default:
		return nil
	}
}

// Context возвращает JSON для поля request_context аудита.
func (p Payload) Context() json.RawMessage {
	if len(p.Raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return p.Raw
}
