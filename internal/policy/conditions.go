package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xela07ax/spaceai-agent-gate/internal/domain"
)

// conditionResult: вердикт одного условия. metadata описывает, что именно нарушено и насколько.
type conditionResult struct {
	ok       bool
	reason   string
	metadata map[string]interface{}
}

func pass() conditionResult { return conditionResult{ok: true} }

// evaluator: чистая функция без состояния (значение условия + payload -> вердикт).
// Ошибка означает некорректное значение условия в самом правиле.
type evaluator func(value json.RawMessage, p domain.Payload, now time.Time) (conditionResult, error)

// evaluators: закрытая таблица известных условий. Всё, чего здесь нет, пропускается движком.
var evaluators = map[domain.ConditionKind]evaluator{
	domain.ConditionMaxDuration:       evalMaxDuration,
	domain.ConditionMaxAttendees:      evalMaxAttendees,
	domain.ConditionBusinessHoursOnly: evalBusinessHoursOnly,
}

func lookupEvaluator(key string) (evaluator, bool) {
	ev, ok := evaluators[domain.ConditionKind(key)]
	return ev, ok
}

// evalMaxDuration: длительность (минуты) между start и end не больше лимита.
// Нет start или end: условие неприменимо, а не нарушено.
func evalMaxDuration(value json.RawMessage, p domain.Payload, _ time.Time) (conditionResult, error) {
	limit, err := decodeNumber(value)
	if err != nil {
		return conditionResult{}, err
	}
	if p.Start == nil || p.End == nil {
		return pass(), nil
	}

	minutes := p.End.Sub(*p.Start).Minutes()
	if minutes <= limit {
		return pass(), nil
	}
	return conditionResult{
		reason: fmt.Sprintf("duration of %s minutes exceeds maximum of %s minutes", formatNumber(minutes), formatNumber(limit)),
		metadata: map[string]interface{}{
			"condition":      string(domain.ConditionMaxDuration),
			"actual_minutes": minutes,
			"max_minutes":    limit,
		},
	}, nil
}

// evalMaxAttendees: размер массива attendees не больше лимита. Нет массива, значит проходим.
func evalMaxAttendees(value json.RawMessage, p domain.Payload, _ time.Time) (conditionResult, error) {
	limit, err := decodeNumber(value)
	if err != nil {
		return conditionResult{}, err
	}
	if p.Attendees == nil {
		return pass(), nil
	}

	count := *p.Attendees
	if float64(count) <= limit {
		return pass(), nil
	}
	return conditionResult{
		reason: fmt.Sprintf("%d attendees exceeds maximum of %s", count, formatNumber(limit)),
		metadata: map[string]interface{}{
			"condition":     string(domain.ConditionMaxAttendees),
			"actual":        count,
			"max_attendees": limit,
		},
	}, nil
}

// evalBusinessHoursOnly: при true начало должно быть в будний день UTC с 09:00 до 17:00.
// Если start не передан, проверяем текущий момент: действие выполняется сейчас.
func evalBusinessHoursOnly(value json.RawMessage, p domain.Payload, now time.Time) (conditionResult, error) {
	var enabled bool
	if err := json.Unmarshal(value, &enabled); err != nil {
		return conditionResult{}, fmt.Errorf("expected boolean: %w", err)
	}
	if !enabled {
		return pass(), nil
	}

	at := now.UTC()
	if p.Start != nil {
		at = p.Start.UTC()
	}

	weekday := at.Weekday()
	hour := at.Hour()
	if weekday != time.Saturday && weekday != time.Sunday && hour >= 9 && hour < 17 {
		return pass(), nil
	}
	return conditionResult{
		reason: fmt.Sprintf("outside business hours (%s %02d:00 UTC, allowed Mon-Fri 09:00-17:00 UTC)", weekday, hour),
		metadata: map[string]interface{}{
			"condition": string(domain.ConditionBusinessHoursOnly),
			"weekday":   weekday.String(),
			"hour":      hour,
		},
	}, nil
}

func decodeNumber(value json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(value, &n); err != nil {
		return 0, fmt.Errorf("expected number: %w", err)
	}
	return n, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
