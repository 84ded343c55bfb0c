package domain

import "time"

// DefaultRateLimit: бюджет запросов в минуту, если у агента нет собственного лимита.
const DefaultRateLimit = 60

type Agent struct {
	ID             string `json:"id"`   // UUID
	Name           string `json:"name"` // Человекочитаемое имя (например, "Calendar-Bot")
	CredentialHash string `json:"-"`    // Хэш API-ключа, открытый ключ никогда не хранится
	Enabled        bool   `json:"enabled"`

	// RateLimit перекрывает системный лимит (запросов в минуту). nil: берем дефолт.
	RateLimit *int `json:"rate_limit,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveRateLimit возвращает лимит агента либо fallback, если override не задан или некорректен.
func (a *Agent) EffectiveRateLimit(fallback int) int {
	if a == nil || a.RateLimit == nil || *a.RateLimit <= 0 {
		return fallback
	}
	return *a.RateLimit
}

// Tool описывает поверхность возможностей (например, "crm") и допустимые scope.
type Tool struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Scopes      []string  `json:"scopes"` // e.g. "read:contacts", "write:contacts"
	CreatedAt   time.Time `json:"created_at"`
}

// HasScope проверяет, объявлен ли scope инструментом.
func (t *Tool) HasScope(scope string) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
