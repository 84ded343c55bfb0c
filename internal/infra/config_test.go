package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigFile_Defaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
auth:
  jwt_secret: test-secret
`)

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.RateLimit.DefaultPerMinute)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 100, cfg.Audit.BatchSize)
	assert.Equal(t, uint(3), cfg.Audit.WriteAttempts)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
}

func TestLoadConfigFile_EnvOverride(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: memory
ratelimit:
  default_per_minute: 30
`)
	t.Setenv("AUTH_JWT_SECRET", "from-env")
	t.Setenv("RATELIMIT_DEFAULT_PER_MINUTE", "120")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 120, cfg.RateLimit.DefaultPerMinute)
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		return Config{
			Storage:   StorageConfig{Driver: "memory"},
			Auth:      AuthConfig{JWTSecret: "s"},
			RateLimit: RateLimitConfig{DefaultPerMinute: 60, Backend: "memory"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no signing material", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "jwt_secret"},
		{name: "zero rate", mutate: func(c *Config) { c.RateLimit.DefaultPerMinute = 0 }, wantErr: "default_per_minute"},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "database.url"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "redis backend without redis", mutate: func(c *Config) { c.RateLimit.Backend = "redis" }, wantErr: "redis.enabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	assert.NoError(t, err)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LoggerConfig{Format: "xml"})
	assert.Error(t, err)
}
