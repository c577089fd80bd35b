package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FLOWMATIC_AUTH_JWT_SECRET", "test-jwt-secret")
	t.Setenv("FLOWMATIC_AUTH_ENCRYPTION_KEY", "0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "flowmatic", cfg.Service.Name)
	assert.Equal(t, "development", cfg.Service.Environment)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Engine.ExecutionTimeout)
	assert.Equal(t, 4, cfg.Engine.FanOut)
	assert.Positive(t, cfg.Engine.Workers)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.ExecutionLogs)
	assert.Equal(t, 365*24*time.Hour, cfg.Retention.AuditLogs)
}

func TestEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("FLOWMATIC_SERVER_PORT", "9090")
	t.Setenv("FLOWMATIC_ENGINE_FAN_OUT", "8")
	t.Setenv("FLOWMATIC_CACHE_TTL", "1h")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.FanOut)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestConfigFile(t *testing.T) {
	setRequiredEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: flowmatic-test
  environment: staging
server:
  port: 7070
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "flowmatic-test", cfg.Service.Name)
	assert.Equal(t, "staging", cfg.Service.Environment)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidation(t *testing.T) {
	t.Run("missing jwt secret", func(t *testing.T) {
		t.Setenv("FLOWMATIC_AUTH_JWT_SECRET", "")
		t.Setenv("FLOWMATIC_AUTH_ENCRYPTION_KEY", "0123456789abcdef")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jwt_secret")
	})

	t.Run("short encryption key", func(t *testing.T) {
		t.Setenv("FLOWMATIC_AUTH_JWT_SECRET", "secret")
		t.Setenv("FLOWMATIC_AUTH_ENCRYPTION_KEY", "short")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "encryption_key")
	})

	t.Run("bad environment", func(t *testing.T) {
		setRequiredEnv(t)
		t.Setenv("FLOWMATIC_SERVICE_ENVIRONMENT", "chaos")
		_, err := Load("")
		require.Error(t, err)
	})
}
