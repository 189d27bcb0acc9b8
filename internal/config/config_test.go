package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 24*time.Hour, cfg.JWTExpiration)
	assert.Equal(t, 200, cfg.ReplayDefaultLimit)
	assert.Equal(t, 1000, cfg.ReplayMaxLimit)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, float64(50), cfg.RateLimitRPS)
	assert.Equal(t, int64(1024*1024), cfg.MaxRequestBodyBytes)
	assert.Equal(t, "glasshouse", cfg.ServiceName)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GLASSHOUSE_PORT", "9090")
	t.Setenv("GLASSHOUSE_READ_TIMEOUT", "5s")
	t.Setenv("GLASSHOUSE_RATE_LIMIT_ENABLED", "false")
	t.Setenv("GLASSHOUSE_REPLAY_DEFAULT_LIMIT", "50")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/app")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, 50, cfg.ReplayDefaultLimit)
	assert.Equal(t, "postgres://u:p@db:5432/app", cfg.DatabaseURL)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GLASSHOUSE_PORT", "not-a-number")
	t.Setenv("GLASSHOUSE_READ_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestValidateRejectsIncoherentLimits(t *testing.T) {
	t.Setenv("GLASSHOUSE_REPLAY_DEFAULT_LIMIT", "2000")
	t.Setenv("GLASSHOUSE_REPLAY_MAX_LIMIT", "1000")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsZeroBodyLimit(t *testing.T) {
	t.Setenv("GLASSHOUSE_MAX_REQUEST_BODY_BYTES", "0")
	_, err := Load()
	assert.Error(t, err)
}
