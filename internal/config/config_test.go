package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.False(t, cfg.Simulator.AllowCommands)
	assert.Equal(t, 4, cfg.Optimization.MaxActiveRuns)
}

func TestLoadFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENV", "production")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("STORE_TYPE", "sqlite")
	t.Setenv("STORE_PATH", filepath.Join(dir, "nested", "runs.db"))
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("CACHE_TTL", "1h")
	t.Setenv("SIM_ALLOW_COMMANDS", "true")
	t.Setenv("OPT_MAX_EVALUATIONS", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.DirExists(t, filepath.Join(dir, "nested"))
	assert.Equal(t, "redis", cfg.Cache.Backend)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.True(t, cfg.Simulator.AllowCommands)
	assert.Equal(t, 500, cfg.Optimization.MaxEvaluations)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"STORE_TYPE":          "postgres",
		"CACHE_BACKEND":       "memcached",
		"LOG_FORMAT":          "xml",
		"OPT_MAX_ACTIVE_RUNS": "0",
		"OPT_MAX_EVALUATIONS": "-1",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}

	t.Run("malformed duration", func(t *testing.T) {
		t.Setenv("HTTP_READ_TIMEOUT", "soon")
		_, err := Load()
		assert.Error(t, err)
	})
}
