package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONNECTFLOW_CONFIG", "")
	t.Setenv("WORKER_COUNT", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("STEP_MAX_RETRIES", "")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 3, cfg.Step.MaxRetries)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9090"
worker_count: 8
log_level: info
step:
  max_retries: 1
  timeout: 30s
db:
  max_conns: 20
  max_conn_lifetime: 30m
`), 0o600))

	t.Setenv("CONNECTFLOW_CONFIG", path)
	t.Setenv("WORKER_COUNT", "2")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("DB_MIN_CONNS", "2")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 1, cfg.Step.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Step.Timeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, DBConfig{MaxConns: 20, MinConns: 2, MaxConnLifetime: 30 * time.Minute}, cfg.DB)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("CONNECTFLOW_CONFIG", "")
	t.Setenv("STEP_TIMEOUT", "soon")

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "STEP_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no workers", func(c *Config) { c.Workers = 0 }, "worker_count"},
		{"no queue", func(c *Config) { c.QueueSize = 0 }, "queue_size"},
		{"negative retries", func(c *Config) { c.Step.MaxRetries = -1 }, "max_retries"},
		{"negative pool", func(c *Config) { c.DB.MaxConns = -1 }, "db pool"},
		{"min above max", func(c *Config) { c.DB.MaxConns = 2; c.DB.MinConns = 5 }, "db.min_conns"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
