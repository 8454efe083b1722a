package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/intake?sslmode=disable"
  max_open_conns: 50

redis:
  url: "redis://localhost:6379"
  stream: "intake:audit"
  enabled: true

ingest:
  max_batch_size: 250
  aliases:
    metric:
      - measurement
    amount:
      - gross
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, "postgres://localhost/intake?sslmode=disable", cfg.Database.URL)
	assert.Equal(t, "postgres", cfg.Database.Store)
	assert.Equal(t, 50, cfg.Database.MaxOpenConns)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "intake:audit", cfg.Redis.Stream)

	assert.Equal(t, 250, cfg.Ingest.MaxBatchSize)
	assert.Equal(t, []string{"measurement"}, cfg.Ingest.Aliases["metric"])
	assert.Equal(t, []string{"gross"}, cfg.Ingest.Aliases["amount"])
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://localhost/intake"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "postgres", cfg.Database.Store)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns)
	assert.Equal(t, 100, cfg.Ingest.MaxBatchSize)
	assert.Equal(t, int64(1<<20), cfg.Ingest.MaxBodyBytes)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
database:
  url: "postgres://file-host/intake"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	os.Setenv("DATABASE_URL", "postgres://env-host/intake")
	os.Setenv("PORT", "9999")
	os.Setenv("STORE", "memory")
	os.Setenv("REDIS_URL", "redis://env-redis:6379")
	defer func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("PORT")
		os.Unsetenv("STORE")
		os.Unsetenv("REDIS_URL")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	// Environment variables should override file values
	assert.Equal(t, "postgres://env-host/intake", cfg.Database.URL)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Store)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis://env-redis:6379", cfg.Redis.URL)
}

func TestLoadFromEnvMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromEnv("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Store)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestConnLifetime(t *testing.T) {
	cfg := DatabaseConfig{ConnMaxLifetime: 45}
	assert.Equal(t, 45*60*1000000000, int(cfg.ConnLifetime().Nanoseconds()))
}
