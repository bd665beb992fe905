package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/config"
)

var envKeys = []string{
	"APP_PORT", "APP_ENV", "LOG_LEVEL", "STORAGE_DRIVER",
	"DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_MAX_CONN_LIFETIME", "DB_MIGRATIONS_PATH",
	"NATS_URL", "TICKET_TIMEZONE",
	"RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_INTERVAL", "RETRY_MAX_INTERVAL",
}

// clearEnv blanks every key Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MemoryDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := config.Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, config.DriverMemory, cfg.StorageDriver)
	assert.Equal(t, uint64(3), cfg.Retry.MaxAttempts)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_SourcesOverride(t *testing.T) {
	clearEnv(t)
	yamlPath := writeFile(t, "config.yaml", `
app:
  port: "9000"
  log_level: debug
postgres:
  host: db.internal
  user: kitchen
  password: from-yaml
  dbname: kitchen
  max_conn_lifetime: 10m
kitchen:
  timezone: America/Mexico_City
`)
	envPath := writeFile(t, ".env", "DB_PASSWORD=from-dotenv\nDB_MAX_CONNS=20\n")
	t.Setenv("APP_PORT", "9100")

	cfg, err := config.Load(yamlPath, envPath)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.App.Port, "environment wins over yaml")
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, "from-dotenv", cfg.Postgres.Password, ".env wins over yaml")
	assert.Equal(t, int32(20), cfg.Postgres.MaxConns)
	assert.Equal(t, 10*time.Minute, cfg.Postgres.MaxConnLifetime)
	assert.Equal(t, "5432", cfg.Postgres.Port)
	assert.Equal(t, "America/Mexico_City", cfg.Location().String())
}

func TestLoad_MissingFilesAreIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")

	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantMsg string
	}{
		{
			name:    "postgres_without_host",
			env:     map[string]string{"DB_USER": "u", "DB_PASSWORD": "p", "DB_NAME": "n"},
			wantMsg: "DB_HOST is required",
		},
		{
			name:    "unknown_driver",
			env:     map[string]string{"STORAGE_DRIVER": "sqlite"},
			wantMsg: `unknown STORAGE_DRIVER "sqlite"`,
		},
		{
			name:    "bad_duration",
			env:     map[string]string{"STORAGE_DRIVER": "memory", "RETRY_MAX_INTERVAL": "soon"},
			wantMsg: "invalid RETRY_MAX_INTERVAL",
		},
		{
			name:    "bad_timezone",
			env:     map[string]string{"STORAGE_DRIVER": "memory", "TICKET_TIMEZONE": "Mars/Olympus"},
			wantMsg: "invalid TICKET_TIMEZONE",
		},
		{
			name: "min_above_max",
			env: map[string]string{
				"DB_HOST": "h", "DB_USER": "u", "DB_PASSWORD": "p", "DB_NAME": "n",
				"DB_MAX_CONNS": "2", "DB_MIN_CONNS": "5",
			},
			wantMsg: "exceeds DB_MAX_CONNS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("", "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
