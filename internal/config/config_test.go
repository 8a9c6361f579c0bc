package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(LoadOptions{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "memory", cfg.Storage.Profile)
	assert.Equal(t, 200*time.Millisecond, cfg.Lifecycle.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.WaitTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.PendingTTL)
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)
	assert.True(t, cfg.Session.Watch)
	assert.Empty(t, cfg.Auth.AllowedOrigins)

	dsn, err := cfg.StoreDSN()
	require.NoError(t, err)
	assert.Equal(t, "memory://", dsn)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("NOTEBOOKRELAY_ADDR", ":9090")
	t.Setenv("NOTEBOOKRELAY_LIFECYCLE_WAIT_TIMEOUT", "45s")
	t.Setenv("NOTEBOOKRELAY_AUTH_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("NOTEBOOKRELAY_STORAGE_PROFILE", "sqlite")
	t.Setenv("NOTEBOOKRELAY_STORAGE_DATA_DIR", "/var/lib/relay")

	cfg, err := Load(LoadOptions{EnvFile: noEnvFile(t)})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 45*time.Second, cfg.Lifecycle.WaitTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Auth.AllowedOrigins)

	dsn, err := cfg.StoreDSN()
	require.NoError(t, err)
	assert.Equal(t, "sqlite:///var/lib/relay/notebookrelay.db", dsn)
}

func TestLoadYAMLFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "notebookrelay.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
addr: ":7000"
gateway:
  url: http://gateway.internal:8765
  max_retries: 5
log:
  format: json
`), 0o600))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(
		"NOTEBOOKRELAY_ADDR=:7100\nNOTEBOOKRELAY_AUTH_JWT_SECRET=from-dotenv\nUNRELATED=1\n"), 0o600))
	t.Setenv("NOTEBOOKRELAY_AUTH_JWT_SECRET", "from-env")

	cfg, err := Load(LoadOptions{ConfigFile: configPath, EnvFile: envPath})
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Addr, ".env overrides the config file")
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret, "process env overrides .env")
	assert.Equal(t, "http://gateway.internal:8765", cfg.Gateway.URL)
	assert.Equal(t, 5, cfg.Gateway.MaxRetries)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(LoadOptions{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml"), EnvFile: noEnvFile(t)})
	assert.Error(t, err)
}

func TestStoreDSNProfiles(t *testing.T) {
	cases := []struct {
		name    string
		storage StorageConfig
		want    string
		wantErr bool
	}{
		{name: "memory", storage: StorageConfig{Profile: "memory"}, want: "memory://"},
		{name: "durable local", storage: StorageConfig{Profile: "durable-local", DataDir: "data"}, want: "file://data/mappings.json"},
		{name: "custom dsn", storage: StorageConfig{Profile: "custom", DSN: "file:///tmp/m.json"}, want: "file:///tmp/m.json"},
		{name: "production postgres", storage: StorageConfig{Profile: "production", ProductionDSN: "postgres://u@db/relay"}, want: "postgres://u@db/relay"},
		{name: "production falls back to dsn", storage: StorageConfig{Profile: "prod", DSN: "mongodb://db/relay"}, want: "mongodb://db/relay"},
		{name: "production without dsn", storage: StorageConfig{Profile: "production"}, wantErr: true},
		{name: "production file dsn", storage: StorageConfig{Profile: "production", DSN: "file:///tmp/x"}, wantErr: true},
		{name: "unknown", storage: StorageConfig{Profile: "cassandra"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Storage: tc.storage}
			got, err := cfg.StoreDSN()
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateRejectsBadLifecycle(t *testing.T) {
	cfg := Default()
	cfg.Lifecycle.PendingTTL = 10 * time.Second
	assert.ErrorContains(t, cfg.Validate(), "pending_ttl")

	cfg = Default()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}

func TestDocumentMasksSecretsAndRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "s3cret"

	masked, err := Document(cfg, false)
	require.NoError(t, err)
	assert.NotContains(t, string(masked), "s3cret")
	assert.Contains(t, string(masked), "pending_ttl: 5m0s")

	path := filepath.Join(t.TempDir(), "conf", "notebookrelay.yaml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "existing file is kept")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Contains(t, doc, "lifecycle")

	loaded, err := Load(LoadOptions{ConfigFile: path, EnvFile: noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, Default().Lifecycle, loaded.Lifecycle)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "user_id", "alice")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"user_id":"alice"`)
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "NOTEBOOKRELAY_STORAGE_DATA_DIR", EnvName("storage.data_dir"))
	assert.Contains(t, Keys(), "lifecycle.pending_ttl")
}
