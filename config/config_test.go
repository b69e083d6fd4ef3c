package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 1816, cfg.Web.Port)
	assert.Equal(t, 5, cfg.Engine.BulkConcurrency)
	assert.Equal(t, 3*time.Second, cfg.Gateway.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.PairingTimeout)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chippool.yml")
	content := []byte(`
system:
  workdir: ` + dir + `
database:
  type: sqlite
  name: test.db
gateway:
  base_url: http://gateway:8080
  retries: 5
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("CHIPPOOL_WEB_PORT", "9000")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "http://gateway:8080", cfg.Gateway.BaseURL)
	assert.Equal(t, 5, cfg.Gateway.Retries)
	assert.Equal(t, 9000, cfg.Web.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Gateway.RetryBackoff)

	require.NoError(t, cfg.InitDirs())
	assert.DirExists(t, cfg.GetDataDir())
}

func TestDumpMasksSecrets(t *testing.T) {
	cfg := &AppConfig{}
	cfg.Database.Passwd = "pg-pass-123"
	cfg.Gateway.APIKey = "key"
	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "pg-pass-123")
	assert.Contains(t, string(out), "******")
}
