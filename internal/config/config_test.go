package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 120000, cfg.Secrets.Iterations)
	assert.Equal(t, 5, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Lockout.Window)
	assert.Equal(t, time.Hour, cfg.Alerts.Interval)
	assert.Equal(t, []int{30, 14, 7, 3, 1}, cfg.Alerts.ThresholdDays)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yml")
	content := `
server:
  port: 9999
lockout:
  max_attempts: 3
  window: 10m
alerts:
  interval: 30m
  threshold_days: [14, 7]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Lockout.Window)
	assert.Equal(t, 30*time.Minute, cfg.Alerts.Interval)
	assert.Equal(t, []int{14, 7}, cfg.Alerts.ThresholdDays)

	// Untouched sections still get defaults.
	assert.Equal(t, 120000, cfg.Secrets.Iterations)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("KEYGATE_SERVER_PORT", "7070")
	t.Setenv("KEYGATE_LOCKOUT_MAX_ATTEMPTS", "7")

	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Lockout.MaxAttempts)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keygate.yml")
	content := `
server:
  port: 9999
lockout:
  max_attempts: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("KEYGATE_SERVER_PORT", "7070")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	// Env wins over the file; file wins over the default.
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Lockout.MaxAttempts)
}

func TestLoadRejectsWeakIterations(t *testing.T) {
	t.Setenv("KEYGATE_SECRETS_ITERATIONS", "1000")

	_, err := LoadFrom("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iterations")
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("KEYGATE_SERVER_PORT", "99999")

	_, err := LoadFrom("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestDatabasePath(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.DataDir = "data"
	cfg.Storage.DatabaseFile = "licenses.db"
	assert.Equal(t, filepath.Join("data", "licenses.db"), cfg.DatabasePath())

	abs := filepath.Join(t.TempDir(), "other.db")
	cfg.Storage.DatabaseFile = abs
	assert.Equal(t, abs, cfg.DatabasePath())
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{}
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Logging.Output = "both"
	cfg.Logging.FilePath = filepath.Join(dir, "logs", "keygate.log")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.Storage.DataDir)
	assert.DirExists(t, filepath.Join(dir, "logs"))
}
