package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaymail/internal/maildb"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 300, cfg.Index.PortionSize)
	assert.Equal(t, 30*time.Second, cfg.Index.Timeout)
	assert.Equal(t, 3, cfg.Sync.RetriesLimit)
	assert.Equal(t, 5*time.Second, cfg.Sync.RetriesDelay)
	assert.Equal(t, 30*time.Second, cfg.Sync.RetriesMaxDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.File)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymail.yaml")
	writeConfig(t, path, `
state:
  dsn: sqlite:///tmp/relaymail.db
index:
  portion_size: 50
  timeout: 5s
sync:
  retries_limit: 1
  accounts:
    - protonmail:alice@example.com
log:
  format: json
`)
	t.Setenv("RELAYMAIL_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAYMAIL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "sqlite:///tmp/relaymail.db", cfg.State.DSN)
	assert.Equal(t, 50, cfg.Index.PortionSize)
	assert.Equal(t, 5*time.Second, cfg.Index.Timeout)
	assert.Equal(t, 1, cfg.Sync.RetriesLimit)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []maildb.AccountKey{{Type: "protonmail", Login: "alice@example.com"}}, cfg.Sync.AccountKeys())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymail.yaml")
	writeConfig(t, path, "index:\n  portion_size: 0\nlog:\n  level: loud\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.portion_size")
	assert.Contains(t, err.Error(), "loud")
}

func TestAccountKeys(t *testing.T) {
	cfg := SyncConfig{Accounts: []string{"bob@example.com, protonmail:alice@example.com", "bob@example.com", " "}}
	assert.Equal(t, []maildb.AccountKey{
		{Login: "bob@example.com"},
		{Type: "protonmail", Login: "alice@example.com"},
	}, cfg.AccountKeys())
}

func TestNewLoggerHonoursLevelVar(t *testing.T) {
	var buf bytes.Buffer
	logger, level := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	assert.Empty(t, buf.String())

	level.Set(slog.LevelInfo)
	logger.Info("shown", "login", "alice@example.com")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"login":"alice@example.com"`)
}

func TestWatchReloadsChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaymail.yaml")
	writeConfig(t, path, "log:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(cfg Config) { changes <- cfg })
	}()

	require.Eventually(t, func() bool {
		writeConfig(t, path, "log:\n  level: debug\n")
		select {
		case cfg := <-changes:
			return cfg.Log.Level == "debug"
		case <-time.After(300 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
