package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Backend)
	require.Equal(t, uint64(50), cfg.SnapshotThreshold)
	require.Equal(t, 5*time.Second, cfg.LockTimeout)
	require.Equal(t, slog.LevelInfo, cfg.LogLevel)
	require.Equal(t, "additive", cfg.BalanceConvention)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ROBOINV_BACKEND", " SQLite ")
	t.Setenv("ROBOINV_SQLITE_PATH", "/tmp/events.db")
	t.Setenv("ROBOINV_SNAPSHOT_THRESHOLD", "0")
	t.Setenv("ROBOINV_LOCK_TIMEOUT", "250ms")
	t.Setenv("ROBOINV_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendSQLite, cfg.Backend)
	require.Equal(t, "/tmp/events.db", cfg.SQLitePath)
	require.Zero(t, cfg.SnapshotThreshold)
	require.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	require.Equal(t, slog.LevelDebug, cfg.LogLevel)

	var buf bytes.Buffer
	cfg.Logger(&buf).Debug("hello")
	require.Contains(t, buf.String(), "hello")
}

func TestLoad_ParseError(t *testing.T) {
	t.Setenv("ROBOINV_SNAPSHOT_THRESHOLD", "many")
	_, err := Load()
	require.ErrorContains(t, err, "parse env:")
}

func TestValidate(t *testing.T) {
	base := Config{Backend: BackendMemory, LockTimeout: time.Second}
	require.NoError(t, base.Validate())

	pg := base
	pg.Backend = BackendPostgres
	require.ErrorContains(t, pg.Validate(), "ROBOINV_POSTGRES_DSN")

	unknown := base
	unknown.Backend = "redis"
	unknown.LockTimeout = 0
	err := unknown.Validate()
	require.ErrorContains(t, err, `unknown backend "redis"`)
	require.ErrorContains(t, err, "ROBOINV_LOCK_TIMEOUT")
}
