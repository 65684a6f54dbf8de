package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.Timeout.Std())
	assert.Equal(t, 1, cfg.Engine.MinInstances)
	assert.Equal(t, 10, cfg.Engine.MaxInstances)
	assert.Equal(t, 100, cfg.Engine.QueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Matchmaking.TickInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.Matchmaking.StaleAfter.Std())
	assert.Equal(t, 30*time.Minute, cfg.Game.MoveTimeout.Std())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chessd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 8080
log_level: debug
sessions:
  timeout: 90s
engine:
  command: "stockfish-wrapper"
  read_timeout: 1500ms
matchmaking:
  stale_after: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.Sessions.Timeout.Std())
	assert.Equal(t, "stockfish-wrapper", cfg.Engine.Command)
	assert.Equal(t, 1500*time.Millisecond, cfg.Engine.ReadTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Matchmaking.StaleAfter.Std())

	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 10, cfg.Engine.MaxInstances)
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chessd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions:\n  timeout: soon\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Path: "games.db"}
	dsn := d.DSN()
	assert.Contains(t, dsn, "file:games.db")
	assert.Contains(t, dsn, "journal_mode(WAL)")
	assert.Contains(t, dsn, "busy_timeout(5000)")
}
