package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mandari")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 300*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.RetryBackoff)
	assert.Equal(t, 50*time.Millisecond, cfg.WaitTime)
	assert.Equal(t, int64(20), cfg.MaxConcurrent)
	assert.Equal(t, 15, cfg.SyncIntervalMinutes)
	assert.Equal(t, 3, cfg.SyncFullHour)
	assert.True(t, cfg.EventsEnabled)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, 2, cfg.BreakerSuccessThreshold)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mandari")
	t.Setenv("OPARL_MAX_CONCURRENT", "8")
	t.Setenv("OPARL_WAIT_TIME", "0.2")
	t.Setenv("SYNC_FULL_HOUR", "5")
	t.Setenv("EVENTS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(8), cfg.MaxConcurrent)
	assert.Equal(t, 200*time.Millisecond, cfg.WaitTime)
	assert.Equal(t, 5, cfg.SyncFullHour)
	assert.False(t, cfg.EventsEnabled)
}

func TestLoad_InvalidFullHour(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/mandari")
	t.Setenv("SYNC_FULL_HOUR", "24")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_FULL_HOUR")
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	data := `sources:
  - url: https://oparl.example.de/system
    name: Beispielstadt
    priority: 1
  - url: https://ris.other.de/oparl/v1.1/system
    name: Anderestadt
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	seeds, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "Beispielstadt", seeds[0].Name)
	assert.Equal(t, 1, seeds[0].Priority)
	// Unset priority defaults to the lowest onboarding group.
	assert.Equal(t, 3, seeds[1].Priority)
}

func TestLoadSources_MissingURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - name: broken\n"), 0o644))

	_, err := LoadSources(path)
	require.Error(t, err)
}
