package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sessions: 1000\ntimezone: Europe/Paris\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MaxSessions)
	assert.Equal(t, "Europe/Paris", cfg.Timezone)
	assert.Equal(t, 30, cfg.DefaultHeartbeatSec, "unset fields keep their default")
}

func TestReconnectMaxMustNotBeBelowInitial(t *testing.T) {
	cfg := Default()
	cfg.ReconnectMaxMs = cfg.ReconnectInitialMs - 1
	assert.Error(t, cfg.Validate())
}

func TestUnknownTimezoneRejected(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Not/AZone"
	assert.Error(t, cfg.Validate())
}
