package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockboxhq/secretd/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon-config.json")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Vault.IdleLockMinutes)
	require.False(t, cfg.Activation.AutoActivate)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon-config.json")

	cfg := config.DefaultConfig()
	cfg.Vault.IdleLockMinutes = 15
	cfg.Activation.AutoActivate = true
	cfg.Activation.Endpoint = "https://entitlements.example.com"
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 15, got.Vault.IdleLockMinutes)
	require.True(t, got.Activation.AutoActivate)
	require.Equal(t, "https://entitlements.example.com", got.Activation.Endpoint)
}

func TestIdleLockDurationFallsBackWhenUnset(t *testing.T) {
	cfg := &config.Config{}
	require.Equal(t, 5*time.Minute, cfg.IdleLockDuration(5*time.Minute))

	cfg.Vault.IdleLockMinutes = 20
	require.Equal(t, 20*time.Minute, cfg.IdleLockDuration(5*time.Minute))
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "daemon-config.json")

	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Save(path))

	_, err := os.Stat(path)
	require.NoError(t, err)
}
