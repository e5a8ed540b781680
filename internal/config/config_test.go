package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchReferenceServer(t *testing.T) {
	d := Defaults()
	assert.Equal(t, 5*time.Second, d.GracePeriod)
	assert.Equal(t, 120*time.Second, d.BuildTimeout)
	assert.Equal(t, 10800*time.Second, d.GenericTestTimeout)
	assert.Equal(t, 10800*time.Second, d.IncrementalTestTimeout)
	assert.Equal(t, 10*time.Second, d.PerTestTimeout)
	assert.Equal(t, 15*time.Second, d.KeepAliveInterval)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Timeouts, cfg.Timeouts)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "addr: \":9090\"\ntimeouts:\n  buildTimeout: 60s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.BuildTimeout)
	// Unset fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Timeouts.GracePeriod)
}

func TestEnvOverridesWinOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  buildTimeout: 60s\n"), 0o644))

	t.Setenv("BUILD_TIMEOUT", "30")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.BuildTimeout)
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("BUILD_TIMEOUT", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().BuildTimeout, cfg.Timeouts.BuildTimeout)
}
