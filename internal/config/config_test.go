package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 7420, cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Hooks.AllowNestedProjectMove)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"server":{"port":9000},"log_level":"debug","hooks":{"allow_nested_project_move":true}}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Hooks.AllowNestedProjectMove)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv(nestedMoveEnv, "true")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.True(t, cfg.Hooks.AllowNestedProjectMove)

	t.Setenv(nestedMoveEnv, "maybe")
	_, err = Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	t.Setenv("TIGSYNC_ENV", "prod")
	assert.Equal(t, "config/config.prod.json", Path())
}
