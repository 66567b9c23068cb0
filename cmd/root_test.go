package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/scopekit/internal/config"
)

func TestConfigInit_WritesFile(t *testing.T) {
	prev := configInitPath
	defer func() { configInitPath = prev }()
	configInitPath = filepath.Join(t.TempDir(), "config.yaml")

	err := runConfigInit(configInitCmd, nil)
	require.NoError(t, err)
	require.FileExists(t, configInitPath)

	data, err := os.ReadFile(configInitPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "dispose_wait_ms")
}

func TestConfigInit_RefusesToOverwrite(t *testing.T) {
	prev := configInitPath
	defer func() { configInitPath = prev }()
	configInitPath = filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, os.WriteFile(configInitPath, []byte("scope: {}\n"), 0o600))

	err := runConfigInit(configInitCmd, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestSetupLogging_DisabledIsNoOp(t *testing.T) {
	prev := cfg
	defer func() { cfg = prev }()
	cfg = config.Defaults()
	cfg.Log.Enabled = false

	cleanup, err := setupLogging()
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	cleanup()
}

func TestSetVersion(t *testing.T) {
	prev := version
	defer SetVersion(prev)

	SetVersion("1.2.3 (test)")
	require.Equal(t, "1.2.3 (test)", rootCmd.Version)
}
