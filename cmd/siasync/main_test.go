package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siasync/siasync/internal/client/config"
)

func newTestRootCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "siasync"}
	addRootFlags(cmd)
	// keep the developer's own config out of the way
	t.Setenv("SIASYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	return cmd
}

func TestLoadConfig_Defaults(t *testing.T) {
	cmd := newTestRootCmd(t)

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultSyncDir, cfg.SyncDir)
	assert.Equal(t, config.DefaultDataDir, cfg.DataDir)
	assert.Equal(t, config.DefaultDaemonAddr, cfg.Daemon.Addr)
	assert.Equal(t, config.DefaultWorkers, cfg.Workers)
	assert.Equal(t, config.DefaultReconcileInterval, cfg.ReconcileInterval)
	assert.False(t, cfg.ControlPlane.Enabled)
	assert.Empty(t, cfg.AccountID)
}

func TestLoadConfig_Env(t *testing.T) {
	cmd := newTestRootCmd(t)
	t.Setenv("SIASYNC_ACCOUNT_ID", "alice")
	t.Setenv("SIASYNC_SYNC_DIR", "/tmp/siasync-env")
	t.Setenv("SIASYNC_DAEMON_ADDR", "localhost:1234")
	t.Setenv("SIASYNC_RECONCILE_INTERVAL", "45s")
	t.Setenv("SIASYNC_CONTROL_PLANE_ENABLED", "true")
	t.Setenv("SIASYNC_PARITY_PIECES", "12")

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.AccountID)
	assert.Equal(t, "/tmp/siasync-env", cfg.SyncDir)
	assert.Equal(t, "localhost:1234", cfg.Daemon.Addr)
	assert.Equal(t, 45*time.Second, cfg.ReconcileInterval)
	assert.True(t, cfg.ControlPlane.Enabled)
	assert.Equal(t, 12, cfg.ParityPieces)
}

func TestLoadConfig_JSONFile(t *testing.T) {
	cmd := newTestRootCmd(t)

	configFile := filepath.Join(t.TempDir(), "config.json")
	dummyConfig := `
{
	"account_id": "bob",
	"sync_dir": "/tmp/siasync-json",
	"workers": 7,
	"debounce_window": "5s",
	"daemon": {
		"addr": "localhost:9999",
		"min_contracts": 3
	},
	"control_plane": {
		"enabled": true,
		"token": "from-file"
	}
}`
	require.NoError(t, os.WriteFile(configFile, []byte(dummyConfig), 0o600))
	t.Setenv("SIASYNC_CONFIG_PATH", configFile)

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)

	assert.Equal(t, configFile, cfg.Path)
	assert.Equal(t, "bob", cfg.AccountID)
	assert.Equal(t, "/tmp/siasync-json", cfg.SyncDir)
	assert.Equal(t, 7, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.DebounceWindow)
	assert.Equal(t, "localhost:9999", cfg.Daemon.Addr)
	assert.Equal(t, 3, cfg.Daemon.MinContracts)
	assert.True(t, cfg.ControlPlane.Enabled)
	assert.Equal(t, "from-file", cfg.ControlPlane.Token)
	// untouched keys keep their defaults
	assert.Equal(t, config.DefaultControlPlaneAddr, cfg.ControlPlane.Addr)
}

func TestLoadConfig_SavedConfigRoundTrip(t *testing.T) {
	cmd := newTestRootCmd(t)

	tmp := t.TempDir()
	saved := &config.Config{
		SyncDir:   filepath.Join(tmp, "sync"),
		DataDir:   filepath.Join(tmp, "data"),
		AccountID: "carol",
	}
	require.NoError(t, saved.Validate())
	saved.ReconcileInterval = 2 * time.Minute
	configFile := filepath.Join(tmp, "config.json")
	require.NoError(t, saved.Save(configFile))
	t.Setenv("SIASYNC_CONFIG_PATH", configFile)

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "carol", cfg.AccountID)
	assert.Equal(t, saved.SyncDir, cfg.SyncDir)
	assert.Equal(t, 2*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, saved.ParityPieces, cfg.ParityPieces)
}

func TestLoadConfig_FlagsWinOverEnv(t *testing.T) {
	cmd := newTestRootCmd(t)
	t.Setenv("SIASYNC_ACCOUNT_ID", "alice")
	t.Setenv("SIASYNC_WORKERS", "2")

	require.NoError(t, cmd.Flags().Set("account", "dave"))
	require.NoError(t, cmd.Flags().Set("http", "true"))

	cfg, err := loadConfig(cmd)
	require.NoError(t, err)
	assert.Equal(t, "dave", cfg.AccountID)
	assert.Equal(t, 2, cfg.Workers)
	assert.True(t, cfg.ControlPlane.Enabled)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	cmd := newTestRootCmd(t)

	configFile := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configFile, []byte("{not json"), 0o600))
	t.Setenv("SIASYNC_CONFIG_PATH", configFile)

	_, err := loadConfig(cmd)
	assert.Error(t, err)
}

func TestResolveConfigPath(t *testing.T) {
	cmd := &cobra.Command{Use: "siasync"}
	addRootFlags(cmd)

	t.Setenv("SIASYNC_CONFIG_PATH", "")
	assert.Equal(t, config.DefaultConfigPath, resolveConfigPath(cmd))

	t.Setenv("SIASYNC_CONFIG_PATH", "/tmp/env.json")
	assert.Equal(t, "/tmp/env.json", resolveConfigPath(cmd))

	require.NoError(t, cmd.PersistentFlags().Set("config", "/tmp/flag.json"))
	assert.Equal(t, "/tmp/flag.json", resolveConfigPath(cmd))
}
