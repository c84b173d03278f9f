package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siasync/siasync/internal/client"
	"github.com/siasync/siasync/internal/client/config"
	"github.com/siasync/siasync/internal/version"
)

const (
	envPrefix      = "SIASYNC"
	configFileName = "config"
)

var rootCmd = &cobra.Command{
	Use:     "siasync",
	Short:   "Keep a local folder in sync with decentralized storage",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// all good now, show header
		cmd.SilenceUsage = true
		showHeader(cmd)

		closeLog, err := setupFileLogging(cfg.LogFilePath(), logLevel(cmd))
		if err != nil {
			return err
		}
		defer closeLog()

		slog.Info("siasync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)
		if cfg.Path != "" {
			slog.Info("using config", "path", cfg.Path)
		}

		c, err := client.New(cfg)
		if err != nil {
			return err
		}
		if token := c.ControlPlaneToken(); token != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", gray.Render("control plane token:"), token)
		}

		defer slog.Info("Bye!")
		if err := c.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("client start", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	addRootFlags(rootCmd)
}

func addRootFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("sync-dir", "s", config.DefaultSyncDir, "Directory to keep in sync")
	cmd.Flags().StringP("account", "a", "", "Account id, selects the remote namespace")
	cmd.Flags().String("user", "", "Name used to label conflicted copies")
	cmd.Flags().String("daemon-addr", config.DefaultDaemonAddr, "Storage daemon API address")
	cmd.Flags().String("daemon-password", "", "Storage daemon API password")
	cmd.Flags().String("daemon-binary", "", "Storage daemon executable, started and restarted by siasync")
	cmd.Flags().Int("workers", config.DefaultWorkers, "Concurrent transfer workers")
	cmd.Flags().Bool("http", false, "Serve the local control plane")
	cmd.Flags().String("http-addr", config.DefaultControlPlaneAddr, "Address to bind the control plane")
	cmd.Flags().String("http-token", "", "Bearer token for the control plane, generated when empty")
	cmd.Flags().Bool("status-stream", false, "Write status events as JSON lines to stdout")

	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "siasync config file")
	cmd.PersistentFlags().StringP("data-dir", "d", config.DefaultDataDir, "Directory for the record store, logs and staging files")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

func main() {
	// best effort, a missing .env is normal
	_ = godotenv.Load()

	setupConsoleLogging(slog.LevelInfo)

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"sync-dir":        "sync_dir",
	"data-dir":        "data_dir",
	"account":         "account_id",
	"user":            "user",
	"daemon-addr":     "daemon.addr",
	"daemon-password": "daemon.password",
	"daemon-binary":   "daemon.binary",
	"workers":         "workers",
	"http":            "control_plane.enabled",
	"http-addr":       "control_plane.addr",
	"http-token":      "control_plane.token",
	"status-stream":   "status_stream",
}

// loadConfig merges the config file, SIASYNC_* environment variables and flags.
// Flags win over the environment, which wins over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()

	if configPath := resolveConfigPath(cmd); configPath != config.DefaultConfigPath {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(filepath.Dir(config.DefaultConfigPath))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	setDefaults(v)

	for flag, key := range flagKeys {
		if f := cmd.Flag(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can find it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("sync_dir", config.DefaultSyncDir)
	v.SetDefault("data_dir", config.DefaultDataDir)
	v.SetDefault("account_id", "")
	v.SetDefault("user", "")
	v.SetDefault("daemon.addr", config.DefaultDaemonAddr)
	v.SetDefault("daemon.password", "")
	v.SetDefault("daemon.binary", "")
	v.SetDefault("daemon.data_dir", "")
	v.SetDefault("daemon.min_contracts", config.DefaultMinContracts)
	v.SetDefault("daemon.restart_wait", config.DefaultRestartWait)
	v.SetDefault("daemon.max_restarts", config.DefaultMaxRestarts)
	v.SetDefault("control_plane.enabled", false)
	v.SetDefault("control_plane.addr", config.DefaultControlPlaneAddr)
	v.SetDefault("control_plane.token", "")
	v.SetDefault("data_pieces", config.DefaultDataPieces)
	v.SetDefault("parity_pieces", config.DefaultParityPieces)
	v.SetDefault("workers", config.DefaultWorkers)
	v.SetDefault("reconcile_interval", config.DefaultReconcileInterval)
	v.SetDefault("transfer_poll_interval", config.DefaultTransferPollInterval)
	v.SetDefault("status_interval", config.DefaultStatusInterval)
	v.SetDefault("debounce_window", config.DefaultDebounceWindow)
	v.SetDefault("status_stream", false)
}

// resolveConfigPath picks the config file from the flag, then SIASYNC_CONFIG_PATH, then the default.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		return envPath
	}
	return config.DefaultConfigPath
}

func logLevel(cmd *cobra.Command) slog.Level {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func showHeader(cmd *cobra.Command) {
	fmt.Fprintln(cmd.ErrOrStderr(), cyan.Bold(true).Render(version.ShortWithApp()))
}
