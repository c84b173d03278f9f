package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/siasync/siasync/internal/utils"
)

var (
	home, _                 = os.UserHomeDir()
	DefaultConfigPath       = filepath.Join(home, ".siasync", "config.json")
	DefaultDataDir          = filepath.Join(home, ".siasync")
	DefaultSyncDir          = filepath.Join(home, "SiaSync")
	DefaultDaemonAddr       = "localhost:9980"
	DefaultControlPlaneAddr = "localhost:7939"
)

const (
	MinDataPieces   = 1
	MinParityPieces = 10

	DefaultDataPieces   = 10
	DefaultParityPieces = 20
	DefaultMinContracts = 20
	DefaultWorkers      = 4

	DefaultReconcileInterval    = 30 * time.Second
	DefaultTransferPollInterval = 10 * time.Second
	DefaultStatusInterval       = 5 * time.Second
	DefaultDebounceWindow       = 3 * time.Second
	DefaultRestartWait          = 10 * time.Second
	DefaultMaxRestarts          = 3

	remotePrefixRoot = "siasync"
	storeFileName    = "siasync.db"
	logFileName      = "siasync.log"
)

var (
	ErrNoSyncDir   = errors.New("config: sync dir missing")
	ErrNoAccountID = errors.New("config: account id missing")
	ErrNestedDirs  = errors.New("config: sync dir and data dir must not contain each other")
)

type DaemonConfig struct {
	Addr         string        `json:"addr" mapstructure:"addr"`
	Password     string        `json:"password,omitempty" mapstructure:"password"`
	Binary       string        `json:"binary,omitempty" mapstructure:"binary"`
	DataDir      string        `json:"data_dir,omitempty" mapstructure:"data_dir"`
	MinContracts int           `json:"min_contracts" mapstructure:"min_contracts"`
	RestartWait  time.Duration `json:"restart_wait" mapstructure:"restart_wait"`
	MaxRestarts  int           `json:"max_restarts" mapstructure:"max_restarts"`
}

type ControlPlaneConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
	Token   string `json:"token,omitempty" mapstructure:"token"`
}

type Config struct {
	SyncDir   string `json:"sync_dir" mapstructure:"sync_dir"`
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	AccountID string `json:"account_id" mapstructure:"account_id"`
	// User labels conflicted copies
	User string `json:"user" mapstructure:"user"`

	Daemon       DaemonConfig       `json:"daemon" mapstructure:"daemon"`
	ControlPlane ControlPlaneConfig `json:"control_plane" mapstructure:"control_plane"`

	DataPieces   int `json:"data_pieces" mapstructure:"data_pieces"`
	ParityPieces int `json:"parity_pieces" mapstructure:"parity_pieces"`
	Workers      int `json:"workers" mapstructure:"workers"`

	ReconcileInterval    time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval"`
	TransferPollInterval time.Duration `json:"transfer_poll_interval" mapstructure:"transfer_poll_interval"`
	StatusInterval       time.Duration `json:"status_interval" mapstructure:"status_interval"`
	DebounceWindow       time.Duration `json:"debounce_window" mapstructure:"debounce_window"`

	StatusStream bool `json:"status_stream" mapstructure:"status_stream"`

	Path string `json:"-" mapstructure:"-"`
}

// Validate checks required fields and fills in defaults. Paths are made absolute.
func (c *Config) Validate() error {
	var err error

	if strings.TrimSpace(c.SyncDir) == "" {
		return ErrNoSyncDir
	}
	if strings.TrimSpace(c.AccountID) == "" {
		return ErrNoAccountID
	}

	if c.SyncDir, err = utils.ResolvePath(c.SyncDir); err != nil {
		return fmt.Errorf("config: sync dir: %w", err)
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.DataDir, err = utils.ResolvePath(c.DataDir); err != nil {
		return fmt.Errorf("config: data dir: %w", err)
	}

	if isWithin(c.SyncDir, c.DataDir) || isWithin(c.DataDir, c.SyncDir) {
		return ErrNestedDirs
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config: path: %w", err)
		}
	}

	if c.User == "" {
		c.User = defaultUser()
	}

	c.normalizeRedundancy()
	c.normalizeDaemon()
	c.normalizeIntervals()

	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.ControlPlane.Addr == "" {
		c.ControlPlane.Addr = DefaultControlPlaneAddr
	}

	return nil
}

func (c *Config) normalizeRedundancy() {
	if c.DataPieces <= 0 {
		c.DataPieces = DefaultDataPieces
	}
	if c.ParityPieces <= 0 {
		c.ParityPieces = DefaultParityPieces
	}
	c.DataPieces = max(c.DataPieces, MinDataPieces)
	c.ParityPieces = max(c.ParityPieces, MinParityPieces)
}

func (c *Config) normalizeDaemon() {
	if c.Daemon.Addr == "" {
		c.Daemon.Addr = DefaultDaemonAddr
	}
	if c.Daemon.MinContracts < 0 {
		c.Daemon.MinContracts = 0
	}
	if c.Daemon.RestartWait <= 0 {
		c.Daemon.RestartWait = DefaultRestartWait
	}
	if c.Daemon.MaxRestarts <= 0 {
		c.Daemon.MaxRestarts = DefaultMaxRestarts
	}
}

func (c *Config) normalizeIntervals() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.TransferPollInterval <= 0 {
		c.TransferPollInterval = DefaultTransferPollInterval
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = DefaultStatusInterval
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
}

// RemotePrefix is the namespace under which this account's files live on the network.
func (c *Config) RemotePrefix() string {
	sum := sha256.Sum256([]byte(c.AccountID))
	return remotePrefixRoot + "/" + hex.EncodeToString(sum[:])[:16]
}

func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, storeFileName)
}

func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "logs", logFileName)
}

func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}

// Save writes the config as JSON to path, or to c.Path when path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.Path
	}
	if path == "" {
		path = DefaultConfigPath
	}
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// holds the daemon password
	return os.WriteFile(path, data, 0o600)
}

func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Path = path

	return &cfg, nil
}

func isWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "siasync"
}
