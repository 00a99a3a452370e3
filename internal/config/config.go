// Package config loads yuki's settings.
//
// Precedence, lowest first: built-in defaults, config.yaml (in the data
// directory unless --config names another file), YUKI_* environment
// variables, command-line flags bound to the same keys.
//
// Environment variables use the key with dots replaced by underscores:
// sync.poll_interval is YUKI_SYNC_POLL_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "YUKI"

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// Config is the effective configuration.
type Config struct {
	DataDir      string     `mapstructure:"data_dir"`
	DBPath       string     `mapstructure:"db_path"`
	IdentityPath string     `mapstructure:"identity_path"`
	Sync         SyncConfig `mapstructure:"sync"`
	Log          LogConfig  `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// SyncConfig controls replication.
type SyncConfig struct {
	// Enabled turns replication off entirely when false.
	Enabled bool `mapstructure:"enabled"`

	// Tool is the rclone binary name or path.
	Tool string `mapstructure:"tool"`

	// Backends lists rclone remote names in order of preference.
	Backends []string `mapstructure:"backends"`

	// Root is the folder on the remote that holds yuki's files.
	Root string `mapstructure:"root"`

	Debounce       time.Duration `mapstructure:"debounce"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`

	// ToolTimeout bounds each rclone invocation. Zero leaves it to rclone.
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`

	// ShutdownTimeout bounds the final cycle of 'yuki serve'. Zero waits for
	// it to finish.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// New returns a viper instance with yuki's defaults and environment
// bindings. Callers bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("db_path", "")
	v.SetDefault("identity_path", "")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.tool", "rclone")
	v.SetDefault("sync.backends", []string{"gdrive", "onedrive"})
	v.SetDefault("sync.root", "yuki-sync")
	v.SetDefault("sync.debounce", 15*time.Second)
	v.SetDefault("sync.poll_interval", 5*time.Minute)
	v.SetDefault("sync.snapshot_max_age", 24*time.Hour)
	v.SetDefault("sync.tool_timeout", time.Duration(0))
	v.SetDefault("sync.shutdown_timeout", time.Duration(0))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "yuki")
	}
	return ".yuki"
}

// Load reads the config file and returns the effective configuration.
// configFile may be empty, in which case config.yaml in the data directory
// is used if it exists. An explicitly named file must exist.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	explicit := configFile != ""
	if !explicit {
		configFile = filepath.Join(v.GetString("data_dir"), FileName)
	}

	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")

	read := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case !explicit && (errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)):
			read = false
		default:
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	if read {
		cfg.File = configFile
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "yuki.db")
	}
	if c.IdentityPath == "" {
		c.IdentityPath = filepath.Join(c.DataDir, "device.json")
	}
}

// Validate checks settings that would otherwise fail later and obscurely.
func (c *Config) Validate() error {
	if c.Sync.Debounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive, got %s", c.Sync.Debounce)
	}
	if c.Sync.PollInterval < 0 {
		return fmt.Errorf("sync.poll_interval must not be negative, got %s", c.Sync.PollInterval)
	}
	if c.Sync.ToolTimeout < 0 {
		return fmt.Errorf("sync.tool_timeout must not be negative, got %s", c.Sync.ToolTimeout)
	}
	if c.Sync.ShutdownTimeout < 0 {
		return fmt.Errorf("sync.shutdown_timeout must not be negative, got %s", c.Sync.ShutdownTimeout)
	}
	if c.Sync.SnapshotMaxAge <= 0 {
		return fmt.Errorf("sync.snapshot_max_age must be positive, got %s", c.Sync.SnapshotMaxAge)
	}
	if c.Sync.Enabled && len(c.Sync.Backends) == 0 {
		return fmt.Errorf("sync.backends must name at least one rclone remote")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// YAML renders the configuration the way it would be written in
// config.yaml, with durations in Go notation.
func (c *Config) YAML() ([]byte, error) {
	out := map[string]any{
		"data_dir":      c.DataDir,
		"db_path":       c.DBPath,
		"identity_path": c.IdentityPath,
		"sync": map[string]any{
			"enabled":          c.Sync.Enabled,
			"tool":             c.Sync.Tool,
			"backends":         c.Sync.Backends,
			"root":             c.Sync.Root,
			"debounce":         c.Sync.Debounce.String(),
			"poll_interval":    c.Sync.PollInterval.String(),
			"snapshot_max_age": c.Sync.SnapshotMaxAge.String(),
			"tool_timeout":     c.Sync.ToolTimeout.String(),
			"shutdown_timeout": c.Sync.ShutdownTimeout.String(),
		},
		"log": map[string]any{
			"level":        c.Log.Level,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
		},
	}
	return yaml.Marshal(out)
}
