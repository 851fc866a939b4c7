// Package config loads runtime configuration from a YAML file, then applies
// INVOICESYNC_* environment overrides on top of the defaults.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/invoicesync/internal/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "INVOICESYNC_"

// Config contains all runtime configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	// SecretKey, when set, is mixed into the key that seals the remote token.
	SecretKey string `yaml:"secret_key,omitempty"`

	Remote       RemoteConfig       `yaml:"remote"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Retry        RetryConfig        `yaml:"retry"`
	Storage      StorageConfig      `yaml:"storage"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Desktop      DesktopConfig      `yaml:"desktop"`
}

// RemoteConfig configures the remote invoice endpoint.
type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Token     string        `yaml:"token,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent,omitempty"`
}

// ReachabilityConfig configures the active probe.
type ReachabilityConfig struct {
	ProbeURL     string        `yaml:"probe_url"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Interval     time.Duration `yaml:"interval"`
}

// RetryConfig configures per-record backoff.
type RetryConfig struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
	Jitter      float64       `yaml:"jitter"`
}

// StorageConfig bounds the local store and its relief cascade.
type StorageConfig struct {
	// MaxPageCount bounds the database file; 0 leaves SQLite's default.
	MaxPageCount int64 `yaml:"max_page_count"`
	// MaxRecords is an optional row quota; 0 means unlimited.
	MaxRecords int64         `yaml:"max_records"`
	Retention  time.Duration `yaml:"retention"`
	SoftCap    int           `yaml:"soft_cap"`
	HardCap    int           `yaml:"hard_cap"`
}

// SchedulerConfig configures the background triggers.
type SchedulerConfig struct {
	SyncInterval  time.Duration `yaml:"sync_interval"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	SyncOnStart   bool          `yaml:"sync_on_start"`
}

// DesktopConfig configures the local control API.
type DesktopConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  defaultDataDir(),
		LogLevel: "info",
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Reachability: ReachabilityConfig{
			ProbeURL:     "https://clients3.google.com/generate_204",
			ProbeTimeout: 3 * time.Second,
			Interval:     15 * time.Second,
		},
		Retry: RetryConfig{
			Base:        time.Minute,
			Cap:         time.Hour,
			MaxAttempts: 5,
			Jitter:      0.1,
		},
		Storage: StorageConfig{
			Retention: 30 * 24 * time.Hour,
			SoftCap:   150,
			HardCap:   50,
		},
		Scheduler: SchedulerConfig{
			SyncInterval:  5 * time.Minute,
			PruneInterval: 24 * time.Hour,
			SyncOnStart:   true,
		},
		Desktop: DesktopConfig{
			Addr: "127.0.0.1:8090",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "invoicesync")
	}
	return ".invoicesync"
}

// Load reads path (if non-empty), then applies environment overrides. Fields
// missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(errors.ErrConfigInvalid, "read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(errors.ErrConfigInvalid, "parse config file "+path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = EnvString(EnvPrefix+"DATA_DIR", c.DataDir)
	c.LogLevel = EnvString(EnvPrefix+"LOG_LEVEL", c.LogLevel)
	c.SecretKey = EnvString(EnvPrefix+"SECRET_KEY", c.SecretKey)

	c.Remote.BaseURL = EnvString(EnvPrefix+"REMOTE_URL", c.Remote.BaseURL)
	c.Remote.Token = EnvString(EnvPrefix+"REMOTE_TOKEN", c.Remote.Token)
	c.Remote.Timeout = EnvDuration(EnvPrefix+"REMOTE_TIMEOUT", c.Remote.Timeout)

	c.Reachability.ProbeURL = EnvString(EnvPrefix+"PROBE_URL", c.Reachability.ProbeURL)
	c.Reachability.ProbeTimeout = EnvDuration(EnvPrefix+"PROBE_TIMEOUT", c.Reachability.ProbeTimeout)
	c.Reachability.Interval = EnvDuration(EnvPrefix+"PROBE_INTERVAL", c.Reachability.Interval)

	c.Retry.Base = EnvDuration(EnvPrefix+"RETRY_BASE", c.Retry.Base)
	c.Retry.Cap = EnvDuration(EnvPrefix+"RETRY_CAP", c.Retry.Cap)
	c.Retry.MaxAttempts = EnvInt(EnvPrefix+"RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.Jitter = EnvFloat(EnvPrefix+"RETRY_JITTER", c.Retry.Jitter)

	c.Storage.MaxPageCount = EnvInt64(EnvPrefix+"MAX_PAGE_COUNT", c.Storage.MaxPageCount)
	c.Storage.MaxRecords = EnvInt64(EnvPrefix+"MAX_RECORDS", c.Storage.MaxRecords)
	c.Storage.Retention = EnvDuration(EnvPrefix+"RETENTION", c.Storage.Retention)

	c.Scheduler.SyncInterval = EnvDuration(EnvPrefix+"SYNC_INTERVAL", c.Scheduler.SyncInterval)
	c.Scheduler.SyncOnStart = EnvBool(EnvPrefix+"SYNC_ON_START", c.Scheduler.SyncOnStart)

	c.Desktop.Addr = EnvString(EnvPrefix+"HTTP_ADDR", c.Desktop.Addr)
}

// Validate checks the configuration for values the components cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New(errors.ErrConfigInvalid, "data_dir is required")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.Newf(errors.ErrConfigInvalid, "log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}

	if err := validateURL("remote.base_url", c.Remote.BaseURL); err != nil {
		return err
	}
	if c.Remote.Timeout <= 0 {
		return errors.New(errors.ErrConfigInvalid, "remote.timeout must be positive")
	}

	if err := validateURL("reachability.probe_url", c.Reachability.ProbeURL); err != nil {
		return err
	}
	if c.Reachability.ProbeTimeout <= 0 || c.Reachability.Interval <= 0 {
		return errors.New(errors.ErrConfigInvalid, "reachability.probe_timeout and reachability.interval must be positive")
	}

	if c.Retry.Base <= 0 {
		return errors.New(errors.ErrConfigInvalid, "retry.base must be positive")
	}
	if c.Retry.Cap < c.Retry.Base {
		return errors.New(errors.ErrConfigInvalid, "retry.cap must not be below retry.base")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New(errors.ErrConfigInvalid, "retry.max_attempts must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New(errors.ErrConfigInvalid, "retry.jitter must be within [0, 1]")
	}

	if c.Storage.MaxPageCount < 0 || c.Storage.MaxRecords < 0 {
		return errors.New(errors.ErrConfigInvalid, "storage limits must not be negative")
	}
	if c.Storage.Retention <= 0 {
		return errors.New(errors.ErrConfigInvalid, "storage.retention must be positive")
	}
	if c.Storage.HardCap < 0 || c.Storage.SoftCap < c.Storage.HardCap {
		return errors.New(errors.ErrConfigInvalid, "storage caps must satisfy soft_cap >= hard_cap >= 0")
	}

	if strings.TrimSpace(c.Desktop.Addr) == "" {
		return errors.New(errors.ErrConfigInvalid, "desktop.addr is required")
	}
	return nil
}

func validateURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.Newf(errors.ErrConfigInvalid, "%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(errors.ErrConfigInvalid, field+" is not a valid URL", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Newf(errors.ErrConfigInvalid, "%s must use http or https", field)
	}
	if u.Host == "" {
		return errors.Newf(errors.ErrConfigInvalid, "%s has no host", field)
	}
	return nil
}
