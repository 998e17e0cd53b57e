// CLAUDE:SUMMARY Service configuration: YAML file, SHELFWATCH_* environment overlay, defaults and validation.
package shelf

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/shelfwatch/channels"
	"github.com/hazyhaar/shelfwatch/shelf/internal/catalog"
	"github.com/hazyhaar/shelfwatch/shelf/internal/lockfile"
	"github.com/hazyhaar/shelfwatch/shelf/internal/notify"
)

// EnvPrefix prefixes every environment override, e.g. SHELFWATCH_CHECK_INTERVAL.
const EnvPrefix = "SHELFWATCH_"

// Source kinds.
const (
	SourceShelf  = "shelf"  // tracked set is an OPAC shelf listing
	SourcePinned = "pinned" // tracked set is configured and added MARC numbers
)

// Store backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Config holds all shelfwatch configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source" envPrefix:"SOURCE_"`
	Catalog   catalog.Config  `yaml:"catalog" envPrefix:"CATALOG_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Check     CheckConfig     `yaml:"check" envPrefix:"CHECK_"`
	Lock      LockConfig      `yaml:"lock" envPrefix:"LOCK_"`
	Notify    NotifyConfig    `yaml:"notify" envPrefix:"NOTIFY_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
}

// SourceConfig selects where the tracked set comes from.
type SourceConfig struct {
	// Kind is "shelf" or "pinned". Default: "pinned".
	Kind string `yaml:"kind" env:"KIND"`
	// Shelf is the OPAC shelf class id (shelf mode).
	Shelf string `yaml:"shelf" env:"SHELF"`
	// Items are MARC numbers always tracked (pinned mode).
	Items []string `yaml:"items" env:"ITEMS" envSeparator:","`
}

// StoreConfig selects the snapshot backend.
type StoreConfig struct {
	// Backend is "json" or "sqlite". Default: "json".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path of the snapshot file. Default: "book.json" or "shelfwatch.db".
	Path string `yaml:"path" env:"PATH"`
	// LockPath of the marker file. Default: "<path>.lock".
	LockPath string `yaml:"lock_path" env:"LOCK_PATH"`
}

// CheckConfig tunes cycles.
type CheckConfig struct {
	// Interval between cycles. Default: 1h.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// DigestInterval between status digests. Default: 24h. Negative disables.
	DigestInterval time.Duration `yaml:"digest_interval" env:"DIGEST_INTERVAL"`
	// DigestOnStart sends a digest when the service starts.
	DigestOnStart bool `yaml:"digest_on_start" env:"DIGEST_ON_START"`
	// FetchTimeout bounds each item fetch. Default: 30s.
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	// MaxConcurrent caps concurrent fetches. Default: 8.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// SuppressRemoved drops "stopped tracking" notifications.
	SuppressRemoved bool `yaml:"suppress_removed" env:"SUPPRESS_REMOVED"`
}

// LockConfig tunes snapshot lock acquisition.
type LockConfig struct {
	// Mode is "block" or "nonblock". Default: "block".
	Mode string `yaml:"mode" env:"MODE"`
	// Timeout bounds a blocking wait. 0 waits for as long as the cycle runs.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// PollInterval between attempts in blocking mode. Default: 1s.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// NotifyConfig configures batches and channels.
type NotifyConfig struct {
	notify.Config `yaml:",inline"`
	Channels      []channels.Spec `yaml:"channels" env:"-"`
}

// HTTPConfig configures the operational API.
type HTTPConfig struct {
	// Addr to listen on, e.g. "127.0.0.1:8420". Empty disables the API.
	Addr string `yaml:"addr" env:"ADDR"`
	// Username and PasswordHash (bcrypt) enable Basic Auth.
	Username     string `yaml:"username" env:"USERNAME"`
	PasswordHash string `yaml:"password_hash" env:"PASSWORD_HASH"`
	// RateLimit caps POST requests per client per minute. Default: 6.
	// Negative disables the limit.
	RateLimit int `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// TelemetryConfig configures the telemetry database: audit trail of API and
// MCP actions and cycle metrics.
type TelemetryConfig struct {
	// Path of the SQLite telemetry database. Empty disables telemetry.
	Path string `yaml:"path" env:"PATH"`
	// Retention of telemetry rows. Default: 2160h (90 days). Negative keeps everything.
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
}

func (c *Config) defaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourcePinned
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendJSON
	}
	if c.Store.Path == "" {
		if c.Store.Backend == BackendSQLite {
			c.Store.Path = "shelfwatch.db"
		} else {
			c.Store.Path = "book.json"
		}
	}
	if c.Store.LockPath == "" {
		c.Store.LockPath = c.Store.Path + ".lock"
	}
	if c.Check.Interval <= 0 {
		c.Check.Interval = time.Hour
	}
	if c.Check.DigestInterval == 0 {
		c.Check.DigestInterval = 24 * time.Hour
	}
	if c.Check.FetchTimeout <= 0 {
		c.Check.FetchTimeout = 30 * time.Second
	}
	if c.Check.MaxConcurrent <= 0 {
		c.Check.MaxConcurrent = 8
	}
	if c.Lock.Mode == "" {
		c.Lock.Mode = "block"
	}
	if c.Lock.PollInterval <= 0 {
		c.Lock.PollInterval = time.Second
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = 6
	}
	if c.Telemetry.Retention == 0 {
		c.Telemetry.Retention = 90 * 24 * time.Hour
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Kind {
	case SourceShelf:
		if c.Source.Shelf == "" {
			errs = append(errs, errors.New("source.shelf is required in shelf mode"))
		}
	case SourcePinned:
	default:
		errs = append(errs, fmt.Errorf("source.kind %q: want %q or %q", c.Source.Kind, SourceShelf, SourcePinned))
	}
	if c.Catalog.BaseURL == "" {
		errs = append(errs, errors.New("catalog.base_url is required"))
	}
	if c.Store.Backend != BackendJSON && c.Store.Backend != BackendSQLite {
		errs = append(errs, fmt.Errorf("store.backend %q: want %q or %q", c.Store.Backend, BackendJSON, BackendSQLite))
	}
	if _, err := lockfile.ParseMode(c.Lock.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Username != "" && c.HTTP.PasswordHash == "" {
		errs = append(errs, errors.New("http.password_hash is required with http.username"))
	}
	if c.Telemetry.Path != "" && c.Telemetry.Path == c.Store.Path {
		errs = append(errs, errors.New("telemetry.path must differ from store.path"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfigFile reads a YAML config file, overlays SHELFWATCH_* environment
// variables, fills defaults and validates the result. An empty path reads
// the environment only.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("shelf: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("shelf: parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("shelf: parse env: %w", err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) lockOptions() lockfile.Options {
	mode, _ := lockfile.ParseMode(c.Lock.Mode)
	return lockfile.Options{
		Mode:         mode,
		Timeout:      c.Lock.Timeout,
		PollInterval: c.Lock.PollInterval,
	}
}

func (c *Config) digestInterval() time.Duration {
	if c.Check.DigestInterval < 0 {
		return 0
	}
	return c.Check.DigestInterval
}
