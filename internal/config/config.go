// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for logvault.
type Config struct {
	Instance  InstanceConfig  `toml:"instance"`
	DB        DBConfig        `toml:"db"`
	Chain     ChainConfig     `toml:"chain"`
	Retention RetentionConfig `toml:"retention"`
	Syslog    SyslogConfig    `toml:"syslog"`
	HTTP      HTTPConfig      `toml:"http"`
	Archive   ArchiveConfig   `toml:"archive"`
	Log       LogConfig       `toml:"log"`
}

// InstanceConfig identifies this deployment.
type InstanceConfig struct {
	ID string `toml:"id"`
}

// DBConfig selects the ledger backend. Path is used by sqlite, DSN by
// postgres.
type DBConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// ChainConfig controls the chain lock and repair batches.
type ChainConfig struct {
	// LockBackend is "auto", "mutex", "redis" or "advisory".
	LockBackend   string   `toml:"lock_backend"`
	LockTimeout   Duration `toml:"lock_timeout"`
	BackfillBatch int      `toml:"backfill_batch"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisKey      string   `toml:"redis_key"`
	AdvisoryKey   int64    `toml:"advisory_key"`
}

// RetentionConfig controls pruning. A zero policy value disables it.
type RetentionConfig struct {
	RetentionDays int      `toml:"retention_days"`
	MaxCount      int      `toml:"max_count"`
	Interval      Duration `toml:"interval"`
	InitialDelay  Duration `toml:"initial_delay"`
}

// SyslogConfig controls the UDP listener.
type SyslogConfig struct {
	Enabled        bool     `toml:"enabled"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	FallbackPort   int      `toml:"fallback_port"`
	SourcesRefresh Duration `toml:"sources_refresh"`
	ParsePriority  bool     `toml:"parse_priority"`
	RatePerSource  float64  `toml:"rate_per_source"`
	Burst          int      `toml:"burst"`
	SubmitTimeout  Duration `toml:"submit_timeout"`
}

// HTTPConfig controls the HTTP API.
type HTTPConfig struct {
	Listen string `toml:"listen"`
}

// ArchiveConfig controls archive file naming.
type ArchiveConfig struct {
	Prefix string `toml:"prefix"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "5m", "1h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID: hostname,
		},
		DB: DBConfig{
			Driver: "sqlite3",
		},
		Chain: ChainConfig{
			LockBackend:   "auto",
			LockTimeout:   Duration{10 * time.Second},
			BackfillBatch: 500,
			RedisAddr:     "localhost:6379",
			RedisKey:      "logvault:chain",
			AdvisoryKey:   0x6c6f677661756c74,
		},
		Retention: RetentionConfig{
			RetentionDays: 30,
			MaxCount:      50000,
			Interval:      Duration{6 * time.Hour},
			InitialDelay:  Duration{30 * time.Second},
		},
		Syslog: SyslogConfig{
			Enabled:        true,
			Port:           514,
			FallbackPort:   5140,
			SourcesRefresh: Duration{10 * time.Second},
			Burst:          50,
			SubmitTimeout:  Duration{15 * time.Second},
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
		},
		Archive: ArchiveConfig{
			Prefix: "logvault",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "logvault", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.DriverName() {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("db.driver %q: must be sqlite3 or postgres", c.DB.Driver)
	}
	if c.DriverName() == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required for postgres")
	}
	switch c.LockBackend() {
	case "auto", "mutex", "redis", "advisory":
	default:
		return fmt.Errorf("chain.lock_backend %q: must be auto, mutex, redis or advisory", c.Chain.LockBackend)
	}
	if c.LockBackend() == "advisory" && c.DriverName() != "postgres" {
		return fmt.Errorf("chain.lock_backend advisory requires the postgres driver")
	}
	if c.Retention.RetentionDays < 0 || c.Retention.MaxCount < 0 {
		return fmt.Errorf("retention limits must not be negative")
	}
	if c.Syslog.Port < 0 || c.Syslog.Port > 65535 || c.Syslog.FallbackPort < 0 || c.Syslog.FallbackPort > 65535 {
		return fmt.Errorf("syslog ports must be between 0 and 65535")
	}
	return nil
}

// DriverName returns the normalized database driver.
func (c *Config) DriverName() string {
	switch d := strings.ToLower(c.DB.Driver); d {
	case "", "sqlite", "sqlite3":
		return "sqlite3"
	case "postgresql", "pg":
		return "postgres"
	default:
		return d
	}
}

// LockBackend returns the normalized lock backend.
func (c *Config) LockBackend() string {
	if c.Chain.LockBackend == "" {
		return "auto"
	}
	return strings.ToLower(c.Chain.LockBackend)
}

// DBPath returns the sqlite file path, defaulting to the XDG data directory.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.Getenv("HOME")
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "logvault", "events.db")
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.DriverName() == "postgres" {
		return c.DB.DSN
	}
	return c.DBPath()
}
