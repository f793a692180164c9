package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Instance.ID == "" {
		t.Error("default instance ID should not be empty")
	}
	if cfg.DriverName() != "sqlite3" {
		t.Errorf("default driver = %q, want sqlite3", cfg.DriverName())
	}
	if cfg.Chain.LockTimeout.Duration != 10*time.Second {
		t.Errorf("default lock timeout = %v, want 10s", cfg.Chain.LockTimeout.Duration)
	}
	if cfg.Chain.BackfillBatch != 500 {
		t.Errorf("default backfill batch = %d, want 500", cfg.Chain.BackfillBatch)
	}
	if cfg.Retention.RetentionDays != 30 || cfg.Retention.MaxCount != 50000 {
		t.Errorf("default retention = %+v", cfg.Retention)
	}
	if cfg.Retention.Interval.Duration != 6*time.Hour || cfg.Retention.InitialDelay.Duration != 30*time.Second {
		t.Errorf("default retention schedule = %v / %v", cfg.Retention.Interval.Duration, cfg.Retention.InitialDelay.Duration)
	}
	if cfg.Syslog.Port != 514 || cfg.Syslog.FallbackPort != 5140 {
		t.Errorf("default syslog ports = %d/%d", cfg.Syslog.Port, cfg.Syslog.FallbackPort)
	}
	if cfg.Syslog.SourcesRefresh.Duration != 10*time.Second {
		t.Errorf("default sources refresh = %v", cfg.Syslog.SourcesRefresh.Duration)
	}
	if cfg.Archive.Prefix != "logvault" {
		t.Errorf("default archive prefix = %q", cfg.Archive.Prefix)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level = %q, want %q", cfg.Log.Level, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("loading nonexistent config should return defaults, got error: %v", err)
	}
	if cfg.Syslog.Port != 514 {
		t.Errorf("port = %d, want default 514", cfg.Syslog.Port)
	}
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[instance]
id = "homelab"

[db]
driver = "postgres"
dsn = "postgres://logvault@localhost/logvault?sslmode=disable"

[chain]
lock_backend = "redis"
lock_timeout = "3s"
redis_addr = "redis:6379"

[retention]
retention_days = 7
max_count = 1000
interval = "1h"

[syslog]
port = 1514
parse_priority = true
rate_per_source = 20.5

[archive]
prefix = "homelab"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.Instance.ID != "homelab" {
		t.Errorf("instance ID = %q", cfg.Instance.ID)
	}
	if cfg.DriverName() != "postgres" || !strings.HasPrefix(cfg.DSN(), "postgres://") {
		t.Errorf("db = %q %q", cfg.DriverName(), cfg.DSN())
	}
	if cfg.LockBackend() != "redis" || cfg.Chain.LockTimeout.Duration != 3*time.Second {
		t.Errorf("chain = %+v", cfg.Chain)
	}
	if cfg.Chain.RedisKey != "logvault:chain" {
		t.Errorf("redis key default lost: %q", cfg.Chain.RedisKey)
	}
	if cfg.Retention.RetentionDays != 7 || cfg.Retention.MaxCount != 1000 || cfg.Retention.Interval.Duration != time.Hour {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	// Unset fields keep their defaults.
	if cfg.Retention.InitialDelay.Duration != 30*time.Second {
		t.Errorf("initial delay = %v, want default", cfg.Retention.InitialDelay.Duration)
	}
	if cfg.Syslog.Port != 1514 || cfg.Syslog.FallbackPort != 5140 || !cfg.Syslog.ParsePriority || cfg.Syslog.RatePerSource != 20.5 {
		t.Errorf("syslog = %+v", cfg.Syslog)
	}
	if cfg.Archive.Prefix != "homelab" || cfg.Log.Level != "debug" {
		t.Errorf("archive/log = %q/%q", cfg.Archive.Prefix, cfg.Log.Level)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("this is not valid toml [[["), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.DB.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.DB.Driver = "postgres" }, true},
		{"postgres alias", func(c *Config) { c.DB.Driver = "postgresql"; c.DB.DSN = "x" }, false},
		{"unknown lock", func(c *Config) { c.Chain.LockBackend = "etcd" }, true},
		{"advisory on sqlite", func(c *Config) { c.Chain.LockBackend = "advisory" }, true},
		{"negative retention", func(c *Config) { c.Retention.MaxCount = -1 }, true},
		{"bad port", func(c *Config) { c.Syslog.Port = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDBPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/var/lib/test")
	cfg := Default()
	if got := cfg.DBPath(); got != "/var/lib/test/logvault/events.db" {
		t.Errorf("DBPath = %q", got)
	}
	cfg.DB.Path = "/tmp/x.db"
	if cfg.DSN() != "/tmp/x.db" {
		t.Errorf("DSN = %q", cfg.DSN())
	}
}
