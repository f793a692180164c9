// Package store provides the SQL-backed hash-chain event ledger.
//
// SQLite (mattn/go-sqlite3) is the default backend; Postgres (lib/pq) is
// supported through the same queries, rebound by sqlx. Every mutation of the
// chain links (Append, ApplyHashes, PruneBefore, Import) runs under a single
// lock.Locker so that two writers can never read the same tail hash.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/lock"
	"github.com/setevik/logvault/internal/metrics"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when an event or source does not exist.
var ErrNotFound = errors.New("not found")

// DB is the hash-chain store. It is the single owner of the chain tail.
type DB struct {
	db      *sqlx.DB
	driver  string
	locker  lock.Locker
	now     func() time.Time
	metrics *metrics.Metrics
}

type options struct {
	locker      lock.Locker
	lockTimeout time.Duration
	advisoryKey int64
	now         func() time.Time
	metrics     *metrics.Metrics
}

// Option configures Open.
type Option func(*options)

// WithLocker overrides the chain lock. Without it, Postgres uses an advisory
// lock and SQLite an in-process mutex.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithLockTimeout bounds chain lock acquisition for the default lockers.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// WithAdvisoryKey sets the Postgres advisory lock key used when no locker
// is given.
func WithAdvisoryKey(key int64) Option {
	return func(o *options) { o.advisoryKey = key }
}

// WithClock replaces time.Now for stamping appends.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records append and lock metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Open opens or creates the store. For SQLite, dsn is a file path.
func Open(driver, dsn string, opts ...Option) (*DB, error) {
	o := options{now: time.Now, advisoryKey: lock.DefaultAdvisoryKey}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite, "sqlite", "":
		driver = DriverSQLite
		if err := os.MkdirAll(filepath.Dir(dsn), 0o750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		db, err = sqlx.Open(DriverSQLite, dsn+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		// Single writer connection to avoid SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sqlx.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	if o.locker == nil {
		if driver == DriverPostgres {
			o.locker = lock.NewAdvisory(db.DB, o.advisoryKey, o.lockTimeout)
		} else {
			o.locker = lock.NewMutex("chain", o.lockTimeout)
		}
	}

	return &DB{
		db:      db,
		driver:  driver,
		locker:  o.locker,
		now:     o.now,
		metrics: o.metrics,
	}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Driver returns the backend driver name.
func (d *DB) Driver() string {
	return d.driver
}

// acquire takes the chain lock and records how long it took.
func (d *DB) acquire(ctx context.Context) (lock.Release, error) {
	start := time.Now()
	release, err := d.locker.Acquire(ctx)
	d.metrics.LockWait(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("acquiring chain lock: %w", err)
	}
	return release, nil
}

const eventColumns = `id, timestamp, level, source, message, hostname, ip_address, metadata,
	interpretation, category, device_type, is_ai_analyzed, repeat_count, last_seen,
	event_hash, previous_hash`

// eventRow is the SQL shape of an event.
type eventRow struct {
	ID             string         `db:"id"`
	Timestamp      string         `db:"timestamp"`
	Level          string         `db:"level"`
	Source         string         `db:"source"`
	Message        string         `db:"message"`
	Hostname       sql.NullString `db:"hostname"`
	IPAddress      sql.NullString `db:"ip_address"`
	Metadata       sql.NullString `db:"metadata"`
	Interpretation sql.NullString `db:"interpretation"`
	Category       sql.NullString `db:"category"`
	DeviceType     sql.NullString `db:"device_type"`
	IsAIAnalyzed   bool           `db:"is_ai_analyzed"`
	RepeatCount    int            `db:"repeat_count"`
	LastSeen       string         `db:"last_seen"`
	EventHash      sql.NullString `db:"event_hash"`
	PreviousHash   sql.NullString `db:"previous_hash"`
}

func (r *eventRow) model() (*event.Event, error) {
	ts, err := parseTime(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", r.ID, err)
	}
	lastSeen, err := parseTime(r.LastSeen)
	if err != nil {
		lastSeen = ts
	}

	ev := &event.Event{
		ID:             r.ID,
		Timestamp:      ts,
		Level:          event.Level(r.Level),
		Source:         r.Source,
		Message:        r.Message,
		Hostname:       r.Hostname.String,
		IPAddress:      r.IPAddress.String,
		Interpretation: r.Interpretation.String,
		Category:       r.Category.String,
		DeviceType:     r.DeviceType.String,
		IsAIAnalyzed:   r.IsAIAnalyzed,
		RepeatCount:    r.RepeatCount,
		LastSeen:       lastSeen,
		EventHash:      r.EventHash.String,
		PreviousHash:   r.PreviousHash.String,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		ev.Metadata = json.RawMessage(r.Metadata.String)
	}
	return ev, nil
}

func models(rows []eventRow) ([]*event.Event, error) {
	events := make([]*event.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func formatTime(ts time.Time) string {
	return chain.FormatTime(ts)
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(chain.TimeLayout, s)
	if err != nil {
		// Rows imported from elsewhere may carry other RFC 3339 precisions.
		ts, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func migrate(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id             TEXT PRIMARY KEY,
			timestamp      TEXT NOT NULL,
			level          TEXT NOT NULL,
			source         TEXT NOT NULL,
			message        TEXT NOT NULL,
			hostname       TEXT,
			ip_address     TEXT,
			metadata       TEXT,
			interpretation TEXT,
			category       TEXT,
			device_type    TEXT,
			is_ai_analyzed BOOLEAN NOT NULL DEFAULT FALSE,
			repeat_count   INTEGER NOT NULL DEFAULT 0,
			last_seen      TEXT NOT NULL,
			event_hash     TEXT,
			previous_hash  TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_chain ON events(timestamp, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_dedup ON events(source, last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip_address, timestamp)`,
		`CREATE TABLE IF NOT EXISTS chain_anchor (
			id        INTEGER PRIMARY KEY,
			hash      TEXT NOT NULL,
			sealed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			ip_address TEXT NOT NULL UNIQUE,
			color      TEXT,
			last_seen  TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date")
	return nil
}
