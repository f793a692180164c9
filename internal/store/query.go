package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
)

// QueryFilter controls which events are returned by Query.
type QueryFilter struct {
	Since    time.Time
	Until    time.Time
	Source   string
	Category string
	Level    string
	// Search matches message, interpretation, source or IP address.
	Search string
	Limit  int
}

// Query returns events matching the filter, ordered by timestamp descending.
func (d *DB) Query(ctx context.Context, f QueryFilter) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, formatTime(f.Until))
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Search != "" {
		like := "%" + strings.ToLower(f.Search) + "%"
		query += ` AND (LOWER(message) LIKE ? OR LOWER(COALESCE(interpretation, '')) LIKE ?
			OR LOWER(source) LIKE ? OR LOWER(COALESCE(ip_address, '')) LIKE ?)`
		args = append(args, like, like, like, like)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []eventRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	return models(rows)
}

// Range returns the events with since <= timestamp < until in chain order.
func (d *DB) Range(ctx context.Context, since, until time.Time) ([]*event.Event, error) {
	var rows []eventRow
	err := d.db.SelectContext(ctx, &rows, d.db.Rebind(`
		SELECT `+eventColumns+` FROM events
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, id ASC`), formatTime(since), formatTime(until))
	if err != nil {
		return nil, fmt.Errorf("reading event range: %w", err)
	}
	return models(rows)
}

// Get returns one event by ID.
func (d *DB) Get(ctx context.Context, id string) (*event.Event, error) {
	var row eventRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading event: %w", err)
	}
	return row.model()
}

// Import inserts events exactly as given, keeping their IDs, timestamps and
// links. Events whose ID already exists are skipped. Imported rows without
// hashes are relinked by a later backfill.
func (d *DB) Import(ctx context.Context, events []*event.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	release, err := d.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("preparing import: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = event.NewID()
		}
		ev.Timestamp = chain.Normalize(ev.Timestamp)
		if ev.LastSeen.IsZero() {
			ev.LastSeen = ev.Timestamp
		}
		if ev.Source == "" {
			ev.Source = event.DefaultSource
		}
		if ev.Level == "" {
			ev.Level = event.LevelInfo
		}

		res, err := stmt.ExecContext(ctx,
			ev.ID,
			formatTime(ev.Timestamp),
			string(ev.Level),
			ev.Source,
			ev.Message,
			nullString(ev.Hostname),
			nullString(ev.IPAddress),
			nullString(string(ev.Metadata)),
			nullString(ev.Interpretation),
			nullString(ev.Category),
			nullString(ev.DeviceType),
			ev.IsAIAnalyzed,
			ev.RepeatCount,
			formatTime(ev.LastSeen),
			nullString(ev.EventHash),
			nullString(ev.PreviousHash),
		)
		if err != nil {
			return 0, fmt.Errorf("importing event %s: %w", ev.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}

	slog.Info("events imported", "inserted", inserted, "skipped", len(events)-inserted)
	return inserted, nil
}
