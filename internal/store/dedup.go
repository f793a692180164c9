package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/logvault/internal/event"
)

// FindRecent returns the newest event with the same source and message that
// was last seen at or after since, or nil if there is none.
func (d *DB) FindRecent(ctx context.Context, source, message string, since time.Time) (*event.Event, error) {
	var row eventRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`
		SELECT `+eventColumns+` FROM events
		WHERE source = ? AND message = ? AND last_seen >= ?
		ORDER BY last_seen DESC
		LIMIT 1`), source, message, formatTime(since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding recent duplicate: %w", err)
	}
	return row.model()
}

// RecordRepeat bumps an event's repeat count and refreshes its last_seen.
// The hashed fields are left untouched, so the chain stays valid.
func (d *DB) RecordRepeat(ctx context.Context, id string, at time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE events SET repeat_count = repeat_count + 1, last_seen = ?
		WHERE id = ?`), formatTime(at), id)
	if err != nil {
		return 0, fmt.Errorf("recording repeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}

	var count int
	if err := d.db.GetContext(ctx, &count, d.db.Rebind(
		`SELECT repeat_count FROM events WHERE id = ?`), id); err != nil {
		return 0, fmt.Errorf("reading repeat count: %w", err)
	}

	slog.Debug("duplicate merged", "id", id, "repeat_count", count)
	return count, nil
}

// Enrich stores analysis results on an event, marks it analyzed and returns
// the updated event.
func (d *DB) Enrich(ctx context.Context, id string, e event.Enrichment) (*event.Event, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE events SET interpretation = ?, category = ?, device_type = ?, is_ai_analyzed = ?
		WHERE id = ?`),
		nullString(e.Interpretation), nullString(e.Category), nullString(e.DeviceType), true, id)
	if err != nil {
		return nil, fmt.Errorf("enriching event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return d.Get(ctx, id)
}
