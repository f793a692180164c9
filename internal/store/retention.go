package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/setevik/logvault/internal/chain"
)

// boundary is the newest event of a prefix about to be pruned.
type boundary struct {
	Timestamp string         `db:"timestamp"`
	ID        string         `db:"id"`
	EventHash sql.NullString `db:"event_hash"`
}

// PruneBefore deletes every event older than cutoff.
func (d *DB) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.prunePrefix(ctx, func(tx *sqlx.Tx) (boundary, error) {
		var b boundary
		err := tx.GetContext(ctx, &b, tx.Rebind(`
			SELECT timestamp, id, event_hash FROM events
			WHERE timestamp < ?
			ORDER BY timestamp DESC, id DESC
			LIMIT 1`), formatTime(cutoff))
		return b, err
	})
}

// PruneExcess deletes the oldest events so that at most keep remain.
func (d *DB) PruneExcess(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	return d.prunePrefix(ctx, func(tx *sqlx.Tx) (boundary, error) {
		var b boundary
		err := tx.GetContext(ctx, &b, tx.Rebind(`
			SELECT timestamp, id, event_hash FROM events
			ORDER BY timestamp DESC, id DESC
			LIMIT 1 OFFSET ?`), keep)
		return b, err
	})
}

// prunePrefix removes every event up to and including the boundary returned
// by find. The boundary's hash becomes the new chain anchor in the same
// transaction, so the surviving events still verify.
func (d *DB) prunePrefix(ctx context.Context, find func(*sqlx.Tx) (boundary, error)) (int64, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning prune: %w", err)
	}
	defer tx.Rollback()

	b, err := find(tx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("finding prune boundary: %w", err)
	}

	// An unhashed boundary leaves the anchor as is; backfill relinks the
	// survivors from it.
	if b.EventHash.Valid && b.EventHash.String != "" {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO chain_anchor (id, hash, sealed_at) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET hash = excluded.hash, sealed_at = excluded.sealed_at`),
			anchorID, b.EventHash.String, formatTime(d.now())); err != nil {
			return 0, fmt.Errorf("sealing chain anchor: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM events
		WHERE timestamp < ? OR (timestamp = ? AND id <= ?)`),
		b.Timestamp, b.Timestamp, b.ID)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	slog.Debug("chain prefix pruned", "deleted", n, "through", b.ID, "anchor", b.EventHash.String)
	return n, nil
}

// OldestTimestamp returns the timestamp of the first event in the chain.
func (d *DB) OldestTimestamp(ctx context.Context) (time.Time, bool, error) {
	var ts string
	err := d.db.GetContext(ctx, &ts, `SELECT timestamp FROM events ORDER BY timestamp ASC, id ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading oldest event: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return time.Time{}, false, err
	}
	return chain.Normalize(t), true, nil
}
