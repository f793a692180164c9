package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
)

const anchorID = 1

// tail is the newest hashed event.
type tail struct {
	hash string
	ts   time.Time
	id   string
}

// Append writes a new event at the end of the chain. The tail read, hash
// computation and insert happen under the chain lock, so the returned
// event's PreviousHash is the tail as of the write.
func (d *DB) Append(ctx context.Context, c event.Candidate) (*event.Event, error) {
	ev, err := d.append(ctx, c)
	if err != nil {
		d.metrics.AppendFailed()
		return nil, err
	}
	d.metrics.Appended()
	return ev, nil
}

func (d *DB) append(ctx context.Context, c event.Candidate) (*event.Event, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	last, ok, err := lastLink(ctx, tx)
	if err != nil {
		return nil, err
	}
	prev := chain.Genesis
	if ok {
		prev = last.hash
	} else if prev, err = readAnchor(ctx, tx); err != nil {
		return nil, err
	}

	ev := event.New(c, chain.Normalize(d.now()))
	if ok {
		// Never let a clock step place the new event before the tail.
		if ev.Timestamp.Before(last.ts) {
			ev.Timestamp = last.ts
		}
		if ev.Timestamp.Equal(last.ts) && ev.ID <= last.id {
			ev.Timestamp = last.ts.Add(time.Millisecond)
		}
		ev.LastSeen = ev.Timestamp
	}
	ev.PreviousHash = prev
	ev.EventHash = chain.EventHash(prev, ev)

	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}

	slog.Debug("event appended", "id", ev.ID, "source", ev.Source, "hash", ev.EventHash)
	return ev, nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev *event.Event) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
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
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func lastLink(ctx context.Context, q sqlx.QueryerContext) (tail, bool, error) {
	var row struct {
		Hash string `db:"event_hash"`
		TS   string `db:"timestamp"`
		ID   string `db:"id"`
	}
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT event_hash, timestamp, id FROM events
		WHERE event_hash IS NOT NULL
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return tail{}, false, nil
	}
	if err != nil {
		return tail{}, false, fmt.Errorf("reading chain tail: %w", err)
	}
	ts, err := parseTime(row.TS)
	if err != nil {
		return tail{}, false, err
	}
	return tail{hash: row.Hash, ts: ts, id: row.ID}, true, nil
}

func readAnchor(ctx context.Context, q sqlx.ExtContext) (string, error) {
	var hash string
	err := sqlx.GetContext(ctx, q, &hash, q.Rebind(`SELECT hash FROM chain_anchor WHERE id = ?`), anchorID)
	if errors.Is(err, sql.ErrNoRows) {
		return chain.Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading chain anchor: %w", err)
	}
	return hash, nil
}

// LastHash returns the hash of the newest hashed event, or the anchor if
// there is none. Outside Append it is only a snapshot.
func (d *DB) LastHash(ctx context.Context) (string, error) {
	last, ok, err := lastLink(ctx, d.db)
	if err != nil {
		return "", err
	}
	if ok {
		return last.hash, nil
	}
	return readAnchor(ctx, d.db)
}

// Anchor returns the hash the oldest surviving event links to: the genesis
// value until the pruner first removes a prefix of the chain.
func (d *DB) Anchor(ctx context.Context) (string, error) {
	return readAnchor(ctx, d.db)
}

// Count returns the number of stored events.
func (d *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM events`); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Page returns up to limit events strictly after the cursor in
// (timestamp, id) order. The rows are fully read before returning.
func (d *DB) Page(ctx context.Context, after chain.Cursor, limit int) ([]*event.Event, error) {
	var (
		rows []eventRow
		err  error
	)
	if after.IsZero() {
		err = d.db.SelectContext(ctx, &rows, d.db.Rebind(`
			SELECT `+eventColumns+` FROM events
			ORDER BY timestamp ASC, id ASC
			LIMIT ?`), limit)
	} else {
		ts := formatTime(after.Timestamp)
		err = d.db.SelectContext(ctx, &rows, d.db.Rebind(`
			SELECT `+eventColumns+` FROM events
			WHERE timestamp > ? OR (timestamp = ? AND id > ?)
			ORDER BY timestamp ASC, id ASC
			LIMIT ?`), ts, ts, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("reading chain page: %w", err)
	}
	return models(rows)
}

// Chronological lazily yields events in chain order, starting after from.
func (d *DB) Chronological(ctx context.Context, from chain.Cursor, batch int) iter.Seq2[*event.Event, error] {
	return chain.Walk(ctx, d, from, batch)
}

// ApplyHashes rewrites the links of the given events under the chain lock.
// The batch is applied in one transaction; if that fails it is retried row
// by row and the rows that still fail are reported.
func (d *DB) ApplyHashes(ctx context.Context, updates []chain.HashUpdate) (int, []error) {
	if len(updates) == 0 {
		return 0, nil
	}

	release, err := d.acquire(ctx)
	if err != nil {
		failures := make([]error, len(updates))
		for i, u := range updates {
			failures[i] = fmt.Errorf("event %s: %w", u.ID, err)
		}
		return 0, failures
	}
	defer release()

	applied, failures, err := d.applyHashesTx(ctx, updates)
	if err == nil {
		return applied, failures
	}

	slog.Warn("batched hash update failed, retrying row by row", "rows", len(updates), "error", err)
	return d.applyHashesEach(ctx, updates)
}

const updateHashes = `UPDATE events SET event_hash = ?, previous_hash = ? WHERE id = ?`

func (d *DB) applyHashesTx(ctx context.Context, updates []chain.HashUpdate) (int, []error, error) {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(updateHashes))
	if err != nil {
		return 0, nil, err
	}
	defer stmt.Close()

	applied := 0
	var failures []error
	for _, u := range updates {
		res, err := stmt.ExecContext(ctx, u.EventHash, u.PreviousHash, u.ID)
		if err != nil {
			return 0, nil, fmt.Errorf("event %s: %w", u.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			failures = append(failures, fmt.Errorf("event %s: %w", u.ID, ErrNotFound))
			continue
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return applied, failures, nil
}

func (d *DB) applyHashesEach(ctx context.Context, updates []chain.HashUpdate) (int, []error) {
	applied := 0
	var failures []error
	for _, u := range updates {
		res, err := d.db.ExecContext(ctx, d.db.Rebind(updateHashes), u.EventHash, u.PreviousHash, u.ID)
		if err != nil {
			failures = append(failures, fmt.Errorf("event %s: %w", u.ID, err))
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			failures = append(failures, fmt.Errorf("event %s: %w", u.ID, ErrNotFound))
			continue
		}
		applied++
	}
	return applied, failures
}
