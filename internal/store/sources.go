package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/setevik/logvault/internal/event"
)

type sourceRow struct {
	ID        string         `db:"id"`
	Name      string         `db:"name"`
	IPAddress string         `db:"ip_address"`
	Color     sql.NullString `db:"color"`
	LastSeen  sql.NullString `db:"last_seen"`
	CreatedAt string         `db:"created_at"`
}

func (r *sourceRow) model() event.Source {
	s := event.Source{
		ID:        r.ID,
		Name:      r.Name,
		IPAddress: r.IPAddress,
		Color:     r.Color.String,
	}
	if r.LastSeen.Valid {
		s.LastSeen, _ = parseTime(r.LastSeen.String)
	}
	s.CreatedAt, _ = parseTime(r.CreatedAt)
	return s
}

// UpsertSource registers a name for ip, or renames the existing entry.
func (d *DB) UpsertSource(ctx context.Context, name, ip, color string) (event.Source, error) {
	now := formatTime(d.now())
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`
		INSERT INTO sources (id, name, ip_address, color, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ip_address) DO UPDATE SET name = excluded.name, color = excluded.color`),
		event.NewID(), name, ip, nullString(color), now)
	if err != nil {
		return event.Source{}, fmt.Errorf("upserting source %s: %w", ip, err)
	}

	var row sourceRow
	if err := d.db.GetContext(ctx, &row, d.db.Rebind(`
		SELECT id, name, ip_address, color, last_seen, created_at
		FROM sources WHERE ip_address = ?`), ip); err != nil {
		return event.Source{}, fmt.Errorf("reading source %s: %w", ip, err)
	}
	return row.model(), nil
}

// ListSources returns every registered source ordered by name.
func (d *DB) ListSources(ctx context.Context) ([]event.Source, error) {
	var rows []sourceRow
	if err := d.db.SelectContext(ctx, &rows, `
		SELECT id, name, ip_address, color, last_seen, created_at
		FROM sources ORDER BY name`); err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	sources := make([]event.Source, len(rows))
	for i := range rows {
		sources[i] = rows[i].model()
	}
	return sources, nil
}

// TouchSources records the latest time each IP was heard from.
func (d *DB) TouchSources(ctx context.Context, seen map[string]time.Time) error {
	if len(seen) == 0 {
		return nil
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning source touch: %w", err)
	}
	defer tx.Rollback()

	for ip, at := range seen {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`UPDATE sources SET last_seen = ? WHERE ip_address = ?`), formatTime(at), ip); err != nil {
			return fmt.Errorf("touching source %s: %w", ip, err)
		}
	}
	return tx.Commit()
}

// UnknownIPs returns the sender IPs that produced events since the given
// time but are not registered as sources.
func (d *DB) UnknownIPs(ctx context.Context, since time.Time) ([]string, error) {
	var ips []string
	err := d.db.SelectContext(ctx, &ips, d.db.Rebind(`
		SELECT DISTINCT e.ip_address FROM events e
		LEFT JOIN sources s ON s.ip_address = e.ip_address
		WHERE e.ip_address IS NOT NULL AND e.ip_address <> ''
			AND e.timestamp >= ? AND s.id IS NULL
		ORDER BY e.ip_address`), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("listing unknown sources: %w", err)
	}
	return ips, nil
}
