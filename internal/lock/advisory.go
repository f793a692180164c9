package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAdvisoryKey is the Postgres advisory lock id guarding the chain.
const DefaultAdvisoryKey int64 = 0x6c6f677661756c74 // "logvault"

// Advisory is a Locker built on Postgres session-level advisory locks. The
// lock lives on a dedicated connection that is returned to the pool on
// release.
type Advisory struct {
	db      *sql.DB
	key     int64
	timeout time.Duration
}

// NewAdvisory creates an advisory lock on key.
func NewAdvisory(db *sql.DB, key int64, timeout time.Duration) *Advisory {
	return &Advisory{db: db, key: key, timeout: orDefault(timeout)}
}

// Acquire implements Locker.
func (a *Advisory) Acquire(ctx context.Context) (Release, error) {
	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserving connection for advisory lock: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = a.timeout

	err = backoff.Retry(func() error {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, a.key).Scan(&ok); err != nil {
			return backoff.Permanent(fmt.Errorf("pg_try_advisory_lock: %w", err))
		}
		if !ok {
			return errHeld
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		conn.Close()
		if errors.Is(err, errHeld) {
			return nil, fmt.Errorf("advisory %d: %w after %s", a.key, ErrTimeout, a.timeout)
		}
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(rctx, `SELECT pg_advisory_unlock($1)`, a.key); err != nil {
			slog.Warn("failed to release advisory chain lock", "key", a.key, "error", err)
			// Discard the session so the lock dies with it instead of
			// going back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}
