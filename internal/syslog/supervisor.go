package syslog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// stableAfter is how long a listener must run before its restart backoff
// starts over.
const stableAfter = time.Minute

// Supervisor restarts a Listener whenever it fails, waiting with exponential
// backoff between attempts.
type Supervisor struct {
	listener    *Listener
	maxRestarts int
	initialWait time.Duration
	maxWait     time.Duration
}

// NewSupervisor wraps l. maxRestarts of 0 means unlimited restarts.
func NewSupervisor(l *Listener, maxRestarts int) *Supervisor {
	return &Supervisor{
		listener:    l,
		maxRestarts: maxRestarts,
		initialWait: time.Second,
		maxWait:     time.Minute,
	}
}

// Run serves until ctx is cancelled. It returns an error only when the
// restart limit is exceeded.
func (s *Supervisor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialWait
	b.MaxInterval = s.maxWait
	b.MaxElapsedTime = 0
	b.Reset()

	restarts := 0
	for {
		start := time.Now()
		err := s.listener.Serve(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}

		if time.Since(start) > stableAfter {
			b.Reset()
		}
		if s.maxRestarts > 0 && restarts >= s.maxRestarts {
			slog.Error("syslog listener exceeded max restarts", "max", s.maxRestarts, "error", err)
			return fmt.Errorf("syslog listener failed %d times: %w", restarts+1, err)
		}

		wait := b.NextBackOff()
		slog.Warn("syslog listener stopped, restarting", "error", err, "restart_count", restarts, "wait", wait)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
			restarts++
		}
	}
}
