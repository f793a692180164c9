// Package dedup folds repeated submissions of the same message into the
// event that first recorded it instead of growing the chain.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/metrics"
)

// Window is how recently an identical event must have been seen for a new
// submission to be merged into it.
const Window = 10 * time.Second

// Store is the part of the chain store the Deduplicator uses.
type Store interface {
	Append(ctx context.Context, c event.Candidate) (*event.Event, error)
	FindRecent(ctx context.Context, source, message string, since time.Time) (*event.Event, error)
	RecordRepeat(ctx context.Context, id string, at time.Time) (int, error)
}

// Deduplicator sits in front of the chain store. It holds no lock of its
// own: the only wait a submission can see is the chain lock inside Append,
// which is bounded per call. Two identical submissions racing inside the
// window may both miss and both append.
type Deduplicator struct {
	store   Store
	now     func() time.Time
	metrics *metrics.Metrics
}

// New creates a Deduplicator. A nil clock means time.Now.
func New(s Store, now func() time.Time, m *metrics.Metrics) *Deduplicator {
	if now == nil {
		now = time.Now
	}
	return &Deduplicator{store: s, now: now, metrics: m}
}

// Submit merges c into a matching recent event, or appends it to the chain.
// The returned bool is true when the submission was merged.
func (d *Deduplicator) Submit(ctx context.Context, c event.Candidate) (*event.Event, bool, error) {
	now := d.now()
	existing, err := d.store.FindRecent(ctx, c.Source, c.Message, now.Add(-Window))
	if err != nil {
		slog.Warn("duplicate lookup failed, appending", "source", c.Source, "error", err)
		existing = nil
	}

	if existing != nil {
		count, err := d.store.RecordRepeat(ctx, existing.ID, now)
		if err == nil {
			existing.RepeatCount = count
			existing.LastSeen = now.UTC().Truncate(time.Millisecond)
			d.metrics.Merged()
			return existing, true, nil
		}
		slog.Warn("recording repeat failed, appending", "id", existing.ID, "error", err)
	}

	ev, err := d.store.Append(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("appending event: %w", err)
	}
	return ev, false, nil
}
