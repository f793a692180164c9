package chain

import (
	"context"
	"fmt"
	"log/slog"
)

// Writer persists corrected links. ApplyHashes must take the chain lock for
// the duration of the flush and report per-row failures without aborting the
// rest of the batch.
type Writer interface {
	ApplyHashes(ctx context.Context, updates []HashUpdate) (applied int, failures []error)
}

// Store is what the Repairer needs from the chain store.
type Store interface {
	Reader
	Writer
}

// BackfillResult summarizes a repair run.
type BackfillResult struct {
	Backfilled int      `json:"backfilled"`
	Total      int      `json:"total"`
	Failed     int      `json:"failed,omitempty"`
	Errors     []string `json:"errors,omitempty"`
}

// Repairer recomputes hashes for events whose links are missing or wrong.
// It walks the chain in pages and only holds the chain lock while a page of
// corrections is written, so appends continue while it runs.
type Repairer struct {
	store     Store
	batchSize int
}

// NewRepairer creates a Repairer flushing at most batchSize updates at a time.
// A batchSize <= 0 selects DefaultBatchSize.
func NewRepairer(s Store, batchSize int) *Repairer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Repairer{store: s, batchSize: batchSize}
}

// Backfill rebuilds the chain from the anchor. It returns only after reading
// a tail page that needed no corrections, so events appended while it ran are
// linked too. Running it twice in a row with no writers in between yields
// Backfilled == 0 the second time.
func (r *Repairer) Backfill(ctx context.Context) (BackfillResult, error) {
	var res BackfillResult

	running, err := r.store.Anchor(ctx)
	if err != nil {
		return res, fmt.Errorf("reading chain anchor: %w", err)
	}

	cursor := Cursor{}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		page, err := r.store.Page(ctx, cursor, r.batchSize)
		if err != nil {
			return res, fmt.Errorf("reading events after %s: %w", cursor.ID, err)
		}

		var updates []HashUpdate
		for _, ev := range page {
			expected := EventHash(running, ev)
			if ev.EventHash != expected || ev.PreviousHash != running {
				updates = append(updates, HashUpdate{
					ID:           ev.ID,
					EventHash:    expected,
					PreviousHash: running,
				})
			}
			// Advance on the expected hash even when the stored one was
			// already right, so later rows chain onto the repaired value.
			running = expected
		}
		res.Total += len(page)

		if len(updates) > 0 {
			applied, failures := r.store.ApplyHashes(ctx, updates)
			res.Backfilled += applied
			res.Failed += len(failures)
			for _, f := range failures {
				res.Errors = append(res.Errors, f.Error())
			}
			slog.Info("backfill batch flushed",
				"updated", applied,
				"failed", len(failures),
				"scanned", res.Total,
			)
		}

		if len(page) == 0 {
			break
		}
		// A short page is the tail, but an append may have linked onto a
		// hash this flush just replaced. Keep reading after it until a pass
		// changes nothing.
		if len(page) < r.batchSize && len(updates) == 0 {
			break
		}
		cursor = CursorAt(page[len(page)-1])
	}

	slog.Info("backfill complete", "backfilled", res.Backfilled, "total", res.Total, "failed", res.Failed)
	return res, nil
}
