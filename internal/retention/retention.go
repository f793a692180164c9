// Package retention keeps the ledger bounded by deleting the oldest prefix
// of the chain by age and by count.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/logvault/internal/metrics"
)

// Defaults.
const (
	DefaultRetentionDays = 30
	DefaultMaxCount      = 50000
	DefaultInterval      = 6 * time.Hour
	DefaultInitialDelay  = 30 * time.Second
)

// Store deletes chain prefixes. Both methods seal the chain anchor before
// deleting so the survivors still verify.
type Store interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PruneExcess(ctx context.Context, keep int) (int64, error)
}

// Result reports how many events each policy removed.
type Result struct {
	ByAge   int64 `json:"deletedByAge"`
	ByCount int64 `json:"deletedByCount"`
}

// Total is the number of events removed by both policies.
func (r Result) Total() int64 { return r.ByAge + r.ByCount }

// Pruner applies the retention policies. A zero RetentionDays or MaxCount
// disables that policy.
type Pruner struct {
	store   Store
	metrics *metrics.Metrics
	now     func() time.Time

	RetentionDays int
	MaxCount      int
	Interval      time.Duration
	InitialDelay  time.Duration
}

// New creates a Pruner with the default policies and schedule.
func New(s Store, m *metrics.Metrics) *Pruner {
	return &Pruner{
		store:         s,
		metrics:       m,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
		MaxCount:      DefaultMaxCount,
		Interval:      DefaultInterval,
		InitialDelay:  DefaultInitialDelay,
	}
}

// PruneOnce runs the age policy, then the count policy.
func (p *Pruner) PruneOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	if p.RetentionDays > 0 {
		cutoff := p.now().Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
		n, err := p.store.PruneBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("age policy: %w", err))
		}
		res.ByAge = n
		p.metrics.Pruned("age", n)
	}

	if p.MaxCount > 0 {
		n, err := p.store.PruneExcess(ctx, p.MaxCount)
		if err != nil {
			errs = append(errs, fmt.Errorf("count policy: %w", err))
		}
		res.ByCount = n
		p.metrics.Pruned("count", n)
	}

	if res.Total() > 0 {
		slog.Info("retention pruning complete",
			"deleted_by_age", res.ByAge,
			"deleted_by_count", res.ByCount,
			"retention_days", p.RetentionDays,
			"max_count", p.MaxCount,
		)
	}
	return res, errors.Join(errs...)
}

// Run prunes after InitialDelay and then every Interval until ctx is done.
// Failures are logged and the schedule continues.
func (p *Pruner) Run(ctx context.Context) {
	delay := time.NewTimer(p.InitialDelay)
	defer delay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}
	p.runOnce(ctx)

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Pruner) runOnce(ctx context.Context) {
	if _, err := p.PruneOnce(ctx); err != nil && ctx.Err() == nil {
		slog.Error("retention pruning failed", "error", err)
	}
}
