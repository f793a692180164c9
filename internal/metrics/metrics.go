// Package metrics exposes Prometheus collectors for the ingestion pipeline
// and the hash chain. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/setevik/logvault/internal/lock"
)

const namespace = "logvault"

// Datagram outcomes.
const (
	DatagramAccepted    = "accepted"
	DatagramEmpty       = "empty"
	DatagramRateLimited = "rate_limited"
	DatagramFailed      = "failed"
)

// Metrics holds every collector logvault exports.
type Metrics struct {
	appends      prometheus.Counter
	appendErrors prometheus.Counter
	lockWait     prometheus.Histogram
	lockTimeouts prometheus.Counter
	dedupMerged  prometheus.Counter
	datagrams    *prometheus.CounterVec
	pruned       *prometheus.CounterVec
	verify       *prometheus.CounterVec
	backfilled   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_appends_total",
			Help:      "Events appended to the hash chain.",
		}),
		appendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_append_errors_total",
			Help:      "Appends that failed before the event was written.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_lock_wait_seconds",
			Help:      "Time spent waiting for the chain lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_lock_timeouts_total",
			Help:      "Chain lock acquisitions that hit the timeout.",
		}),
		dedupMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_merged_total",
			Help:      "Submissions folded into an existing event's repeat count.",
		}),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syslog_datagrams_total",
			Help:      "UDP datagrams received, by outcome.",
		}, []string{"result"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_pruned_events_total",
			Help:      "Events deleted by the retention pruner, by policy.",
		}, []string{"policy"}),
		verify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_verifications_total",
			Help:      "Chain verification sweeps, by result.",
		}, []string{"result"}),
		backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_backfilled_events_total",
			Help:      "Events whose links were rewritten by backfill.",
		}),
	}

	reg.MustRegister(
		m.appends,
		m.appendErrors,
		m.lockWait,
		m.lockTimeouts,
		m.dedupMerged,
		m.datagrams,
		m.pruned,
		m.verify,
		m.backfilled,
	)
	return m
}

// LockWait records how long an acquisition took and whether it timed out.
func (m *Metrics) LockWait(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
	if errors.Is(err, lock.ErrTimeout) {
		m.lockTimeouts.Inc()
	}
}

// Appended counts a successful append.
func (m *Metrics) Appended() {
	if m == nil {
		return
	}
	m.appends.Inc()
}

// AppendFailed counts an append that returned an error.
func (m *Metrics) AppendFailed() {
	if m == nil {
		return
	}
	m.appendErrors.Inc()
}

// Merged counts a deduplicated submission.
func (m *Metrics) Merged() {
	if m == nil {
		return
	}
	m.dedupMerged.Inc()
}

// Datagram counts one received datagram with the given outcome.
func (m *Metrics) Datagram(result string) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues(result).Inc()
}

// Pruned adds n deletions attributed to policy ("age" or "count").
func (m *Metrics) Pruned(policy string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.WithLabelValues(policy).Add(float64(n))
}

// Verified counts a verification sweep.
func (m *Metrics) Verified(valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "broken"
	}
	m.verify.WithLabelValues(result).Inc()
}

// Backfilled adds n rewritten events.
func (m *Metrics) Backfilled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backfilled.Add(float64(n))
}
