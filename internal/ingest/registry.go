package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/setevik/logvault/internal/event"
)

// DefaultRefresh is how often the registry reloads sources from the store.
const DefaultRefresh = 10 * time.Second

// SourceStore is where registered sources live.
type SourceStore interface {
	ListSources(ctx context.Context) ([]event.Source, error)
	TouchSources(ctx context.Context, seen map[string]time.Time) error
}

// Registry caches the IP to name mapping of registered sources. Lookups
// record when each IP was last heard from; those times are written back in
// one batch on the next refresh.
type Registry struct {
	store   SourceStore
	refresh time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	names map[string]string

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRegistry creates an empty registry. Call Refresh or Run to load it.
func NewRegistry(s SourceStore, refresh time.Duration) *Registry {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Registry{
		store:   s,
		refresh: refresh,
		now:     time.Now,
		names:   make(map[string]string),
		seen:    make(map[string]time.Time),
	}
}

// Resolve returns the registered name for ip.
func (r *Registry) Resolve(ip string) (string, bool) {
	r.mu.RLock()
	name, ok := r.names[ip]
	r.mu.RUnlock()
	if ok {
		r.seenMu.Lock()
		r.seen[ip] = r.now()
		r.seenMu.Unlock()
	}
	return name, ok
}

// Set adds or renames one entry without waiting for the next refresh.
func (r *Registry) Set(ip, name string) {
	r.mu.Lock()
	r.names[ip] = name
	r.mu.Unlock()
}

// Len returns the number of cached sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

// Refresh flushes pending last-seen times and reloads the mapping.
func (r *Registry) Refresh(ctx context.Context) error {
	r.seenMu.Lock()
	pending := r.seen
	r.seen = make(map[string]time.Time)
	r.seenMu.Unlock()

	if err := r.store.TouchSources(ctx, pending); err != nil {
		// Last-seen bookkeeping is best effort.
		slog.Warn("failed to record source last-seen times", "sources", len(pending), "error", err)
	}

	sources, err := r.store.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}

	names := make(map[string]string, len(sources))
	for _, s := range sources {
		names[s.IPAddress] = s.Name
	}

	r.mu.Lock()
	r.names = names
	r.mu.Unlock()

	slog.Debug("source registry refreshed", "sources", len(names))
	return nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("source registry refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("source registry refresh failed", "error", err)
			}
		}
	}
}
