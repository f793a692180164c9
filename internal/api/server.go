// Package api serves the HTTP front-end: ingestion, queries, chain
// verification and repair, retention, archives and source management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/ingest"
	"github.com/setevik/logvault/internal/lock"
	"github.com/setevik/logvault/internal/metrics"
	"github.com/setevik/logvault/internal/retention"
	"github.com/setevik/logvault/internal/store"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// unknownWindow is how far back GET /api/sources/unknown looks for senders.
const unknownWindow = 48 * time.Hour

// Store is the read and bookkeeping side of the ledger used by the API.
type Store interface {
	Query(ctx context.Context, f store.QueryFilter) ([]*event.Event, error)
	Range(ctx context.Context, since, until time.Time) ([]*event.Event, error)
	Enrich(ctx context.Context, id string, e event.Enrichment) (*event.Event, error)
	Count(ctx context.Context) (int64, error)
	LastHash(ctx context.Context) (string, error)
	Anchor(ctx context.Context) (string, error)
	OldestTimestamp(ctx context.Context) (time.Time, bool, error)

	UpsertSource(ctx context.Context, name, ip, color string) (event.Source, error)
	ListSources(ctx context.Context) ([]event.Source, error)
	UnknownIPs(ctx context.Context, since time.Time) ([]string, error)
}

// Ingester accepts submissions.
type Ingester interface {
	Submit(ctx context.Context, sub ingest.Submission) (*event.Event, bool, error)
}

// Verifier audits the chain.
type Verifier interface {
	Verify(ctx context.Context) chain.Result
}

// Repairer rebuilds missing or wrong links.
type Repairer interface {
	Backfill(ctx context.Context) (chain.BackfillResult, error)
}

// Pruner runs one retention pass.
type Pruner interface {
	PruneOnce(ctx context.Context) (retention.Result, error)
}

// SourceCache is told about sources registered through the API so new
// names apply before the next refresh.
type SourceCache interface {
	Set(ip, name string)
}

// Deps wires the server. Gatherer and Sources may be nil.
type Deps struct {
	Ingest        Ingester
	Store         Store
	Verifier      Verifier
	Repairer      Repairer
	Pruner        Pruner
	Sources       SourceCache
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	ArchivePrefix string
}

// Server routes HTTP requests to the ledger.
type Server struct {
	deps   Deps
	now    func() time.Time
	router *httprouter.Router
}

// New creates a Server with all routes registered.
func New(d Deps) *Server {
	s := &Server{deps: d, now: time.Now, router: httprouter.New()}

	r := s.router
	r.POST("/api/logs", s.submit)
	r.GET("/api/logs", s.query)
	r.DELETE("/api/logs", s.deleteLogs)
	r.GET("/api/logs/archive", s.archive)
	r.PATCH("/api/logs/:id/analysis", s.enrich)
	r.GET("/api/verify", s.verify)
	r.POST("/api/verify/backfill", s.backfill)
	r.GET("/api/sources", s.listSources)
	r.POST("/api/sources", s.saveSource)
	r.GET("/api/sources/unknown", s.unknownSources)
	r.GET("/api/system/status", s.status)
	r.GET("/healthz", s.healthz)
	if d.Gatherer != nil {
		r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v any) {
		slog.Error("http handler panic", "method", req.Method, "path", req.URL.Path, "panic", v)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.router.ServeHTTP(rec, req)
	slog.Debug("http request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", rec.status,
		"duration", time.Since(start),
	)
}

// Serve runs an http.Server for s on addr until ctx is canceled, then
// drains in-flight requests for up to grace.
func (s *Server) Serve(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a store or ingest error to a status code and logs server-side
// failures.
func fail(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lock.ErrTimeout):
		slog.Warn("chain lock busy", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "chain is busy, retry later")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request canceled")
	default:
		slog.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
