package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/setevik/logvault/internal/archive"
	"github.com/setevik/logvault/internal/chain"
	"github.com/setevik/logvault/internal/event"
	"github.com/setevik/logvault/internal/ingest"
	"github.com/setevik/logvault/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	body := http.MaxBytesReader(w, req.Body, maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) submit(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var sub ingest.Submission
	if err := decodeBody(w, req, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, merged, err := s.deps.Ingest.Submit(req.Context(), sub)
	if err != nil {
		fail(w, req, err)
		return
	}

	status := http.StatusCreated
	if merged {
		status = http.StatusOK
	}
	writeJSON(w, status, struct {
		*event.Event
		Merged bool `json:"merged"`
	}{ev, merged})
}

func (s *Server) query(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	q := req.URL.Query()

	f := store.QueryFilter{
		Source:   q.Get("source"),
		Category: q.Get("category"),
		Level:    q.Get("level"),
		Search:   q.Get("search"),
		Limit:    defaultLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = min(n, maxLimit)
	}
	var err error
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since: "+err.Error())
		return
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until: "+err.Error())
		return
	}

	events, err := s.deps.Store.Query(req.Context(), f)
	if err != nil {
		fail(w, req, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// timeParam accepts RFC 3339 timestamps. Empty means unset.
func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *Server) deleteLogs(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if action := req.URL.Query().Get("action"); action != "prune" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported action %q", action))
		return
	}

	res, err := s.deps.Pruner.PruneOnce(req.Context())
	if err != nil && res.Total() == 0 {
		fail(w, req, err)
		return
	}
	body := map[string]any{
		"success":        err == nil,
		"deletedByAge":   res.ByAge,
		"deletedByCount": res.ByCount,
	}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) enrich(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
	var e event.Enrichment
	if err := decodeBody(w, req, &e); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := s.deps.Store.Enrich(req.Context(), ps.ByName("id"), e)
	if err != nil {
		fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) verify(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	res := s.deps.Verifier.Verify(req.Context())
	s.deps.Metrics.Verified(res.Valid)

	status := http.StatusOK
	if !res.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (s *Server) backfill(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	res, err := s.deps.Repairer.Backfill(req.Context())
	s.deps.Metrics.Backfilled(res.Backfilled)
	if err != nil {
		fail(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, backfillResponse{
		Success:        res.Failed == 0,
		Message:        fmt.Sprintf("Backfill complete. %d of %d events updated.", res.Backfilled, res.Total),
		BackfillResult: res,
	})
}

type backfillResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	chain.BackfillResult
}

func (s *Server) archive(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	q := req.URL.Query()
	p, err := archive.ParsePeriod(q.Get("month"), q.Get("year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid month or year")
		return
	}

	since, until := p.Range()
	events, err := s.deps.Store.Range(req.Context(), since, until)
	if err != nil {
		fail(w, req, err)
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "no events found for this period")
		return
	}

	// Encode first so a failure still gets a JSON error response.
	var buf bytes.Buffer
	if _, err := archive.Write(&buf, events); err != nil {
		fail(w, req, err)
		return
	}

	name := archive.Filename(s.deps.ArchivePrefix, p)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("archive download interrupted", "file", name, "error", err)
	}
}

func (s *Server) listSources(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	sources, err := s.deps.Store.ListSources(req.Context())
	if err != nil {
		fail(w, req, err)
		return
	}
	if sources == nil {
		sources = []event.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

type sourceRequest struct {
	Name      string `json:"name"`
	IPAddress string `json:"ipAddress"`
	Color     string `json:"color"`
}

func (s *Server) saveSource(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	var body sourceRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	body.IPAddress = strings.TrimSpace(body.IPAddress)
	if body.Name == "" || body.IPAddress == "" {
		writeError(w, http.StatusBadRequest, "name and ipAddress are required")
		return
	}
	if _, err := netip.ParseAddr(body.IPAddress); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid ipAddress %q", body.IPAddress))
		return
	}

	src, err := s.deps.Store.UpsertSource(req.Context(), body.Name, body.IPAddress, body.Color)
	if err != nil {
		fail(w, req, err)
		return
	}
	if s.deps.Sources != nil {
		s.deps.Sources.Set(src.IPAddress, src.Name)
	}
	slog.Info("source saved", "name", src.Name, "ip", src.IPAddress)
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) unknownSources(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	ips, err := s.deps.Store.UnknownIPs(req.Context(), s.now().Add(-unknownWindow))
	if err != nil {
		fail(w, req, err)
		return
	}
	if ips == nil {
		ips = []string{}
	}
	writeJSON(w, http.StatusOK, ips)
}

type statusResponse struct {
	Status      string     `json:"status"`
	Timestamp   time.Time  `json:"timestamp"`
	TotalEvents int64      `json:"totalEvents"`
	LastHash    string     `json:"lastHash"`
	Anchor      string     `json:"anchor"`
	OldestEvent *time.Time `json:"oldestEvent,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	ctx := req.Context()
	resp := statusResponse{Status: "ready", Timestamp: s.now().UTC()}

	var err error
	if resp.TotalEvents, err = s.deps.Store.Count(ctx); err != nil {
		fail(w, req, err)
		return
	}
	if resp.LastHash, err = s.deps.Store.LastHash(ctx); err != nil {
		fail(w, req, err)
		return
	}
	if resp.Anchor, err = s.deps.Store.Anchor(ctx); err != nil {
		fail(w, req, err)
		return
	}
	oldest, ok, err := s.deps.Store.OldestTimestamp(ctx)
	if err != nil {
		fail(w, req, err)
		return
	}
	if ok {
		resp.OldestEvent = &oldest
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
