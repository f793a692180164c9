// Package ingest turns raw submissions from any front-end into chain
// candidates: it applies defaults, attributes the sender through the source
// registry and hands the result to the deduplicator.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/setevik/logvault/internal/event"
)

// ErrEmptyMessage is returned for submissions without a message.
var ErrEmptyMessage = errors.New("message is required")

// Submission is one log line as received by a front-end.
type Submission struct {
	Level     string          `json:"level"`
	Source    string          `json:"source"`
	Message   string          `json:"message"`
	Hostname  string          `json:"hostname,omitempty"`
	IPAddress string          `json:"ipAddress,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Submitter is the deduplicating write path.
type Submitter interface {
	Submit(ctx context.Context, c event.Candidate) (*event.Event, bool, error)
}

// Resolver maps sender IPs to friendly names.
type Resolver interface {
	Resolve(ip string) (string, bool)
}

// Service is the single entry point shared by the UDP and HTTP front-ends.
type Service struct {
	next     Submitter
	resolver Resolver
}

// NewService creates a Service. resolver may be nil.
func NewService(next Submitter, resolver Resolver) *Service {
	return &Service{next: next, resolver: resolver}
}

// Submit normalizes s and writes it. The bool reports whether it was merged
// into a recent duplicate.
func (s *Service) Submit(ctx context.Context, sub Submission) (*event.Event, bool, error) {
	c, err := s.Candidate(sub)
	if err != nil {
		return nil, false, err
	}
	ev, merged, err := s.next.Submit(ctx, c)
	if err != nil {
		return nil, false, err
	}
	if merged {
		slog.Debug("submission merged", "id", ev.ID, "source", ev.Source, "repeat_count", ev.RepeatCount)
	}
	return ev, merged, nil
}

// Candidate applies the submission defaults and source attribution.
func (s *Service) Candidate(sub Submission) (event.Candidate, error) {
	if strings.TrimSpace(sub.Message) == "" {
		return event.Candidate{}, ErrEmptyMessage
	}

	source := strings.TrimSpace(sub.Source)
	ip := strings.TrimSpace(sub.IPAddress)
	if ip == "" && isIPv4(source) {
		ip = source
	}

	if ip != "" {
		if name, ok := s.resolve(ip); ok {
			source = name
		} else if source == "" {
			source = ip
		}
	}
	if source == "" {
		source = event.DefaultSource
	}

	var metadata json.RawMessage
	if len(sub.Metadata) > 0 && string(sub.Metadata) != "null" {
		metadata = sub.Metadata
	}

	return event.Candidate{
		Level:     event.ParseLevel(sub.Level),
		Source:    source,
		Message:   sub.Message,
		Hostname:  sub.Hostname,
		IPAddress: ip,
		Metadata:  metadata,
	}, nil
}

func (s *Service) resolve(ip string) (string, bool) {
	if s.resolver == nil {
		return "", false
	}
	return s.resolver.Resolve(ip)
}

func isIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}
