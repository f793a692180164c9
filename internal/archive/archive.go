// Package archive exports a month of events as JSON Lines and reads such
// files back for import.
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/setevik/logvault/internal/event"
)

// DefaultPrefix names archive files when no prefix is configured.
const DefaultPrefix = "logvault"

// ErrInvalidPeriod is returned for a month or year that cannot be archived.
var ErrInvalidPeriod = errors.New("invalid archive period")

// Record is one line of an archive file. Every key is always written; the
// optional text fields are null when unset.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Level          string    `json:"level"`
	Source         string    `json:"source"`
	Message        string    `json:"message"`
	Interpretation *string   `json:"interpretation"`
	Category       *string   `json:"category"`
	DeviceType     *string   `json:"deviceType"`
	IPAddress      *string   `json:"ipAddress"`
	IsAIAnalyzed   bool      `json:"isAiAnalyzed"`
	RepeatCount    int       `json:"repeatCount"`
}

// FromEvent converts a stored event to its archive form.
func FromEvent(ev *event.Event) Record {
	return Record{
		ID:             ev.ID,
		Timestamp:      ev.Timestamp.UTC(),
		Level:          string(ev.Level),
		Source:         ev.Source,
		Message:        ev.Message,
		Interpretation: nullable(ev.Interpretation),
		Category:       nullable(ev.Category),
		DeviceType:     nullable(ev.DeviceType),
		IPAddress:      nullable(ev.IPAddress),
		IsAIAnalyzed:   ev.IsAIAnalyzed,
		RepeatCount:    ev.RepeatCount,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Event converts a record to an unlinked event. Archives carry no hashes,
// so imported events need a backfill before they verify.
func (r Record) Event() *event.Event {
	return &event.Event{
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		Level:          event.ParseLevel(r.Level),
		Source:         r.Source,
		Message:        r.Message,
		Interpretation: deref(r.Interpretation),
		Category:       deref(r.Category),
		DeviceType:     deref(r.DeviceType),
		IPAddress:      deref(r.IPAddress),
		IsAIAnalyzed:   r.IsAIAnalyzed,
		RepeatCount:    r.RepeatCount,
		LastSeen:       r.Timestamp,
	}
}

// Period is a calendar month in UTC.
type Period struct {
	Year  int
	Month time.Month
}

// ParsePeriod validates month (1-12) and year query values.
func ParsePeriod(month, year string) (Period, error) {
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return Period{}, fmt.Errorf("%w: month %q", ErrInvalidPeriod, month)
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1970 || y > 9999 {
		return Period{}, fmt.Errorf("%w: year %q", ErrInvalidPeriod, year)
	}
	return Period{Year: y, Month: time.Month(m)}, nil
}

// Range returns the half-open interval [since, until) covered by p.
func (p Period) Range() (since, until time.Time) {
	since = time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
	return since, since.AddDate(0, 1, 0)
}

// Filename returns "<prefix>_archive_<year>_<MM>.jsonl".
func Filename(prefix string, p Period) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s_archive_%d_%02d.jsonl", prefix, p.Year, int(p.Month))
}

// Write encodes events as JSON Lines.
func Write(w io.Writer, events []*event.Event) (int, error) {
	enc := json.NewEncoder(w)
	for i, ev := range events {
		if err := enc.Encode(FromEvent(ev)); err != nil {
			return i, fmt.Errorf("writing archive line %d: %w", i+1, err)
		}
	}
	return len(events), nil
}

// Read decodes a JSON Lines archive. Blank lines are skipped.
func Read(r io.Reader) ([]*event.Event, error) {
	scanner := bufio.NewScanner(r)
	// Lines can carry long messages; allow up to 1MB.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []*event.Event
	line := 0
	for scanner.Scan() {
		line++
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("archive line %d: %w", line, err)
		}
		events = append(events, rec.Event())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	return events, nil
}
