// Package event defines the core data model for logvault events.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is the severity tag carried by an event.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarn     Level = "WARN"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// DefaultSource is used when a submission names no source at all.
const DefaultSource = "Default"

// Event is one link of the hash chain.
//
// Level, Source, Message and Timestamp are hashed together with PreviousHash
// and never change after the write. Everything else is bookkeeping or
// enrichment and may be updated without touching the chain.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`

	Hostname  string          `json:"hostname,omitempty"`
	IPAddress string          `json:"ipAddress,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	Interpretation string `json:"interpretation,omitempty"`
	Category       string `json:"category,omitempty"`
	DeviceType     string `json:"deviceType,omitempty"`
	IsAIAnalyzed   bool   `json:"isAiAnalyzed"`

	RepeatCount int       `json:"repeatCount"`
	LastSeen    time.Time `json:"lastSeen"`

	EventHash    string `json:"eventHash,omitempty"`
	PreviousHash string `json:"previousHash,omitempty"`
}

// Candidate is an event that has not been written yet.
type Candidate struct {
	Level     Level
	Source    string
	Message   string
	Hostname  string
	IPAddress string
	Metadata  json.RawMessage
}

// Enrichment holds the fields an external analysis step may set on a stored event.
type Enrichment struct {
	Interpretation string `json:"interpretation"`
	Category       string `json:"category"`
	DeviceType     string `json:"deviceType"`
}

// Source maps a sender IP address to a friendly name.
type Source struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IPAddress string    `json:"ipAddress"`
	Color     string    `json:"color,omitempty"`
	LastSeen  time.Time `json:"lastSeen,omitzero"`
	CreatedAt time.Time `json:"createdAt"`
}

// New creates an Event from a candidate with a fresh time-ordered ID.
// The hashes are left empty; the store fills them in under the chain lock.
func New(c Candidate, ts time.Time) *Event {
	return &Event{
		ID:        NewID(),
		Timestamp: ts,
		Level:     c.Level,
		Source:    c.Source,
		Message:   c.Message,
		Hostname:  c.Hostname,
		IPAddress: c.IPAddress,
		Metadata:  c.Metadata,
		LastSeen:  ts,
	}
}

// NewID returns a UUIDv7 string so that IDs generated in the same
// millisecond still sort in creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ParseLevel normalizes a free-form level string. Unknown values are kept
// upper-cased; an empty value becomes LevelInfo.
func ParseLevel(s string) Level {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "":
		return LevelInfo
	case "WARNING":
		return LevelWarn
	case "ERR":
		return LevelError
	case "CRIT", "FATAL":
		return LevelCritical
	}
	return Level(s)
}
