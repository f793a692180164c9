// Package chain implements the hash chain that links every stored event to
// its predecessor, together with the read-only verifier and the batched
// repairer that recomputes broken or missing links.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/setevik/logvault/internal/event"
)

// Genesis is the previous hash of the first event ever written.
const Genesis = "0"

// TimeLayout is the ISO-8601 form of a timestamp as it enters the hash.
// Timestamps are always UTC with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Cursor marks a position in chronological order. The zero Cursor is the
// start of the chain.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// IsZero reports whether c points at the start of the chain.
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == ""
}

// CursorAt returns the cursor positioned on ev.
func CursorAt(ev *event.Event) Cursor {
	return Cursor{Timestamp: ev.Timestamp, ID: ev.ID}
}

// HashUpdate is a corrected pair of links for one stored event.
type HashUpdate struct {
	ID           string
	EventHash    string
	PreviousHash string
}

// Normalize truncates ts to the precision the chain hashes.
func Normalize(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Millisecond)
}

// FormatTime renders ts the way it is fed into the hash.
func FormatTime(ts time.Time) string {
	return ts.UTC().Format(TimeLayout)
}

// Hash computes SHA-256(previousHash|level|source|message|timestamp) as
// lowercase hex.
func Hash(previousHash string, level event.Level, source, message string, ts time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", previousHash, level, source, message, FormatTime(ts))
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash recomputes the hash of ev on top of previousHash.
func EventHash(previousHash string, ev *event.Event) string {
	return Hash(previousHash, ev.Level, ev.Source, ev.Message, ev.Timestamp)
}
