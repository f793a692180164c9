// Package format provides shared formatting utilities for CLI output.
package format

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Bytes formats a byte count with binary units (e.g. "3.0 GiB", "512 MiB").
func Bytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// Count formats an integer with thousands separators.
func Count(n int64) string {
	return humanize.Comma(n)
}

// Ago describes t relative to now (e.g. "3 minutes ago").
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// Duration formats a duration in compact form.
func Duration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", h, m)
	}
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, h)
}

// ShortHash abbreviates a chain hash for display.
func ShortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
