package syslog

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/setevik/logvault/internal/event"
)

// Decode turns a raw datagram into a log line: invalid UTF-8 sequences are
// replaced and surrounding whitespace and NUL padding are removed.
func Decode(payload []byte) string {
	s := strings.ToValidUTF8(string(payload), "\uFFFD")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == 0
	})
}

// ParsePriority strips a leading RFC 3164 "<PRI>" tag and maps its severity
// to a level. ok is false when msg does not start with a valid tag.
func ParsePriority(msg string) (level event.Level, rest string, ok bool) {
	if len(msg) < 3 || msg[0] != '<' {
		return "", msg, false
	}
	end := strings.IndexByte(msg, '>')
	if end < 2 || end > 4 {
		return "", msg, false
	}
	pri, err := strconv.Atoi(msg[1:end])
	if err != nil || pri < 0 || pri > 191 {
		return "", msg, false
	}
	return severityLevel(pri % 8), strings.TrimLeftFunc(msg[end+1:], unicode.IsSpace), true
}

// severityLevel maps a syslog severity (0=emerg ... 7=debug) to a level.
func severityLevel(sev int) event.Level {
	switch {
	case sev <= 2:
		return event.LevelCritical
	case sev == 3:
		return event.LevelError
	case sev == 4:
		return event.LevelWarn
	case sev == 7:
		return event.LevelDebug
	default:
		return event.LevelInfo
	}
}
