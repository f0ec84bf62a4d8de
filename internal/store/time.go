package store

import "time"

// NowISO returns the canonical ISO-8601 UTC timestamp the services persist.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ParseISO parses a persisted timestamp.
func ParseISO(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
