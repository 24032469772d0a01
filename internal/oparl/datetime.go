package oparl

import (
	"time"
)

// ParseTime parses the timestamp shapes OParl servers actually emit.
// A trailing Z and an explicit +00:00 offset parse to the same instant,
// date-only strings become midnight UTC, and anything unparseable returns
// nil rather than an error; upstream data quality is not our problem to
// escalate item by item.
func ParseTime(s string) *time.Time {
	if s == "" {
		return nil
	}

	layouts := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}

	// Date-only: midnight UTC.
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return &t
	}

	return nil
}
