package tools

import (
	"fmt"
	"strings"
	"time"
)

// civilLayouts cover the wall-clock formats the model emits for meeting
// times when no offset is given.
var civilLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ResolveDateTime turns a model-supplied date-time string into a UTC
// instant. Values carrying an explicit offset or Z suffix are parsed
// directly and tz is ignored. Bare civil times are interpreted in the
// given IANA timezone (UTC when tz is empty).
func ResolveDateTime(value, tz string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date-time")
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	loc := time.UTC
	if tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q: %w", tz, err)
		}
		loc = parsed
	}
	for _, layout := range civilLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date-time %q", value)
}
