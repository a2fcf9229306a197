package care

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// naive layouts are interpreted in the caller's location
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseReading parses a sensor state as a finite number.
// States such as "unavailable", "unknown", "" or "NaN" yield ok=false.
func ParseReading(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ParseTimestamp parses an ISO-8601 timestamp and converts it to loc.
// Timestamps without an offset are taken to be in loc already.
func ParseTimestamp(iso string, loc *time.Location) (time.Time, bool) {
	iso = strings.TrimSpace(iso)
	if iso == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.In(loc), true
		}
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, iso, loc); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// FormatTimestamp renders t as ISO-8601 with its UTC offset
func FormatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
