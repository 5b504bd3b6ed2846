package database

import (
	"fmt"
	"strings"
	"time"
)

// timestampLayouts are the ISO-8601 shapes found in upload_log. Rows written
// by the earlier ingestion console carry microseconds and no zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatTimestamp renders t as the stored ISO-8601 form (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTimestamp parses a stored timestamp. Zone-less values are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", s)
}

// FormatUploadTime renders an upload time for report tables: YYYY-MM-DD HH:MM.
func FormatUploadTime(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}
