package source

import (
	"fmt"
	"strings"
	"time"

	"feednotify/internal/model"
)

const naiveTimeLayout = "2006-01-02 15:04"

// ParseBulkEvents parses manually entered events, one per line:
//
//	timestamp;title;link
//
// Timestamps are RFC 3339 or a naive "2006-01-02 15:04" interpreted in
// loc. Malformed lines are reported per line and never abort the batch.
// External IDs are derived from the content fingerprint so re-submitting
// the same block is idempotent.
func ParseBulkEvents(text string, loc *time.Location) ([]model.NormalizedItem, []string) {
	var items []model.NormalizedItem
	var lineErrors []string

	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ";")
		if len(parts) != 3 {
			lineErrors = append(lineErrors, fmt.Sprintf("line %d: expected timestamp;title;link, got %d fields", i+1, len(parts)))
			continue
		}

		start, err := parseEventTime(strings.TrimSpace(parts[0]), loc)
		if err != nil {
			lineErrors = append(lineErrors, fmt.Sprintf("line %d: %v", i+1, err))
			continue
		}
		title := strings.TrimSpace(parts[1])
		if title == "" {
			lineErrors = append(lineErrors, fmt.Sprintf("line %d: title is empty", i+1))
			continue
		}

		n := model.NormalizedItem{
			Title:       title,
			Link:        strings.TrimSpace(parts[2]),
			PublishedAt: &start,
		}
		n.ExternalID = n.Fingerprint()
		items = append(items, n)
	}
	return items, lineErrors
}

func parseEventTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation(naiveTimeLayout, s, loc); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
