package source

import (
	"regexp"
	"strconv"
	"time"
)

// Matches date tokens like "31.12", "31.12.26 19:00" or "31.12.2026, 19:00".
var titleDateRe = regexp.MustCompile(`(\d{1,2})\.(\d{1,2})(?:\.(\d{2,4}))?(?:\D{1,3}(\d{1,2}):(\d{2}))?`)

// AvailableAt infers when an item becomes available for delivery. Titles
// of scheduled streams and premieres often carry a DD.MM[.YYYY][ HH:MM]
// token; when one parses to a moment after the feed-level publish time,
// that moment wins. Otherwise the publish time stands.
func AvailableAt(title string, publishedAt *time.Time, loc *time.Location) *time.Time {
	if loc == nil {
		loc = time.UTC
	}
	m := titleDateRe.FindStringSubmatch(title)
	if m == nil {
		return publishedAt
	}

	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year := time.Now().In(loc).Year()
	if m[3] != "" {
		y, _ := strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			y += 2000
		}
		year = y
	}
	hour, minute := 0, 0
	if m[4] != "" {
		hour, _ = strconv.Atoi(m[4])
		minute, _ = strconv.Atoi(m[5])
	}

	dt := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	// time.Date normalizes out-of-range components (32.01 becomes 01.02);
	// a token that did not survive the round trip was not a real date.
	if dt.Day() != day || int(dt.Month()) != month || dt.Hour() != hour || dt.Minute() != minute {
		return publishedAt
	}

	utc := dt.UTC()
	if publishedAt != nil && !utc.After(*publishedAt) {
		return publishedAt
	}
	return &utc
}
