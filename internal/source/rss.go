package source

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"feednotify/internal/model"
)

type rssAdapter struct{}

func (rssAdapter) Type() model.SourceType { return model.SourceRSS }

// Parse normalizes an RSS/Atom body. External IDs follow YouTube
// conventions when present: the 'yt:video:' GUID suffix, then the
// 'watch?v=' link parameter, then the raw GUID, then a content hash.
func (rssAdapter) Parse(body []byte) (FeedInfo, []model.NormalizedItem, error) {
	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return FeedInfo{}, nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]model.NormalizedItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		n := model.NormalizedItem{
			ExternalID:  entryExternalID(entry),
			Title:       entry.Title,
			Link:        entry.Link,
			Author:      entryAuthor(entry),
			Categories:  entry.Categories,
			DurationSec: entryDuration(entry),
		}
		if entry.PublishedParsed != nil {
			t := entry.PublishedParsed.UTC()
			n.PublishedAt = &t
		} else if entry.UpdatedParsed != nil {
			t := entry.UpdatedParsed.UTC()
			n.PublishedAt = &t
		}
		items = append(items, n)
	}
	return FeedInfo{Title: feed.Title}, items, nil
}

func entryExternalID(entry *gofeed.Item) string {
	if idx := strings.Index(entry.GUID, ":video:"); idx >= 0 {
		return entry.GUID[idx+len(":video:"):]
	}
	if idx := strings.Index(entry.Link, "watch?v="); idx >= 0 {
		id := entry.Link[idx+len("watch?v="):]
		if amp := strings.Index(id, "&"); amp >= 0 {
			id = id[:amp]
		}
		return id
	}
	if entry.GUID != "" {
		return entry.GUID
	}
	h := sha256.Sum256([]byte(entry.Title + "|" + entry.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

func entryAuthor(entry *gofeed.Item) string {
	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		return entry.Authors[0].Name
	}
	return ""
}

// entryDuration reads an itunes:duration extension when present, accepting
// plain seconds, MM:SS and HH:MM:SS forms.
func entryDuration(entry *gofeed.Item) *int {
	if entry.ITunesExt == nil || entry.ITunesExt.Duration == "" {
		return nil
	}
	parts := strings.Split(entry.ITunesExt.Duration, ":")
	if len(parts) > 3 {
		return nil
	}
	total := 0
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return nil
		}
		total = total*60 + v
	}
	return &total
}
