package dispatch

import (
	"fmt"
	"strings"

	"feednotify/internal/model"
)

// FormatItem renders a single-item notification. Event-type feeds get a
// "starting now" framing, content feeds a "new item" one.
func FormatItem(feed *model.Feed, item *model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", feed.Title())
	if feed.SourceType.IsEvent() {
		b.WriteString("Starting now: ")
	} else {
		b.WriteString("New: ")
	}
	b.WriteString(itemTitle(item))
	if item.PublishedAt != nil && feed.SourceType.IsEvent() {
		fmt.Fprintf(&b, "\n%s", item.PublishedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if item.Link != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Link)
	}
	return b.String()
}

// FormatDigest renders the daily batch as one message with bullet lines.
func FormatDigest(feed *model.Feed, items []model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Digest of new items:", feed.Title())
	for i := range items {
		it := &items[i]
		when := ""
		if it.PublishedAt != nil {
			when = " (" + it.PublishedAt.UTC().Format("2006-01-02") + ")"
		}
		fmt.Fprintf(&b, "\n\n• %s%s", itemTitle(it), when)
		if it.Link != "" {
			b.WriteString("\n")
			b.WriteString(it.Link)
		}
	}
	return b.String()
}

func itemTitle(item *model.Item) string {
	if item.Title != "" {
		return item.Title
	}
	return "(untitled)"
}
