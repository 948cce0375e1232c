package source

import (
	"bytes"
	"fmt"
	"strings"

	ics "github.com/arran4/golang-ical"

	"feednotify/internal/model"
)

type eventICSAdapter struct{}

func (eventICSAdapter) Type() model.SourceType { return model.SourceEventICS }

// Parse normalizes VEVENT components. Some providers regenerate UIDs on
// every export, so the store's fingerprint fallback is what actually keeps
// these events unique; this adapter just reports what the calendar says.
func (eventICSAdapter) Parse(body []byte) (FeedInfo, []model.NormalizedItem, error) {
	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return FeedInfo{}, nil, fmt.Errorf("parse calendar: %w", err)
	}

	var info FeedInfo
	for _, prop := range cal.CalendarProperties {
		if prop.IANAToken == "X-WR-CALNAME" {
			info.Title = prop.Value
			break
		}
	}

	events := cal.Events()
	items := make([]model.NormalizedItem, 0, len(events))
	for _, ev := range events {
		n := model.NormalizedItem{ExternalID: ev.Id()}
		if p := ev.GetProperty(ics.ComponentPropertySummary); p != nil {
			n.Title = p.Value
		}
		if p := ev.GetProperty(ics.ComponentPropertyUrl); p != nil {
			n.Link = p.Value
		}
		if p := ev.GetProperty(ics.ComponentPropertyCategories); p != nil && p.Value != "" {
			for _, c := range strings.Split(p.Value, ",") {
				if c = strings.TrimSpace(c); c != "" {
					n.Categories = append(n.Categories, c)
				}
			}
		}
		if start, err := ev.GetStartAt(); err == nil {
			utc := start.UTC()
			n.PublishedAt = &utc
		}
		if n.ExternalID == "" {
			n.ExternalID = n.Fingerprint()
		}
		items = append(items, n)
	}
	return info, items, nil
}
