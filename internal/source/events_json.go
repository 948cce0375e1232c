package source

import (
	"encoding/json"
	"fmt"
	"time"

	"feednotify/internal/model"
)

type eventJSONAdapter struct{}

func (eventJSONAdapter) Type() model.SourceType { return model.SourceEventJSON }

type jsonEvent struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Link        string   `json:"link"`
	StartsAt    string   `json:"starts_at"`
	Categories  []string `json:"categories"`
	DurationSec *int     `json:"duration_sec"`
}

type jsonEventDoc struct {
	Title  string      `json:"title"`
	Events []jsonEvent `json:"events"`
}

// Parse accepts either a bare JSON array of events or an object wrapping
// them under "events". Timestamps are RFC 3339. Events without an id get
// the content fingerprint as a stable identity.
func (eventJSONAdapter) Parse(body []byte) (FeedInfo, []model.NormalizedItem, error) {
	var events []jsonEvent
	var info FeedInfo

	if err := json.Unmarshal(body, &events); err != nil {
		var doc jsonEventDoc
		if err := json.Unmarshal(body, &doc); err != nil {
			return FeedInfo{}, nil, fmt.Errorf("parse events json: %w", err)
		}
		events = doc.Events
		info.Title = doc.Title
	}

	items := make([]model.NormalizedItem, 0, len(events))
	for _, e := range events {
		link := e.URL
		if link == "" {
			link = e.Link
		}
		n := model.NormalizedItem{
			ExternalID:  e.ID,
			Title:       e.Title,
			Link:        link,
			Categories:  e.Categories,
			DurationSec: e.DurationSec,
		}
		if e.StartsAt != "" {
			t, err := time.Parse(time.RFC3339, e.StartsAt)
			if err != nil {
				return FeedInfo{}, nil, fmt.Errorf("parse starts_at %q: %w", e.StartsAt, err)
			}
			utc := t.UTC()
			n.PublishedAt = &utc
		}
		if n.ExternalID == "" {
			n.ExternalID = n.Fingerprint()
		}
		items = append(items, n)
	}
	return info, items, nil
}
