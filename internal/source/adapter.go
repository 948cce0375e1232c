package source

import (
	"feednotify/internal/model"
)

// FeedInfo carries feed-level metadata parsed from a fetched body.
type FeedInfo struct {
	Title string
}

// Adapter normalizes one source format into items.
type Adapter interface {
	Type() model.SourceType
	Parse(body []byte) (FeedInfo, []model.NormalizedItem, error)
}

var adapters = map[model.SourceType]Adapter{
	model.SourceRSS:       rssAdapter{},
	model.SourceEventJSON: eventJSONAdapter{},
	model.SourceEventICS:  eventICSAdapter{},
}

// ForType returns the adapter for a source type. Manual sources have no
// adapter: their items enter through bulk entry, not a fetch.
func ForType(t model.SourceType) (Adapter, bool) {
	a, ok := adapters[t]
	return a, ok
}
