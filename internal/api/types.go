package api

import (
	"time"

	"feednotify/internal/model"
)

type createFeedRequest struct {
	URL             string `json:"url"`
	Kind            string `json:"kind"` // url (default), channel, playlist
	SourceType      string `json:"source_type"`
	Label           string `json:"label"`
	Mode            string `json:"mode"`
	DigestTime      string `json:"digest_time"`
	PollIntervalMin int    `json:"poll_interval_min"`
	TZ              string `json:"tz"`
}

type updateFeedRequest struct {
	Label           *string `json:"label"`
	Mode            *string `json:"mode"`
	DigestTime      *string `json:"digest_time"`
	PollIntervalMin *int    `json:"poll_interval_min"`
	Enabled         *bool   `json:"enabled"`
}

type rulesRequest struct {
	IncludeKeywords []string `json:"include_keywords"`
	ExcludeKeywords []string `json:"exclude_keywords"`
	IncludeRegex    []string `json:"include_regex"`
	ExcludeRegex    []string `json:"exclude_regex"`
	RequireAll      bool     `json:"require_all"`
	CaseSensitive   bool     `json:"case_sensitive"`
	Categories      []string `json:"categories"`
	MinDurationSec  *int     `json:"min_duration_sec"`
	MaxDurationSec  *int     `json:"max_duration_sec"`
}

type feedResponse struct {
	ID              int64      `json:"id"`
	URL             string     `json:"url"`
	SourceType      string     `json:"source_type"`
	Title           string     `json:"title"`
	Mode            string     `json:"mode"`
	DigestTime      string     `json:"digest_time,omitempty"`
	PollIntervalMin int        `json:"poll_interval_min"`
	Enabled         bool       `json:"enabled"`
	LastPollAt      *time.Time `json:"last_poll_at,omitempty"`
	LastDigestAt    *time.Time `json:"last_digest_at,omitempty"`
	HasRules        bool       `json:"has_rules"`
}

type itemResponse struct {
	ID          int64      `json:"id"`
	FeedID      int64      `json:"feed_id"`
	ExternalID  string     `json:"external_id"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Author      string     `json:"author,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Categories  []string   `json:"categories,omitempty"`
	DurationSec *int       `json:"duration_sec,omitempty"`
}

func toFeedResponse(f *model.Feed, hasRules bool) feedResponse {
	return feedResponse{
		ID:              f.ID,
		URL:             f.URL,
		SourceType:      string(f.SourceType),
		Title:           f.Title(),
		Mode:            string(f.Mode),
		DigestTime:      f.DigestTimeLocal,
		PollIntervalMin: f.PollIntervalMin,
		Enabled:         f.Enabled,
		LastPollAt:      f.LastPollAt,
		LastDigestAt:    f.LastDigestAt,
		HasRules:        hasRules,
	}
}

func toItemResponse(it *model.Item) itemResponse {
	return itemResponse{
		ID:          it.ID,
		FeedID:      it.FeedID,
		ExternalID:  it.ExternalID,
		Title:       it.Title,
		Link:        it.Link,
		Author:      it.Author,
		PublishedAt: it.PublishedAt,
		Categories:  it.Categories,
		DurationSec: it.DurationSec,
	}
}
