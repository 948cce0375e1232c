// Package model defines the domain types used across the application.
package model

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// SourceType identifies the kind of source behind a feed.
type SourceType string

// Supported source types.
const (
	SourceRSS         SourceType = "rss"
	SourceEventJSON   SourceType = "event_json"
	SourceEventICS    SourceType = "event_ics"
	SourceEventManual SourceType = "event_manual"
)

// IsEvent reports whether the source produces time-anchored events that
// are delivered when their start time arrives.
func (t SourceType) IsEvent() bool {
	return t == SourceEventJSON || t == SourceEventICS || t == SourceEventManual
}

// Remote reports whether the source is fetched over HTTP.
func (t SourceType) Remote() bool {
	return t != SourceEventManual
}

// Valid reports whether t is one of the supported source types.
func (t SourceType) Valid() bool {
	switch t {
	case SourceRSS, SourceEventJSON, SourceEventICS, SourceEventManual:
		return true
	}
	return false
}

// DeliveryMode defines when a feed's items are delivered.
type DeliveryMode string

// Supported delivery modes.
const (
	ModeImmediate DeliveryMode = "immediate"
	ModeDigest    DeliveryMode = "digest"
	ModeOnDemand  DeliveryMode = "on_demand"
)

// Valid reports whether m is one of the supported delivery modes.
func (m DeliveryMode) Valid() bool {
	switch m {
	case ModeImmediate, ModeDigest, ModeOnDemand:
		return true
	}
	return false
}

// Channel identifies the delivery path recorded in the ledger.
type Channel string

// Supported delivery channels.
const (
	ChannelImmediate Channel = "immediate"
	ChannelDigest    Channel = "digest"
	ChannelOnDemand  Channel = "on_demand"
)

// DeliveryStatus is the outcome of a single send attempt.
type DeliveryStatus string

// Delivery statuses.
const (
	StatusOK   DeliveryStatus = "ok"
	StatusFail DeliveryStatus = "fail"
)

// Subscriber is a notification recipient identified by a chat id.
// Its time zone drives digest-time localization.
type Subscriber struct {
	ID        int64
	ChatID    int64
	TZ        string
	CreatedAt time.Time
}

// Feed represents one polled source owned by a subscriber.
type Feed struct {
	ID              int64
	SubscriberID    int64
	URL             string
	SourceType      SourceType
	Name            string // from fetched feed metadata
	Label           string // user-facing override
	Mode            DeliveryMode
	DigestTimeLocal string // "HH:MM" in the subscriber's zone, empty unless digest mode
	PollIntervalMin int
	Enabled         bool
	ETag            string
	LastModified    string
	LastPollAt      *time.Time
	LastDigestAt    *time.Time
	CreatedAt       time.Time
}

// Title returns the display name for notifications: the label override,
// then the fetched feed name, then the URL.
func (f *Feed) Title() string {
	if f.Label != "" {
		return f.Label
	}
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

// Item is one piece of content (video, event) discovered from a feed.
type Item struct {
	ID          int64
	FeedID      int64
	ExternalID  string
	Title       string
	Link        string
	Author      string
	PublishedAt *time.Time
	Categories  []string
	Fingerprint string
	DurationSec *int
	CreatedAt   time.Time
}

// Delivery is an append-only record that an item was sent (or failed to
// send) to a subscriber on a channel. The existence of a row for
// (item, feed, subscriber, channel) means "already sent on this channel".
type Delivery struct {
	ID           int64
	ItemID       int64
	FeedID       int64
	SubscriberID int64
	Channel      Channel
	Status       DeliveryStatus
	Error        string
	SentAt       time.Time
}

// FeedBaseline pins the "already known" cutoff recorded at feed setup.
// Items at or before the baseline are backlog and never delivered.
type FeedBaseline struct {
	FeedID         int64
	ItemExternalID string // empty when the feed had no items at setup
	PublishedAt    *time.Time
	SetAt          time.Time
}

// FilterRule holds a feed's delivery filters. Rules are evaluated at
// delivery time, so changing them never requires a re-fetch.
type FilterRule struct {
	ID              int64
	FeedID          int64
	IncludeKeywords []string
	ExcludeKeywords []string
	IncludeRegex    []string
	ExcludeRegex    []string
	RequireAll      bool
	CaseSensitive   bool
	Categories      []string
	MinDurationSec  *int
	MaxDurationSec  *int
	CreatedAt       time.Time
}

// NormalizedItem is a source adapter's parsed representation of one entry.
type NormalizedItem struct {
	ExternalID  string
	Title       string
	Link        string
	Author      string
	PublishedAt *time.Time
	Categories  []string
	DurationSec *int
}

// Fingerprint hashes title, link and timestamp into a stable content
// identity. It serves as the secondary dedup key for sources whose
// external ids mutate between polls.
func (n NormalizedItem) Fingerprint() string {
	ts := ""
	if n.PublishedAt != nil {
		ts = n.PublishedAt.UTC().Format(time.RFC3339)
	}
	h := sha256.Sum256([]byte(n.Title + "|" + n.Link + "|" + ts))
	return fmt.Sprintf("%x", h)
}
