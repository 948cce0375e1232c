// Package store defines the persistence interface and its implementations.
package store

import (
	"context"
	"time"

	"feednotify/internal/model"
)

// DigestFeed pairs a digest-mode feed with its owner for the minute scan.
type DigestFeed struct {
	Feed       model.Feed
	Subscriber model.Subscriber
}

// Storage is the interface for all persistence operations.
//
// Lookups for single rows return (nil, nil) when the row does not exist;
// absence is a normal condition for the scheduler, not an error.
type Storage interface {
	EnsureSubscriber(ctx context.Context, chatID int64, tz string) (*model.Subscriber, error)
	GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error)
	GetSubscriberByChatID(ctx context.Context, chatID int64) (*model.Subscriber, error)

	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListFeedsBySubscriber(ctx context.Context, subscriberID int64) ([]model.Feed, error)
	ListEnabledFeeds(ctx context.Context) ([]model.Feed, error)
	ListDigestFeeds(ctx context.Context) ([]DigestFeed, error)
	UpsertFeedByURL(ctx context.Context, feed *model.Feed) (created bool, err error)
	UpdateFeedSettings(ctx context.Context, feed *model.Feed) error
	UpdateFeedFetchMeta(ctx context.Context, feedID int64, etag, lastModified, name string, polledAt time.Time) error
	SetLastDigestAt(ctx context.Context, feedID int64, at time.Time) error
	DeleteFeed(ctx context.Context, feedID int64) error

	UpsertItems(ctx context.Context, feedID int64, items []model.NormalizedItem, correctExisting bool) ([]int64, error)
	GetItem(ctx context.Context, id int64) (*model.Item, error)
	ListItemsByFeed(ctx context.Context, feedID int64, limit int) ([]model.Item, error)
	ListDueEventItems(ctx context.Context, feedID int64, now time.Time) ([]model.Item, error)
	LatestItem(ctx context.Context, feedID int64) (*model.Item, error)

	RecordDelivery(ctx context.Context, d *model.Delivery) error
	HasDelivered(ctx context.Context, itemID, feedID, subscriberID int64, channel model.Channel) (bool, error)
	ListDeliveredItemIDs(ctx context.Context, feedID, subscriberID int64) (map[int64]bool, error)

	EnsureBaseline(ctx context.Context, feedID int64, itemExternalID string, publishedAt *time.Time) error
	GetBaseline(ctx context.Context, feedID int64) (*model.FeedBaseline, error)

	GetRules(ctx context.Context, feedID int64) (*model.FilterRule, error)
	UpsertRules(ctx context.Context, r *model.FilterRule) error
	ClearRules(ctx context.Context, feedID int64) error

	MergeDuplicateFeeds(ctx context.Context, subscriberID int64) (removedFeedIDs []int64, err error)

	Close() error
}
