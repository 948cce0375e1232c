package scheduler

import (
	"context"
	"fmt"
	"time"

	"feednotify/internal/model"
	"feednotify/internal/rules"
	"feednotify/internal/source"
)

// Outcome reports why a delivery attempt did or did not send a message.
type Outcome struct {
	Delivered bool
	Reason    string
}

// Reasons carried in Outcome. ReasonOK accompanies Delivered=true; the
// rest name the first gate that stopped the item.
const (
	ReasonOK               = "ok"
	ReasonItemNotFound     = "item_not_found"
	ReasonFeedDisabled     = "feed_disabled"
	ReasonWrongMode        = "wrong_mode"
	ReasonNotAvailableYet  = "not_available_yet"
	ReasonFiltered         = "filtered"
	ReasonAlreadyDelivered = "already_delivered"
	ReasonSendFailed       = "send_failed"
	ReasonNoItem           = "no_item"
)

// MaybeDeliverImmediate sends a freshly stored item to its subscriber if
// the feed is enabled, in immediate mode, and the item passes the
// availability gate and the feed's filter rules.
func (s *Service) MaybeDeliverImmediate(ctx context.Context, itemID int64) (Outcome, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return Outcome{Reason: ReasonItemNotFound}, nil
	}
	feed, err := s.store.GetFeed(ctx, item.FeedID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled {
		return Outcome{Reason: ReasonFeedDisabled}, nil
	}
	if feed.Mode != model.ModeImmediate {
		return Outcome{Reason: ReasonWrongMode}, nil
	}
	sub, err := s.store.GetSubscriber(ctx, feed.SubscriberID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get subscriber: %w", err)
	}
	if sub == nil {
		return Outcome{Reason: ReasonFeedDisabled}, nil
	}
	if s.notYetAvailable(item) {
		return Outcome{Reason: ReasonNotAvailableYet}, nil
	}
	rule, err := s.store.GetRules(ctx, feed.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get rules: %w", err)
	}
	if !rules.Matches(itemContent(item), rule) {
		return Outcome{Reason: ReasonFiltered}, nil
	}

	sent, already, err := s.disp.DeliverItem(ctx, item, feed, sub, model.ChannelImmediate)
	if err != nil {
		return Outcome{}, err
	}
	if already {
		return Outcome{Reason: ReasonAlreadyDelivered}, nil
	}
	if !sent {
		return Outcome{Reason: ReasonSendFailed}, nil
	}
	return Outcome{Delivered: true, Reason: ReasonOK}, nil
}

// DeliverDueEventStarts sends every stored event whose start time has
// arrived, at most once per event, in ascending start order. The first
// run on a feed with no baseline pins one to the newest stored item so
// imported backlog never floods out.
func (s *Service) DeliverDueEventStarts(ctx context.Context, feedID int64) (int, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled {
		return 0, nil
	}

	baseline, err := s.store.GetBaseline(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get baseline: %w", err)
	}
	if baseline == nil {
		latest, err := s.store.LatestItem(ctx, feedID)
		if err != nil {
			return 0, fmt.Errorf("latest item: %w", err)
		}
		ext := ""
		var publishedAt *time.Time
		if latest != nil {
			ext = latest.ExternalID
			publishedAt = latest.PublishedAt
		}
		if err := s.store.EnsureBaseline(ctx, feedID, ext, publishedAt); err != nil {
			return 0, fmt.Errorf("ensure baseline: %w", err)
		}
		if baseline, err = s.store.GetBaseline(ctx, feedID); err != nil {
			return 0, fmt.Errorf("get baseline: %w", err)
		}
	}

	sub, err := s.store.GetSubscriber(ctx, feed.SubscriberID)
	if err != nil {
		return 0, fmt.Errorf("get subscriber: %w", err)
	}
	if sub == nil {
		return 0, nil
	}
	rule, err := s.store.GetRules(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get rules: %w", err)
	}
	due, err := s.store.ListDueEventItems(ctx, feedID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}

	sent := 0
	for i := range due {
		item := &due[i]
		if !itemAfterBaseline(item, baseline) {
			continue
		}
		if s.notYetAvailable(item) {
			continue
		}
		if !rules.Matches(itemContent(item), rule) {
			continue
		}
		ok, _, err := s.disp.DeliverItem(ctx, item, feed, sub, model.ChannelImmediate)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// SendItemOnceIgnoringMode sends an item regardless of the feed's
// delivery mode, recording ledger rows for both channels so neither the
// immediate path nor a later digest repeats it. Used for seeds and
// manual re-sends. Only the mode check is skipped; the availability
// gate and the feed's filter rules still apply.
func (s *Service) SendItemOnceIgnoringMode(ctx context.Context, itemID int64) (Outcome, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return Outcome{Reason: ReasonItemNotFound}, nil
	}
	feed, err := s.store.GetFeed(ctx, item.FeedID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled {
		return Outcome{Reason: ReasonFeedDisabled}, nil
	}
	sub, err := s.store.GetSubscriber(ctx, feed.SubscriberID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get subscriber: %w", err)
	}
	if sub == nil {
		return Outcome{Reason: ReasonFeedDisabled}, nil
	}
	if s.notYetAvailable(item) {
		return Outcome{Reason: ReasonNotAvailableYet}, nil
	}
	rule, err := s.store.GetRules(ctx, feed.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get rules: %w", err)
	}
	if !rules.Matches(itemContent(item), rule) {
		return Outcome{Reason: ReasonFiltered}, nil
	}
	already, err := s.store.HasDelivered(ctx, item.ID, feed.ID, sub.ID, model.ChannelImmediate)
	if err != nil {
		return Outcome{}, fmt.Errorf("check delivery: %w", err)
	}
	if already {
		return Outcome{Reason: ReasonAlreadyDelivered}, nil
	}

	sent, err := s.disp.DeliverSeed(ctx, item, feed, sub, feed.Mode == model.ModeDigest)
	if err != nil {
		return Outcome{}, err
	}
	if !sent {
		return Outcome{Reason: ReasonSendFailed}, nil
	}
	return Outcome{Delivered: true, Reason: ReasonOK}, nil
}

// SeedNewFeed runs the post-creation ritual for a feed: fetch and store
// the single newest entry, pin the baseline to it, and send it once.
// Event feeds get an empty or poll-pinned baseline and no seed message.
func (s *Service) SeedNewFeed(ctx context.Context, feedID int64) (Outcome, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled {
		return Outcome{Reason: ReasonFeedDisabled}, nil
	}

	switch {
	case feed.SourceType == model.SourceEventManual:
		// Nothing fetched yet; events arrive via bulk input.
		if err := s.store.EnsureBaseline(ctx, feedID, "", nil); err != nil {
			return Outcome{}, fmt.Errorf("ensure baseline: %w", err)
		}
		return Outcome{Reason: ReasonNoItem}, nil
	case feed.SourceType.IsEvent():
		// The first poll pins the baseline to the imported backlog.
		return Outcome{Reason: ReasonNoItem}, nil
	}

	itemID, err := s.fetchAndStoreLatest(ctx, feed)
	if err != nil {
		return Outcome{}, err
	}
	if itemID == 0 {
		if err := s.store.EnsureBaseline(ctx, feedID, "", nil); err != nil {
			return Outcome{}, fmt.Errorf("ensure baseline: %w", err)
		}
		return Outcome{Reason: ReasonNoItem}, nil
	}

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get item: %w", err)
	}
	if err := s.store.EnsureBaseline(ctx, feedID, item.ExternalID, item.PublishedAt); err != nil {
		return Outcome{}, fmt.Errorf("ensure baseline: %w", err)
	}
	return s.SendItemOnceIgnoringMode(ctx, itemID)
}

// itemAfterBaseline reports whether an item is newer than the feed's
// baseline cutoff. The baseline item itself is always backlog; items
// without comparable timestamps fall back to their creation time.
func itemAfterBaseline(item *model.Item, b *model.FeedBaseline) bool {
	if b == nil {
		return true
	}
	if b.ItemExternalID != "" && item.ExternalID == b.ItemExternalID {
		return false
	}
	if b.PublishedAt != nil && item.PublishedAt != nil {
		return item.PublishedAt.After(*b.PublishedAt)
	}
	if item.CreatedAt.IsZero() {
		return false
	}
	return item.CreatedAt.After(b.SetAt)
}

func (s *Service) notYetAvailable(item *model.Item) bool {
	if !s.hideFuture {
		return false
	}
	avail := source.AvailableAt(item.Title, item.PublishedAt, s.zone)
	return avail != nil && s.now().UTC().Before(*avail)
}

func itemContent(item *model.Item) rules.Content {
	return rules.Content{
		Title:       item.Title,
		Categories:  item.Categories,
		DurationSec: item.DurationSec,
	}
}
