package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"feednotify/internal/metrics"
	"feednotify/internal/model"
	"feednotify/internal/source"
)

// PollFeed fetches a feed, stores new items, and routes delivery: due
// event starts for event feeds, immediate candidates for the rest.
// Fetch and parse failures are logged and skipped; the next tick retries.
func (s *Service) PollFeed(ctx context.Context, feedID int64) error {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled {
		return nil
	}

	start := s.now()
	var newIDs []int64
	if feed.SourceType.Remote() {
		newIDs, err = s.fetchAndStore(ctx, feed)
		if err != nil {
			metrics.FeedPollsTotal.WithLabelValues(string(feed.SourceType), "error").Inc()
			s.log.Error("fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
			return nil
		}
	}
	metrics.FeedPollsTotal.WithLabelValues(string(feed.SourceType), "ok").Inc()
	metrics.PollDuration.WithLabelValues(string(feed.SourceType)).Observe(s.now().Sub(start).Seconds())
	if len(newIDs) > 0 {
		metrics.ItemsIngestedTotal.WithLabelValues(string(feed.SourceType)).Add(float64(len(newIDs)))
		s.log.Info("stored new items", "feed_id", feed.ID, "count", len(newIDs))
	}

	if feed.SourceType.IsEvent() {
		if _, err := s.DeliverDueEventStarts(ctx, feed.ID); err != nil {
			s.log.Error("deliver due events", "feed_id", feed.ID, "error", err)
		}
		return nil
	}

	for _, itemID := range newIDs {
		out, err := s.MaybeDeliverImmediate(ctx, itemID)
		if err != nil {
			s.log.Error("deliver item", "item_id", itemID, "error", err)
			continue
		}
		if !out.Delivered && out.Reason != ReasonWrongMode {
			s.log.Debug("item not delivered", "item_id", itemID, "reason", out.Reason)
		}
	}
	return nil
}

// fetchAndStore performs a conditional GET, updates the feed's fetch
// metadata and stores parsed items. It returns the ids of newly stored
// items. A 304 or a non-200 status stores nothing.
func (s *Service) fetchAndStore(ctx context.Context, feed *model.Feed) ([]int64, error) {
	adapter, ok := source.ForType(feed.SourceType)
	if !ok {
		return nil, nil
	}

	res, err := s.client.FetchConditional(ctx, feed.URL, feed.ETag, feed.LastModified)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feed.URL, err)
	}
	now := s.now().UTC()
	if res.Status == 304 {
		if err := s.store.UpdateFeedFetchMeta(ctx, feed.ID, res.ETag, res.LastModified, "", now); err != nil {
			return nil, fmt.Errorf("update fetch meta: %w", err)
		}
		return nil, nil
	}
	if res.Status != 200 || len(res.Body) == 0 {
		s.log.Warn("unexpected fetch status", "feed_id", feed.ID, "url", feed.URL, "status", res.Status)
		if err := s.store.UpdateFeedFetchMeta(ctx, feed.ID, "", "", "", now); err != nil {
			return nil, fmt.Errorf("update fetch meta: %w", err)
		}
		return nil, nil
	}

	info, items, err := adapter.Parse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", feed.URL, err)
	}
	if err := s.store.UpdateFeedFetchMeta(ctx, feed.ID, res.ETag, res.LastModified, info.Title, now); err != nil {
		return nil, fmt.Errorf("update fetch meta: %w", err)
	}

	// Event sources re-publish the whole calendar on every fetch, so
	// existing rows are corrected in place when details change.
	newIDs, err := s.store.UpsertItems(ctx, feed.ID, items, feed.SourceType.IsEvent())
	if err != nil {
		return nil, fmt.Errorf("upsert items: %w", err)
	}
	return newIDs, nil
}

// fetchAndStoreLatest stores only the newest entry of a feed and returns
// its item id, or 0 when the entry was already known or the feed is empty.
func (s *Service) fetchAndStoreLatest(ctx context.Context, feed *model.Feed) (int64, error) {
	adapter, ok := source.ForType(feed.SourceType)
	if !ok {
		return 0, nil
	}

	res, err := s.client.FetchConditional(ctx, feed.URL, "", "")
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", feed.URL, err)
	}
	now := s.now().UTC()
	if res.Status != 200 || len(res.Body) == 0 {
		if err := s.store.UpdateFeedFetchMeta(ctx, feed.ID, res.ETag, res.LastModified, "", now); err != nil {
			return 0, fmt.Errorf("update fetch meta: %w", err)
		}
		return 0, nil
	}

	info, items, err := adapter.Parse(res.Body)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", feed.URL, err)
	}
	if err := s.store.UpdateFeedFetchMeta(ctx, feed.ID, res.ETag, res.LastModified, info.Title, now); err != nil {
		return 0, fmt.Errorf("update fetch meta: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	latest := items[0]
	for _, it := range items[1:] {
		if publishedOrZero(it.PublishedAt).After(publishedOrZero(latest.PublishedAt)) {
			latest = it
		}
	}
	newIDs, err := s.store.UpsertItems(ctx, feed.ID, []model.NormalizedItem{latest}, false)
	if err != nil {
		return 0, fmt.Errorf("upsert item: %w", err)
	}
	if len(newIDs) == 0 {
		return 0, nil
	}
	return newIDs[0], nil
}

// BackfillFeed stores up to limit of the newest not-yet-known entries of
// an RSS feed without delivering them. Event feeds are skipped; their
// backlog is governed by the baseline.
func (s *Service) BackfillFeed(ctx context.Context, feedID int64, limit int) (int, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled || feed.SourceType != model.SourceRSS || limit <= 0 {
		return 0, nil
	}

	res, err := s.client.FetchConditional(ctx, feed.URL, feed.ETag, feed.LastModified)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", feed.URL, err)
	}
	if err := s.store.UpdateFeedFetchMeta(ctx, feed.ID, res.ETag, res.LastModified, "", s.now().UTC()); err != nil {
		return 0, fmt.Errorf("update fetch meta: %w", err)
	}
	if res.Status != 200 || len(res.Body) == 0 {
		return 0, nil
	}

	adapter, _ := source.ForType(feed.SourceType)
	_, items, err := adapter.Parse(res.Body)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", feed.URL, err)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return publishedOrZero(items[i].PublishedAt).After(publishedOrZero(items[j].PublishedAt))
	})

	stored := 0
	for i := range items {
		if stored >= limit {
			break
		}
		newIDs, err := s.store.UpsertItems(ctx, feed.ID, items[i:i+1], false)
		if err != nil {
			return stored, fmt.Errorf("upsert item: %w", err)
		}
		stored += len(newIDs)
	}
	return stored, nil
}

// Backfill runs BackfillFeed over all enabled feeds with bounded
// concurrency. Per-feed failures are logged, not propagated.
func (s *Service) Backfill(ctx context.Context, perFeedLimit, concurrency int) error {
	feeds, err := s.store.ListEnabledFeeds(ctx)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, f := range feeds {
		f := f
		g.Go(func() error {
			n, err := s.BackfillFeed(ctx, f.ID, perFeedLimit)
			if err != nil {
				s.log.Error("backfill feed", "feed_id", f.ID, "error", err)
				return nil
			}
			if n > 0 {
				s.log.Info("backfilled feed", "feed_id", f.ID, "stored", n)
			}
			return nil
		})
	}
	return g.Wait()
}

func publishedOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
