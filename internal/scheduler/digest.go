package scheduler

import (
	"context"
	"fmt"
	"time"

	"feednotify/internal/config"
	"feednotify/internal/metrics"
	"feednotify/internal/model"
	"feednotify/internal/rules"
)

// digestBatchLimit caps how many items one digest message carries; the
// rest wait for the next day's digest.
const digestBatchLimit = 20

// DigestScanTick checks every digest-mode feed against the current
// wall-clock minute in its subscriber's time zone and sends digests
// that are due. A feed fires at most once per local calendar day.
func (s *Service) DigestScanTick(ctx context.Context) {
	rows, err := s.store.ListDigestFeeds(ctx)
	if err != nil {
		s.log.Error("list digest feeds", "error", err)
		return
	}
	nowUTC := s.now().UTC()

	for i := range rows {
		feed := &rows[i].Feed
		sub := &rows[i].Subscriber
		if feed.DigestTimeLocal == "" {
			continue
		}
		hour, minute, err := config.ParseClock(feed.DigestTimeLocal)
		if err != nil {
			s.log.Warn("bad digest time", "feed_id", feed.ID, "value", feed.DigestTimeLocal)
			continue
		}
		loc, err := time.LoadLocation(sub.TZ)
		if err != nil {
			loc = time.UTC
		}
		nowLocal := nowUTC.In(loc)
		if nowLocal.Hour() != hour || nowLocal.Minute() != minute {
			continue
		}
		if feed.LastDigestAt != nil && sameLocalDay(feed.LastDigestAt.In(loc), nowLocal) {
			continue
		}

		metrics.DigestRunsTotal.WithLabelValues("scheduled").Inc()
		if _, err := s.SendDigestForFeed(ctx, feed.ID, true); err != nil {
			s.log.Error("send digest", "feed_id", feed.ID, "error", err)
		}
	}
}

// SendDigestForFeed batches the feed's undelivered, available,
// post-baseline items that pass its filter rules into one digest
// message, newest first, capped at digestBatchLimit. When updateMarker
// is true the feed's digest marker advances even if nothing qualified,
// so a scheduled run never repeats within the same local day.
func (s *Service) SendDigestForFeed(ctx context.Context, feedID int64, updateMarker bool) (int, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get feed: %w", err)
	}
	if feed == nil || !feed.Enabled {
		return 0, nil
	}
	sub, err := s.store.GetSubscriber(ctx, feed.SubscriberID)
	if err != nil {
		return 0, fmt.Errorf("get subscriber: %w", err)
	}
	if sub == nil {
		return 0, nil
	}

	baseline, err := s.store.GetBaseline(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get baseline: %w", err)
	}
	rule, err := s.store.GetRules(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("get rules: %w", err)
	}
	delivered, err := s.store.ListDeliveredItemIDs(ctx, feedID, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("list delivered: %w", err)
	}
	items, err := s.store.ListItemsByFeed(ctx, feedID, 0)
	if err != nil {
		return 0, fmt.Errorf("list items: %w", err)
	}

	var batch []model.Item
	for i := range items {
		item := &items[i]
		if delivered[item.ID] {
			continue
		}
		if s.notYetAvailable(item) {
			continue
		}
		if !itemAfterBaseline(item, baseline) {
			continue
		}
		if !rules.Matches(itemContent(item), rule) {
			continue
		}
		batch = append(batch, *item)
		if len(batch) == digestBatchLimit {
			break
		}
	}

	if len(batch) == 0 {
		if updateMarker {
			if err := s.store.SetLastDigestAt(ctx, feedID, s.now().UTC()); err != nil {
				return 0, fmt.Errorf("set digest marker: %w", err)
			}
		}
		return 0, nil
	}

	n, err := s.disp.DeliverDigest(ctx, feed, sub, batch)
	if err != nil {
		return 0, err
	}
	if updateMarker {
		if err := s.store.SetLastDigestAt(ctx, feedID, s.now().UTC()); err != nil {
			return n, fmt.Errorf("set digest marker: %w", err)
		}
	}
	return n, nil
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
