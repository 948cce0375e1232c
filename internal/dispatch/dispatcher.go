package dispatch

import (
	"context"
	"log/slog"
	"time"

	"feednotify/internal/metrics"
	"feednotify/internal/model"
	"feednotify/internal/store"
)

const maxErrorLen = 1000

// Dispatcher sends notifications and keeps the delivery ledger. Sends
// always happen outside store transactions, and every attempt is recorded
// whether it succeeded or not.
type Dispatcher struct {
	store store.Storage
	msgr  Messenger
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Dispatcher.
func New(st store.Storage, msgr Messenger, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: st,
		msgr:  msgr,
		log:   log,
		now:   time.Now,
	}
}

// SetNow overrides the clock (useful for testing).
func (d *Dispatcher) SetNow(now func() time.Time) {
	d.now = now
}

// DeliverItem sends one item on the given channel unless the ledger says
// it already went out. The record is written after the send attempt with
// the real outcome, so failures stay visible and are never retried blindly.
func (d *Dispatcher) DeliverItem(ctx context.Context, item *model.Item, feed *model.Feed, sub *model.Subscriber, channel model.Channel) (sent, already bool, err error) {
	has, err := d.store.HasDelivered(ctx, item.ID, feed.ID, sub.ID, channel)
	if err != nil {
		return false, false, err
	}
	if has {
		return false, true, nil
	}

	text := FormatItem(feed, item)
	sendErr := d.msgr.SendMessage(ctx, sub.ChatID, text)

	if err := d.record(ctx, item.ID, feed.ID, sub.ID, channel, sendErr); err != nil {
		return false, false, err
	}
	if sendErr != nil {
		d.log.Error("send item", "item_id", item.ID, "feed_id", feed.ID, "chat_id", sub.ChatID, "error", sendErr)
		return false, false, nil
	}
	return true, false, nil
}

// DeliverSeed pushes a brand-new feed's latest item regardless of the
// feed's mode. For digest feeds it writes a digest-channel row alongside
// the immediate one, so the item is not delivered again by the next
// digest run.
func (d *Dispatcher) DeliverSeed(ctx context.Context, item *model.Item, feed *model.Feed, sub *model.Subscriber, alsoDigest bool) (bool, error) {
	text := FormatItem(feed, item)
	sendErr := d.msgr.SendMessage(ctx, sub.ChatID, text)

	if err := d.record(ctx, item.ID, feed.ID, sub.ID, model.ChannelImmediate, sendErr); err != nil {
		return false, err
	}
	if alsoDigest {
		if err := d.record(ctx, item.ID, feed.ID, sub.ID, model.ChannelDigest, sendErr); err != nil {
			return false, err
		}
	}
	if sendErr != nil {
		d.log.Error("send seed", "item_id", item.ID, "feed_id", feed.ID, "chat_id", sub.ChatID, "error", sendErr)
		return false, nil
	}
	return true, nil
}

// DeliverDigest sends one batched message for the feed's kept items and
// records a digest-channel row per item sharing the send outcome. Returns
// the number of items delivered successfully.
func (d *Dispatcher) DeliverDigest(ctx context.Context, feed *model.Feed, sub *model.Subscriber, items []model.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	text := FormatDigest(feed, items)
	sendErr := d.msgr.SendMessage(ctx, sub.ChatID, text)

	for i := range items {
		if err := d.record(ctx, items[i].ID, feed.ID, sub.ID, model.ChannelDigest, sendErr); err != nil {
			return 0, err
		}
	}
	if sendErr != nil {
		d.log.Error("send digest", "feed_id", feed.ID, "chat_id", sub.ChatID, "items", len(items), "error", sendErr)
		return 0, nil
	}
	return len(items), nil
}

func (d *Dispatcher) record(ctx context.Context, itemID, feedID, subscriberID int64, channel model.Channel, sendErr error) error {
	status := model.StatusOK
	errText := ""
	if sendErr != nil {
		status = model.StatusFail
		errText = truncate(sendErr.Error(), maxErrorLen)
	}
	metrics.DeliveriesTotal.WithLabelValues(string(channel), string(status)).Inc()
	return d.store.RecordDelivery(ctx, &model.Delivery{
		ItemID:       itemID,
		FeedID:       feedID,
		SubscriberID: subscriberID,
		Channel:      channel,
		Status:       status,
		Error:        errText,
		SentAt:       d.now().UTC(),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
