package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"feednotify/internal/model"
	"feednotify/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// EnsureSubscriber returns the subscriber with the given chat ID, creating
// it with the given timezone if absent.
func (s *SQLite) EnsureSubscriber(ctx context.Context, chatID int64, tz string) (*model.Subscriber, error) {
	now := time.Now().UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscribers (chat_id, tz, created_at) VALUES (?, ?, ?)`,
		chatID, tz, now,
	); err != nil {
		return nil, fmt.Errorf("insert subscriber: %w", err)
	}
	return s.GetSubscriberByChatID(ctx, chatID)
}

// GetSubscriber returns a subscriber by its ID, or nil when absent.
func (s *SQLite) GetSubscriber(ctx context.Context, id int64) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, tz, created_at FROM subscribers WHERE id = ?`, id,
	)
	return scanSubscriber(row)
}

// GetSubscriberByChatID returns a subscriber by chat ID, or nil when absent.
func (s *SQLite) GetSubscriberByChatID(ctx context.Context, chatID int64) (*model.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, tz, created_at FROM subscribers WHERE chat_id = ?`, chatID,
	)
	return scanSubscriber(row)
}

const feedColumns = `id, subscriber_id, url, source_type, name, label, mode, digest_time_local,
	poll_interval_min, enabled, http_etag, http_last_modified, last_poll_at, last_digest_at, created_at`

// GetFeed returns a single feed by its ID, or nil when absent.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id,
	)
	return scanFeed(row)
}

// ListFeedsBySubscriber returns all feeds owned by the given subscriber.
func (s *SQLite) ListFeedsBySubscriber(ctx context.Context, subscriberID int64) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE subscriber_id = ? ORDER BY id`, subscriberID,
	)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// ListEnabledFeeds returns all enabled feeds.
func (s *SQLite) ListEnabledFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE enabled = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query enabled feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanFeeds(rows)
}

// ListDigestFeeds returns all enabled digest-mode feeds joined with their
// owners, for the minute-granularity digest scan.
func (s *SQLite) ListDigestFeeds(ctx context.Context) ([]DigestFeed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.subscriber_id, f.url, f.source_type, f.name, f.label, f.mode, f.digest_time_local,
		        f.poll_interval_min, f.enabled, f.http_etag, f.http_last_modified, f.last_poll_at, f.last_digest_at, f.created_at,
		        u.id, u.chat_id, u.tz, u.created_at
		 FROM feeds f
		 JOIN subscribers u ON u.id = f.subscriber_id
		 WHERE f.enabled = 1 AND f.mode = 'digest'
		 ORDER BY f.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query digest feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DigestFeed
	for rows.Next() {
		var f model.Feed
		var u model.Subscriber
		var enabled int
		var digestTime, etag, lastModified, lastPoll, lastDigest sql.NullString
		var fCreated, uCreated string
		err := rows.Scan(
			&f.ID, &f.SubscriberID, &f.URL, &f.SourceType, &f.Name, &f.Label, &f.Mode, &digestTime,
			&f.PollIntervalMin, &enabled, &etag, &lastModified, &lastPoll, &lastDigest, &fCreated,
			&u.ID, &u.ChatID, &u.TZ, &uCreated,
		)
		if err != nil {
			return nil, fmt.Errorf("scan digest feed: %w", err)
		}
		f.Enabled = enabled == 1
		f.DigestTimeLocal = digestTime.String
		f.ETag = etag.String
		f.LastModified = lastModified.String
		f.LastPollAt = parseNullTime(lastPoll)
		f.LastDigestAt = parseNullTime(lastDigest)
		f.CreatedAt, _ = time.Parse(timeLayout, fCreated)
		u.CreatedAt, _ = time.Parse(timeLayout, uCreated)
		out = append(out, DigestFeed{Feed: f, Subscriber: u})
	}
	return out, rows.Err()
}

// UpsertFeedByURL inserts a feed or, when the subscriber already has one
// with the same URL, re-enables it and applies the new settings. The feed's
// ID is populated either way.
func (s *SQLite) UpsertFeedByURL(ctx context.Context, feed *model.Feed) (bool, error) {
	var existingID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM feeds WHERE subscriber_id = ? AND url = ? ORDER BY id LIMIT 1`,
		feed.SubscriberID, feed.URL,
	).Scan(&existingID)
	switch {
	case err == nil:
		feed.ID = existingID
		feed.Enabled = true
		if err := s.UpdateFeedSettings(ctx, feed); err != nil {
			return false, err
		}
		return false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return false, fmt.Errorf("query feed by url: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (subscriber_id, url, source_type, name, label, mode, digest_time_local,
		                    poll_interval_min, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feed.SubscriberID, feed.URL, string(feed.SourceType), feed.Name, feed.Label,
		string(feed.Mode), nullString(feed.DigestTimeLocal), feed.PollIntervalMin,
		boolToInt(feed.Enabled), now,
	)
	if err != nil {
		return false, fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// UpdateFeedSettings persists the user-controlled feed fields.
func (s *SQLite) UpdateFeedSettings(ctx context.Context, feed *model.Feed) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET label = ?, mode = ?, digest_time_local = ?, poll_interval_min = ?, enabled = ?
		 WHERE id = ?`,
		feed.Label, string(feed.Mode), nullString(feed.DigestTimeLocal),
		feed.PollIntervalMin, boolToInt(feed.Enabled), feed.ID,
	)
	if err != nil {
		return fmt.Errorf("update feed settings: %w", err)
	}
	return nil
}

// UpdateFeedFetchMeta records the outcome of a fetch: conditional-GET
// headers, the parsed feed name, and the poll timestamp. Empty etag,
// last-modified or name values keep the stored ones.
func (s *SQLite) UpdateFeedFetchMeta(ctx context.Context, feedID int64, etag, lastModified, name string, polledAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET
		   http_etag = CASE WHEN ? != '' THEN ? ELSE http_etag END,
		   http_last_modified = CASE WHEN ? != '' THEN ? ELSE http_last_modified END,
		   name = CASE WHEN ? != '' THEN ? ELSE name END,
		   last_poll_at = ?
		 WHERE id = ?`,
		etag, etag, lastModified, lastModified, name, name,
		polledAt.UTC().Format(timeLayout), feedID,
	)
	if err != nil {
		return fmt.Errorf("update feed fetch meta: %w", err)
	}
	return nil
}

// SetLastDigestAt marks the feed's daily digest slot as consumed.
func (s *SQLite) SetLastDigestAt(ctx context.Context, feedID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_digest_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), feedID,
	)
	if err != nil {
		return fmt.Errorf("set last digest at: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed with its rules, baseline, deliveries and items.
func (s *SQLite) DeleteFeed(ctx context.Context, feedID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_rules WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_baselines WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("delete baseline: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, feedID); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return tx.Commit()
}

// UpsertItems inserts items whose (feed_id, external_id) is new and returns
// the created IDs. With correctExisting set (event sources), existing items
// get their title/link/time refreshed: matched by external ID first, then by
// content fingerprint for sources whose IDs mutate between polls. The
// fingerprint match also adopts the new external ID.
func (s *SQLite) UpsertItems(ctx context.Context, feedID int64, items []model.NormalizedItem, correctExisting bool) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	var newIDs []int64
	for _, n := range items {
		if n.ExternalID == "" {
			continue
		}
		fp := n.Fingerprint()

		var existingID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM items WHERE feed_id = ? AND external_id = ?`,
			feedID, n.ExternalID,
		).Scan(&existingID)
		switch {
		case err == nil:
			if correctExisting {
				if _, err := tx.ExecContext(ctx,
					`UPDATE items SET title = ?, link = ?, published_at = ?, fingerprint = ? WHERE id = ?`,
					n.Title, n.Link, formatNullTime(n.PublishedAt), fp, existingID,
				); err != nil {
					return nil, fmt.Errorf("refresh item: %w", err)
				}
			}
			continue
		case errors.Is(err, sql.ErrNoRows):
			// not seen under this external id
		default:
			return nil, fmt.Errorf("query item: %w", err)
		}

		if correctExisting && fp != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM items WHERE feed_id = ? AND fingerprint = ?`,
				feedID, fp,
			).Scan(&existingID)
			switch {
			case err == nil:
				if _, err := tx.ExecContext(ctx,
					`UPDATE items SET external_id = ?, title = ?, link = ?, published_at = ? WHERE id = ?`,
					n.ExternalID, n.Title, n.Link, formatNullTime(n.PublishedAt), existingID,
				); err != nil {
					return nil, fmt.Errorf("adopt item external id: %w", err)
				}
				continue
			case errors.Is(err, sql.ErrNoRows):
				// genuinely new
			default:
				return nil, fmt.Errorf("query item by fingerprint: %w", err)
			}
		}

		cats, err := json.Marshal(emptyIfNil(n.Categories))
		if err != nil {
			return nil, fmt.Errorf("marshal categories: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO items (feed_id, external_id, title, link, author, published_at, categories,
			                    fingerprint, duration_sec, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			feedID, n.ExternalID, n.Title, n.Link, n.Author, formatNullTime(n.PublishedAt),
			string(cats), fp, n.DurationSec, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		newIDs = append(newIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit items: %w", err)
	}
	return newIDs, nil
}

const itemColumns = `id, feed_id, external_id, title, link, author, published_at, categories,
	fingerprint, duration_sec, created_at`

// GetItem returns a single item by its ID, or nil when absent.
func (s *SQLite) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id,
	)
	return scanItem(row)
}

// ListItemsByFeed returns the feed's items, newest first with missing
// publish times last. limit <= 0 returns everything.
func (s *SQLite) ListItemsByFeed(ctx context.Context, feedID int64, limit int) ([]model.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE feed_id = ?
	      ORDER BY published_at IS NULL, published_at DESC, id DESC`
	args := []any{feedID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// ListDueEventItems returns items whose start time has arrived, earliest
// first. Items without a publish time never become due.
func (s *SQLite) ListDueEventItems(ctx context.Context, feedID int64, now time.Time) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		 WHERE feed_id = ? AND published_at IS NOT NULL AND published_at <= ?
		 ORDER BY published_at ASC, id ASC`,
		feedID, now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

// LatestItem returns the feed's most recent item, or nil when it has none.
func (s *SQLite) LatestItem(ctx context.Context, feedID int64) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE feed_id = ?
		 ORDER BY published_at IS NULL, published_at DESC, id DESC LIMIT 1`,
		feedID,
	)
	return scanItem(row)
}

// RecordDelivery appends a row to the delivery ledger and populates its ID.
func (s *SQLite) RecordDelivery(ctx context.Context, d *model.Delivery) error {
	sentAt := d.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (item_id, feed_id, subscriber_id, channel, status, error_message, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ItemID, d.FeedID, d.SubscriberID, string(d.Channel), string(d.Status),
		d.Error, sentAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	d.ID = id
	d.SentAt = sentAt
	return nil
}

// HasDelivered reports whether the ledger already holds a row for the given
// item, feed, subscriber and channel.
func (s *SQLite) HasDelivered(ctx context.Context, itemID, feedID, subscriberID int64, channel model.Channel) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries
		 WHERE item_id = ? AND feed_id = ? AND subscriber_id = ? AND channel = ?`,
		itemID, feedID, subscriberID, string(channel),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

// ListDeliveredItemIDs returns the IDs of items with any ledger row for the
// feed and subscriber, across all channels.
func (s *SQLite) ListDeliveredItemIDs(ctx context.Context, feedID, subscriberID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT item_id FROM deliveries WHERE feed_id = ? AND subscriber_id = ?`,
		feedID, subscriberID,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivered items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered item id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// EnsureBaseline records the feed's backlog cutoff if none exists yet.
func (s *SQLite) EnsureBaseline(ctx context.Context, feedID int64, itemExternalID string, publishedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO feed_baselines (feed_id, baseline_item_external_id, baseline_published_at, baseline_set_at)
		 VALUES (?, ?, ?, ?)`,
		feedID, nullString(itemExternalID), formatNullTime(publishedAt),
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("ensure baseline: %w", err)
	}
	return nil
}

// GetBaseline returns the feed's baseline, or nil when none was set.
func (s *SQLite) GetBaseline(ctx context.Context, feedID int64) (*model.FeedBaseline, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT feed_id, baseline_item_external_id, baseline_published_at, baseline_set_at
		 FROM feed_baselines WHERE feed_id = ?`, feedID,
	)
	var b model.FeedBaseline
	var extID, published sql.NullString
	var setAt string
	err := row.Scan(&b.FeedID, &extID, &published, &setAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan baseline: %w", err)
	}
	b.ItemExternalID = extID.String
	b.PublishedAt = parseNullTime(published)
	b.SetAt, _ = time.Parse(timeLayout, setAt)
	return &b, nil
}

// GetRules returns the feed's filter rules, or nil when none are configured.
func (s *SQLite) GetRules(ctx context.Context, feedID int64) (*model.FilterRule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, feed_id, include_keywords, exclude_keywords, include_regex, exclude_regex,
		        require_all, case_sensitive, categories, min_duration_sec, max_duration_sec, created_at
		 FROM feed_rules WHERE feed_id = ?`, feedID,
	)
	var r model.FilterRule
	var incKW, excKW, incRe, excRe, cats, created string
	var requireAll, caseSensitive int
	var minDur, maxDur sql.NullInt64
	err := row.Scan(&r.ID, &r.FeedID, &incKW, &excKW, &incRe, &excRe,
		&requireAll, &caseSensitive, &cats, &minDur, &maxDur, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan rules: %w", err)
	}
	r.IncludeKeywords = unmarshalList(incKW)
	r.ExcludeKeywords = unmarshalList(excKW)
	r.IncludeRegex = unmarshalList(incRe)
	r.ExcludeRegex = unmarshalList(excRe)
	r.RequireAll = requireAll == 1
	r.CaseSensitive = caseSensitive == 1
	r.Categories = unmarshalList(cats)
	r.MinDurationSec = nullInt(minDur)
	r.MaxDurationSec = nullInt(maxDur)
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return &r, nil
}

// UpsertRules replaces the feed's filter rules.
func (s *SQLite) UpsertRules(ctx context.Context, r *model.FilterRule) error {
	incKW, _ := json.Marshal(emptyIfNil(r.IncludeKeywords))
	excKW, _ := json.Marshal(emptyIfNil(r.ExcludeKeywords))
	incRe, _ := json.Marshal(emptyIfNil(r.IncludeRegex))
	excRe, _ := json.Marshal(emptyIfNil(r.ExcludeRegex))
	cats, _ := json.Marshal(emptyIfNil(r.Categories))
	now := time.Now().UTC().Format(timeLayout)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_rules (feed_id, include_keywords, exclude_keywords, include_regex, exclude_regex,
		                         require_all, case_sensitive, categories, min_duration_sec, max_duration_sec, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (feed_id) DO UPDATE SET
		   include_keywords = excluded.include_keywords,
		   exclude_keywords = excluded.exclude_keywords,
		   include_regex = excluded.include_regex,
		   exclude_regex = excluded.exclude_regex,
		   require_all = excluded.require_all,
		   case_sensitive = excluded.case_sensitive,
		   categories = excluded.categories,
		   min_duration_sec = excluded.min_duration_sec,
		   max_duration_sec = excluded.max_duration_sec`,
		r.FeedID, string(incKW), string(excKW), string(incRe), string(excRe),
		boolToInt(r.RequireAll), boolToInt(r.CaseSensitive), string(cats),
		r.MinDurationSec, r.MaxDurationSec, now,
	)
	if err != nil {
		return fmt.Errorf("upsert rules: %w", err)
	}
	return nil
}

// ClearRules removes the feed's filter rules. No-op when none exist.
func (s *SQLite) ClearRules(ctx context.Context, feedID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feed_rules WHERE feed_id = ?`, feedID)
	if err != nil {
		return fmt.Errorf("clear rules: %w", err)
	}
	return nil
}

// MergeDuplicateFeeds reconciles a subscriber's feeds that share a URL.
// The enabled row wins, then the newest ID. Losers' items move to the
// winner (dropped together with their deliveries when the winner already
// holds the same external ID), deliveries follow, rules move when the
// winner has none. Returns the removed feed IDs so callers can unschedule
// their poll jobs.
func (s *SQLite) MergeDuplicateFeeds(ctx context.Context, subscriberID int64) ([]int64, error) {
	feeds, err := s.ListFeedsBySubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	byURL := make(map[string][]model.Feed)
	for _, f := range feeds {
		byURL[f.URL] = append(byURL[f.URL], f)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var removed []int64
	for _, same := range byURL {
		if len(same) <= 1 {
			continue
		}
		sort.Slice(same, func(i, j int) bool {
			if same[i].Enabled != same[j].Enabled {
				return same[i].Enabled
			}
			return same[i].ID > same[j].ID
		})
		keep := same[0]

		existingExt := make(map[string]bool)
		extRows, err := tx.QueryContext(ctx, `SELECT external_id FROM items WHERE feed_id = ?`, keep.ID)
		if err != nil {
			return nil, fmt.Errorf("query winner items: %w", err)
		}
		for extRows.Next() {
			var ext string
			if err := extRows.Scan(&ext); err != nil {
				_ = extRows.Close()
				return nil, fmt.Errorf("scan external id: %w", err)
			}
			existingExt[ext] = true
		}
		if err := extRows.Err(); err != nil {
			_ = extRows.Close()
			return nil, err
		}
		_ = extRows.Close()

		for _, dup := range same[1:] {
			if err := mergeFeedInto(ctx, tx, dup.ID, keep.ID, existingExt); err != nil {
				return nil, err
			}
			removed = append(removed, dup.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return removed, nil
}

func mergeFeedInto(ctx context.Context, tx *sql.Tx, dupID, keepID int64, existingExt map[string]bool) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, external_id FROM items WHERE feed_id = ?`, dupID)
	if err != nil {
		return fmt.Errorf("query duplicate items: %w", err)
	}
	type itemRef struct {
		id  int64
		ext string
	}
	var refs []itemRef
	for rows.Next() {
		var r itemRef
		if err := rows.Scan(&r.id, &r.ext); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan duplicate item: %w", err)
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, r := range refs {
		if existingExt[r.ext] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE item_id = ?`, r.id); err != nil {
				return fmt.Errorf("delete redundant deliveries: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, r.id); err != nil {
				return fmt.Errorf("delete redundant item: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE items SET feed_id = ? WHERE id = ?`, keepID, r.id); err != nil {
				return fmt.Errorf("move item: %w", err)
			}
			existingExt[r.ext] = true
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE deliveries SET feed_id = ? WHERE feed_id = ?`, keepID, dupID); err != nil {
		return fmt.Errorf("move deliveries: %w", err)
	}

	var keepHasRules int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM feed_rules WHERE feed_id = ?`, keepID).Scan(&keepHasRules); err != nil {
		return fmt.Errorf("count winner rules: %w", err)
	}
	if keepHasRules == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE feed_rules SET feed_id = ? WHERE feed_id = ?`, keepID, dupID); err != nil {
			return fmt.Errorf("move rules: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM feed_rules WHERE feed_id = ?`, dupID); err != nil {
			return fmt.Errorf("drop duplicate rules: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_baselines WHERE feed_id = ?`, dupID); err != nil {
		return fmt.Errorf("drop duplicate baseline: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, dupID); err != nil {
		return fmt.Errorf("delete duplicate feed: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func formatNullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func emptyIfNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func unmarshalList(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scannable) (*model.Subscriber, error) {
	var u model.Subscriber
	var created string
	err := row.Scan(&u.ID, &u.ChatID, &u.TZ, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

func scanFeed(row scannable) (*model.Feed, error) {
	var f model.Feed
	var enabled int
	var digestTime, etag, lastModified, lastPoll, lastDigest sql.NullString
	var created string
	err := row.Scan(
		&f.ID, &f.SubscriberID, &f.URL, &f.SourceType, &f.Name, &f.Label, &f.Mode, &digestTime,
		&f.PollIntervalMin, &enabled, &etag, &lastModified, &lastPoll, &lastDigest, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	f.Enabled = enabled == 1
	f.DigestTimeLocal = digestTime.String
	f.ETag = etag.String
	f.LastModified = lastModified.String
	f.LastPollAt = parseNullTime(lastPoll)
	f.LastDigestAt = parseNullTime(lastDigest)
	f.CreatedAt, _ = time.Parse(timeLayout, created)
	return &f, nil
}

func scanFeeds(rows *sql.Rows) ([]model.Feed, error) {
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

func scanItem(row scannable) (*model.Item, error) {
	var it model.Item
	var published sql.NullString
	var cats, created string
	var duration sql.NullInt64
	err := row.Scan(
		&it.ID, &it.FeedID, &it.ExternalID, &it.Title, &it.Link, &it.Author,
		&published, &cats, &it.Fingerprint, &duration, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	it.PublishedAt = parseNullTime(published)
	it.Categories = unmarshalList(cats)
	it.DurationSec = nullInt(duration)
	it.CreatedAt, _ = time.Parse(timeLayout, created)
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}
