package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"feednotify/internal/config"
	"feednotify/internal/model"
	"feednotify/internal/rules"
	"feednotify/internal/scheduler"
	"feednotify/internal/source"
	"feednotify/internal/store"
)

// Core is the scheduler surface the handlers drive.
type Core interface {
	ScheduleFeedPoll(feedID int64, intervalMin int)
	UnscheduleFeedPoll(feedID int64)
	PollFeed(ctx context.Context, feedID int64) error
	SeedNewFeed(ctx context.Context, feedID int64) (scheduler.Outcome, error)
	SendDigestForFeed(ctx context.Context, feedID int64, updateMarker bool) (int, error)
	DeliverDueEventStarts(ctx context.Context, feedID int64) (int, error)
	BackfillFeed(ctx context.Context, feedID int64, limit int) (int, error)
}

// Handler serves the management API.
type Handler struct {
	store store.Storage
	core  Core
	cfg   *config.Config
	log   *slog.Logger
}

func NewHandler(st store.Storage, core Core, cfg *config.Config, log *slog.Logger) *Handler {
	return &Handler{store: st, core: core, cfg: cfg, log: log}
}

// ListFeeds returns the subscriber's feeds with rule presence.
func (h *Handler) ListFeeds(c *gin.Context) {
	sub := h.subscriberFromPath(c)
	if sub == nil {
		return
	}
	feeds, err := h.store.ListFeedsBySubscriber(c.Request.Context(), sub.ID)
	if err != nil {
		h.internalError(c, "list feeds", err)
		return
	}
	resp := make([]feedResponse, 0, len(feeds))
	for i := range feeds {
		r, err := h.store.GetRules(c.Request.Context(), feeds[i].ID)
		if err != nil {
			h.internalError(c, "get rules", err)
			return
		}
		resp = append(resp, toFeedResponse(&feeds[i], r != nil))
	}
	c.JSON(http.StatusOK, gin.H{"feeds": resp})
}

// CreateFeed upserts a feed by URL, auto-registering the subscriber,
// then seeds and schedules it. kind=channel|playlist expands a YouTube
// id into the corresponding feed URL.
func (h *Handler) CreateFeed(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	if !h.cfg.IsChatAllowed(chatID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "chat not allowed"})
		return
	}

	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	url := req.URL
	switch req.Kind {
	case "", "url":
	case "channel":
		url = "https://www.youtube.com/feeds/videos.xml?channel_id=" + req.URL
	case "playlist":
		url = "https://www.youtube.com/feeds/videos.xml?playlist_id=" + req.URL
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown kind: " + req.Kind})
		return
	}

	sourceType := model.SourceRSS
	if req.SourceType != "" {
		sourceType = model.SourceType(req.SourceType)
		if !sourceType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source_type: " + req.SourceType})
			return
		}
	}
	mode := model.ModeImmediate
	if req.Mode != "" {
		mode = model.DeliveryMode(req.Mode)
		if !mode.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode: " + req.Mode})
			return
		}
	}
	digestTime := ""
	if mode == model.ModeDigest {
		digestTime = req.DigestTime
		if digestTime == "" {
			digestTime = h.cfg.DefaultDigestTime
		}
		if _, _, err := config.ParseClock(digestTime); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad digest_time: " + err.Error()})
			return
		}
	}
	interval := req.PollIntervalMin
	if interval <= 0 {
		interval = h.cfg.DefaultPollMin
	}
	tz := req.TZ
	if tz == "" {
		tz = h.cfg.DefaultTZ
	}
	if _, err := time.LoadLocation(tz); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tz: " + tz})
		return
	}

	ctx := c.Request.Context()
	sub, err := h.store.EnsureSubscriber(ctx, chatID, tz)
	if err != nil {
		h.internalError(c, "ensure subscriber", err)
		return
	}

	feed := &model.Feed{
		SubscriberID:    sub.ID,
		URL:             url,
		SourceType:      sourceType,
		Label:           req.Label,
		Mode:            mode,
		DigestTimeLocal: digestTime,
		PollIntervalMin: interval,
		Enabled:         true,
	}
	created, err := h.store.UpsertFeedByURL(ctx, feed)
	if err != nil {
		h.internalError(c, "upsert feed", err)
		return
	}

	out, err := h.core.SeedNewFeed(ctx, feed.ID)
	if err != nil {
		h.log.Error("seed feed", "feed_id", feed.ID, "error", err)
		out = scheduler.Outcome{Reason: scheduler.ReasonSendFailed}
	}
	h.core.ScheduleFeedPoll(feed.ID, feed.PollIntervalMin)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"feed":    toFeedResponse(feed, false),
		"created": created,
		"seed":    gin.H{"delivered": out.Delivered, "reason": out.Reason},
	})
}

// UpdateFeed patches feed settings and re-schedules or unschedules the
// poll job to match.
func (h *Handler) UpdateFeed(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	var req updateFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}

	if req.Label != nil {
		feed.Label = *req.Label
	}
	if req.Mode != nil {
		mode := model.DeliveryMode(*req.Mode)
		if !mode.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown mode: " + *req.Mode})
			return
		}
		feed.Mode = mode
		if mode != model.ModeDigest {
			feed.DigestTimeLocal = ""
		}
	}
	if req.DigestTime != nil {
		if _, _, err := config.ParseClock(*req.DigestTime); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad digest_time: " + err.Error()})
			return
		}
		feed.DigestTimeLocal = *req.DigestTime
	}
	if feed.Mode == model.ModeDigest && feed.DigestTimeLocal == "" {
		feed.DigestTimeLocal = h.cfg.DefaultDigestTime
	}
	if req.PollIntervalMin != nil {
		if *req.PollIntervalMin < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "poll_interval_min must be positive"})
			return
		}
		feed.PollIntervalMin = *req.PollIntervalMin
	}
	if req.Enabled != nil {
		feed.Enabled = *req.Enabled
	}

	if err := h.store.UpdateFeedSettings(c.Request.Context(), feed); err != nil {
		h.internalError(c, "update feed", err)
		return
	}
	if feed.Enabled {
		h.core.ScheduleFeedPoll(feed.ID, feed.PollIntervalMin)
	} else {
		h.core.UnscheduleFeedPoll(feed.ID)
	}

	r, err := h.store.GetRules(c.Request.Context(), feed.ID)
	if err != nil {
		h.internalError(c, "get rules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feed": toFeedResponse(feed, r != nil)})
}

// DeleteFeed removes the feed with its items, deliveries and rules, and
// drops the poll job.
func (h *Handler) DeleteFeed(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	if err := h.store.DeleteFeed(c.Request.Context(), feed.ID); err != nil {
		h.internalError(c, "delete feed", err)
		return
	}
	h.core.UnscheduleFeedPoll(feed.ID)
	c.Status(http.StatusNoContent)
}

// PutRules replaces the feed's filter rules.
func (h *Handler) PutRules(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	var req rulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
		return
	}
	for _, rx := range append(append([]string{}, req.IncludeRegex...), req.ExcludeRegex...) {
		if err := rules.ValidateRegex(rx); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("bad regex %q: %v", rx, err)})
			return
		}
	}
	if req.MinDurationSec != nil && req.MaxDurationSec != nil && *req.MinDurationSec > *req.MaxDurationSec {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min_duration_sec exceeds max_duration_sec"})
		return
	}

	rule := &model.FilterRule{
		FeedID:          feed.ID,
		IncludeKeywords: req.IncludeKeywords,
		ExcludeKeywords: req.ExcludeKeywords,
		IncludeRegex:    req.IncludeRegex,
		ExcludeRegex:    req.ExcludeRegex,
		RequireAll:      req.RequireAll,
		CaseSensitive:   req.CaseSensitive,
		Categories:      req.Categories,
		MinDurationSec:  req.MinDurationSec,
		MaxDurationSec:  req.MaxDurationSec,
	}
	if err := h.store.UpsertRules(c.Request.Context(), rule); err != nil {
		h.internalError(c, "upsert rules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// DeleteRules clears the feed's filter rules.
func (h *Handler) DeleteRules(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	if err := h.store.ClearRules(c.Request.Context(), feed.ID); err != nil {
		h.internalError(c, "clear rules", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// PollFeed forces a poll outside the schedule.
func (h *Handler) PollFeed(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	if err := h.core.PollFeed(c.Request.Context(), feed.ID); err != nil {
		h.internalError(c, "poll feed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "polled"})
}

// SendDigest triggers a digest run now. ?mark=false leaves the daily
// marker untouched so the scheduled digest still fires.
func (h *Handler) SendDigest(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	mark := c.DefaultQuery("mark", "true") != "false"
	n, err := h.core.SendDigestForFeed(c.Request.Context(), feed.ID, mark)
	if err != nil {
		h.internalError(c, "send digest", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

// AddEvents ingests bulk manual events, one "timestamp;title;link" per
// line, then delivers any that are already due.
func (h *Handler) AddEvents(c *gin.Context) {
	feed, sub, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	if feed.SourceType != model.SourceEventManual {
		c.JSON(http.StatusBadRequest, gin.H{"error": "feed does not accept manual events"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}
	loc, err := time.LoadLocation(sub.TZ)
	if err != nil {
		loc = time.UTC
	}

	items, lineErrs := source.ParseBulkEvents(string(body), loc)
	ctx := c.Request.Context()
	var createdIDs []int64
	if len(items) > 0 {
		if createdIDs, err = h.store.UpsertItems(ctx, feed.ID, items, true); err != nil {
			h.internalError(c, "store events", err)
			return
		}
	}
	delivered, err := h.core.DeliverDueEventStarts(ctx, feed.ID)
	if err != nil {
		h.internalError(c, "deliver due events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"created":   len(createdIDs),
		"delivered": delivered,
		"errors":    lineErrs,
	})
}

// Backfill stores up to n recent entries without delivering them.
func (h *Handler) Backfill(c *gin.Context) {
	feed, _, ok := h.feedFromPath(c)
	if !ok {
		return
	}
	n := h.cfg.BackfillOnStartN
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad n"})
			return
		}
		n = v
	}
	stored, err := h.core.BackfillFeed(c.Request.Context(), feed.ID, n)
	if err != nil {
		h.internalError(c, "backfill feed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": stored})
}

// DedupeFeeds merges the subscriber's same-URL feeds and unschedules the
// losers.
func (h *Handler) DedupeFeeds(c *gin.Context) {
	sub := h.subscriberFromPath(c)
	if sub == nil {
		return
	}
	removed, err := h.store.MergeDuplicateFeeds(c.Request.Context(), sub.ID)
	if err != nil {
		h.internalError(c, "merge feeds", err)
		return
	}
	for _, id := range removed {
		h.core.UnscheduleFeedPoll(id)
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// ListItems returns the latest stored items of a feed.
func (h *Handler) ListItems(c *gin.Context) {
	feedID, err := strconv.ParseInt(c.Query("feed_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad feed_id"})
		return
	}
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit"})
			return
		}
		limit = v
	}
	items, err := h.store.ListItemsByFeed(c.Request.Context(), feedID, limit)
	if err != nil {
		h.internalError(c, "list items", err)
		return
	}
	resp := make([]itemResponse, 0, len(items))
	for i := range items {
		resp = append(resp, toItemResponse(&items[i]))
	}
	c.JSON(http.StatusOK, gin.H{"items": resp})
}

func parseChatID(c *gin.Context) (int64, bool) {
	chatID, err := strconv.ParseInt(c.Param("chat_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad chat_id"})
		return 0, false
	}
	return chatID, true
}

func (h *Handler) subscriberFromPath(c *gin.Context) *model.Subscriber {
	chatID, ok := parseChatID(c)
	if !ok {
		return nil
	}
	sub, err := h.store.GetSubscriberByChatID(c.Request.Context(), chatID)
	if err != nil {
		h.internalError(c, "get subscriber", err)
		return nil
	}
	if sub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscriber not found"})
		return nil
	}
	return sub
}

// feedFromPath resolves the feed in the request path and enforces that
// it belongs to the path subscriber.
func (h *Handler) feedFromPath(c *gin.Context) (*model.Feed, *model.Subscriber, bool) {
	sub := h.subscriberFromPath(c)
	if sub == nil {
		return nil, nil, false
	}
	feedID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad feed id"})
		return nil, nil, false
	}
	feed, err := h.store.GetFeed(c.Request.Context(), feedID)
	if err != nil {
		h.internalError(c, "get feed", err)
		return nil, nil, false
	}
	if feed == nil || feed.SubscriberID != sub.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
		return nil, nil, false
	}
	return feed, sub, true
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.log.Error(op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
