package scheduler

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"feednotify/internal/dispatch"
	"feednotify/internal/model"
	"feednotify/internal/source"
	"feednotify/internal/store"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type fakeMessenger struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (m *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *fakeMessenger) sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

type fakeHTTP struct {
	mu       sync.Mutex
	status   int
	body     []byte
	requests int
	started  chan struct{}
	release  chan struct{}
}

func (f *fakeHTTP) Do(_ *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.requests++
	status, body := f.status, f.body
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (f *fakeHTTP) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type env struct {
	t     *testing.T
	store *store.SQLite
	msgr  *fakeMessenger
	http  *fakeHTTP
	svc   *Service

	mu  sync.Mutex
	now time.Time
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		t:     t,
		store: st,
		msgr:  &fakeMessenger{},
		http:  &fakeHTTP{status: 200},
		now:   time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	disp := dispatch.New(st, e.msgr, log)
	e.svc = New(st, source.NewClient(e.http), disp, opts, log)
	e.svc.SetNow(func() time.Time {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.now
	})
	return e
}

func (e *env) setNow(tm time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = tm
}

func (e *env) subscriber(chatID int64, tz string) *model.Subscriber {
	e.t.Helper()
	sub, err := e.store.EnsureSubscriber(context.Background(), chatID, tz)
	if err != nil {
		e.t.Fatalf("ensure subscriber: %v", err)
	}
	return sub
}

func (e *env) feed(sub *model.Subscriber, url string, st model.SourceType, mode model.DeliveryMode) *model.Feed {
	e.t.Helper()
	f := &model.Feed{
		SubscriberID:    sub.ID,
		URL:             url,
		SourceType:      st,
		Mode:            mode,
		PollIntervalMin: 10,
		Enabled:         true,
	}
	if mode == model.ModeDigest {
		f.DigestTimeLocal = "20:00"
	}
	if _, err := e.store.UpsertFeedByURL(context.Background(), f); err != nil {
		e.t.Fatalf("upsert feed: %v", err)
	}
	return f
}

func (e *env) addItems(feedID int64, items ...model.NormalizedItem) []int64 {
	e.t.Helper()
	ids, err := e.store.UpsertItems(context.Background(), feedID, items, false)
	if err != nil {
		e.t.Fatalf("upsert items: %v", err)
	}
	return ids
}

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("../../testdata/" + name)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func timePtr(t time.Time) *time.Time { return &t }

func TestScheduleFeedPollReplacesJob(t *testing.T) {
	e := newEnv(t, Options{})

	e.svc.ScheduleFeedPoll(1, 10)
	e.svc.ScheduleFeedPoll(1, 30)
	e.svc.ScheduleFeedPoll(2, 10)
	if got := e.svc.JobCount(); got != 2 {
		t.Fatalf("JobCount = %d, want 2", got)
	}
	e.svc.mu.Lock()
	interval := e.svc.jobs[1].interval
	e.svc.mu.Unlock()
	if interval != 30*time.Minute {
		t.Errorf("job interval = %v, want 30m", interval)
	}

	e.svc.UnscheduleFeedPoll(1)
	e.svc.UnscheduleFeedPoll(99) // absent, no-op
	if got := e.svc.JobCount(); got != 1 {
		t.Fatalf("JobCount after unschedule = %d, want 1", got)
	}
}

func TestFireDueJobsSkipsRunningPoll(t *testing.T) {
	e := newEnv(t, Options{})
	e.http.body = loadFixture(t, "youtube_atom.xml")
	e.http.started = make(chan struct{}, 1)
	e.http.release = make(chan struct{})

	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)

	e.svc.ScheduleFeedPoll(feed.ID, 1)
	base := e.now
	e.setNow(base.Add(2 * time.Minute))

	e.svc.fireDueJobs(context.Background())
	<-e.http.started // poll is now in flight

	// The job is due again but still running; it must not fire twice.
	e.setNow(base.Add(4 * time.Minute))
	e.svc.fireDueJobs(context.Background())
	select {
	case <-e.http.started:
		t.Fatal("second poll started while first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if got := e.http.requestCount(); got != 1 {
		t.Fatalf("request count = %d, want 1", got)
	}

	close(e.http.release)
	waitFor(t, func() bool {
		e.svc.mu.Lock()
		defer e.svc.mu.Unlock()
		return !e.svc.jobs[feed.ID].running
	})

	e.http.mu.Lock()
	e.http.started = nil
	e.http.release = nil
	e.http.mu.Unlock()

	e.setNow(base.Add(10 * time.Minute))
	e.svc.fireDueJobs(context.Background())
	waitFor(t, func() bool { return e.http.requestCount() == 2 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPollFeedDeliversNewItemsOnce(t *testing.T) {
	e := newEnv(t, Options{})
	e.http.body = loadFixture(t, "youtube_atom.xml")
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)

	if err := e.svc.PollFeed(context.Background(), feed.ID); err != nil {
		t.Fatalf("PollFeed: %v", err)
	}
	if got := len(e.msgr.sent()); got != 3 {
		t.Fatalf("sent %d messages, want 3", got)
	}

	// Same body again: upsert finds nothing new, nothing is re-sent.
	if err := e.svc.PollFeed(context.Background(), feed.ID); err != nil {
		t.Fatalf("PollFeed again: %v", err)
	}
	if got := len(e.msgr.sent()); got != 3 {
		t.Fatalf("sent %d messages after re-poll, want 3", got)
	}

	stored, err := e.store.GetFeed(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if stored.Name != "Workshop Channel" {
		t.Errorf("feed name = %q, want %q", stored.Name, "Workshop Channel")
	}
	if stored.LastPollAt == nil {
		t.Error("LastPollAt not recorded")
	}
}

func TestPollFeedSkipsDigestModeItems(t *testing.T) {
	e := newEnv(t, Options{})
	e.http.body = loadFixture(t, "youtube_atom.xml")
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeDigest)

	if err := e.svc.PollFeed(context.Background(), feed.ID); err != nil {
		t.Fatalf("PollFeed: %v", err)
	}
	if got := len(e.msgr.sent()); got != 0 {
		t.Fatalf("sent %d messages for digest feed poll, want 0", got)
	}
	items, err := e.store.ListItemsByFeed(context.Background(), feed.ID, 0)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("stored %d items, want 3", len(items))
	}
}

func TestSeedNewFeedPinsBaselineAndSendsOnce(t *testing.T) {
	e := newEnv(t, Options{})
	e.http.body = loadFixture(t, "youtube_atom.xml")
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)

	out, err := e.svc.SeedNewFeed(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("SeedNewFeed: %v", err)
	}
	if !out.Delivered || out.Reason != ReasonOK {
		t.Fatalf("outcome = %+v, want delivered ok", out)
	}

	msgs := e.msgr.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Kubernetes homelab tour, part 3") {
		t.Errorf("seed message = %q, want the newest entry", msgs[0].Text)
	}

	b, err := e.store.GetBaseline(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if b == nil || b.ItemExternalID != "vid-newest-03" {
		t.Fatalf("baseline = %+v, want pinned to vid-newest-03", b)
	}

	// Re-sending the seeded item is suppressed by the ledger.
	items, err := e.store.ListItemsByFeed(context.Background(), feed.ID, 0)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	out, err = e.svc.SendItemOnceIgnoringMode(context.Background(), items[0].ID)
	if err != nil {
		t.Fatalf("SendItemOnceIgnoringMode: %v", err)
	}
	if out.Delivered || out.Reason != ReasonAlreadyDelivered {
		t.Fatalf("outcome = %+v, want already_delivered", out)
	}
}

func TestSeedOnDigestFeedSuppressesNextDigest(t *testing.T) {
	e := newEnv(t, Options{})
	e.http.body = loadFixture(t, "youtube_atom.xml")
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeDigest)

	out, err := e.svc.SeedNewFeed(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("SeedNewFeed: %v", err)
	}
	if !out.Delivered {
		t.Fatalf("outcome = %+v, want delivered", out)
	}

	n, err := e.svc.SendDigestForFeed(context.Background(), feed.ID, false)
	if err != nil {
		t.Fatalf("SendDigestForFeed: %v", err)
	}
	if n != 0 {
		t.Fatalf("digest delivered %d items after seed, want 0", n)
	}
	if got := len(e.msgr.sent()); got != 1 {
		t.Fatalf("sent %d messages, want only the seed", got)
	}
}

func TestSendDigestExcludesBaselineBacklog(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeDigest)

	t0 := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	e.addItems(feed.ID,
		model.NormalizedItem{ExternalID: "older", Title: "Older video", Link: "https://example.com/older", PublishedAt: timePtr(t0.Add(-time.Hour))},
		model.NormalizedItem{ExternalID: "pinned", Title: "Baseline video", Link: "https://example.com/pinned", PublishedAt: timePtr(t0)},
		model.NormalizedItem{ExternalID: "newer", Title: "Newer video", Link: "https://example.com/newer", PublishedAt: timePtr(t0.Add(time.Hour))},
	)
	if err := e.store.EnsureBaseline(context.Background(), feed.ID, "pinned", timePtr(t0)); err != nil {
		t.Fatalf("ensure baseline: %v", err)
	}

	n, err := e.svc.SendDigestForFeed(context.Background(), feed.ID, false)
	if err != nil {
		t.Fatalf("SendDigestForFeed: %v", err)
	}
	if n != 1 {
		t.Fatalf("digest delivered %d items, want 1", n)
	}
	msgs := e.msgr.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Newer video") {
		t.Errorf("digest = %q, want only the item after the baseline", msgs[0].Text)
	}
	if strings.Contains(msgs[0].Text, "Baseline video") || strings.Contains(msgs[0].Text, "Older video") {
		t.Errorf("digest = %q leaked backlog items", msgs[0].Text)
	}
}

func TestDigestScanFiresOncePerLocalDay(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "Europe/Berlin")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeDigest)
	e.addItems(feed.ID, model.NormalizedItem{
		ExternalID: "a1", Title: "First video", Link: "https://example.com/a1",
		PublishedAt: timePtr(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)),
	})

	// 20:00 Berlin is 18:00 UTC in August.
	e.setNow(time.Date(2026, 8, 26, 18, 0, 10, 0, time.UTC))
	e.svc.DigestScanTick(context.Background())
	if got := len(e.msgr.sent()); got != 1 {
		t.Fatalf("sent %d messages at digest time, want 1", got)
	}

	// A second tick in the same minute must not repeat the digest.
	e.setNow(time.Date(2026, 8, 26, 18, 0, 40, 0, time.UTC))
	e.svc.DigestScanTick(context.Background())
	if got := len(e.msgr.sent()); got != 1 {
		t.Fatalf("sent %d messages after repeat tick, want 1", got)
	}

	// Off the configured minute: nothing fires.
	e.setNow(time.Date(2026, 8, 26, 18, 1, 0, 0, time.UTC))
	e.svc.DigestScanTick(context.Background())
	if got := len(e.msgr.sent()); got != 1 {
		t.Fatalf("sent %d messages off the digest minute, want 1", got)
	}

	// Next day, same local time: fires again for the new item.
	e.addItems(feed.ID, model.NormalizedItem{
		ExternalID: "a2", Title: "Second video", Link: "https://example.com/a2",
		PublishedAt: timePtr(time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)),
	})
	e.setNow(time.Date(2026, 8, 27, 18, 0, 0, 0, time.UTC))
	e.svc.DigestScanTick(context.Background())
	msgs := e.msgr.sent()
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages across two days, want 2", len(msgs))
	}
	if !strings.Contains(msgs[1].Text, "Second video") || strings.Contains(msgs[1].Text, "First video") {
		t.Errorf("second digest = %q, want only the new item", msgs[1].Text)
	}
}

func TestDigestMarkerAdvancesOnEmptyRun(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeDigest)

	e.setNow(time.Date(2026, 8, 26, 20, 0, 0, 0, time.UTC))
	e.svc.DigestScanTick(context.Background())
	if got := len(e.msgr.sent()); got != 0 {
		t.Fatalf("sent %d messages for empty digest, want 0", got)
	}
	stored, err := e.store.GetFeed(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if stored.LastDigestAt == nil {
		t.Fatal("digest marker not advanced on empty run")
	}
}

func TestDeliverDueEventStartsInOrder(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://venue.example.com/events.json", model.SourceEventJSON, model.ModeImmediate)

	now := e.now
	e.addItems(feed.ID,
		model.NormalizedItem{ExternalID: "ev-late", Title: "Late show", Link: "https://venue.example.com/late", PublishedAt: timePtr(now.Add(-10 * time.Minute))},
		model.NormalizedItem{ExternalID: "ev-early", Title: "Early show", Link: "https://venue.example.com/early", PublishedAt: timePtr(now.Add(-30 * time.Minute))},
		model.NormalizedItem{ExternalID: "ev-future", Title: "Future show", Link: "https://venue.example.com/future", PublishedAt: timePtr(now.Add(5 * time.Minute))},
	)
	old := now.Add(-48 * time.Hour)
	if err := e.store.EnsureBaseline(context.Background(), feed.ID, "", timePtr(old)); err != nil {
		t.Fatalf("ensure baseline: %v", err)
	}

	sent, err := e.svc.DeliverDueEventStarts(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("DeliverDueEventStarts: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}
	msgs := e.msgr.sent()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0].Text, "Early show") || !strings.Contains(msgs[1].Text, "Late show") {
		t.Errorf("messages out of start order: %q, %q", msgs[0].Text, msgs[1].Text)
	}

	// Once delivered, a due event never repeats.
	sent, err = e.svc.DeliverDueEventStarts(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("DeliverDueEventStarts again: %v", err)
	}
	if sent != 0 || len(e.msgr.sent()) != 2 {
		t.Fatalf("repeat run sent %d messages", sent)
	}

	// The future event becomes due and goes out on a later run.
	e.setNow(now.Add(10 * time.Minute))
	sent, err = e.svc.DeliverDueEventStarts(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("DeliverDueEventStarts later: %v", err)
	}
	if sent != 1 {
		t.Fatalf("later run sent = %d, want 1", sent)
	}
	msgs = e.msgr.sent()
	if !strings.Contains(msgs[2].Text, "Future show") {
		t.Errorf("later message = %q, want the future event", msgs[2].Text)
	}
}

func TestDeliverDueEventStartsFirstRunPinsBaseline(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://venue.example.com/events.json", model.SourceEventJSON, model.ModeImmediate)

	now := e.now
	e.addItems(feed.ID,
		model.NormalizedItem{ExternalID: "ev-past", Title: "Past show", Link: "https://venue.example.com/past", PublishedAt: timePtr(now.Add(-2 * time.Hour))},
		model.NormalizedItem{ExternalID: "ev-recent", Title: "Recent show", Link: "https://venue.example.com/recent", PublishedAt: timePtr(now.Add(-10 * time.Minute))},
	)

	// No baseline yet: the first run pins one to the newest stored item
	// and delivers nothing, so an imported backlog stays quiet.
	sent, err := e.svc.DeliverDueEventStarts(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("DeliverDueEventStarts: %v", err)
	}
	if sent != 0 || len(e.msgr.sent()) != 0 {
		t.Fatalf("first run delivered %d events, want 0", sent)
	}
	b, err := e.store.GetBaseline(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if b == nil || b.ItemExternalID != "ev-recent" {
		t.Fatalf("baseline = %+v, want pinned to ev-recent", b)
	}

	// An event added after the pin is delivered when it becomes due.
	e.addItems(feed.ID, model.NormalizedItem{
		ExternalID: "ev-new", Title: "New show", Link: "https://venue.example.com/new",
		PublishedAt: timePtr(now.Add(5 * time.Minute)),
	})
	e.setNow(now.Add(10 * time.Minute))
	sent, err = e.svc.DeliverDueEventStarts(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("DeliverDueEventStarts later: %v", err)
	}
	if sent != 1 {
		t.Fatalf("later run sent = %d, want 1", sent)
	}
}

func TestBackfillStoresWithoutDelivering(t *testing.T) {
	e := newEnv(t, Options{})
	e.http.body = loadFixture(t, "youtube_atom.xml")
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)

	n, err := e.svc.BackfillFeed(context.Background(), feed.ID, 2)
	if err != nil {
		t.Fatalf("BackfillFeed: %v", err)
	}
	if n != 2 {
		t.Fatalf("backfilled %d items, want 2", n)
	}
	if got := len(e.msgr.sent()); got != 0 {
		t.Fatalf("backfill sent %d messages, want 0", got)
	}

	items, err := e.store.ListItemsByFeed(context.Background(), feed.ID, 0)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("stored %d items, want 2", len(items))
	}
	// Newest entries first.
	if items[0].ExternalID != "vid-newest-03" || items[1].ExternalID != "vid-middle-02" {
		t.Errorf("backfilled %q, %q; want the two newest entries", items[0].ExternalID, items[1].ExternalID)
	}
}

func TestMaybeDeliverImmediateGates(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)
	ids := e.addItems(feed.ID,
		model.NormalizedItem{ExternalID: "v1", Title: "Stream recording", Link: "https://example.com/v1", PublishedAt: timePtr(e.now.Add(-time.Hour))},
	)

	out, err := e.svc.MaybeDeliverImmediate(context.Background(), 9999)
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate: %v", err)
	}
	if out.Reason != ReasonItemNotFound {
		t.Errorf("missing item reason = %q, want %q", out.Reason, ReasonItemNotFound)
	}

	rule := &model.FilterRule{FeedID: feed.ID, ExcludeKeywords: []string{"stream"}}
	if err := e.store.UpsertRules(context.Background(), rule); err != nil {
		t.Fatalf("upsert rules: %v", err)
	}
	out, err = e.svc.MaybeDeliverImmediate(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate: %v", err)
	}
	if out.Delivered || out.Reason != ReasonFiltered {
		t.Errorf("excluded item outcome = %+v, want filtered", out)
	}

	if err := e.store.ClearRules(context.Background(), feed.ID); err != nil {
		t.Fatalf("clear rules: %v", err)
	}
	out, err = e.svc.MaybeDeliverImmediate(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate: %v", err)
	}
	if !out.Delivered {
		t.Fatalf("outcome = %+v, want delivered", out)
	}
	out, err = e.svc.MaybeDeliverImmediate(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate repeat: %v", err)
	}
	if out.Delivered || out.Reason != ReasonAlreadyDelivered {
		t.Errorf("repeat outcome = %+v, want already_delivered", out)
	}

	feed.Mode = model.ModeDigest
	feed.DigestTimeLocal = "20:00"
	if err := e.store.UpdateFeedSettings(context.Background(), feed); err != nil {
		t.Fatalf("update feed: %v", err)
	}
	out, err = e.svc.MaybeDeliverImmediate(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate: %v", err)
	}
	if out.Reason != ReasonWrongMode {
		t.Errorf("digest-mode reason = %q, want %q", out.Reason, ReasonWrongMode)
	}
}

func TestMaybeDeliverImmediateHidesFutureItems(t *testing.T) {
	e := newEnv(t, Options{HideFutureItems: true, Zone: time.UTC})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)

	// now is 2026-08-26 12:00 UTC; the title announces 28.08.2026 19:00.
	ids := e.addItems(feed.ID, model.NormalizedItem{
		ExternalID: "v-future", Title: "Premiere 28.08.2026 19:00", Link: "https://example.com/vf",
		PublishedAt: timePtr(e.now.Add(-time.Hour)),
	})

	out, err := e.svc.MaybeDeliverImmediate(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate: %v", err)
	}
	if out.Delivered || out.Reason != ReasonNotAvailableYet {
		t.Fatalf("outcome = %+v, want not_available_yet", out)
	}

	e.setNow(time.Date(2026, 8, 28, 19, 30, 0, 0, time.UTC))
	out, err = e.svc.MaybeDeliverImmediate(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("MaybeDeliverImmediate later: %v", err)
	}
	if !out.Delivered {
		t.Fatalf("outcome after availability = %+v, want delivered", out)
	}
}

func TestSendItemOnceAppliesFilterRules(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)
	ids := e.addItems(feed.ID, model.NormalizedItem{
		ExternalID: "v-sponsored", Title: "Sponsored stream", Link: "https://example.com/vs",
		PublishedAt: timePtr(e.now.Add(-time.Hour)),
	})
	rule := &model.FilterRule{FeedID: feed.ID, ExcludeKeywords: []string{"sponsored"}}
	if err := e.store.UpsertRules(context.Background(), rule); err != nil {
		t.Fatalf("upsert rules: %v", err)
	}

	out, err := e.svc.SendItemOnceIgnoringMode(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("SendItemOnceIgnoringMode: %v", err)
	}
	if out.Delivered || out.Reason != ReasonFiltered {
		t.Fatalf("outcome = %+v, want filtered", out)
	}
	if got := len(e.msgr.sent()); got != 0 {
		t.Fatalf("sent %d messages for an excluded item, want 0", got)
	}

	// Clearing the rules makes the item sendable again.
	if err := e.store.ClearRules(context.Background(), feed.ID); err != nil {
		t.Fatalf("clear rules: %v", err)
	}
	out, err = e.svc.SendItemOnceIgnoringMode(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("SendItemOnceIgnoringMode: %v", err)
	}
	if !out.Delivered {
		t.Fatalf("outcome after clearing rules = %+v, want delivered", out)
	}
}

func TestSendItemOnceHidesFutureItems(t *testing.T) {
	e := newEnv(t, Options{HideFutureItems: true, Zone: time.UTC})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "https://example.com/feed.xml", model.SourceRSS, model.ModeImmediate)

	// now is 2026-08-26 12:00 UTC; the premiere is announced for 28.08.
	ids := e.addItems(feed.ID, model.NormalizedItem{
		ExternalID: "v-premiere", Title: "Premiere 28.08.2026 19:00", Link: "https://example.com/vp",
		PublishedAt: timePtr(e.now.Add(-time.Hour)),
	})

	out, err := e.svc.SendItemOnceIgnoringMode(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("SendItemOnceIgnoringMode: %v", err)
	}
	if out.Delivered || out.Reason != ReasonNotAvailableYet {
		t.Fatalf("outcome = %+v, want not_available_yet", out)
	}
	if got := len(e.msgr.sent()); got != 0 {
		t.Fatalf("sent %d messages before availability, want 0", got)
	}

	e.setNow(time.Date(2026, 8, 28, 19, 30, 0, 0, time.UTC))
	out, err = e.svc.SendItemOnceIgnoringMode(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("SendItemOnceIgnoringMode later: %v", err)
	}
	if !out.Delivered {
		t.Fatalf("outcome after availability = %+v, want delivered", out)
	}
}

func TestSeedManualFeedSetsEmptyBaseline(t *testing.T) {
	e := newEnv(t, Options{})
	sub := e.subscriber(100, "UTC")
	feed := e.feed(sub, "manual:concerts", model.SourceEventManual, model.ModeImmediate)

	out, err := e.svc.SeedNewFeed(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("SeedNewFeed: %v", err)
	}
	if out.Delivered || out.Reason != ReasonNoItem {
		t.Fatalf("outcome = %+v, want no_item", out)
	}
	b, err := e.store.GetBaseline(context.Background(), feed.ID)
	if err != nil {
		t.Fatalf("get baseline: %v", err)
	}
	if b == nil || b.ItemExternalID != "" {
		t.Fatalf("baseline = %+v, want empty baseline row", b)
	}
	if got := len(e.msgr.sent()); got != 0 {
		t.Fatalf("manual seed sent %d messages, want 0", got)
	}
}

func TestItemAfterBaseline(t *testing.T) {
	t0 := time.Date(2026, 8, 20, 15, 0, 0, 0, time.UTC)
	setAt := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	b := &model.FeedBaseline{ItemExternalID: "pin", PublishedAt: timePtr(t0), SetAt: setAt}

	tests := []struct {
		name string
		item model.Item
		base *model.FeedBaseline
		want bool
	}{
		{name: "nil baseline", item: model.Item{ExternalID: "x"}, base: nil, want: true},
		{name: "baseline item itself", item: model.Item{ExternalID: "pin", PublishedAt: timePtr(t0.Add(time.Hour))}, base: b, want: false},
		{name: "published after", item: model.Item{ExternalID: "x", PublishedAt: timePtr(t0.Add(time.Second))}, base: b, want: true},
		{name: "published equal", item: model.Item{ExternalID: "x", PublishedAt: timePtr(t0)}, base: b, want: false},
		{name: "published before", item: model.Item{ExternalID: "x", PublishedAt: timePtr(t0.Add(-time.Hour))}, base: b, want: false},
		{name: "no published, created after set", item: model.Item{ExternalID: "x", CreatedAt: setAt.Add(time.Hour)}, base: b, want: true},
		{name: "no published, created before set", item: model.Item{ExternalID: "x", CreatedAt: setAt.Add(-time.Hour)}, base: b, want: false},
		{name: "no timestamps at all", item: model.Item{ExternalID: "x"}, base: b, want: false},
		{
			name: "baseline without published falls back to created",
			item: model.Item{ExternalID: "x", PublishedAt: timePtr(t0), CreatedAt: setAt.Add(time.Hour)},
			base: &model.FeedBaseline{ItemExternalID: "pin", SetAt: setAt},
			want: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := itemAfterBaseline(&tc.item, tc.base); got != tc.want {
				t.Errorf("itemAfterBaseline() = %v, want %v", got, tc.want)
			}
		})
	}
}
