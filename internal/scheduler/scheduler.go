// Package scheduler drives feed polling, immediate and event delivery,
// and the digest minute scan. It keeps an in-memory job table keyed by
// feed id; (re)scheduling a feed replaces its job, so a feed never has
// two concurrent pollers.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feednotify/internal/dispatch"
	"feednotify/internal/metrics"
	"feednotify/internal/source"
	"feednotify/internal/store"
)

const defaultTick = time.Second

// pollJob is one scheduled feed poll. running marks an in-flight poll;
// a due job with running set is skipped, not queued.
type pollJob struct {
	interval time.Duration
	nextRun  time.Time
	running  bool
}

// Options configures scheduler behavior that comes from the service config.
type Options struct {
	// HideFutureItems suppresses items whose availability time parsed
	// from the title is still in the future.
	HideFutureItems bool
	// Zone is used to interpret dates parsed from item titles.
	Zone *time.Location
}

// Service owns the poll job table and all delivery decisions.
type Service struct {
	store      store.Storage
	client     *source.Client
	disp       *dispatch.Dispatcher
	hideFuture bool
	zone       *time.Location
	log        *slog.Logger

	now  func() time.Time
	tick time.Duration

	mu               sync.Mutex
	jobs             map[int64]*pollJob
	digestRunning    bool
	lastDigestMinute time.Time
}

func New(st store.Storage, client *source.Client, disp *dispatch.Dispatcher, opts Options, log *slog.Logger) *Service {
	zone := opts.Zone
	if zone == nil {
		zone = time.UTC
	}
	return &Service{
		store:      st,
		client:     client,
		disp:       disp,
		hideFuture: opts.HideFutureItems,
		zone:       zone,
		log:        log,
		now:        time.Now,
		tick:       defaultTick,
		jobs:       make(map[int64]*pollJob),
	}
}

// SetNow overrides the clock, for tests.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
	s.disp.SetNow(now)
}

// Run ticks until the context is cancelled, firing due poll jobs and
// the once-per-minute digest scan.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDueJobs(ctx)
			s.maybeDigestScan(ctx)
		}
	}
}

// ScheduleFeedPoll adds or replaces the poll job for a feed. The first
// run happens one interval from now; an in-flight poll keeps running
// and the new interval applies from its completion.
func (s *Service) ScheduleFeedPoll(feedID int64, intervalMin int) {
	if intervalMin < 1 {
		intervalMin = 1
	}
	interval := time.Duration(intervalMin) * time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[feedID]; ok {
		job.interval = interval
		job.nextRun = s.now().Add(interval)
	} else {
		s.jobs[feedID] = &pollJob{interval: interval, nextRun: s.now().Add(interval)}
	}
	metrics.ScheduledJobs.Set(float64(len(s.jobs)))
}

// UnscheduleFeedPoll removes the poll job for a feed. Removing a job
// that does not exist is a no-op.
func (s *Service) UnscheduleFeedPoll(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, feedID)
	metrics.ScheduledJobs.Set(float64(len(s.jobs)))
}

// ScheduleAll registers poll jobs for every enabled feed.
func (s *Service) ScheduleAll(ctx context.Context) error {
	feeds, err := s.store.ListEnabledFeeds(ctx)
	if err != nil {
		return err
	}
	for _, f := range feeds {
		s.ScheduleFeedPoll(f.ID, f.PollIntervalMin)
	}
	s.log.Info("poll jobs scheduled", "count", len(feeds))
	return nil
}

// JobCount returns the number of scheduled poll jobs.
func (s *Service) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) fireDueJobs(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []int64
	for feedID, job := range s.jobs {
		if job.running || now.Before(job.nextRun) {
			continue
		}
		job.running = true
		job.nextRun = now.Add(job.interval)
		due = append(due, feedID)
	}
	s.mu.Unlock()

	for _, feedID := range due {
		go func(feedID int64) {
			defer s.finishJob(feedID)
			if err := s.PollFeed(ctx, feedID); err != nil {
				s.log.Error("poll feed", "feed_id", feedID, "error", err)
			}
		}(feedID)
	}
}

func (s *Service) finishJob(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[feedID]; ok {
		job.running = false
	}
}

func (s *Service) maybeDigestScan(ctx context.Context) {
	minute := s.now().UTC().Truncate(time.Minute)

	s.mu.Lock()
	if s.digestRunning || minute.Equal(s.lastDigestMinute) {
		s.mu.Unlock()
		return
	}
	s.digestRunning = true
	s.lastDigestMinute = minute
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.digestRunning = false
			s.mu.Unlock()
		}()
		s.DigestScanTick(ctx)
	}()
}
