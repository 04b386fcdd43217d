// Package refresh schedules syncs of every subscribed feed with bounded
// concurrency, per-feed failure backoff and a throttle on full sweeps.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jdholdren/vesper/internal/sync"
	"github.com/jdholdren/vesper/internal/vesper"
	"github.com/jdholdren/vesper/logger"
)

const (
	DefaultWorkers     = 3
	DefaultMinInterval = 3 * time.Minute
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = 15 * time.Minute
)

var (
	// ErrThrottled is returned for an unforced sweep too soon after the previous one.
	ErrThrottled = errors.New("refreshed too recently")
	// ErrInProgress is returned when a sweep is requested while one is running.
	ErrInProgress = errors.New("refresh already in progress")
)

type (
	Syncer interface {
		SyncFeed(ctx context.Context, feedID string, opts sync.Options) (sync.Result, error)
	}

	FeedLister interface {
		AllFeeds(ctx context.Context) ([]vesper.Feed, error)
	}

	Config struct {
		Workers     int
		MinInterval time.Duration
		BaseBackoff time.Duration
		MaxBackoff  time.Duration

		// Called with every change of progress, nil once a sweep ends.
		OnProgress func(*Progress)
		// Defaults to time.Now.
		Now func() time.Time
	}

	Progress struct {
		Completed int `json:"completed"`
		Total     int `json:"total"`
	}

	// Outcome is how the sync of one feed went during a sweep.
	Outcome struct {
		FeedID  string      `json:"feed_id"`
		Result  sync.Result `json:"result"`
		Err     error       `json:"-"`
		Skipped bool        `json:"skipped"`
	}

	failureState struct {
		failures    int
		nextAllowed time.Time
	}

	// Coordinator owns the sweep schedule and the failure state of every feed.
	Coordinator struct {
		syncer Syncer
		feeds  FeedLister
		config Config

		mu        gosync.Mutex
		lastSweep time.Time
		running   bool
		progress  *Progress
		failures  map[string]failureState
	}
)

func New(syncer Syncer, feeds FeedLister, config Config) *Coordinator {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.MinInterval <= 0 {
		config.MinInterval = DefaultMinInterval
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = DefaultBaseBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Coordinator{
		syncer:   syncer,
		feeds:    feeds,
		config:   config,
		failures: map[string]failureState{},
	}
}

// RefreshAll syncs every feed and returns one outcome per feed, in no particular order.
//
// Failing feeds don't stop the sweep. Unless forced, feeds still in their backoff
// window are skipped and a sweep within MinInterval of the last one is refused.
// Force bypasses both of those but not a sweep that is already running: that
// returns ErrInProgress, and the caller can watch Progress instead.
func (c *Coordinator) RefreshAll(ctx context.Context, force bool) ([]Outcome, error) {
	if err := c.startSweep(force); err != nil {
		return nil, err
	}
	defer c.endSweep()

	feeds, err := c.feeds.AllFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing feeds: %w", err)
	}
	c.setProgress(&Progress{Total: len(feeds)})

	var (
		tasks    = make(chan vesper.Feed)
		outcomes = make(chan Outcome, len(feeds))
		g        errgroup.Group
	)
	for range min(c.config.Workers, max(len(feeds), 1)) {
		g.Go(func() error {
			for feed := range tasks {
				outcomes <- c.refreshFeed(ctx, feed.ID, force)
				c.advance()
			}
			return nil
		})
	}
	for _, feed := range feeds {
		tasks <- feed
	}
	close(tasks)
	_ = g.Wait()
	close(outcomes)

	results := make([]Outcome, 0, len(feeds))
	failed := 0
	for o := range outcomes {
		if o.Err != nil {
			failed++
		}
		results = append(results, o)
	}
	slog.InfoContext(ctx, "refreshed feeds", "total", len(feeds), "failed", failed, "forced", force)

	return results, nil
}

// SyncFeed syncs a single feed right away, regardless of its backoff window.
// The outcome still counts toward the feed's failure state.
func (c *Coordinator) SyncFeed(ctx context.Context, feedID string) (sync.Result, error) {
	o := c.refreshFeed(ctx, feedID, true)
	return o.Result, o.Err
}

// Progress returns the progress of the running sweep, nil when none is running.
func (c *Coordinator) Progress() *Progress {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.progress == nil {
		return nil
	}
	p := *c.progress
	return &p
}

// Run sweeps every interval until ctx is done, starting immediately.
func (c *Coordinator) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		_, err := c.RefreshAll(ctx, false)
		switch {
		case errors.Is(err, ErrThrottled), errors.Is(err, ErrInProgress):
			slog.DebugContext(ctx, "skipping scheduled refresh", "reason", err)
		case err != nil:
			slog.ErrorContext(ctx, "error refreshing feeds", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) refreshFeed(ctx context.Context, feedID string, force bool) Outcome {
	ctx = logger.Ctx(ctx, slog.String("feed_id", feedID))

	if !force {
		if next, ok := c.backingOff(feedID); ok {
			slog.DebugContext(ctx, "skipping feed in backoff", "next_allowed", next)
			return Outcome{FeedID: feedID, Skipped: true}
		}
	}

	res, err := c.syncer.SyncFeed(ctx, feedID, sync.Options{Refresh: force})
	if err != nil {
		next := c.recordFailure(feedID)
		slog.WarnContext(ctx, "feed sync failed", "error", err, "next_allowed", next)
		return Outcome{FeedID: feedID, Err: err}
	}

	c.clearFailure(feedID)
	return Outcome{FeedID: feedID, Result: res}
}

func (c *Coordinator) startSweep(force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrInProgress
	}
	now := c.config.Now()
	if !force && !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.config.MinInterval {
		return ErrThrottled
	}
	c.lastSweep = now
	c.running = true

	return nil
}

func (c *Coordinator) endSweep() {
	c.mu.Lock()
	c.running = false
	c.progress = nil
	c.mu.Unlock()

	c.notify(nil)
}

func (c *Coordinator) setProgress(p *Progress) {
	c.mu.Lock()
	c.progress = p
	snapshot := *p
	c.mu.Unlock()

	c.notify(&snapshot)
}

func (c *Coordinator) advance() {
	c.mu.Lock()
	if c.progress == nil {
		c.mu.Unlock()
		return
	}
	c.progress.Completed++
	snapshot := *c.progress
	c.mu.Unlock()

	c.notify(&snapshot)
}

func (c *Coordinator) notify(p *Progress) {
	if c.config.OnProgress != nil {
		c.config.OnProgress(p)
	}
}

func (c *Coordinator) backingOff(feedID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.failures[feedID]
	if !ok {
		return time.Time{}, false
	}
	return st.nextAllowed, c.config.Now().Before(st.nextAllowed)
}

func (c *Coordinator) recordFailure(feedID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.failures[feedID]
	st.failures++
	st.nextAllowed = c.config.Now().Add(backoff(st.failures, c.config.BaseBackoff, c.config.MaxBackoff))
	c.failures[feedID] = st

	return st.nextAllowed
}

func (c *Coordinator) clearFailure(feedID string) {
	c.mu.Lock()
	delete(c.failures, feedID)
	c.mu.Unlock()
}

// backoff is base doubled for every failure after the first, capped at limit.
func backoff(failures int, base, limit time.Duration) time.Duration {
	delay := base
	for i := 1; i < failures && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}
