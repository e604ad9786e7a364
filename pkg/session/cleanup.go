package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultPruneSchedule runs the age-based prune once a day at midnight.
const DefaultPruneSchedule = "@daily"

const pruneTimeout = 5 * time.Minute

var (
	errCleanupRunning = errors.New("cleanup is already running")
	errCleanupStopped = errors.New("cleanup is not running")
)

// Pruner deletes sessions idle for longer than maxAgeDays.
type Pruner interface {
	PruneOlderThan(ctx context.Context, maxAgeDays int) (int, error)
}

// Cleanup prunes expired sessions on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Cleanup struct {
	store      Pruner
	schedule   string
	maxAgeDays int

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCleanup creates a cleanup handler. An empty schedule uses
// DefaultPruneSchedule and maxAgeDays <= 0 uses DefaultMaxAgeDays.
func NewCleanup(store Pruner, schedule string, maxAgeDays int) *Cleanup {
	c := &Cleanup{store: store, schedule: schedule, maxAgeDays: maxAgeDays}
	if c.schedule == "" {
		c.schedule = DefaultPruneSchedule
	}
	if c.maxAgeDays <= 0 {
		c.maxAgeDays = DefaultMaxAgeDays
	}
	return c
}

// ParseSchedule parses a standard five-field cron expression or a descriptor
// such as "@daily" or "@every 1h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Start schedules the prune job and runs one pass immediately.
func (c *Cleanup) Start() error {
	sched, err := ParseSchedule(c.schedule)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return errCleanupRunning
	}

	clog := log.With().Str("component", "session_cleanup").Logger()
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&clog))))
	job := c.cron.Schedule(sched, cron.FuncJob(c.run))
	c.cron.Start()

	go c.cron.Entry(job).WrappedJob.Run()

	clog.Info().
		Str("schedule", c.schedule).
		Int("max_age_days", c.maxAgeDays).
		Msg("Session cleanup started")
	return nil
}

// Stop stops the schedule and waits for an in-flight prune.
func (c *Cleanup) Stop() error {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()

	if cr == nil {
		return errCleanupStopped
	}
	<-cr.Stop().Done()

	log.Info().Str("component", "session_cleanup").Msg("Session cleanup stopped")
	return nil
}

func (c *Cleanup) run() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	if _, err := c.CleanupNow(ctx); err != nil {
		log.Error().Err(err).Str("component", "session_cleanup").Msg("Session prune failed")
	}
}

func (c *Cleanup) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cron != nil
}

func (c *Cleanup) Schedule() string { return c.schedule }

func (c *Cleanup) MaxAgeDays() int { return c.maxAgeDays }

// CleanupNow prunes expired sessions immediately and returns the count.
func (c *Cleanup) CleanupNow(ctx context.Context) (int, error) {
	pruned, err := c.store.PruneOlderThan(ctx, c.maxAgeDays)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	if pruned > 0 {
		log.Info().Int("deleted", pruned).Int("max_age_days", c.maxAgeDays).Msg("Pruned idle sessions")
	}
	return pruned, nil
}
