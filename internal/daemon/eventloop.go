package daemon

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/robfig/cron/v3"
)

const defaultSyncSchedule = "@every 5m"

// EventLoop drives periodic index maintenance. A sync pass runs right after
// Start and then on the configured schedule whenever the index is dirty.
type EventLoop struct {
	daemon *Daemon
	cron   *cron.Cron

	runs    atomic.Int64
	mu      sync.Mutex
	lastErr string
	wg      sync.WaitGroup
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon: d,
	}
}

// Start schedules auto-sync. It is a no-op when auto-sync is disabled.
func (e *EventLoop) Start(ctx context.Context) error {
	cfg := e.daemon.config.Memory
	if !cfg.EnableAutoSync {
		e.daemon.logger.Info().Msg("Auto-sync disabled")
		return nil
	}

	expr := cfg.SyncSchedule
	if expr == "" {
		expr = defaultSyncSchedule
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return err
	}

	e.cron = cron.New()
	e.cron.Schedule(sched, cron.FuncJob(func() {
		e.processTasks(ctx, false)
	}))
	e.cron.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.processTasks(ctx, true)
	}()

	e.daemon.logger.Info().Str("schedule", expr).Msg("Auto-sync scheduled")
	return nil
}

// Stop halts the schedule and waits for a running pass.
func (e *EventLoop) Stop() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
		e.cron = nil
	}
	e.wg.Wait()
}

// Stats returns the number of completed passes and the last error text.
func (e *EventLoop) Stats() (int64, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs.Load(), e.lastErr
}

// processTasks syncs the index when the watcher or a flush marked it dirty.
func (e *EventLoop) processTasks(ctx context.Context, initial bool) {
	if ctx.Err() != nil {
		return
	}

	mgr := e.daemon.runtime.Memory
	if !initial && !mgr.IsDirty() {
		return
	}

	ctx = tracing.WithTraceID(ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, e.daemon.logger.GetZerolog())

	stats, err := mgr.Sync(ctx, false)
	e.runs.Add(1)

	e.mu.Lock()
	if err != nil {
		e.lastErr = err.Error()
	} else {
		e.lastErr = ""
	}
	e.mu.Unlock()

	if err != nil {
		logger.Warn().Err(err).Msg("Memory sync failed")
		return
	}
	logger.Debug().
		Int("files_indexed", stats.FilesIndexed).
		Int("files_pruned", stats.FilesPruned).
		Msg("Auto-sync pass finished")
}
