package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/session"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "mnemo"
	serviceVersion = "0.1.0"

	shutdownTimeout = 5 * time.Second
)

// Daemon keeps the index fresh in the background: it watches the workspace,
// syncs on a schedule, prunes old conversations and serves metrics.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	runtime *Runtime

	cleanup   *session.Cleanup
	eventLoop *EventLoop
	pidFile   *PIDFile

	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	running     bool
	startTime   time.Time
	metricsAddr string

	tracingEnabled bool
}

// Status is a snapshot of the daemon.
type Status struct {
	Running       bool          `json:"running"`
	StartTime     time.Time     `json:"start_time,omitempty"`
	Uptime        time.Duration `json:"uptime"`
	PID           int           `json:"pid"`
	SyncRuns      int64         `json:"sync_runs"`
	LastSyncError string        `json:"last_sync_error,omitempty"`
	MetricsAddr   string        `json:"metrics_addr,omitempty"`
}

// New opens the runtime with the file watcher enabled and sets up tracing
// and the audit log. Neither of the latter is fatal.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	observability.EnsureRegistered()

	d := &Daemon{config: cfg, logger: log, pidFile: NewPIDFile(cfg.PIDFile())}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if tc := cfg.Observability.Tracing; tc.Enabled {
		name := tc.ServiceName
		if name == "" {
			name = serviceName
		}
		if err := tracing.Setup(name, serviceVersion, tc.SampleRate); err != nil {
			log.Warn().Err(err).Msg("Tracing unavailable, continuing without spans")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := observability.OpenAuditLog(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		log.Warn().Err(err).Msg("Failed to open audit log, audit events are dropped")
	}

	rt, err := NewRuntime(cfg, log.Component("runtime"), RuntimeOptions{Watch: true})
	if err != nil {
		d.cancel()
		d.shutdownTracing()
		_ = observability.CloseAuditLog()
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	d.runtime = rt
	d.cleanup = session.NewCleanup(rt.Conversations, cfg.Conversation.PruneSchedule, cfg.Conversation.MaxAgeDays)
	d.eventLoop = NewEventLoop(d)

	return d, nil
}

func (d *Daemon) opLogger() zerolog.Logger {
	return tracing.LoggerFromContext(tracing.NewRequestContext(d.ctx), d.logger.GetZerolog())
}

// Start claims the PID file, then brings up the metrics listener, the sync
// schedule and conversation pruning. A failure undoes the earlier steps.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.opLogger()
	log.Info().Str("workspace", d.runtime.Memory.Workspace()).Msg("Starting mnemo daemon")

	var undo []func()
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		d.setStopped()
		return err
	}

	if err := d.pidFile.Acquire(); err != nil {
		return fail(err)
	}
	undo = append(undo, func() { _ = d.pidFile.Release() })

	if err := d.startMetricsServer(); err != nil {
		return fail(fmt.Errorf("failed to start metrics server: %w", err))
	}
	undo = append(undo, d.stopMetricsServer)

	if err := d.eventLoop.Start(d.ctx); err != nil {
		return fail(fmt.Errorf("failed to start sync scheduler: %w", err))
	}

	// Pruning is housekeeping; the daemon runs without it.
	if err := d.cleanup.Start(); err != nil {
		log.Warn().Err(err).Msg("Conversation pruning disabled")
	} else {
		log.Info().
			Str("schedule", d.cleanup.Schedule()).
			Int("max_age_days", d.cleanup.MaxAgeDays()).
			Msg("Conversation pruning scheduled")
	}

	log.Info().Int("pid", os.Getpid()).Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts everything down in reverse start order and closes the stores.
// Individual failures are logged; Stop only errors when not running.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.opLogger()
	log.Info().Msg("Stopping mnemo daemon")

	if d.cleanup.IsRunning() {
		if err := d.cleanup.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop conversation pruning")
		}
	}
	d.eventLoop.Stop()
	d.stopMetricsServer()

	d.cancel()
	if !waitTimeout(&d.wg, shutdownTimeout) {
		log.Warn().Msg("Timed out waiting for background work")
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"release PID file", d.pidFile.Release},
		{"close runtime", d.runtime.Close},
		{"close audit log", observability.CloseAuditLog},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			log.Error().Err(err).Msgf("Failed to %s", step.name)
		}
	}
	d.shutdownTracing()

	log.Info().Msg("Daemon stopped")
	return nil
}

// waitTimeout reports whether wg finished within timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to flush traces")
	}
	d.tracingEnabled = false
}

// startMetricsServer serves /metrics and /healthz. An empty address
// disables the listener.
func (d *Daemon) startMetricsServer() error {
	addr := d.config.Observability.MetricsAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	d.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	d.mu.Lock()
	d.metricsAddr = ln.Addr().String()
	d.mu.Unlock()

	srv := d.metricsServer
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	d.logger.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")
	return nil
}

func (d *Daemon) stopMetricsServer() {
	if d.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.metricsServer.Shutdown(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop metrics server")
	}
	d.metricsServer = nil
}

func (d *Daemon) Status() Status {
	d.mu.RLock()
	st := Status{
		Running:     d.running,
		PID:         os.Getpid(),
		MetricsAddr: d.metricsAddr,
	}
	if d.running {
		st.StartTime = d.startTime
		st.Uptime = time.Since(d.startTime)
	}
	d.mu.RUnlock()

	st.SyncRuns, st.LastSyncError = d.eventLoop.Stats()
	return st
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		d.logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

func (d *Daemon) GetConfig() *config.Config { return d.config }
func (d *Daemon) GetLogger() *logger.Logger { return d.logger }
func (d *Daemon) GetRuntime() *Runtime { return d.runtime }
func (d *Daemon) GetCleanup() *session.Cleanup { return d.cleanup }
