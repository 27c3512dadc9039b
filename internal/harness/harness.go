// Package harness gives every botfleet daemon identical lifecycle
// behaviour: single-instance locking, signal handling, systemd
// watchdog notification, sleep/wake detection, and the robust
// periodic-task/timer primitives daemons schedule their work on.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Daemon is implemented by each concrete bot. Startup and Shutdown must
// be idempotent; Shutdown must release every resource Startup
// acquired, in reverse order, even if Startup partially failed.
type Daemon interface {
	// Startup runs once before RunDaemon. Fatal on error: the harness
	// exits non-zero after attempting Shutdown.
	Startup(ctx context.Context, h *Harness) error
	// RunDaemon is the daemon's main cooperative loop. It must return
	// promptly once h.ShuttingDown() is observed true.
	RunDaemon(ctx context.Context, h *Harness) error
	// Shutdown releases resources acquired in Startup. Called exactly
	// once, even if Startup failed partway through.
	Shutdown(ctx context.Context, h *Harness) error
}

// Bus is the subset of internal/busiface.Server the harness drives:
// registering the daemon's bus identity and emitting signals. Kept as
// an interface here (rather than importing busiface directly) so
// harness has no dependency on the IPC transport.
type Bus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EmitSignal(name string, payload any)
}

// Options configures a single Harness instance.
type Options struct {
	// Name identifies the daemon in the harness's log messages. Lock and
	// PID paths and the bus identity are configured separately.
	Name string
	// LockPath / PIDPath locate the single-instance advisory lock.
	LockPath string
	PIDPath  string
	// WatchdogSec configures systemd watchdog notification; 0 disables it.
	WatchdogSec int
	// Bus is optional; if nil, the daemon runs without an IPC surface
	// (used in tests and for --no-dbus).
	Bus    Bus
	Logger *slog.Logger
}

// Harness runs a Daemon through the startup → run → shutdown lifecycle
// shared by every bot process.
type Harness struct {
	opts   Options
	logger *slog.Logger

	lock     *LockToken
	sig      *SignalHandler
	watchdog *Watchdog
	wake     *WakeMonitor
	bus      Bus

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	cancelRun    context.CancelFunc

	startedAt time.Time
}

// New prepares a Harness. Call Run to actually execute the lifecycle.
func New(opts Options) *Harness {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Harness{opts: opts, logger: opts.Logger}
}

// Run acquires the lock, installs signal handling and the wake
// monitor, starts the bus if configured, and runs
// d.Startup → d.RunDaemon → d.Shutdown. It blocks until shutdown
// completes. A lock acquisition or bus start failure is returned
// without invoking any Daemon hook. If Startup, RunDaemon or Shutdown
// returns an error, Run cleans up and exits the process with status 1;
// otherwise it returns nil.
func (h *Harness) Run(ctx context.Context, d Daemon) error {
	lock, err := AcquireLock(h.opts.LockPath, h.opts.PIDPath)
	if err != nil {
		h.logger.Error("failed to acquire single-instance lock", "error", err)
		return err
	}
	h.lock = lock
	h.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	h.cancelRun = cancel

	h.sig = NewSignalHandler(h.logger, h.RequestShutdown)

	h.wake = NewWakeMonitor(h.logger, nil, h.onSystemWake)
	go h.wake.Run(runCtx)

	h.watchdog = StartWatchdog(runCtx, h.opts.WatchdogSec, h.logger)

	if h.opts.Bus != nil {
		h.bus = h.opts.Bus
		if err := h.bus.Start(runCtx); err != nil {
			h.logger.Error("failed to start bus interface", "error", err)
			h.cleanup(runCtx)
			return err
		}
	}

	runErr := h.runLifecycle(runCtx, d)
	h.cleanup(runCtx)

	if runErr != nil {
		os.Exit(1)
	}
	return runErr
}

func (h *Harness) runLifecycle(ctx context.Context, d Daemon) error {
	if err := d.Startup(ctx, h); err != nil {
		h.logger.Error("daemon startup failed", "error", err)
		if shutErr := d.Shutdown(ctx, h); shutErr != nil {
			h.logger.Error("shutdown after failed startup also failed", "error", shutErr)
		}
		return fmt.Errorf("startup: %w", err)
	}

	h.logger.Info("daemon started", "name", h.opts.Name, "pid", os.Getpid())
	h.EmitEvent("StatusChanged", map[string]any{"state": "running"})

	runErr := d.RunDaemon(ctx, h)

	h.logger.Info("daemon run loop exited, shutting down", "name", h.opts.Name)
	if shutErr := d.Shutdown(ctx, h); shutErr != nil {
		h.logger.Error("daemon shutdown failed", "error", shutErr)
		if runErr == nil {
			runErr = shutErr
		}
	}
	h.EmitEvent("StatusChanged", map[string]any{"state": "stopped"})
	return runErr
}

func (h *Harness) cleanup(ctx context.Context) {
	if h.bus != nil {
		if err := h.bus.Stop(ctx); err != nil {
			h.logger.Warn("bus stop failed", "error", err)
		}
	}
	h.watchdog.Stop()
	if h.sig != nil {
		h.sig.Stop()
	}
	if err := h.lock.Release(); err != nil {
		h.logger.Warn("lock release failed", "error", err)
	}
}

// RequestShutdown is callable from any goroutine. It is idempotent:
// only the first call has an observable effect. RunDaemon
// implementations must poll ShuttingDown (or select on Done()) and
// return promptly once it is true.
func (h *Harness) RequestShutdown() {
	if h.shuttingDown.CompareAndSwap(false, true) {
		h.logger.Info("shutdown requested")
		h.shutdownOnce.Do(func() {
			if h.cancelRun != nil {
				h.cancelRun()
			}
		})
	}
}

// ShuttingDown reports whether a shutdown has been requested.
func (h *Harness) ShuttingDown() bool {
	return h.shuttingDown.Load()
}

// EmitEvent emits a bus signal if a Bus is configured; otherwise it is
// a no-op (daemons run fine with --no-dbus, e.g. under test).
func (h *Harness) EmitEvent(name string, payload any) {
	if h.bus != nil {
		h.bus.EmitSignal(name, payload)
	}
}

// Uptime returns how long the daemon has been running.
func (h *Harness) Uptime() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	return time.Since(h.startedAt)
}

// Logger returns the harness's structured logger, shared with Daemon
// implementations so log output is consistent across components.
func (h *Harness) Logger() *slog.Logger {
	return h.logger
}

// WakeCount and LastWake expose the sleep/wake monitor's observable
// state, used in health reporting and state-file publication.
func (h *Harness) WakeCount() int64     { return h.wake.WakeCount() }
func (h *Harness) LastWake() time.Time  { return h.wake.LastWake() }

func (h *Harness) onSystemWake(gap time.Duration) {
	h.EmitEvent("SystemWake", map[string]any{"gap_seconds": gap.Seconds()})
}
