package harness

import (
	"context"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Watchdog notifies systemd on a cadence derived from the configured
// watchdog timeout (half the timeout, per sd_notify(3)) and sends the
// READY=1 notification once on startup. It is a no-op outside a
// systemd unit with WatchdogSec set — daemon.SdNotify reports
// NOTIFY_SOCKET absence, which we treat as "nothing to do".
type Watchdog struct {
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// StartWatchdog sends READY=1 and, if watchdogSec > 0, starts a
// background ticker sending WATCHDOG=1 at half that interval. Returns
// nil if no watchdog cadence was requested.
func StartWatchdog(ctx context.Context, watchdogSec int, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify READY failed", "error", err)
	} else if !ok {
		logger.Debug("sd_notify unavailable (not running under systemd)")
	}

	if watchdogSec <= 0 {
		return nil
	}

	interval := time.Duration(watchdogSec) * time.Second / 2
	wdCtx, cancel := context.WithCancel(ctx)
	w := &Watchdog{logger: logger, interval: interval, cancel: cancel, done: make(chan struct{})}
	go w.run(wdCtx)
	return w
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				w.logger.Debug("sd_notify WATCHDOG failed", "error", err)
			}
		}
	}
}

// Stop halts watchdog notifications. Called during shutdown, before
// the process actually exits, so systemd does not flag a stopped
// daemon as having failed its watchdog.
func (w *Watchdog) Stop() {
	if w == nil {
		return
	}
	w.cancel()
	<-w.done
}
