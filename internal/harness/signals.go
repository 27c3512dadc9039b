package harness

import (
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// SignalHandler turns SIGTERM/SIGINT into a single graceful-shutdown
// request; a second signal of either kind terminates the process hard
// (os.Exit), for operators who need an escape hatch from a stuck
// shutdown hook.
type SignalHandler struct {
	logger    *slog.Logger
	requested atomic.Bool
	sigCh     chan os.Signal
	stopCh    chan struct{}
	onFirst   func()
}

// NewSignalHandler installs handlers for SIGINT and SIGTERM. onFirst is
// invoked exactly once, on the first received signal — callers wire
// this to Harness.RequestShutdown.
func NewSignalHandler(logger *slog.Logger, onFirst func()) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &SignalHandler{
		logger:  logger,
		sigCh:   make(chan os.Signal, 2),
		stopCh:  make(chan struct{}),
		onFirst: onFirst,
	}
	signal.Notify(h.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go h.run()
	return h
}

func (h *SignalHandler) run() {
	for {
		select {
		case sig := <-h.sigCh:
			if h.requested.CompareAndSwap(false, true) {
				h.logger.Info("received shutdown signal, requesting graceful shutdown", "signal", sig.String())
				if h.onFirst != nil {
					h.onFirst()
				}
				continue
			}
			h.logger.Warn("received second shutdown signal, terminating immediately", "signal", sig.String())
			os.Exit(1)
		case <-h.stopCh:
			return
		}
	}
}

// Stop removes the signal handlers. Call during Harness shutdown so a
// signal arriving after cleanup has no handler left to race with.
func (h *SignalHandler) Stop() {
	signal.Stop(h.sigCh)
	close(h.stopCh)
}
