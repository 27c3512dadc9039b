package harness

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
)

// wakeGapThreshold is the minimum observed gap between two consecutive
// monotonic-clock samples that is treated as "the system slept"
// rather than ordinary scheduling jitter.
const wakeGapThreshold = 30 * time.Second

// wakeSampleInterval is how often the time-gap detector samples the
// clock.
const wakeSampleInterval = 10 * time.Second

// WakeMonitor detects system sleep/wake transitions via two
// independent signals — a login1 D-Bus PrepareForSleep subscription and
// a monotonic-clock gap detector — and invokes OnWake/OnSleep
// idempotently per transition. Either detector firing alone is
// sufficient; both firing for the same wake event must not double-fire
// downstream handlers within the same second.
type WakeMonitor struct {
	logger  *slog.Logger
	OnSleep func()
	OnWake  func(gap time.Duration)

	wakeCount   atomic.Int64
	lastWakeNs  atomic.Int64
	mu          sync.Mutex
	lastHandled time.Time
}

// NewWakeMonitor creates a monitor. OnSleep/OnWake may be nil.
func NewWakeMonitor(logger *slog.Logger, onSleep func(), onWake func(gap time.Duration)) *WakeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &WakeMonitor{logger: logger, OnSleep: onSleep, OnWake: onWake}
}

// Run starts both detectors and blocks until ctx is cancelled. Intended
// to be run in its own goroutine by the harness.
func (m *WakeMonitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.runLogin1(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runGapDetector(ctx)
	}()
	wg.Wait()
}

// runLogin1 subscribes to org.freedesktop.login1.Manager's
// PrepareForSleep(bool) signal on the system bus. If the system bus is
// unreachable (containers, non-systemd hosts), it logs once and
// returns — the gap detector still provides wake detection.
func (m *WakeMonitor) runLogin1(ctx context.Context) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		m.logger.Info("login1 sleep signal unavailable, relying on clock-gap detector only", "error", err)
		return
	}
	defer conn.Close()

	matchRule := "type='signal',interface='org.freedesktop.login1.Manager',member='PrepareForSleep'"
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		m.logger.Warn("failed to subscribe to login1 PrepareForSleep", "error", err)
		return
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" || len(sig.Body) == 0 {
				continue
			}
			sleeping, ok := sig.Body[0].(bool)
			if !ok {
				continue
			}
			if sleeping {
				m.fireSleep()
			} else {
				m.fireWake(0)
			}
		}
	}
}

// runGapDetector samples the monotonic clock every wakeSampleInterval
// and fires OnWake when the observed gap between samples exceeds
// wakeGapThreshold.
func (m *WakeMonitor) runGapDetector(ctx context.Context) {
	last := time.Now()
	ticker := time.NewTicker(wakeSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			gap := now.Sub(last)
			last = now
			if gap > wakeGapThreshold {
				m.fireWake(gap)
			}
		}
	}
}

func (m *WakeMonitor) fireSleep() {
	m.logger.Info("system entering sleep")
	if m.OnSleep != nil {
		m.OnSleep()
	}
}

// fireWake deduplicates near-simultaneous wake signals from both
// detectors so handlers remain idempotent per actual wake event.
func (m *WakeMonitor) fireWake(gap time.Duration) {
	m.mu.Lock()
	now := time.Now()
	if now.Sub(m.lastHandled) < time.Second {
		m.mu.Unlock()
		return
	}
	m.lastHandled = now
	m.mu.Unlock()

	m.wakeCount.Add(1)
	m.lastWakeNs.Store(now.UnixNano())
	m.logger.Info("system wake detected", "gap", gap.String())
	if m.OnWake != nil {
		m.OnWake(gap)
	}
}

// WakeCount returns the number of wake events observed so far.
func (m *WakeMonitor) WakeCount() int64 {
	return m.wakeCount.Load()
}

// LastWake returns the wall-clock time of the most recent wake, or the
// zero Time if none has occurred yet. The returned Time carries no
// monotonic clock reading.
func (m *WakeMonitor) LastWake() time.Time {
	ns := m.lastWakeNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
