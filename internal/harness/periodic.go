package harness

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// sleepChunk bounds how long a robust task/timer sleeps before it
// re-checks its wall-clock deadline, so a fire that became due during a
// suspend happens within one chunk of resume.
const sleepChunk = 5 * time.Second

// wakeJumpFactor is the elapsed/interval ratio above which a robust
// periodic task treats a long sleep as missed cycles rather than
// ordinary scheduling slip.
const wakeJumpFactor = 1.5

// Callback is a periodic-task or timer body. Errors are logged, never
// propagated — a misbehaving callback must not stop the loop.
type Callback func(ctx context.Context) error

// PeriodicTaskConfig configures a RobustPeriodicTask.
type PeriodicTaskConfig struct {
	Name           string
	Interval       time.Duration
	Callback       Callback
	RunImmediately bool
	// MaxJitter adds uniform(0, MaxJitter) to each scheduled interval so
	// many daemons on one host don't all wake in lockstep.
	MaxJitter time.Duration
	Logger    *slog.Logger
}

// RobustPeriodicTask fires callback on an interval, resilient to the
// host suspending for long stretches: on resume, it detects the gap and
// fires immediately instead of waiting out the remainder of a stale
// interval. It generalizes connwatch.Watcher's background polling loop
// without the startup backoff phase (periodic tasks have no "not yet
// connected" state).
type RobustPeriodicTask struct {
	cfg       PeriodicTaskConfig
	cancel    context.CancelFunc
	done      chan struct{}
	lastRun   atomic.Int64 // unix nano
	runCount  atomic.Int64
	missed    atomic.Int64
	mu        sync.Mutex
	lastError error
}

// StartPeriodicTask starts a RobustPeriodicTask in a background
// goroutine. Callers must eventually call Stop.
func StartPeriodicTask(ctx context.Context, cfg PeriodicTaskConfig) *RobustPeriodicTask {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		panic("harness: PeriodicTaskConfig.Interval must be positive")
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &RobustPeriodicTask{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(taskCtx)
	return t
}

func (t *RobustPeriodicTask) run(ctx context.Context) {
	defer close(t.done)

	if t.cfg.RunImmediately {
		t.fire(ctx)
	}

	next := t.nextDelay()
	for {
		if !t.sleepUntil(ctx, next) {
			return
		}

		elapsed := time.Since(t.lastFireTime())
		if t.lastFireTime().IsZero() {
			elapsed = t.cfg.Interval
		}
		if elapsed > time.Duration(float64(t.cfg.Interval)*wakeJumpFactor) {
			missed := int64(elapsed/t.cfg.Interval) - 1
			if missed > 0 {
				t.missed.Add(missed)
				t.cfg.Logger.Warn("periodic task detected missed cycles, catching up",
					"task", t.cfg.Name, "missed", missed, "elapsed", elapsed.String())
			}
		}

		t.fire(ctx)
		next = t.nextDelay()
	}
}

func (t *RobustPeriodicTask) fire(ctx context.Context) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.cfg.Logger.Error("periodic task callback panicked",
					"task", t.cfg.Name, "panic", r)
			}
		}()
		if err := t.cfg.Callback(ctx); err != nil {
			t.mu.Lock()
			t.lastError = err
			t.mu.Unlock()
			t.cfg.Logger.Error("periodic task callback failed",
				"task", t.cfg.Name, "error", err)
			sleepCtx(ctx, time.Second)
		} else {
			t.mu.Lock()
			t.lastError = nil
			t.mu.Unlock()
		}
	}()
	t.lastRun.Store(time.Now().UnixNano())
	t.runCount.Add(1)
}

func (t *RobustPeriodicTask) lastFireTime() time.Time {
	ns := t.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (t *RobustPeriodicTask) nextDelay() time.Duration {
	d := t.cfg.Interval
	if t.cfg.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(t.cfg.MaxJitter)))
	}
	return d
}

// sleepUntil sleeps until d has passed on the wall clock, in chunks no
// larger than sleepChunk, so a suspend that carries the wall clock past
// the deadline ends the sleep within one chunk of resume. Returns false
// if ctx is cancelled mid-sleep.
func (t *RobustPeriodicTask) sleepUntil(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Round(0).Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		chunk := sleepChunk
		if remaining < chunk {
			chunk = remaining
		}
		if !sleepCtx(ctx, chunk) {
			return false
		}
	}
}

// Stop cancels the task and waits for its goroutine to exit.
func (t *RobustPeriodicTask) Stop() {
	t.cancel()
	<-t.done
}

// Stats reports run/miss counters and the last callback error, if any.
func (t *RobustPeriodicTask) Stats() (runs, missed int64, lastErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runCount.Load(), t.missed.Load(), t.lastError
}

// RobustTimer is a single-shot, sleep-resilient, rearmable timer. On
// resume from a long suspend, a past-due timer fires immediately rather
// than waiting for a stale deadline that has already elapsed.
type RobustTimer struct {
	mu       sync.Mutex
	callback Callback
	logger   *slog.Logger
	name     string
	cancel   context.CancelFunc
	done     chan struct{}
	fireAt   time.Time
}

// NewRobustTimer creates a timer that is not yet armed. Call Reschedule
// to arm or rearm it.
func NewRobustTimer(name string, callback Callback, logger *slog.Logger) *RobustTimer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobustTimer{callback: callback, logger: logger, name: name}
}

// Reschedule arms the timer to fire after delay, cancelling any
// previously scheduled fire for this timer.
func (rt *RobustTimer) Reschedule(ctx context.Context, delay time.Duration) {
	rt.mu.Lock()
	if rt.cancel != nil {
		rt.cancel()
		<-rt.done
	}
	timerCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.done = make(chan struct{})
	rt.fireAt = time.Now().Add(delay)
	done := rt.done
	rt.mu.Unlock()

	go rt.run(timerCtx, done, delay)
}

func (rt *RobustTimer) run(ctx context.Context, done chan struct{}, delay time.Duration) {
	defer close(done)

	deadline := time.Now().Round(0).Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		chunk := sleepChunk
		if remaining < chunk {
			chunk = remaining
		}
		if !sleepCtx(ctx, chunk) {
			return
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				rt.logger.Error("robust timer callback panicked", "timer", rt.name, "panic", r)
			}
		}()
		if err := rt.callback(ctx); err != nil {
			rt.logger.Error("robust timer callback failed", "timer", rt.name, "error", err)
		}
	}()
}

// Cancel stops a pending fire without rearming.
func (rt *RobustTimer) Cancel() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancel != nil {
		rt.cancel()
		<-rt.done
		rt.cancel = nil
	}
}

// FireAt returns the scheduled fire time, or the zero Time if unarmed.
func (rt *RobustTimer) FireAt() time.Time {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.fireAt
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
