package harness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestRobustPeriodicTask_RunImmediately(t *testing.T) {
	var calls atomic.Int64
	task := StartPeriodicTask(context.Background(), PeriodicTaskConfig{
		Name:           "test",
		Interval:       50 * time.Millisecond,
		RunImmediately: true,
		Callback: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	})
	defer task.Stop()

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("expected at least one callback invocation")
	}
}

func TestRobustPeriodicTask_ErrorNonFatal(t *testing.T) {
	var calls atomic.Int64
	task := StartPeriodicTask(context.Background(), PeriodicTaskConfig{
		Name:           "test-err",
		Interval:       20 * time.Millisecond,
		RunImmediately: true,
		Callback: func(ctx context.Context) error {
			calls.Add(1)
			return context.DeadlineExceeded
		},
	})
	defer task.Stop()

	// Each failed callback is followed by a 1s backoff before the next
	// interval starts, so the second call lands just after 1s.
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected the loop to continue after callback errors, got %d calls", calls.Load())
	}
}

func TestRobustTimer_FiresOnce(t *testing.T) {
	var calls atomic.Int64
	timer := NewRobustTimer("test-timer", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	timer.Reschedule(context.Background(), 20*time.Millisecond)

	deadline := time.Now().Add(500 * time.Millisecond)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call, got %d", calls.Load())
	}
}

func TestRobustTimer_RescheduleCancelsPrevious(t *testing.T) {
	var calls atomic.Int64
	timer := NewRobustTimer("test-timer-2", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	timer.Reschedule(context.Background(), 500*time.Millisecond)
	timer.Reschedule(context.Background(), 20*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 call from the rescheduled fire, got %d", calls.Load())
	}
}

func TestRobustTimer_Cancel(t *testing.T) {
	var calls atomic.Int64
	timer := NewRobustTimer("test-timer-3", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	timer.Reschedule(context.Background(), 50*time.Millisecond)
	timer.Cancel()

	time.Sleep(150 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("expected 0 calls after cancel, got %d", calls.Load())
	}
}
