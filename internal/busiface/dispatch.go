package busiface

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default per-call deadlines, per spec.md §4.2: user-triggered
// operations get 30s, bulk/administrative ones get 60s.
const (
	DeadlineInteractive = 30 * time.Second
	DeadlineBulk        = 60 * time.Second
)

// bulkMethods names the operations that run under DeadlineBulk instead
// of DeadlineInteractive.
var bulkMethods = map[string]bool{
	"ApproveAll":   true,
	"TriggerSync":  true,
	"StartSync":    true,
	"GetCaptions":  true,
	"GetHistory":   true,
}

// DeadlineFor returns the dispatch deadline for a method name.
func DeadlineFor(method string) time.Duration {
	if bulkMethods[method] {
		return DeadlineBulk
	}
	return DeadlineInteractive
}

// MethodHandler implements one bus method. It receives the JSON-decoded
// argument string verbatim (handlers decode their own expected shape)
// and returns the envelope to send back.
type MethodHandler func(ctx context.Context, argsJSON string) Envelope

// Dispatcher posts method invocations onto a single-threaded task queue
// — mirroring the daemon's cooperative event loop — and awaits their
// result under a per-call deadline. A handler that is still running
// when its deadline expires is not abandoned silently: a
// completion-logger goroutine reports how it eventually finished.
type Dispatcher struct {
	logger  *slog.Logger
	queue   chan func()
	done    chan struct{}
}

// NewDispatcher starts the task queue goroutine. Call Stop to drain and
// halt it during shutdown.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger: logger,
		queue:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for task := range d.queue {
		task()
	}
}

// Stop closes the queue and waits for in-flight tasks to drain.
func (d *Dispatcher) Stop() {
	close(d.queue)
	<-d.done
}

// Call posts handler(ctx, argsJSON) onto the task queue and waits for
// its result or the method's deadline, whichever comes first. On
// timeout it returns a {success:false,error:"timed out"} envelope and
// lets the handler keep running in the background, logging however it
// eventually completes.
func (d *Dispatcher) Call(ctx context.Context, method string, handler MethodHandler, argsJSON string) Envelope {
	deadline := DeadlineFor(method)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resultCh := make(chan Envelope, 1)
	start := time.Now()

	select {
	case d.queue <- func() {
		resultCh <- handler(callCtx, argsJSON)
	}:
	case <-callCtx.Done():
		return Fail("timed out")
	}

	select {
	case env := <-resultCh:
		return env
	case <-callCtx.Done():
		d.logger.Warn("bus method call timed out, handler still running",
			"method", method, "deadline", deadline.String())
		go func() {
			env := <-resultCh
			d.logger.Info("timed-out bus method eventually completed",
				"method", method, "elapsed", time.Since(start).String(), "success", env.Success)
		}()
		return Fail("timed out")
	}
}

// ValidateMethodName is a defensive check used when registering
// handlers — an empty name is always a programming error.
func ValidateMethodName(name string) error {
	if name == "" {
		return fmt.Errorf("busiface: method name must not be empty")
	}
	return nil
}
