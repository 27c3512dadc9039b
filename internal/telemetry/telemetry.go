// Package telemetry wires a daemon's fleet-specific counters into
// internal/mqtt's Home-Assistant discovery publisher so dashboards can
// see registered gauges and token spend alongside the built-in
// uptime/version sensors, per SPEC_FULL.md's ambient-observability
// section. The only gauge registered by any daemon is cmd/slackbot's
// pending-approval count; no active-meeting count is published.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/botfleet/internal/config"
	"github.com/nugget/botfleet/internal/mqtt"
)

// Gauge reports a current integer count (pending approvals, active
// meetings). Registered gauges are re-sampled every publish cycle.
type Gauge func() int

// Reporter wraps an *mqtt.Publisher, adding gauge-backed dynamic
// sensors and running its own sample-and-publish ticker alongside the
// publisher's built-in loop.
type Reporter struct {
	pub    *mqtt.Publisher
	logger *slog.Logger

	mu     sync.Mutex
	gauges map[string]Gauge
}

// New creates a Reporter around a Publisher built from cfg. stats
// supplies the publisher's built-in uptime/version/token sensors.
func New(cfg config.MQTTConfig, instanceID string, tokens *mqtt.DailyTokens, stats mqtt.StatsSource, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		pub:    mqtt.New(cfg, instanceID, tokens, stats, logger),
		logger: logger,
		gauges: make(map[string]Gauge),
	}
}

// RegisterGauge adds a fleet-specific counter, published as entity
// "fleet_<name>" with the given icon.
func (r *Reporter) RegisterGauge(name, displayName, icon string, g Gauge) {
	r.mu.Lock()
	r.gauges[name] = g
	r.mu.Unlock()

	suffix := "fleet_" + name
	r.pub.RegisterSensors([]mqtt.DynamicSensor{{
		EntitySuffix: suffix,
		Config: mqtt.SensorConfig{
			Name:              displayName,
			ObjectID:          suffix,
			HasEntityName:     true,
			UniqueID:          r.pub.Device().Identifiers[0] + "_" + suffix,
			StateTopic:        r.pub.StateTopicFor(suffix),
			AvailabilityTopic: r.pub.AvailabilityTopicFor(),
			Device:            r.pub.Device(),
			Icon:              icon,
			StateClass:        "measurement",
		},
	}})
}

// Start connects the underlying publisher and begins sampling
// registered gauges every 30 seconds, independently of the publisher's
// sensor loop. Blocks until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) error {
	go r.sampleLoop(ctx)
	return r.pub.Start(ctx)
}

// Stop gracefully disconnects the underlying publisher.
func (r *Reporter) Stop(ctx context.Context) error {
	return r.pub.Stop(ctx)
}

func (r *Reporter) sampleLoop(ctx context.Context) {
	// Wait for the publisher's connection before the first sample so
	// PublishDynamicState does not fail with "not started". AwaitConnection
	// fails until Start has created the connection, so retry each second.
	for r.pub.AwaitConnection(ctx) != nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	r.sampleOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce(ctx)
		}
	}
}

func (r *Reporter) sampleOnce(ctx context.Context) {
	r.mu.Lock()
	gauges := make(map[string]Gauge, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}
	r.mu.Unlock()

	for name, g := range gauges {
		value := g()
		if err := r.pub.PublishDynamicState(ctx, "fleet_"+name, strconv.Itoa(value), nil); err != nil {
			r.logger.Debug("telemetry gauge publish failed", "gauge", name, "error", err)
		}
	}
}
