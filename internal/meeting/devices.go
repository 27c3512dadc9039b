package meeting

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// PulseDeviceAllocatorConfig configures the pulseaudio/v4l2loopback
// DeviceAllocator.
type PulseDeviceAllocatorConfig struct {
	// VideoDevicePool lists the /dev/videoN loopback paths available
	// for checkout, one per concurrently active meeting.
	VideoDevicePool []string
}

// PulseDeviceAllocator implements DeviceAllocator by creating a null
// sink/source pair per session via `pactl` and checking out one
// preconfigured v4l2loopback device path from a fixed pool — the
// standard Linux building blocks for giving a headless browser its own
// virtual audio/video hardware, per spec.md §4.8.4 step 1.
type PulseDeviceAllocator struct {
	cfg    PulseDeviceAllocatorConfig
	logger *slog.Logger

	mu        sync.Mutex
	checkedOut map[string]bool // video device path -> in use
	modules    map[string]pulseModules
}

type pulseModules struct {
	sinkModuleID   string
	sourceModuleID string
}

// NewPulseDeviceAllocator constructs a PulseDeviceAllocator.
func NewPulseDeviceAllocator(cfg PulseDeviceAllocatorConfig, logger *slog.Logger) *PulseDeviceAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PulseDeviceAllocator{
		cfg:        cfg,
		logger:     logger,
		checkedOut: make(map[string]bool),
		modules:    make(map[string]pulseModules),
	}
}

// Allocate implements DeviceAllocator.
func (a *PulseDeviceAllocator) Allocate(ctx context.Context, sessionID string) (audioSink, audioSource, videoDevice string, err error) {
	videoDevice, err = a.checkoutVideoDevice()
	if err != nil {
		return "", "", "", err
	}

	sinkName := "botfleet_sink_" + sanitizeName(sessionID)
	sourceName := "botfleet_source_" + sanitizeName(sessionID)

	sinkModID, err := a.loadModule(ctx, "module-null-sink",
		fmt.Sprintf("sink_name=%s sink_properties=device.description=%s", sinkName, sinkName))
	if err != nil {
		a.releaseVideoDevice(videoDevice)
		return "", "", "", fmt.Errorf("allocate audio sink: %w", err)
	}

	sourceModID, err := a.loadModule(ctx, "module-virtual-source",
		fmt.Sprintf("source_name=%s", sourceName))
	if err != nil {
		_ = a.unloadModule(ctx, sinkModID)
		a.releaseVideoDevice(videoDevice)
		return "", "", "", fmt.Errorf("allocate audio source: %w", err)
	}

	a.mu.Lock()
	a.modules[sinkName+"|"+sourceName+"|"+videoDevice] = pulseModules{sinkModuleID: sinkModID, sourceModuleID: sourceModID}
	a.mu.Unlock()

	return sinkName, sourceName, videoDevice, nil
}

// Release implements DeviceAllocator. The key passed in is whatever
// the caller combined its three allocated identifiers into; botfleet's
// ProcessJoiner passes "sink|source|videoDevice", matching Allocate's
// own bookkeeping key.
func (a *PulseDeviceAllocator) Release(ctx context.Context, key string) error {
	a.mu.Lock()
	mods, ok := a.modules[key]
	if ok {
		delete(a.modules, key)
	}
	a.mu.Unlock()

	parts := strings.SplitN(key, "|", 3)
	if len(parts) == 3 {
		a.releaseVideoDevice(parts[2])
	}

	if !ok {
		return nil
	}
	var firstErr error
	if err := a.unloadModule(ctx, mods.sinkModuleID); err != nil {
		firstErr = err
	}
	if err := a.unloadModule(ctx, mods.sourceModuleID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (a *PulseDeviceAllocator) checkoutVideoDevice() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, dev := range a.cfg.VideoDevicePool {
		if !a.checkedOut[dev] {
			a.checkedOut[dev] = true
			return dev, nil
		}
	}
	return "", fmt.Errorf("no video loopback device available (pool size %d)", len(a.cfg.VideoDevicePool))
}

func (a *PulseDeviceAllocator) releaseVideoDevice(dev string) {
	a.mu.Lock()
	delete(a.checkedOut, dev)
	a.mu.Unlock()
}

func (a *PulseDeviceAllocator) loadModule(ctx context.Context, module, args string) (string, error) {
	cmd := exec.CommandContext(ctx, "pactl", "load-module", module, args)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pactl load-module %s: %w", module, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (a *PulseDeviceAllocator) unloadModule(ctx context.Context, moduleID string) error {
	if moduleID == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "pactl", "unload-module", moduleID)
	if err := cmd.Run(); err != nil {
		a.logger.Warn("pactl unload-module failed", "module", moduleID, "error", err)
		return err
	}
	return nil
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
