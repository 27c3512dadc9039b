package meeting

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nugget/botfleet/internal/busiface"
)

// VideoDaemonIdentity is the fixed bus coordinates for the sibling
// video-rendering daemon, per spec.md §4.8.4.
var VideoDaemonIdentity = busiface.Identity{
	BusName:       "com.example.BotVideo",
	ObjectPath:    "/com/example/BotVideo",
	InterfaceName: "com.example.BotVideo",
}

// SiblingOrchestrator calls the VideoDaemon over the bus to start/stop
// rendering and forward attendee lists, per spec.md §4.8.4. Absence of
// the sibling is a non-fatal warning: meetings continue audio-only.
type SiblingOrchestrator struct {
	client *busiface.Client
	logger *slog.Logger
}

// NewSiblingOrchestrator opens a session-bus client for the
// VideoDaemon. The sibling's bus name is looked up on each call, so
// construction succeeds even if the sibling is not yet running; it
// fails only when the session bus cannot be reached.
func NewSiblingOrchestrator(logger *slog.Logger) (*SiblingOrchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := busiface.NewClient(VideoDaemonIdentity, busiface.DefaultClientBackoff())
	if err != nil {
		return nil, err
	}
	return &SiblingOrchestrator{client: client, logger: logger}, nil
}

// Close releases the bus connection.
func (o *SiblingOrchestrator) Close() error {
	return o.client.Close()
}

// StartVideo calls VideoDaemon.start_video. A returned error (including
// the sibling being unreachable) is logged and treated as non-fatal by
// the caller, which continues the meeting audio-only.
func (o *SiblingOrchestrator) StartVideo(ctx context.Context, devicePath, audioInput, audioOutput string, w, h int, flip bool, sinkInputIndex int) error {
	args, err := json.Marshal(map[string]any{
		"device_path": devicePath, "audio_input": audioInput, "audio_output": audioOutput,
		"width": w, "height": h, "flip": flip, "sink_input_index": sinkInputIndex,
	})
	if err != nil {
		return err
	}
	if err := o.client.Call(ctx, "start_video", string(args), nil); err != nil {
		o.logger.Warn("video daemon start_video failed, continuing audio-only", "error", err)
		return err
	}
	return nil
}

// StopVideo calls VideoDaemon.stop_video.
func (o *SiblingOrchestrator) StopVideo(ctx context.Context) error {
	if err := o.client.Call(ctx, "stop_video", "{}", nil); err != nil {
		o.logger.Warn("video daemon stop_video failed", "error", err)
		return err
	}
	return nil
}

// UpdateAttendees forwards the current participant list.
func (o *SiblingOrchestrator) UpdateAttendees(ctx context.Context, participants []Participant) error {
	args, err := json.Marshal(map[string]any{"participants": participants})
	if err != nil {
		return err
	}
	if err := o.client.Call(ctx, "update_attendees", string(args), nil); err != nil {
		o.logger.Warn("video daemon update_attendees failed", "error", err)
		return err
	}
	return nil
}
