package meeting

import (
	"context"
	"time"
)

// CalendarEvent is one event returned by a CalendarProvider, per
// spec.md §6.
type CalendarEvent struct {
	ID         string
	CalendarID string
	Title      string
	Organizer  string
	Start      time.Time
	End        time.Time
	MeetURL    string // empty if no recognized conferencing URL
}

// CalendarProvider is the external collaborator consulted during
// calendar projection.
type CalendarProvider interface {
	ListCalendars(ctx context.Context) ([]string, error)
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]CalendarEvent, error)
}

// Participant is one attendee reported by the BrowserCollaborator.
type Participant struct {
	Name   string
	Muted  bool
	Active bool
}

// BrowserCollaborator drives the headless/automated browser that
// actually joins a video call, per spec.md §6.
type BrowserCollaborator interface {
	Join(ctx context.Context, url, audioSink, audioSource, videoDevice string) error
	Leave(ctx context.Context) error
	GetParticipants(ctx context.Context) ([]Participant, error)
	Captions(ctx context.Context) (<-chan CaptionEntry, error)
	Mute(ctx context.Context) error
	Unmute(ctx context.Context) error
	IsClosed(ctx context.Context) (bool, error)
}

// DeviceAllocator reserves the audio sink/source pair and video
// loopback device an instance needs to join, and releases them on
// leave, per spec.md §4.8.4 step 1 and the orphan-cleanup contract in
// §5's shared-resources section.
type DeviceAllocator interface {
	Allocate(ctx context.Context, sessionID string) (audioSink, audioSource, videoDevice string, err error)
	Release(ctx context.Context, sessionID string) error
}
