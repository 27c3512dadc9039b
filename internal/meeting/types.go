// Package meeting implements the autonomous meeting scheduler: calendar
// projection, the per-meeting join/active/leave state machine, sibling
// audio/video daemon orchestration, and transcript capture, per
// spec.md §4.8-§4.10.
package meeting

import "time"

// State is a ScheduledMeeting's position in the state machine described
// in spec.md §4.8.2.
type State string

const (
	StateScheduled State = "scheduled"
	StateApproved  State = "approved"
	StateSkipped   State = "skipped"
	StateJoining   State = "joining"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// Terminal reports whether no further transition is expected from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateSkipped || s == StateError
}

// BotMode controls how eagerly a CalendarRegistration's meetings are
// joined: "auto" joins on schedule, "ask" requires explicit approval.
type BotMode string

const (
	ModeAuto BotMode = "auto"
	ModeAsk  BotMode = "ask"
)

// ScheduledMeeting is one calendar event's projection into the join
// state machine.
type ScheduledMeeting struct {
	EventID        string    `json:"event_id"`
	CalendarID     string    `json:"calendar_id"`
	Title          string    `json:"title"`
	Organizer      string    `json:"organizer"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	MeetURL        string    `json:"meet_url"`
	Mode           BotMode   `json:"mode"`
	State          State     `json:"state"`
	ErrorReason    string    `json:"error_reason,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MeetingSession is the durable record of one actually-joined meeting,
// independent from the scheduling projection so history survives
// ScheduledMeeting updates.
type MeetingSession struct {
	ID          string     `json:"id"`
	EventID     string     `json:"event_id"`
	MeetURL     string     `json:"meet_url"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	ActualEnd   *time.Time `json:"actual_end,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	Annotation  string     `json:"annotation,omitempty"`
}

// TranscriptEntry is one flushed caption line.
type TranscriptEntry struct {
	SessionID string    `json:"session_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

// CaptionEntry is a raw caption line from the BrowserCollaborator,
// before it is batched into a TranscriptEntry flush.
type CaptionEntry struct {
	Speaker string
	Text    string
	At      time.Time
}
