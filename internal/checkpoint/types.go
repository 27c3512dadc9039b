// Package checkpoint provides diagnostic-only state snapshotting for a
// botfleet daemon: a periodic and pre-shutdown gzip-compressed capture
// of the durable stores' key facts, for post-mortem inspection after a
// crash. It is never the source of truth — SQLite already persists
// everything a checkpoint captures — and nothing restores from it
// automatically, per SPEC_FULL.md §4.11.
package checkpoint

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Trigger describes what caused a checkpoint to be created.
type Trigger string

const (
	TriggerManual   Trigger = "manual"   // explicit request over the bus
	TriggerPeriodic Trigger = "periodic" // every N processed messages
	TriggerShutdown Trigger = "shutdown" // graceful shutdown
)

// Checkpoint is a point-in-time diagnostic snapshot.
type Checkpoint struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Note      string    `json:"note,omitempty"`

	State *State `json:"state"`

	ByteSize            int64 `json:"byte_size"`
	PendingApprovalCount int  `json:"pending_approval_count"`
	ActiveMeetingCount   int  `json:"active_meeting_count"`
}

// State holds the actual captured facts.
type State struct {
	PendingApprovals []PendingApprovalSnapshot `json:"pending_approvals,omitempty"`
	ActiveMeetings   []ActiveMeetingSnapshot   `json:"active_meetings,omitempty"`
	ChannelWatermarks map[string]string        `json:"channel_watermarks,omitempty"`
}

// PendingApprovalSnapshot captures one queued Slack reply awaiting
// approval, without the full message text (diagnostic, not a replay log).
type PendingApprovalSnapshot struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ActiveMeetingSnapshot captures one currently-active meeting.
type ActiveMeetingSnapshot struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Summary returns a human-readable one-line summary of the checkpoint.
func (c *Checkpoint) Summary() string {
	return c.ID.String()[:8] + " | " +
		c.CreatedAt.Format("2006-01-02 15:04") + " | " +
		string(c.Trigger) + " | " +
		formatCount(c.PendingApprovalCount, "approval") + ", " +
		formatCount(c.ActiveMeetingCount, "meeting")
}

func formatCount(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}
