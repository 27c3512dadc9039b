package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalProvider supplies the pending approval queue's diagnostic
// summary, satisfied by slack.ApprovalQueue.
type ApprovalProvider interface {
	CheckpointApprovals() []PendingApprovalSnapshot
}

// MeetingProvider supplies the currently-active meetings, satisfied by
// meeting.MeetingScheduler.
type MeetingProvider interface {
	CheckpointMeetings() []ActiveMeetingSnapshot
}

// WatermarkProvider supplies per-channel watermarks, satisfied by
// store.Store.
type WatermarkProvider interface {
	CheckpointWatermarks() (map[string]string, error)
}

// Checkpointer manages periodic and pre-shutdown diagnostic snapshots.
type Checkpointer struct {
	store *Store
	log   *slog.Logger

	approvals  ApprovalProvider
	meetings   MeetingProvider
	watermarks WatermarkProvider

	periodicInterval int

	mu            sync.Mutex
	messagesSince int
}

// Config for the checkpointer.
type Config struct {
	PeriodicMessages int // checkpoint every N processed messages (0 = disabled)
}

// NewCheckpointer creates a new checkpointer backed by db.
func NewCheckpointer(db *sql.DB, cfg Config, log *slog.Logger) (*Checkpointer, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}

	return &Checkpointer{
		store:            store,
		log:              log,
		periodicInterval: cfg.PeriodicMessages,
	}, nil
}

// SetProviders configures where checkpoint state is collected from.
// Any may be nil, in which case that section of the snapshot is empty.
func (c *Checkpointer) SetProviders(approvals ApprovalProvider, meetings MeetingProvider, watermarks WatermarkProvider) {
	c.approvals = approvals
	c.meetings = meetings
	c.watermarks = watermarks
}

// OnMessage should be called after each processed Slack message. It
// triggers a periodic checkpoint once PeriodicMessages have elapsed.
func (c *Checkpointer) OnMessage() {
	if c.periodicInterval <= 0 {
		return
	}

	c.mu.Lock()
	c.messagesSince++
	shouldCheckpoint := c.messagesSince >= c.periodicInterval
	if shouldCheckpoint {
		c.messagesSince = 0
	}
	c.mu.Unlock()

	if shouldCheckpoint {
		go func() {
			if _, err := c.Create(TriggerPeriodic, ""); err != nil {
				c.log.Error("periodic checkpoint failed", "error", err)
			}
		}()
	}
}

// Create makes a new checkpoint with the given trigger and optional note.
func (c *Checkpointer) Create(trigger Trigger, note string) (*Checkpoint, error) {
	state, err := c.collectState()
	if err != nil {
		return nil, fmt.Errorf("collect state: %w", err)
	}

	cp, err := c.store.Create(trigger, note, state)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	c.log.Info("checkpoint created",
		"id", cp.ID.String()[:8],
		"trigger", trigger,
		"pending_approvals", cp.PendingApprovalCount,
		"active_meetings", cp.ActiveMeetingCount,
		"bytes", cp.ByteSize,
	)

	return cp, nil
}

// CreateShutdown creates a checkpoint during graceful shutdown.
func (c *Checkpointer) CreateShutdown() (*Checkpoint, error) {
	return c.Create(TriggerShutdown, "graceful shutdown")
}

// Get retrieves a checkpoint by ID.
func (c *Checkpointer) Get(id uuid.UUID) (*Checkpoint, error) {
	return c.store.Get(id)
}

// List returns recent checkpoints.
func (c *Checkpointer) List(limit int) ([]*Checkpoint, error) {
	return c.store.List(limit)
}

// Latest returns the most recent checkpoint.
func (c *Checkpointer) Latest() (*Checkpoint, error) {
	return c.store.Latest()
}

// Delete removes a checkpoint.
func (c *Checkpointer) Delete(id uuid.UUID) error {
	return c.store.Delete(id)
}

// Prune removes old checkpoints, keeping at least minKeep.
func (c *Checkpointer) Prune(olderThan time.Duration, minKeep int) (int, error) {
	return c.store.Prune(olderThan, minKeep)
}

// StartupStatus reports what a prior run left behind for startup logging.
type StartupStatus struct {
	LastCheckpoint       *time.Time `json:"last_checkpoint,omitempty"`
	LastPendingApprovals int        `json:"last_pending_approvals"`
	LastActiveMeetings   int        `json:"last_active_meetings"`
}

// GetStartupStatus collects info about the most recent checkpoint for
// startup logging. Since SQLite persists the durable stores directly,
// this is purely informational — the daemon reconstructs live state
// from the stores themselves, never from a checkpoint.
func (c *Checkpointer) GetStartupStatus() (*StartupStatus, error) {
	status := &StartupStatus{}

	latest, err := c.store.Latest()
	if err != nil {
		return nil, err
	}
	if latest != nil {
		status.LastCheckpoint = &latest.CreatedAt
		status.LastPendingApprovals = latest.PendingApprovalCount
		status.LastActiveMeetings = latest.ActiveMeetingCount
	}

	return status, nil
}

// LogStartupStatus logs the most recent checkpoint, if any.
func (c *Checkpointer) LogStartupStatus() {
	status, err := c.GetStartupStatus()
	if err != nil {
		c.log.Warn("failed to get startup status", "error", err)
		return
	}

	if status.LastCheckpoint == nil {
		c.log.Info("no prior checkpoint found")
		return
	}

	c.log.Info("found prior checkpoint",
		"created", status.LastCheckpoint.Format(time.RFC3339),
		"pending_approvals", status.LastPendingApprovals,
		"active_meetings", status.LastActiveMeetings,
	)
}

// OnShutdown implements harness's shutdown-hook contract: it creates a
// final diagnostic checkpoint, best-effort, bounded by ctx.
func (c *Checkpointer) OnShutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := c.CreateShutdown()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checkpointer) collectState() (*State, error) {
	state := &State{}

	if c.approvals != nil {
		state.PendingApprovals = c.approvals.CheckpointApprovals()
	}
	if c.meetings != nil {
		state.ActiveMeetings = c.meetings.CheckpointMeetings()
	}
	if c.watermarks != nil {
		wm, err := c.watermarks.CheckpointWatermarks()
		if err != nil {
			return nil, fmt.Errorf("watermarks: %w", err)
		}
		state.ChannelWatermarks = wm
	}

	return state, nil
}
