package meeting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/botfleet/internal/harness"
)

// InstanceConfig configures a MeetingInstance's transcript flush
// cadence and auto-leave grace, per spec.md §4.8/§4.9.
type InstanceConfig struct {
	TranscriptFlushEvery int
	TranscriptFlushSec   time.Duration
	Grace                time.Duration
}

// MeetingInstance is owned entirely by the MeetingScheduler: one per
// currently-active meeting, stateless across meetings, exposing no bus
// surface of its own. It owns the browser-collaborator handle, the
// caption subscription, the transcript buffer, and the sleep-resilient
// auto-leave timer, per spec.md §4.9.
type MeetingInstance struct {
	cfg      InstanceConfig
	session  MeetingSession
	browser  BrowserCollaborator
	siblings *SiblingOrchestrator
	store    *Store
	logger   *slog.Logger

	onLeave func(annotation string)

	mu     sync.Mutex
	buffer []TranscriptEntry

	autoLeave    *harness.RobustTimer
	participantTask *harness.RobustPeriodicTask
	cancel    context.CancelFunc
}

// NewMeetingInstance constructs an instance around an already-joined
// browser handle. The auto-leave timer is armed by Run, and only when
// Run is given a non-nil scheduledEnd.
func NewMeetingInstance(cfg InstanceConfig, eventID, meetURL string, browser BrowserCollaborator,
	siblings *SiblingOrchestrator, st *Store, logger *slog.Logger, onLeave func(annotation string)) *MeetingInstance {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TranscriptFlushEvery <= 0 {
		cfg.TranscriptFlushEvery = 10
	}
	if cfg.TranscriptFlushSec <= 0 {
		cfg.TranscriptFlushSec = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Minute
	}

	sessionID := uuid.NewString()
	now := time.Now().UTC()
	inst := &MeetingInstance{
		cfg:      cfg,
		session:  MeetingSession{ID: sessionID, EventID: eventID, MeetURL: meetURL, JoinedAt: &now},
		browser:  browser,
		siblings: siblings,
		store:    st,
		logger:   logger,
		onLeave:  onLeave,
	}
	return inst
}

// SessionID returns the instance's MeetingSession ID.
func (m *MeetingInstance) SessionID() string { return m.session.ID }

// EventID returns the calendar event ID this instance was joined for.
func (m *MeetingInstance) EventID() string { return m.session.EventID }

// JoinedAt returns when this instance's session was created.
func (m *MeetingInstance) JoinedAt() time.Time {
	if m.session.JoinedAt == nil {
		return time.Time{}
	}
	return *m.session.JoinedAt
}

// Run starts caption capture, the periodic flush, and the participant
// poller. It does not block; call Leave to tear down.
func (m *MeetingInstance) Run(ctx context.Context, scheduledEnd *time.Time) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.store.CreateSession(m.session); err != nil {
		return err
	}

	captions, err := m.browser.Captions(runCtx)
	if err != nil {
		m.logger.Warn("failed to subscribe to captions", "session", m.session.ID, "error", err)
	} else {
		go m.consumeCaptions(runCtx, captions)
	}

	m.participantTask = harness.StartPeriodicTask(runCtx, harness.PeriodicTaskConfig{
		Name:     "meeting-participant-poll-" + m.session.ID,
		Interval: participantPollInterval(runCtx),
		Callback: m.pollParticipants,
		Logger:   m.logger,
	})

	if scheduledEnd != nil {
		fireAt := scheduledEnd.Add(m.cfg.Grace)
		m.autoLeave = harness.NewRobustTimer("auto-leave-"+m.session.ID, func(ctx context.Context) error {
			m.onLeave("auto-leave: scheduled end + grace reached")
			return nil
		}, m.logger)
		m.autoLeave.Reschedule(runCtx, time.Until(fireAt))
	}
	return nil
}

// participantPollInterval returns the participant poll interval, a
// fixed 15s from the first poll on. There is no faster polling phase
// at the start of a meeting.
func participantPollInterval(ctx context.Context) time.Duration {
	return 15 * time.Second
}

func (m *MeetingInstance) pollParticipants(ctx context.Context) error {
	participants, err := m.browser.GetParticipants(ctx)
	if err != nil {
		return err
	}
	if m.siblings != nil {
		_ = m.siblings.UpdateAttendees(ctx, participants)
	}
	return nil
}

func (m *MeetingInstance) consumeCaptions(ctx context.Context, captions <-chan CaptionEntry) {
	flushTicker := time.NewTicker(m.cfg.TranscriptFlushSec)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.flush()
			return
		case entry, ok := <-captions:
			if !ok {
				m.flush()
				return
			}
			m.mu.Lock()
			m.buffer = append(m.buffer, TranscriptEntry{SessionID: m.session.ID, Speaker: entry.Speaker, Text: entry.Text, At: entry.At})
			shouldFlush := len(m.buffer) >= m.cfg.TranscriptFlushEvery
			m.mu.Unlock()
			if shouldFlush {
				m.flush()
			}
		case <-flushTicker.C:
			m.flush()
		}
	}
}

func (m *MeetingInstance) flush() {
	m.mu.Lock()
	pending := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	for _, e := range pending {
		if err := m.store.AppendTranscript(e); err != nil {
			m.logger.Error("failed to flush transcript entry", "session", m.session.ID, "error", err)
		}
	}
}

// Leave stops the participant poll, flushes any remaining transcript,
// releases the video sibling, and marks the session complete, per
// spec.md §4.8.4's "on leave" sequence.
func (m *MeetingInstance) Leave(ctx context.Context, annotation string) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.participantTask != nil {
		m.participantTask.Stop()
	}
	if m.autoLeave != nil {
		m.autoLeave.Cancel()
	}
	m.flush()

	if m.siblings != nil {
		_ = m.siblings.StopVideo(ctx)
	}
	if err := m.browser.Leave(ctx); err != nil {
		m.logger.Warn("browser leave failed", "session", m.session.ID, "error", err)
	}

	return m.store.CompleteSession(m.session.ID, time.Now().UTC(), annotation)
}
