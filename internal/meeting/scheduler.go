package meeting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/botfleet/internal/checkpoint"
	"github.com/nugget/botfleet/internal/events"
)

// SchedulerConfig configures MeetingScheduler's tick cadence, join
// retry policy, and concurrency cap, mirroring config.MeetingConfig.
type SchedulerConfig struct {
	PreRoll             time.Duration
	Grace               time.Duration
	TickInterval        time.Duration
	MaxConcurrentActive int
	JoinRetryDelays     []time.Duration
	JoinAttemptTimeout  time.Duration
	Instance            InstanceConfig
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.PreRoll <= 0 {
		c.PreRoll = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.MaxConcurrentActive <= 0 {
		c.MaxConcurrentActive = 3
	}
	if len(c.JoinRetryDelays) == 0 {
		c.JoinRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	if c.JoinAttemptTimeout <= 0 {
		c.JoinAttemptTimeout = 45 * time.Second
	}
	return c
}

// Joiner creates a browser collaborator and device allocation for a
// single join attempt. Split out from BrowserCollaborator/DeviceAllocator
// so MeetingScheduler can retry a failed join without leaking devices.
type Joiner interface {
	Join(ctx context.Context, meetURL string) (BrowserCollaborator, string, string, string, error)
	ReleaseDevices(ctx context.Context, audioSink, audioSource, videoDevice string) error
}

// MeetingScheduler runs the calendar-projection and per-meeting
// join/active/leave state machine described in spec.md §4.8, with
// bounded concurrency and join retry.
type MeetingScheduler struct {
	cfg      SchedulerConfig
	store    *Store
	calendar CalendarProvider
	joiner   Joiner
	siblings *SiblingOrchestrator
	bus      *events.Bus
	logger   *slog.Logger

	mu        sync.Mutex
	running   bool
	instances map[string]*MeetingInstance // eventID -> active instance
	attempts  map[string]int              // eventID -> join attempts so far
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a MeetingScheduler. Call Start to begin ticking.
func New(cfg SchedulerConfig, store *Store, calendar CalendarProvider, joiner Joiner,
	siblings *SiblingOrchestrator, bus *events.Bus, logger *slog.Logger) *MeetingScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeetingScheduler{
		cfg:       cfg.withDefaults(),
		store:     store,
		calendar:  calendar,
		joiner:    joiner,
		siblings:  siblings,
		bus:       bus,
		logger:    logger,
		instances: make(map[string]*MeetingInstance),
		attempts:  make(map[string]int),
	}
}

// Start begins the projection-and-evaluation tick loop.
func (s *MeetingScheduler) Start(ctx context.Context, lookAhead time.Duration, calendarIDs []string) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(tickCtx, lookAhead, calendarIDs)
}

// Stop halts the tick loop. It does not leave active meetings.
func (s *MeetingScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *MeetingScheduler) loop(ctx context.Context, lookAhead time.Duration, calendarIDs []string) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.project(ctx, lookAhead, calendarIDs)
	s.evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.project(ctx, lookAhead, calendarIDs)
			s.evaluate(ctx)
		}
	}
}

// project refreshes ScheduledMeeting rows from the calendar, per
// spec.md §4.8.1. A projection failure for one calendar does not block
// others.
func (s *MeetingScheduler) project(ctx context.Context, lookAhead time.Duration, calendarIDs []string) {
	now := time.Now()
	for _, calID := range calendarIDs {
		calEvents, err := s.calendar.ListEvents(ctx, calID, now, now.Add(lookAhead))
		if err != nil {
			s.logger.Error("calendar projection failed", "calendar", calID, "error", err)
			continue
		}
		for _, ev := range calEvents {
			if ev.MeetURL == "" {
				continue
			}
			existing, found, err := s.store.Meeting(ev.ID)
			if err != nil {
				s.logger.Error("failed to look up scheduled meeting", "event", ev.ID, "error", err)
				continue
			}
			if found && existing.State.Terminal() {
				continue // terminal meetings are never re-projected
			}
			m := ScheduledMeeting{
				EventID: ev.ID, CalendarID: ev.CalendarID, Title: ev.Title, Organizer: ev.Organizer,
				ScheduledStart: ev.Start, ScheduledEnd: ev.End, MeetURL: ev.MeetURL,
				Mode: ModeAsk, State: StateScheduled,
			}
			if found {
				m.State = existing.State
				m.Mode = existing.Mode
				m.SessionID = existing.SessionID
			}
			if err := s.store.UpsertMeeting(m); err != nil {
				s.logger.Error("failed to upsert scheduled meeting", "event", ev.ID, "error", err)
			}
		}
	}
}

// evaluate drives every non-terminal meeting's state machine one step,
// in scheduledStart/eventId order, honoring the global concurrency cap
// from spec.md §4.8.3.
func (s *MeetingScheduler) evaluate(ctx context.Context) {
	meetings, err := s.store.NonTerminalMeetings()
	if err != nil {
		s.logger.Error("failed to list non-terminal meetings", "error", err)
		return
	}

	active, err := s.store.CountActive()
	if err != nil {
		s.logger.Error("failed to count active meetings", "error", err)
		return
	}

	now := time.Now()
	for _, m := range meetings {
		switch m.State {
		case StateScheduled:
			s.evaluateScheduled(m, now)
		case StateApproved:
			if active >= s.cfg.MaxConcurrentActive {
				continue // wait at capacity, per spec.md §4.8.3
			}
			if now.Before(m.ScheduledStart.Add(-s.cfg.PreRoll)) {
				continue
			}
			active++
			s.beginJoin(ctx, m)
		case StateJoining:
			// Joining transitions run in their own goroutine (beginJoin);
			// nothing to do here but let it complete or time out.
		case StateActive:
			s.checkActiveExpiry(ctx, m, now)
		}
	}
}

func (s *MeetingScheduler) evaluateScheduled(m ScheduledMeeting, now time.Time) {
	if m.Mode != ModeAuto {
		return // requires explicit approve_meeting
	}
	m.State = StateApproved
	if err := s.store.UpsertMeeting(m); err != nil {
		s.logger.Error("failed to auto-approve meeting", "event", m.EventID, "error", err)
		return
	}
	s.publishTransition(m.EventID, string(StateScheduled), string(StateApproved))
}

// beginJoin moves a meeting into joining and runs its retrying join
// attempt loop in a background goroutine so evaluate's tick never
// blocks on a single meeting.
func (s *MeetingScheduler) beginJoin(ctx context.Context, m ScheduledMeeting) {
	from := m.State
	m.State = StateJoining
	if err := s.store.UpsertMeeting(m); err != nil {
		s.logger.Error("failed to mark meeting joining", "event", m.EventID, "error", err)
		return
	}
	s.publishTransition(m.EventID, string(from), string(StateJoining))

	go s.attemptJoin(ctx, m)
}

func (s *MeetingScheduler) attemptJoin(ctx context.Context, m ScheduledMeeting) {
	delays := s.cfg.JoinRetryDelays
	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, delays[attempt-1]) {
				return
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinAttemptTimeout)
		inst, err := s.join(attemptCtx, m)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.instances[m.EventID] = inst
			s.mu.Unlock()

			m.State = StateActive
			m.SessionID = inst.SessionID()
			if uerr := s.store.UpsertMeeting(m); uerr != nil {
				s.logger.Error("failed to mark meeting active", "event", m.EventID, "error", uerr)
			}
			s.publishTransition(m.EventID, string(StateJoining), string(StateActive))
			return
		}

		s.bus.Publish(events.Event{Source: events.SourceMeeting, Kind: events.KindMeetingJoinFailed,
			Data: map[string]any{"meeting_id": m.EventID, "attempt": attempt + 1, "error": err.Error()}})
		s.logger.Warn("meeting join attempt failed", "event", m.EventID, "attempt", attempt+1, "error", err)
	}

	m.State = StateError
	m.ErrorReason = "exhausted join retries"
	if err := s.store.UpsertMeeting(m); err != nil {
		s.logger.Error("failed to mark meeting errored", "event", m.EventID, "error", err)
	}
	s.publishTransition(m.EventID, string(StateJoining), string(StateError))
}

func (s *MeetingScheduler) join(ctx context.Context, m ScheduledMeeting) (*MeetingInstance, error) {
	browser, audioSink, audioSource, videoDevice, err := s.joiner.Join(ctx, m.MeetURL)
	if err != nil {
		return nil, err
	}

	if s.siblings != nil {
		if verr := s.siblings.StartVideo(ctx, videoDevice, audioSource, audioSink, 1280, 720, false, 0); verr != nil {
			s.logger.Warn("video daemon unavailable, continuing audio-only", "event", m.EventID, "error", verr)
		}
	}

	inst := NewMeetingInstance(s.cfg.Instance, m.EventID, m.MeetURL, browser, s.siblings, s.store, s.logger,
		func(annotation string) { s.leaveMeeting(m.EventID, annotation) })

	end := m.ScheduledEnd
	if err := inst.Run(ctx, &end); err != nil {
		_ = s.joiner.ReleaseDevices(ctx, audioSink, audioSource, videoDevice)
		return nil, err
	}
	return inst, nil
}

func (s *MeetingScheduler) checkActiveExpiry(ctx context.Context, m ScheduledMeeting, now time.Time) {
	s.mu.Lock()
	inst, ok := s.instances[m.EventID]
	s.mu.Unlock()
	if !ok {
		return // instance not tracked (e.g. process restarted mid-meeting); leave to manual recovery
	}

	closed, err := inst.browser.IsClosed(ctx)
	if err == nil && closed {
		s.leaveMeeting(m.EventID, "call ended: browser reported closed")
	}
}

// leaveMeeting tears down the active instance for eventID and marks
// the meeting completed. Safe to call more than once; subsequent calls
// are no-ops.
func (s *MeetingScheduler) leaveMeeting(eventID, annotation string) {
	s.mu.Lock()
	inst, ok := s.instances[eventID]
	if ok {
		delete(s.instances, eventID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := inst.Leave(ctx, annotation); err != nil {
		s.logger.Error("meeting leave failed", "event", eventID, "error", err)
	}

	m, found, err := s.store.Meeting(eventID)
	if err != nil || !found {
		return
	}
	m.State = StateCompleted
	if err := s.store.UpsertMeeting(m); err != nil {
		s.logger.Error("failed to mark meeting completed", "event", eventID, "error", err)
		return
	}
	s.publishTransition(eventID, string(StateActive), string(StateCompleted))
}

func (s *MeetingScheduler) publishTransition(eventID, from, to string) {
	s.bus.Publish(events.Event{Source: events.SourceMeeting, Kind: events.KindMeetingTransition,
		Data: map[string]any{"meeting_id": eventID, "from": from, "to": to}})
}

// --- manual bus-exposed controls, per spec.md §4.8.5 ---

// ApproveMeeting moves a scheduled meeting to approved, allowing it to
// be joined on its next evaluate tick.
func (s *MeetingScheduler) ApproveMeeting(eventID string) error {
	return s.transition(eventID, StateScheduled, StateApproved)
}

// UnapproveMeeting reverts an approved meeting back to scheduled.
func (s *MeetingScheduler) UnapproveMeeting(eventID string) error {
	return s.transition(eventID, StateApproved, StateScheduled)
}

// SkipMeeting marks a meeting skipped; it will not be projected again.
func (s *MeetingScheduler) SkipMeeting(eventID string) error {
	m, found, err := s.store.Meeting(eventID)
	if err != nil {
		return err
	}
	if !found || m.State.Terminal() {
		return errMeetingNotEligible
	}
	from := m.State
	m.State = StateSkipped
	if err := s.store.UpsertMeeting(m); err != nil {
		return err
	}
	s.publishTransition(eventID, string(from), string(StateSkipped))
	return nil
}

// ForceJoin bypasses approval/pre-roll gating and begins joining
// immediately, regardless of current state (so long as not terminal or
// already active).
func (s *MeetingScheduler) ForceJoin(ctx context.Context, eventID string) error {
	m, found, err := s.store.Meeting(eventID)
	if err != nil {
		return err
	}
	if !found || m.State.Terminal() || m.State == StateActive || m.State == StateJoining {
		return errMeetingNotEligible
	}
	s.beginJoin(ctx, m)
	return nil
}

// SetMeetingMode updates a scheduled meeting's bot mode.
func (s *MeetingScheduler) SetMeetingMode(eventID string, mode BotMode) error {
	m, found, err := s.store.Meeting(eventID)
	if err != nil {
		return err
	}
	if !found {
		return errMeetingNotEligible
	}
	m.Mode = mode
	return s.store.UpsertMeeting(m)
}

// LeaveMeeting requests an active meeting leave immediately.
func (s *MeetingScheduler) LeaveMeeting(eventID string) {
	s.leaveMeeting(eventID, "manual leave_meeting request")
}

// GetState returns the current ScheduledMeeting row for eventID.
func (s *MeetingScheduler) GetState(eventID string) (ScheduledMeeting, bool, error) {
	return s.store.Meeting(eventID)
}

// GetParticipants returns the live participant list for an active
// meeting's instance.
func (s *MeetingScheduler) GetParticipants(ctx context.Context, eventID string) ([]Participant, error) {
	s.mu.Lock()
	inst, ok := s.instances[eventID]
	s.mu.Unlock()
	if !ok {
		return nil, errMeetingNotActive
	}
	return inst.browser.GetParticipants(ctx)
}

// GetCaptions returns the transcript captured so far for an active
// meeting's session.
func (s *MeetingScheduler) GetCaptions(eventID string, limit int) ([]TranscriptEntry, error) {
	s.mu.Lock()
	inst, ok := s.instances[eventID]
	s.mu.Unlock()
	if !ok {
		return nil, errMeetingNotActive
	}
	return s.store.Transcript(inst.SessionID(), limit)
}

// MuteAudio/UnmuteAudio forward to the active instance's browser handle.
func (s *MeetingScheduler) MuteAudio(ctx context.Context, eventID string) error {
	inst, err := s.activeInstance(eventID)
	if err != nil {
		return err
	}
	return inst.browser.Mute(ctx)
}

func (s *MeetingScheduler) UnmuteAudio(ctx context.Context, eventID string) error {
	inst, err := s.activeInstance(eventID)
	if err != nil {
		return err
	}
	return inst.browser.Unmute(ctx)
}

func (s *MeetingScheduler) activeInstance(eventID string) (*MeetingInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[eventID]
	if !ok {
		return nil, errMeetingNotActive
	}
	return inst, nil
}

func (s *MeetingScheduler) transition(eventID string, from, to State) error {
	m, found, err := s.store.Meeting(eventID)
	if err != nil {
		return err
	}
	if !found || m.State != from {
		return errMeetingNotEligible
	}
	m.State = to
	if err := s.store.UpsertMeeting(m); err != nil {
		return err
	}
	s.publishTransition(eventID, string(from), string(to))
	return nil
}

// CheckpointMeetings implements checkpoint.MeetingProvider, reporting
// every currently-active meeting instance.
func (s *MeetingScheduler) CheckpointMeetings() []checkpoint.ActiveMeetingSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]checkpoint.ActiveMeetingSnapshot, 0, len(s.instances))
	for eventID, inst := range s.instances {
		out = append(out, checkpoint.ActiveMeetingSnapshot{
			EventID: eventID, SessionID: inst.SessionID(), JoinedAt: inst.JoinedAt(),
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
