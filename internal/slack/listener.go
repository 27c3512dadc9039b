// Package slack implements the Slack-facing daemon components: the
// message-polling listener, author/channel classification, the
// human-review approval queue, and the background cache sync, per
// spec.md §4.5-§4.7.
package slack

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/harness"
	"github.com/nugget/botfleet/internal/store"
)

// ListenerStats mirrors spec.md §4.5's "update listener stats" step.
type ListenerStats struct {
	Polls             int64
	Errors            int64
	ConsecutiveErrors int64
	MessagesSeen      int64
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	PollInterval                 time.Duration
	WatchedChannels               []string
	MaxMessagesPerChannelPerTick int
	MaxConsecutiveErrors         int
}

// Listener pulls new messages from watched conversations on a robust
// periodic cadence and hands them to the ApprovalQueue and/or
// auto-responder, per spec.md §4.5. Grounded on the robust-periodic-
// task pattern shared with every other polling component in this
// module; the per-channel high-water-mark / never-decrease / silent
// first-run-seed / per-channel error isolation discipline follows the
// same shape as the teacher's watermark-driven pollers.
type Listener struct {
	cfg ListenerConfig

	provider   MessagingProvider
	generator  ResponseGenerator
	notifier   Notifier
	store      *store.Store
	classifier *UserClassifier
	perms      *ChannelPermissions
	keywords   []string
	queue      *ApprovalQueue

	bus    *events.Bus
	logger *slog.Logger

	task *harness.RobustPeriodicTask

	stats          ListenerStats
	channelBackoff map[string]time.Time
}

// New creates a Listener. Call Start to begin polling.
func New(cfg ListenerConfig, provider MessagingProvider, generator ResponseGenerator, notifier Notifier,
	st *store.Store, classifier *UserClassifier, perms *ChannelPermissions, keywords []string,
	queue *ApprovalQueue, bus *events.Bus, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 7 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	return &Listener{
		cfg: cfg, provider: provider, generator: generator, notifier: notifier,
		store: st, classifier: classifier, perms: perms, keywords: keywords, queue: queue,
		bus: bus, logger: logger, channelBackoff: make(map[string]time.Time),
	}
}

// Start begins the polling loop.
func (l *Listener) Start(ctx context.Context) {
	l.task = harness.StartPeriodicTask(ctx, harness.PeriodicTaskConfig{
		Name:           "slack-listener",
		Interval:       l.cfg.PollInterval,
		RunImmediately: true,
		Callback:       l.tick,
		Logger:         l.logger,
	})
}

// Stop halts the polling loop.
func (l *Listener) Stop() {
	if l.task != nil {
		l.task.Stop()
	}
}

// Stats returns a snapshot of the listener's counters.
func (l *Listener) Stats() ListenerStats {
	return l.stats
}

// tick runs one poll cycle across every watched channel. A failure on
// one channel never prevents the others from being checked, per
// spec.md §4.5's ordering/failure semantics.
func (l *Listener) tick(ctx context.Context) error {
	l.stats.Polls++
	anyErr := false

	for _, channelID := range l.cfg.WatchedChannels {
		if until, backedOff := l.channelBackoff[channelID]; backedOff && time.Now().Before(until) {
			continue
		}
		if err := l.pollChannel(ctx, channelID); err != nil {
			anyErr = true
			l.stats.Errors++
			l.stats.ConsecutiveErrors++
			l.logger.Error("slack poll failed", "channel", channelID, "error", err)

			if rl, ok := AsRateLimit(err); ok {
				l.channelBackoff[channelID] = time.Now().Add(rl.RetryAfter)
			}
			l.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSlack,
				Kind: events.KindPollError, Data: map[string]any{"channel": channelID, "error": err.Error()}})
			continue
		}
		l.stats.ConsecutiveErrors = 0
	}

	if anyErr && l.stats.ConsecutiveErrors >= int64(l.cfg.MaxConsecutiveErrors) {
		l.logger.Warn("slack listener degraded: too many consecutive errors",
			"consecutive_errors", l.stats.ConsecutiveErrors)
	}
	return nil
}

// pollChannel processes one channel's new messages in order, advancing
// the watermark only past messages it has durably handled.
func (l *Listener) pollChannel(ctx context.Context, channelID string) error {
	watermark, err := l.store.Watermark(channelID)
	if err != nil {
		return err
	}

	limit := l.cfg.MaxMessagesPerChannelPerTick
	if limit <= 0 {
		limit = 50
	}
	messages, err := l.provider.FetchMessages(ctx, channelID, watermark, limit)
	if err != nil {
		return err
	}

	channelName := channelID
	if cached, ok, _ := l.store.Channel(channelID); ok {
		channelName = cached.Name
	}

	if watermark == "" {
		// First poll of this channel: record the newest fetched message
		// as the watermark without processing anything.
		if len(messages) > 0 {
			return l.store.AdvanceWatermark(channelID, channelName, messages[len(messages)-1].Timestamp)
		}
		return nil
	}

	for _, msg := range messages {
		if err := l.processMessage(ctx, channelID, channelName, msg); err != nil {
			// The failing message is only skipped over if it was
			// already durably recorded as notified; otherwise the
			// watermark stays put and the next tick retries it.
			if notified, _ := l.store.IsNotified(channelID, msg.Timestamp); !notified {
				l.logger.Error("message processing failed, watermark held", "channel", channelID, "ts", msg.Timestamp, "error", err)
				return nil
			}
			l.logger.Error("message processing failed, already notified, advancing past it", "channel", channelID, "ts", msg.Timestamp, "error", err)
		}
		if err := l.store.AdvanceWatermark(channelID, channelName, msg.Timestamp); err != nil {
			return err
		}
		l.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSlack,
			Kind: events.KindWatermarkAdvanced, Data: map[string]any{"channel": channelID, "watermark": msg.Timestamp}})
	}
	return nil
}

func (l *Listener) processMessage(ctx context.Context, channelID, channelName string, msg RawMessage) error {
	if msg.IsBot {
		return nil
	}

	id := store.MessageID(channelID, msg.Timestamp)
	if existing, ok, err := l.store.Message(id); err != nil {
		return err
	} else if ok && existing.Status != store.StatusPending {
		return nil
	}
	if notified, err := l.store.IsNotified(channelID, msg.Timestamp); err != nil {
		return err
	} else if notified {
		return nil
	}

	user, err := l.provider.ResolveUser(ctx, msg.UserID)
	if err != nil {
		return err
	}

	isMention := containsMention(msg.Text)
	keywords := matchKeywords(msg.Text, l.keywords)
	isDM := channelIsDM(channelID)

	l.stats.MessagesSeen++

	author := Author{UserID: user.ID, Handle: user.Handle, Email: user.Email}
	classification := l.classifier.Classify(author)

	record := store.PendingSlackMessage{
		ID: id, ChannelID: channelID, ChannelName: channelName,
		UserID: user.ID, UserName: user.Name, Text: msg.Text, ThreadParent: msg.ThreadParent,
		IsMention: isMention, IsDM: isDM, MatchedKeywords: keywords,
		CreatedAt: msg.Timestamp, Status: store.StatusPending,
	}
	if err := l.store.InsertMessage(record); err != nil {
		return err
	}

	l.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSlack,
		Kind: events.KindMessageReceived,
		Data: map[string]any{"channel": channelID, "ts": msg.Timestamp, "classification": string(classification)}})

	decision := Decide(MessageContext{
		Classification:            classification,
		ChannelAllowsAutoResponse: l.perms.AllowsAutoResponse(channelID),
		ChannelDenied:             l.perms.Denied(channelID),
	})

	switch decision {
	case DecisionAutoReply:
		text, _, err := l.generator.Generate(ctx, msg, user)
		if err != nil {
			return err
		}
		if err := l.provider.SendMessage(ctx, channelID, text, msg.ThreadParent); err != nil {
			return err
		}
		return l.store.UpdateMessageStatus(id, store.StatusSent)

	case DecisionQueue:
		text, intent, err := l.generator.Generate(ctx, msg, user)
		if err != nil {
			text, intent = "", ""
		}
		l.queue.Enqueue(ApprovalRecord{
			Message:        record,
			Response:       text,
			Intent:         intent,
			Classification: classification,
		})
		if notified, _ := l.store.IsNotified(channelID, msg.Timestamp); !notified && l.notifier != nil {
			if err := l.notifier.Notify(ctx, "New message needs review", msg.Text); err == nil {
				_ = l.store.MarkNotified(channelID, msg.Timestamp)
			}
		}
		return nil

	default:
		return l.store.UpdateMessageStatus(id, store.StatusSkipped)
	}
}

func containsMention(text string) bool {
	return strings.Contains(text, "@")
}

func channelIsDM(channelID string) bool {
	return strings.HasPrefix(channelID, "D")
}

func matchKeywords(text string, keywords []string) []string {
	var matched []string
	lowerText := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}
