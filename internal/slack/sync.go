package slack

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/store"
)

// SyncStats tracks one BackgroundSync's running counters, surfaced over
// the bus and to fleet telemetry.
type SyncStats struct {
	ChannelsDiscovered int
	ChannelsUpdated    int
	UsersUpdated       int
	PhotosDownloaded   int
	RateLimited        int
	Failed             int
}

// SyncConfig configures a BackgroundSync sweep.
type SyncConfig struct {
	MaxMembersPerChannel int
	MinDelay             time.Duration
	MaxDelay             time.Duration
	FullSweepInterval    time.Duration
	SkipDMs              bool
	RateLimitBackoff     time.Duration
	PhotoCacheDir        string
}

// BackgroundSync slowly warms the discovery caches without tripping
// provider rate limits, per spec.md §4.7. Rate-limit handling follows
// the forge GitHub provider's rate-limit-aware idiom (log and wait
// rather than treat 429 as a hard failure), generalized to Slack's 429
// + Retry-After.
type BackgroundSync struct {
	cfg      SyncConfig
	provider MessagingProvider
	st       *store.Store
	bus      *events.Bus
	logger   *slog.Logger

	mu      sync.Mutex
	seen    map[string]bool
	stats   SyncStats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBackgroundSync creates a BackgroundSync. Call StartSync to begin.
func NewBackgroundSync(cfg SyncConfig, provider MessagingProvider, st *store.Store, bus *events.Bus, logger *slog.Logger) *BackgroundSync {
	if cfg.MaxMembersPerChannel <= 0 {
		cfg.MaxMembersPerChannel = 200
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 3 * time.Second
	}
	if cfg.FullSweepInterval <= 0 {
		cfg.FullSweepInterval = 24 * time.Hour
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundSync{cfg: cfg, provider: provider, st: st, bus: bus, logger: logger, seen: make(map[string]bool)}
}

// StartSync launches the sweep loop in the background.
func (b *BackgroundSync) StartSync(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	syncCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	b.mu.Unlock()

	go b.loop(syncCtx)
}

// StopSync cancels the in-flight sweep, allowing up to 10s for the
// current request to finish cleanly, per spec.md §4.7's termination
// contract.
func (b *BackgroundSync) StopSync() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	cancel := b.cancel
	done := b.done
	b.running = false
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
}

// TriggerSync resets the seen-set for kind so the next sweep iteration
// re-covers it. kind is currently unused beyond logging since this
// implementation has a single sweep kind (full); it is accepted so the
// bus contract matches spec.md §4.7 and can grow additional kinds later.
func (b *BackgroundSync) TriggerSync(kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen = make(map[string]bool)
	b.logger.Info("background sync triggered", "kind", kind)
}

// Stats returns a snapshot of the sweep's counters.
func (b *BackgroundSync) Stats() SyncStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *BackgroundSync) loop(ctx context.Context) {
	defer close(b.done)
	for {
		b.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.FullSweepInterval):
		}
	}
}

// sweep runs one full channel-discovery + photo sweep, per spec.md
// §4.7's pipeline.
func (b *BackgroundSync) sweep(ctx context.Context) {
	b.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSync, Kind: events.KindSyncSweepStart})

	conversations, err := b.provider.ListConversations(ctx)
	if err != nil {
		b.logger.Error("background sync: list conversations failed", "error", err)
		return
	}

	b.mu.Lock()
	b.stats.ChannelsDiscovered = len(conversations)
	b.mu.Unlock()

	for _, conv := range conversations {
		if ctx.Err() != nil {
			return
		}
		b.mu.Lock()
		if b.seen[conv.ID] {
			b.mu.Unlock()
			continue
		}
		b.seen[conv.ID] = true
		b.mu.Unlock()

		if b.cfg.SkipDMs && strings.HasPrefix(conv.ID, "D") {
			continue
		}

		if err := b.syncChannel(ctx, store.CachedChannel{ID: conv.ID, Name: conv.Name, Purpose: conv.Purpose, Topic: conv.Topic, MemberCount: conv.MemberCount}); err != nil {
			if rl, ok := AsRateLimit(err); ok {
				b.recordRateLimit()
				if !sleepCtx(ctx, max(rl.RetryAfter, b.cfg.RateLimitBackoff)) {
					return
				}
				continue
			}
			b.recordFailure()
			b.logger.Warn("background sync: channel sync failed", "channel", conv.ID, "error", err)
		}

		if !b.delay(ctx) {
			return
		}
	}

	b.photoSweep(ctx)

	b.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceSync, Kind: events.KindSyncSweepComplete,
		Data: map[string]any{"updated": b.Stats().ChannelsUpdated, "rate_limited": b.Stats().RateLimited}})
}

func (b *BackgroundSync) syncChannel(ctx context.Context, conv store.CachedChannel) error {
	if conv.Name == "" {
		info, err := b.provider.ConversationInfo(ctx, conv.ID)
		if err != nil {
			return err
		}
		conv.Name, conv.Purpose, conv.Topic, conv.MemberCount = info.Name, info.Purpose, info.Topic, info.MemberCount
	}

	members, err := b.provider.ConversationMembers(ctx, conv.ID, b.cfg.MaxMembersPerChannel)
	if err != nil {
		return err
	}

	var users []store.CachedUser
	for _, userID := range members {
		info, err := b.provider.ResolveUser(ctx, userID)
		if err != nil || info.IsBot || info.Deleted {
			continue
		}
		users = append(users, store.CachedUser{
			ID: info.ID, Name: info.Name, Handle: info.Handle, Email: info.Email,
			AvatarURL: info.AvatarURL, IsBot: info.IsBot,
		})
	}
	if len(users) > 0 {
		if err := b.st.CacheUsers(users); err != nil {
			return err
		}
	}

	if err := b.st.CacheChannels([]store.CachedChannel{conv}); err != nil {
		return err
	}

	b.mu.Lock()
	b.stats.ChannelsUpdated++
	b.stats.UsersUpdated += len(users)
	b.mu.Unlock()
	return nil
}

// photoSweep downloads avatars for every cached user not already
// present in the photo cache directory, per spec.md §4.7.
func (b *BackgroundSync) photoSweep(ctx context.Context) {
	if b.cfg.PhotoCacheDir == "" {
		return
	}
	users, err := b.st.UsersWithAvatars()
	if err != nil {
		b.logger.Error("background sync: photo sweep listing failed", "error", err)
		return
	}

	for _, u := range users {
		if ctx.Err() != nil {
			return
		}
		dest := filepath.Join(b.cfg.PhotoCacheDir, u.ID+".jpg")
		if _, err := os.Stat(dest); err == nil {
			continue
		}

		data, err := b.provider.DownloadAvatar(ctx, u.AvatarURL)
		if err != nil {
			if rl, ok := AsRateLimit(err); ok {
				b.recordRateLimit()
				if !sleepCtx(ctx, max(rl.RetryAfter, b.cfg.RateLimitBackoff)) {
					return
				}
				continue
			}
			b.recordFailure()
			continue
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			b.logger.Warn("background sync: failed to write avatar", "user", u.ID, "error", err)
			continue
		}

		b.mu.Lock()
		b.stats.PhotosDownloaded++
		b.mu.Unlock()

		if !b.delay(ctx) {
			return
		}
	}
}

func (b *BackgroundSync) delay(ctx context.Context) bool {
	span := b.cfg.MaxDelay - b.cfg.MinDelay
	d := b.cfg.MinDelay
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	return sleepCtx(ctx, d)
}

func (b *BackgroundSync) recordRateLimit() {
	b.mu.Lock()
	b.stats.RateLimited++
	b.mu.Unlock()
}

func (b *BackgroundSync) recordFailure() {
	b.mu.Lock()
	b.stats.Failed++
	b.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting which.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

