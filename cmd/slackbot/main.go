// Command slackbot polls configured Slack conversations, classifies
// authors, optionally auto-replies via an LLM, and queues proposed
// responses for human approval, per spec.md §4.5-§4.7.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nugget/botfleet/internal/busiface"
	"github.com/nugget/botfleet/internal/checkpoint"
	"github.com/nugget/botfleet/internal/config"
	"github.com/nugget/botfleet/internal/connwatch"
	"github.com/nugget/botfleet/internal/defaults"
	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/harness"
	"github.com/nugget/botfleet/internal/llm"
	"github.com/nugget/botfleet/internal/mqtt"
	"github.com/nugget/botfleet/internal/opstate"
	"github.com/nugget/botfleet/internal/paths"
	"github.com/nugget/botfleet/internal/slack"
	"github.com/nugget/botfleet/internal/slackapi"
	"github.com/nugget/botfleet/internal/statefile"
	"github.com/nugget/botfleet/internal/store"
	"github.com/nugget/botfleet/internal/telemetry"
	"github.com/skip2/go-qrcode"

	_ "github.com/mattn/go-sqlite3"
)

const daemonName = "slackbot"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	initFlag := flag.Bool("init", false, "write a default config file to the standard location and exit")
	statusFlag := flag.Bool("status", false, "print daemon status via the bus and exit")
	stopFlag := flag.Bool("stop", false, "request the running daemon to shut down via the bus and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	noDbus := flag.Bool("no-dbus", false, "run without a D-Bus bus interface")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if *initFlag {
		return runInit(logger)
	}

	busID := busiface.Identity{
		BusName:       "com.github.botfleet.SlackBot",
		ObjectPath:    dbus.ObjectPath("/com/github/botfleet/SlackBot"),
		InterfaceName: "com.github.botfleet.SlackBot",
	}

	if *statusFlag {
		return cliCall(busID, logger, "Status")
	}
	if *stopFlag {
		return cliCall(busID, logger, "Stop")
	}

	path, err := config.FindConfig(daemonName, *configPath)
	if err != nil {
		logger.Error("failed to locate config file", "error", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	rt := paths.NewRuntime(daemonName, cfg.RuntimeDir, cfg.DataDir, cfg.CacheDir)
	if err := rt.EnsureDirs(); err != nil {
		logger.Error("failed to create runtime directories", "error", err)
		return 1
	}

	d := &daemon{cfg: cfg, rt: rt, logger: logger, startedAt: time.Now()}

	opts := harness.Options{
		Name:        daemonName,
		LockPath:    rt.LockPath(),
		PIDPath:     rt.PIDPath(),
		WatchdogSec: cfg.Bus.WatchdogSec,
		Logger:      logger,
	}

	var busServer *busiface.Server
	if !*noDbus && cfg.Bus.Enabled {
		busServer = busiface.NewServer(busID, d.stats, logger)
		if err := registerCommonMethods(busServer, d); err != nil {
			logger.Error("failed to register bus methods", "error", err)
			return 1
		}
		opts.Bus = busServer
	}

	h := harness.New(opts)
	if busServer != nil {
		if err := busServer.RegisterMethod("Stop", func(ctx context.Context, argsJSON string) busiface.Envelope {
			h.RequestShutdown()
			return busiface.OK(nil)
		}); err != nil {
			logger.Error("failed to register Stop bus method", "error", err)
			return 1
		}
		if err := registerApprovalMethods(busServer, d); err != nil {
			logger.Error("failed to register approval bus methods", "error", err)
			return 1
		}
	}

	if err := h.Run(context.Background(), d); err != nil {
		return 1
	}
	return 0
}

func registerCommonMethods(busServer *busiface.Server, d *daemon) error {
	return busServer.RegisterMethod("Status", func(ctx context.Context, argsJSON string) busiface.Envelope {
		return busiface.OK(map[string]any{"status": "running", "daemon": daemonName})
	})
}

func registerApprovalMethods(busServer *busiface.Server, d *daemon) error {
	if err := busServer.RegisterMethod("GetPending", func(ctx context.Context, argsJSON string) busiface.Envelope {
		if d.queue == nil {
			return busiface.Fail("listener not started yet")
		}
		return busiface.OK(map[string]any{"pending": d.queue.GetPending()})
	}); err != nil {
		return err
	}
	if err := busServer.RegisterMethod("ApproveAll", func(ctx context.Context, argsJSON string) busiface.Envelope {
		if d.queue == nil {
			return busiface.Fail("listener not started yet")
		}
		return busiface.OK(map[string]any{"outcomes": d.queue.ApproveAll(ctx)})
	}); err != nil {
		return err
	}
	return nil
}

func runInit(logger *slog.Logger) int {
	tmpl := defaults.ForDaemon(daemonName)
	if tmpl == nil {
		logger.Error("no default config template embedded for daemon", "daemon", daemonName)
		return 1
	}
	searchPaths := config.DefaultSearchPaths(daemonName)
	if len(searchPaths) < 2 {
		logger.Error("no standard config path available")
		return 1
	}
	dest := searchPaths[1]
	if err := os.MkdirAll(dirOf(dest), 0o755); err != nil {
		logger.Error("failed to create config directory", "error", err)
		return 1
	}
	if _, err := os.Stat(dest); err == nil {
		logger.Error("config file already exists, refusing to overwrite", "path", dest)
		return 1
	}
	if err := os.WriteFile(dest, tmpl, 0o644); err != nil {
		logger.Error("failed to write config file", "error", err)
		return 1
	}
	fmt.Println("wrote default config to", dest)
	fmt.Println("edit it with your bot token, then scan this to open the Slack app management page:")
	printSetupQR()
	return 0
}

// slackAppSetupURL is Slack's own app-management console, where a new
// bot token is generated for the slack.token config field.
const slackAppSetupURL = "https://api.slack.com/apps"

// printSetupQR renders slackAppSetupURL as a terminal QR code so a
// first-run operator can jump straight to token setup from a phone
// instead of retyping the URL.
func printSetupQR() {
	qr, err := qrcode.New(slackAppSetupURL, qrcode.Medium)
	if err != nil {
		fmt.Println(slackAppSetupURL)
		return
	}
	fmt.Println(qr.ToSmallString(false))
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func cliCall(id busiface.Identity, logger *slog.Logger, method string) int {
	client, err := busiface.NewClient(id, busiface.DefaultClientBackoff())
	if err != nil {
		logger.Error("failed to connect to session bus", "error", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]any
	if err := client.Call(ctx, method, "{}", &out); err != nil {
		fmt.Println("not running")
		return 1
	}
	fmt.Printf("%+v\n", out)
	return 0
}

// daemon wires the Slack listener, approval queue, and background
// sync into the harness lifecycle.
type daemon struct {
	cfg       *config.Config
	rt        paths.Runtime
	logger    *slog.Logger
	startedAt time.Time

	st        *store.Store
	ckptDB    *sql.DB
	checkpointer *checkpoint.Checkpointer
	bus       *events.Bus

	listener  *slack.Listener
	queue     *slack.ApprovalQueue
	sync      *slack.BackgroundSync
	watcher   *connwatch.Watcher
	publisher *mqtt.Publisher
	reporter  *telemetry.Reporter
	statePub  *statefile.Publisher
	opstateDB *opstate.Store
}

func (d *daemon) Startup(ctx context.Context, h *harness.Harness) error {
	if d.cfg.Slack.Token == "" {
		return fmt.Errorf("slack.token is required")
	}
	if d.cfg.Credentials != "" {
		if err := store.VerifyCredentialsIntegrity(d.cfg.Credentials); err != nil {
			return fmt.Errorf("credentials integrity check: %w", err)
		}
	}

	st, err := store.Open(d.rt.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.st = st

	ckptDB, err := sql.Open("sqlite3", d.rt.DBPath()+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open checkpoint database: %w", err)
	}
	d.ckptDB = ckptDB
	checkpointer, err := checkpoint.NewCheckpointer(ckptDB, checkpoint.Config{}, d.logger)
	if err != nil {
		return fmt.Errorf("build checkpointer: %w", err)
	}
	d.checkpointer = checkpointer

	opstateDB, err := opstate.NewStore(d.rt.DBPath())
	if err != nil {
		return fmt.Errorf("open opstate store: %w", err)
	}
	d.opstateDB = opstateDB
	if last, err := opstateDB.Get(daemonName, "last_clean_shutdown"); err == nil && last != "" {
		if lastTime, perr := time.Parse(time.RFC3339, last); perr == nil {
			d.logger.Info("resuming after previous shutdown", "downtime", time.Since(lastTime).Round(time.Second))
		}
	}

	d.bus = events.New()

	provider := slackapi.New(d.cfg.Slack.Token, d.logger)

	d.watcher = connwatch.NewManager(d.logger).Watch(ctx, connwatch.WatcherConfig{
		Name:    "slack",
		Probe:   provider.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  d.logger,
	})

	classifier := slack.NewUserClassifier(
		d.cfg.Slack.SafeUserIDs, d.cfg.Slack.SafeHandles, d.cfg.Slack.SafeEmailDomains,
		d.cfg.Slack.ConcernedUserIDs, d.cfg.Slack.ConcernedHandles,
	)
	perms := slack.NewChannelPermissions(d.cfg.Slack.AutoResponseChannels, d.cfg.Slack.DeniedChannels)

	d.queue = slack.NewApprovalQueue(d.cfg.Slack.MaxPendingApprovals, d.cfg.Slack.HistorySize, provider, st, d.bus, d.logger)

	var generator slack.ResponseGenerator
	if d.cfg.Responder.Configured() {
		llmClient, err := llm.NewClient(llm.Config{
			Provider:  d.cfg.Responder.Provider,
			Model:     d.cfg.Responder.Model,
			OllamaURL: d.cfg.Responder.OllamaURL,
			APIKey:    d.cfg.Responder.APIKey,
		}, d.logger)
		if err != nil {
			d.logger.Warn("llm client unavailable, auto-reply disabled", "error", err)
		} else {
			generator = &llmResponseGenerator{client: llmClient, model: d.cfg.Responder.Model}
		}
	}

	notifier := &desktopNotifier{logger: d.logger}

	d.listener = slack.New(slack.ListenerConfig{
		PollInterval:                 time.Duration(d.cfg.Slack.PollIntervalSec) * time.Second,
		WatchedChannels:              d.cfg.Slack.WatchedChannels,
		MaxMessagesPerChannelPerTick: d.cfg.Slack.MaxMessagesPerChannelPerTick,
		MaxConsecutiveErrors:         d.cfg.Slack.MaxConsecutiveErrors,
	}, provider, generator, notifier, st, classifier, perms, d.cfg.Slack.Keywords, d.queue, d.bus, d.logger)

	d.sync = slack.NewBackgroundSync(slack.SyncConfig{
		MaxMembersPerChannel: d.cfg.Sync.MaxMembersPerChannel,
		MinDelay:             durationFromSeconds(d.cfg.Sync.MinDelaySeconds),
		MaxDelay:             durationFromSeconds(d.cfg.Sync.MaxDelaySeconds),
		FullSweepInterval:    time.Duration(d.cfg.Sync.FullSweepIntervalHrs) * time.Hour,
		SkipDMs:              d.cfg.Sync.SkipDMs,
		RateLimitBackoff:     time.Duration(d.cfg.Sync.RateLimitBackoffSec) * time.Second,
		PhotoCacheDir:        d.cfg.Sync.PhotoCacheDir,
	}, provider, st, d.bus, d.logger)

	d.checkpointer.SetProviders(d.queue, noopMeetingProvider{}, st)

	d.statePub = statefile.New(d.rt.StateFilePath(), d.rt.StateDigestPath(), d.stateSource, d.logger)

	if d.cfg.Telemetry.Configured() {
		tokens := mqtt.NewDailyTokens(time.Local)
		d.publisher = mqtt.New(d.cfg.Telemetry, daemonName, tokens, d, d.logger)
		d.reporter = telemetry.New(d.cfg.Telemetry, daemonName, tokens, d, d.logger)
		d.reporter.RegisterGauge("pending_approvals", "Pending Approvals", "mdi:email-alert", func() int {
			return d.queue.PendingCount()
		})
	}

	return nil
}

func (d *daemon) RunDaemon(ctx context.Context, h *harness.Harness) error {
	d.listener.Start(ctx)
	d.sync.StartSync(ctx)

	if d.publisher != nil {
		go func() {
			if err := d.publisher.Start(ctx); err != nil {
				d.logger.Warn("mqtt publisher failed to start, continuing without telemetry", "error", err)
			} else if err := d.reporter.Start(ctx); err != nil {
				d.logger.Warn("telemetry reporter failed to start", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.statePub.Publish(); err != nil {
				d.logger.Warn("failed to publish state file", "error", err)
			}
		}
	}
}

func (d *daemon) Shutdown(ctx context.Context, h *harness.Harness) error {
	if d.opstateDB != nil {
		if err := d.opstateDB.Set(daemonName, "last_clean_shutdown", time.Now().Format(time.RFC3339)); err != nil {
			d.logger.Warn("failed to record clean shutdown timestamp", "error", err)
		}
	}
	if d.listener != nil {
		d.listener.Stop()
	}
	if d.sync != nil {
		d.sync.StopSync()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.reporter != nil {
		_ = d.reporter.Stop(ctx)
	}
	if d.publisher != nil {
		_ = d.publisher.Stop(ctx)
	}
	if d.checkpointer != nil {
		if err := d.checkpointer.OnShutdown(ctx); err != nil {
			d.logger.Warn("shutdown checkpoint failed", "error", err)
		}
	}
	if d.opstateDB != nil {
		_ = d.opstateDB.Close()
	}
	if d.ckptDB != nil {
		_ = d.ckptDB.Close()
	}
	if d.st != nil {
		return d.st.Close()
	}
	return nil
}

func (d *daemon) stats() any {
	out := map[string]any{"daemon": daemonName}
	if d.listener != nil {
		out["listener"] = d.listener.Stats()
	}
	if d.sync != nil {
		out["sync"] = d.sync.Stats()
	}
	if d.watcher != nil {
		out["slack_reachable"] = d.watcher.IsReady()
	}
	return out
}

func (d *daemon) stateSource() statefile.State {
	var pendingApprovals int
	if d.queue != nil {
		pendingApprovals = d.queue.PendingCount()
	}
	status := "ok"
	var errs []string
	if d.watcher != nil && !d.watcher.IsReady() {
		status = "degraded"
		errs = append(errs, "slack unreachable")
	}
	return statefile.State{
		UpdatedAt: time.Now(),
		Status:    status,
		Errors:    errs,
		Data: map[string]any{
			"uptime_seconds":    time.Since(d.startedAt).Seconds(),
			"pending_approvals": pendingApprovals,
		},
	}
}

// Uptime implements mqtt.StatsSource.
func (d *daemon) Uptime() time.Duration { return time.Since(d.startedAt) }

// Version implements mqtt.StatsSource.
func (d *daemon) Version() string { return daemonName }

// DefaultModel implements mqtt.StatsSource.
func (d *daemon) DefaultModel() string { return d.cfg.Responder.Model }

// LastRequestTime implements mqtt.StatsSource.
func (d *daemon) LastRequestTime() time.Time { return time.Time{} }

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// noopMeetingProvider satisfies checkpoint.MeetingProvider for
// slackbot, which has no meeting state of its own to report.
type noopMeetingProvider struct{}

func (noopMeetingProvider) CheckpointMeetings() []checkpoint.ActiveMeetingSnapshot { return nil }

// llmResponseGenerator adapts internal/llm.Client to
// internal/slack.ResponseGenerator.
type llmResponseGenerator struct {
	client llm.Client
	model  string
}

const responderSystemPrompt = `You are an automated Slack assistant replying on behalf of a human. Keep replies short, factual, and polite. If you are not confident a reply is appropriate, respond with exactly "SKIP" and nothing else.`

func (g *llmResponseGenerator) Generate(ctx context.Context, msg slack.RawMessage, author slack.UserInfo) (text, intent string, err error) {
	resp, err := g.client.Chat(ctx, g.model, []llm.Message{
		{Role: "system", Content: responderSystemPrompt},
		{Role: "user", Content: msg.Text},
	}, nil)
	if err != nil {
		return "", "", err
	}
	if resp.Message.Content == "SKIP" {
		return "", "skip", nil
	}
	return resp.Message.Content, "auto_reply", nil
}

// desktopNotifier implements internal/slack.Notifier via notify-send
// where available, falling back to a log line when it is not (e.g.
// running on a server with no desktop session).
type desktopNotifier struct {
	logger *slog.Logger
}

func (n *desktopNotifier) Notify(ctx context.Context, title, body string) error {
	cmd := exec.CommandContext(ctx, "notify-send", title, body)
	if err := cmd.Run(); err != nil {
		n.logger.Info("desktop notification", "title", title, "body", body, "notify_send_error", err)
	}
	return nil
}
