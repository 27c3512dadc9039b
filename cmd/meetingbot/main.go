// Command meetingbot projects upcoming calendar events, joins their
// video calls, transcribes them, and leaves automatically once a
// meeting ends, per spec.md §4.8.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nugget/botfleet/internal/busiface"
	"github.com/nugget/botfleet/internal/calendar"
	"github.com/nugget/botfleet/internal/checkpoint"
	"github.com/nugget/botfleet/internal/config"
	"github.com/nugget/botfleet/internal/connwatch"
	"github.com/nugget/botfleet/internal/defaults"
	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/harness"
	"github.com/nugget/botfleet/internal/meeting"
	"github.com/nugget/botfleet/internal/mqtt"
	"github.com/nugget/botfleet/internal/paths"
	"github.com/nugget/botfleet/internal/statefile"
	"github.com/nugget/botfleet/internal/store"
	"github.com/nugget/botfleet/internal/telemetry"

	_ "github.com/mattn/go-sqlite3"
)

const daemonName = "meetingbot"

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
		BusName:       "com.github.botfleet.MeetingBot",
		ObjectPath:    dbus.ObjectPath("/com/github/botfleet/MeetingBot"),
		InterfaceName: "com.github.botfleet.MeetingBot",
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
		if err := busServer.RegisterMethod("Status", func(ctx context.Context, argsJSON string) busiface.Envelope {
			return busiface.OK(map[string]any{"status": "running", "daemon": daemonName})
		}); err != nil {
			logger.Error("failed to register Status bus method", "error", err)
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
		if err := registerMeetingMethods(busServer, d); err != nil {
			logger.Error("failed to register meeting control bus methods", "error", err)
			return 1
		}
	}

	if err := h.Run(context.Background(), d); err != nil {
		return 1
	}
	return 0
}

func registerMeetingMethods(busServer *busiface.Server, d *daemon) error {
	methods := map[string]func(ctx context.Context, args map[string]any) busiface.Envelope{
		"ApproveMeeting": func(ctx context.Context, args map[string]any) busiface.Envelope {
			return simpleEventCall(args, func(eventID string) error { return d.scheduler.ApproveMeeting(eventID) })
		},
		"UnapproveMeeting": func(ctx context.Context, args map[string]any) busiface.Envelope {
			return simpleEventCall(args, func(eventID string) error { return d.scheduler.UnapproveMeeting(eventID) })
		},
		"SkipMeeting": func(ctx context.Context, args map[string]any) busiface.Envelope {
			return simpleEventCall(args, func(eventID string) error { return d.scheduler.SkipMeeting(eventID) })
		},
		"ForceJoin": func(ctx context.Context, args map[string]any) busiface.Envelope {
			return simpleEventCall(args, func(eventID string) error { return d.scheduler.ForceJoin(ctx, eventID) })
		},
		"LeaveMeeting": func(ctx context.Context, args map[string]any) busiface.Envelope {
			eventID, _ := args["event_id"].(string)
			d.scheduler.LeaveMeeting(eventID)
			return busiface.OK(nil)
		},
		"GetState": func(ctx context.Context, args map[string]any) busiface.Envelope {
			eventID, _ := args["event_id"].(string)
			m, found, err := d.scheduler.GetState(eventID)
			if err != nil {
				return busiface.Fail(err.Error())
			}
			return busiface.OK(map[string]any{"meeting": m, "found": found})
		},
		"GetParticipants": func(ctx context.Context, args map[string]any) busiface.Envelope {
			eventID, _ := args["event_id"].(string)
			participants, err := d.scheduler.GetParticipants(ctx, eventID)
			if err != nil {
				return busiface.Fail(err.Error())
			}
			return busiface.OK(map[string]any{"participants": participants})
		},
	}

	for name, handler := range methods {
		h := handler
		if err := busServer.RegisterMethod(name, func(ctx context.Context, argsJSON string) busiface.Envelope {
			args := decodeArgs(argsJSON)
			return h(ctx, args)
		}); err != nil {
			return err
		}
	}
	return nil
}

func decodeArgs(argsJSON string) map[string]any {
	var args map[string]any
	_ = json.Unmarshal([]byte(argsJSON), &args)
	return args
}

func simpleEventCall(args map[string]any, fn func(eventID string) error) busiface.Envelope {
	eventID, _ := args["event_id"].(string)
	if eventID == "" {
		return busiface.Fail("event_id is required")
	}
	if err := fn(eventID); err != nil {
		return busiface.Fail(err.Error())
	}
	return busiface.OK(nil)
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
	return 0
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

// daemon wires the calendar projection, join adapter, and meeting
// state machine into the harness lifecycle.
type daemon struct {
	cfg       *config.Config
	rt        paths.Runtime
	logger    *slog.Logger
	startedAt time.Time

	ckptDB       *sql.DB
	checkpointer *checkpoint.Checkpointer
	bus          *events.Bus

	meetingStore *meeting.Store
	calendar     *calendar.Client
	devices      *meeting.PulseDeviceAllocator
	joiner       *meeting.ProcessJoiner
	siblings     *meeting.SiblingOrchestrator
	scheduler    *meeting.MeetingScheduler

	watcher   *connwatch.Watcher
	publisher *mqtt.Publisher
	reporter  *telemetry.Reporter
	statePub  *statefile.Publisher

	calendarIDs []string
}

func (d *daemon) Startup(ctx context.Context, h *harness.Harness) error {
	if d.cfg.Calendar.Token == "" {
		return fmt.Errorf("calendar.token is required")
	}
	if d.cfg.Responder.Provider == "" {
		d.logger.Warn("no responder configured; meetings will still be transcribed via captions only")
	}
	if d.cfg.Credentials != "" {
		if err := store.VerifyCredentialsIntegrity(d.cfg.Credentials); err != nil {
			return fmt.Errorf("credentials integrity check: %w", err)
		}
	}

	meetingStore, err := meeting.NewStore(d.rt.DBPath())
	if err != nil {
		return fmt.Errorf("open meeting store: %w", err)
	}
	d.meetingStore = meetingStore

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

	d.bus = events.New()

	d.calendar = calendar.New(d.cfg.Calendar.Token, d.logger)
	d.watcher = connwatch.NewManager(d.logger).Watch(ctx, connwatch.WatcherConfig{
		Name:    "calendar",
		Probe:   d.calendar.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  d.logger,
	})

	for _, reg := range d.cfg.Calendar.Registrations {
		if reg.Enabled {
			d.calendarIDs = append(d.calendarIDs, reg.CalendarID)
		}
	}

	if d.cfg.Meeting.JoinHelperPath == "" {
		return fmt.Errorf("meeting.join_helper_path is required")
	}
	d.devices = meeting.NewPulseDeviceAllocator(meeting.PulseDeviceAllocatorConfig{
		VideoDevicePool: d.cfg.Meeting.VideoDevicePool,
	}, d.logger)
	d.joiner = meeting.NewProcessJoiner(meeting.ProcessJoinerConfig{
		HelperPath:     d.cfg.Meeting.JoinHelperPath,
		StartupTimeout: time.Duration(d.cfg.Meeting.JoinAttemptTimeoutSec) * time.Second,
	}, d.devices, d.logger)

	siblings, err := meeting.NewSiblingOrchestrator(d.logger)
	if err != nil {
		d.logger.Warn("sibling video daemon unavailable, continuing without video relay", "error", err)
	}
	d.siblings = siblings

	joinRetryDelays := make([]time.Duration, 0, len(d.cfg.Meeting.JoinRetryDelaysSec))
	for _, s := range d.cfg.Meeting.JoinRetryDelaysSec {
		joinRetryDelays = append(joinRetryDelays, time.Duration(s)*time.Second)
	}

	d.scheduler = meeting.New(meeting.SchedulerConfig{
		PreRoll:             time.Duration(d.cfg.Meeting.PreRollSec) * time.Second,
		Grace:               time.Duration(d.cfg.Meeting.GraceSec) * time.Second,
		TickInterval:        time.Duration(d.cfg.Meeting.TickIntervalSec) * time.Second,
		MaxConcurrentActive: d.cfg.Meeting.MaxConcurrentActive,
		JoinRetryDelays:     joinRetryDelays,
		JoinAttemptTimeout:  time.Duration(d.cfg.Meeting.JoinAttemptTimeoutSec) * time.Second,
		Instance: meeting.InstanceConfig{
			TranscriptFlushEvery: d.cfg.Meeting.TranscriptFlushEvery,
			TranscriptFlushSec:   time.Duration(d.cfg.Meeting.TranscriptFlushSec) * time.Second,
			Grace:                time.Duration(d.cfg.Meeting.GraceSec) * time.Second,
		},
	}, meetingStore, d.calendar, d.joiner, d.siblings, d.bus, d.logger)

	d.checkpointer.SetProviders(noopApprovalProvider{}, d.scheduler, noopWatermarkProvider{})

	d.statePub = statefile.New(d.rt.StateFilePath(), d.rt.StateDigestPath(), d.stateSource, d.logger)

	if d.cfg.Telemetry.Configured() {
		tokens := mqtt.NewDailyTokens(time.Local)
		d.publisher = mqtt.New(d.cfg.Telemetry, daemonName, tokens, d, d.logger)
		d.reporter = telemetry.New(d.cfg.Telemetry, daemonName, tokens, d, d.logger)
	}

	return nil
}

func (d *daemon) RunDaemon(ctx context.Context, h *harness.Harness) error {
	lookAhead := time.Duration(d.cfg.Calendar.LookAheadHours) * time.Hour
	if lookAhead <= 0 {
		lookAhead = 24 * time.Hour
	}
	d.scheduler.Start(ctx, lookAhead, d.calendarIDs)

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
	if d.scheduler != nil {
		d.scheduler.Stop()
	}
	if d.siblings != nil {
		_ = d.siblings.Close()
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
	if d.ckptDB != nil {
		_ = d.ckptDB.Close()
	}
	return nil
}

func (d *daemon) stats() any {
	out := map[string]any{"daemon": daemonName}
	if d.watcher != nil {
		out["calendar_reachable"] = d.watcher.IsReady()
	}
	return out
}

func (d *daemon) stateSource() statefile.State {
	status := "ok"
	var errs []string
	if d.watcher != nil && !d.watcher.IsReady() {
		status = "degraded"
		errs = append(errs, "calendar unreachable")
	}
	return statefile.State{
		UpdatedAt: time.Now(),
		Status:    status,
		Errors:    errs,
		Data: map[string]any{
			"uptime_seconds": time.Since(d.startedAt).Seconds(),
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

// noopApprovalProvider satisfies checkpoint.ApprovalProvider for
// meetingbot, which has no Slack approval queue of its own to report.
type noopApprovalProvider struct{}

func (noopApprovalProvider) CheckpointApprovals() []checkpoint.PendingApprovalSnapshot { return nil }

// noopWatermarkProvider satisfies checkpoint.WatermarkProvider for
// meetingbot, which tracks meeting state rather than Slack watermarks.
type noopWatermarkProvider struct{}

func (noopWatermarkProvider) CheckpointWatermarks() (map[string]string, error) { return nil, nil }
