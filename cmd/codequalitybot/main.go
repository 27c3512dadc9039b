// Command codequalitybot polls configured GitHub repositories for open
// pull requests and posts an LLM-generated review comment on each one
// whose head commit hasn't been reviewed yet.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nugget/botfleet/internal/busiface"
	"github.com/nugget/botfleet/internal/config"
	"github.com/nugget/botfleet/internal/defaults"
	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/forge"
	"github.com/nugget/botfleet/internal/harness"
	"github.com/nugget/botfleet/internal/llm"
	"github.com/nugget/botfleet/internal/paths"
	"github.com/nugget/botfleet/internal/store"
)

const daemonName = "codequalitybot"

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
		BusName:       "com.github.botfleet.CodeQualityBot",
		ObjectPath:    dbus.ObjectPath("/com/github/botfleet/CodeQualityBot"),
		InterfaceName: "com.github.botfleet.CodeQualityBot",
	}

	if *statusFlag {
		return runStatus(busID, logger)
	}
	if *stopFlag {
		return runStop(busID, logger)
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

	d := &daemon{cfg: cfg, rt: rt, logger: logger}

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
	}

	if err := h.Run(context.Background(), d); err != nil {
		return 1
	}
	return 0
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

func runStatus(id busiface.Identity, logger *slog.Logger) int {
	client, err := busiface.NewClient(id, busiface.DefaultClientBackoff())
	if err != nil {
		logger.Error("failed to connect to session bus", "error", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]any
	if err := client.Call(ctx, "Status", "{}", &out); err != nil {
		fmt.Println("not running")
		return 1
	}
	fmt.Printf("%+v\n", out)
	return 0
}

func runStop(id busiface.Identity, logger *slog.Logger) int {
	client, err := busiface.NewClient(id, busiface.DefaultClientBackoff())
	if err != nil {
		logger.Error("failed to connect to session bus", "error", err)
		return 1
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out map[string]any
	if err := client.Call(ctx, "Stop", "{}", &out); err != nil {
		fmt.Println("not running")
		return 1
	}
	return 0
}

// daemon wires the code-quality reviewer into the harness lifecycle.
type daemon struct {
	cfg    *config.Config
	rt     paths.Runtime
	logger *slog.Logger

	st       *store.Store
	reviewer *forge.Reviewer
	bus      *events.Bus
	task     *harness.RobustPeriodicTask
}

func (d *daemon) Startup(ctx context.Context, h *harness.Harness) error {
	if !d.cfg.CodeQuality.Enabled {
		return fmt.Errorf("code_quality.enabled is false; nothing to do")
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

	accounts := forge.Config{Accounts: []forge.AccountConfig{{
		Name:     "default",
		Provider: "github",
		Token:    d.cfg.CodeQuality.GitHubToken,
		URL:      d.cfg.CodeQuality.BaseURL,
	}}}
	registry, err := forge.NewRegistry(accounts, nil)
	if err != nil {
		return fmt.Errorf("build forge registry: %w", err)
	}

	var llmClient llm.Client
	if d.cfg.Responder.Configured() {
		c, err := llm.NewClient(llm.Config{
			Provider:  d.cfg.Responder.Provider,
			Model:     d.cfg.Responder.Model,
			OllamaURL: d.cfg.Responder.OllamaURL,
			APIKey:    d.cfg.Responder.APIKey,
		}, d.logger)
		if err != nil {
			d.logger.Warn("llm client unavailable, reviewer will run in log-only mode", "error", err)
		} else {
			llmClient = c
		}
	}

	d.bus = events.New()
	d.reviewer = forge.NewReviewer(forge.ReviewerConfig{
		Repositories: d.cfg.CodeQuality.Repositories,
		Model:        d.cfg.Responder.Model,
	}, registry, llmClient, d.st, d.bus, d.logger)

	return nil
}

func (d *daemon) RunDaemon(ctx context.Context, h *harness.Harness) error {
	interval := time.Duration(d.cfg.CodeQuality.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	d.task = harness.StartPeriodicTask(ctx, harness.PeriodicTaskConfig{
		Name:           "code-quality-poll",
		Interval:       interval,
		Callback:       d.reviewer.Tick,
		RunImmediately: true,
		Logger:         d.logger,
	})

	<-ctx.Done()
	return nil
}

func (d *daemon) Shutdown(ctx context.Context, h *harness.Harness) error {
	if d.task != nil {
		d.task.Stop()
	}
	if d.st != nil {
		return d.st.Close()
	}
	return nil
}

func (d *daemon) stats() any {
	return map[string]any{"daemon": daemonName}
}
