// Package config handles botfleet daemon configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is overridden in tests to avoid finding real config
// files on developer/deploy machines.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order for the given
// daemon name. An explicit path (from the -config flag) is checked
// first by FindConfig. Then: ./config.yaml,
// ~/.config/botfleet/<daemon>.yaml, /config/config.yaml (container
// convention), /etc/botfleet/<daemon>.yaml.
func DefaultSearchPaths(daemon string) []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "botfleet", daemon+".yaml"))
	}

	paths = append(paths, "/config/config.yaml")
	paths = append(paths, filepath.Join("/etc/botfleet", daemon+".yaml"))
	return paths
}

// FindConfig locates a config file for the named daemon. If explicit is
// non-empty, it must exist. Otherwise searches DefaultSearchPaths(daemon)
// and returns the first path that exists.
func FindConfig(daemon, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc(daemon)
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found for %s (searched: %v)", daemon, paths)
}

// Config holds configuration shared by every botfleet daemon. Daemon
// binaries read only the sections relevant to them, but all daemons
// share one file format so an operator can keep one
// ~/.config/botfleet/<daemon>.yaml per process.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	DataDir     string            `yaml:"data_dir"`
	RuntimeDir  string            `yaml:"runtime_dir"`
	CacheDir    string            `yaml:"cache_dir"`
	LogLevel    string            `yaml:"log_level"`
	Credentials string            `yaml:"credentials_file"`
	Slack       SlackConfig       `yaml:"slack"`
	Calendar    CalendarConfig    `yaml:"calendar"`
	Meeting     MeetingConfig     `yaml:"meeting"`
	Sync        SyncConfig        `yaml:"sync"`
	CodeQuality CodeQualityConfig `yaml:"code_quality"`
	Telemetry   MQTTConfig        `yaml:"telemetry"`
	Responder   ResponderConfig   `yaml:"responder"`
}

// BusConfig controls the daemon's service-bus presence.
type BusConfig struct {
	// Enabled controls whether the daemon exports a bus object at all.
	// Disabling is intended for tests and the --no-dbus CLI flag.
	Enabled bool `yaml:"enabled"`
	// WatchdogSec is the systemd watchdog interval reported via
	// WATCHDOG_USEC; 0 disables watchdog notification.
	WatchdogSec int `yaml:"watchdog_sec"`
}

// SlackConfig configures the SlackListener and ApprovalQueue.
type SlackConfig struct {
	// Token authenticates against the Slack-shaped MessagingProvider.
	// SLACK_TOKEN, when set, overrides this value — never logged.
	Token string `yaml:"token"`
	// PollIntervalSec is the listener tick interval (default 7s).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// WatchedChannels lists channel IDs the listener pulls from.
	WatchedChannels []string `yaml:"watched_channels"`
	// MaxMessagesPerChannelPerTick bounds per-tick volume per channel.
	MaxMessagesPerChannelPerTick int `yaml:"max_messages_per_channel_per_tick"`
	// MaxConsecutiveErrors degrades health after this many failures (default 10).
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
	// SafeUserIDs / SafeHandles / SafeEmailDomains classify authors as "safe".
	SafeUserIDs      []string `yaml:"safe_user_ids"`
	SafeHandles      []string `yaml:"safe_handles"`
	SafeEmailDomains []string `yaml:"safe_email_domains"`
	// ConcernedUserIDs / ConcernedHandles classify authors as "concerned".
	ConcernedUserIDs []string `yaml:"concerned_user_ids"`
	ConcernedHandles []string `yaml:"concerned_handles"`
	// Keywords trigger matchedKeywords detection.
	Keywords []string `yaml:"keywords"`
	// AutoResponseChannels allow-lists channels for auto-reply when
	// classification is "safe"; empty means no channel auto-responds.
	AutoResponseChannels []string `yaml:"auto_response_channels"`
	// DeniedChannels are never acted on regardless of mode.
	DeniedChannels []string `yaml:"denied_channels"`
	// MaxPendingApprovals bounds the approval queue (default 100).
	MaxPendingApprovals int `yaml:"max_pending_approvals"`
	// HistorySize bounds the processed-record ring (default 1000).
	HistorySize int `yaml:"history_size"`
}

// CalendarConfig configures which calendars the meeting scheduler polls.
type CalendarConfig struct {
	Token       string               `yaml:"token"`
	Registrations []CalendarRegistration `yaml:"registrations"`
	// PollIntervalSec is the projection tick (default 60s).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// LookAheadHours bounds the projection window (default 24h).
	LookAheadHours int `yaml:"look_ahead_hours"`
}

// CalendarRegistration mirrors spec.md's CalendarRegistration entity.
type CalendarRegistration struct {
	CalendarID  string `yaml:"calendar_id"`
	DisplayName string `yaml:"display_name"`
	Enabled     bool   `yaml:"enabled"`
	AutoJoin    bool   `yaml:"auto_join"`
	BotMode     string `yaml:"bot_mode"`
}

// MeetingConfig configures the per-meeting state machine and sibling
// orchestration.
type MeetingConfig struct {
	// PreRollSec is the lead time before scheduledStart to begin joining (default 30s).
	PreRollSec int `yaml:"pre_roll_sec"`
	// GraceSec is the trailing time after scheduledEnd before auto-leave (default 300s).
	GraceSec int `yaml:"grace_sec"`
	// TickIntervalSec drives the state machine evaluation (default 5s).
	TickIntervalSec int `yaml:"tick_interval_sec"`
	// MaxConcurrentActive caps simultaneous active meetings (default 3).
	MaxConcurrentActive int `yaml:"max_concurrent_active"`
	// JoinRetryDelaysSec are the backoff delays between join attempts.
	JoinRetryDelaysSec []int `yaml:"join_retry_delays_sec"`
	// JoinAttemptTimeoutSec bounds each join attempt (default 45s).
	JoinAttemptTimeoutSec int `yaml:"join_attempt_timeout_sec"`
	// TranscriptFlushEvery / TranscriptFlushSec control buffer flush cadence.
	TranscriptFlushEvery int `yaml:"transcript_flush_every"`
	TranscriptFlushSec   int `yaml:"transcript_flush_sec"`
	// VideoBusName addresses the sibling video-relay daemon.
	VideoBusName string `yaml:"video_bus_name"`
	// JoinHelperPath is the executable invoked once per meeting to drive
	// the actual browser automation; see internal/meeting.ProcessJoiner.
	JoinHelperPath string `yaml:"join_helper_path"`
	// VideoDevicePool lists the v4l2loopback device paths available for
	// checkout, one per concurrently active meeting.
	VideoDevicePool []string `yaml:"video_device_pool"`
}

// SyncConfig configures the BackgroundSync cache warmer.
type SyncConfig struct {
	MaxMembersPerChannel int     `yaml:"max_members_per_channel"`
	MinDelaySeconds      float64 `yaml:"min_delay_seconds"`
	MaxDelaySeconds      float64 `yaml:"max_delay_seconds"`
	FullSweepIntervalHrs int     `yaml:"full_sweep_interval_hours"`
	SkipDMs              bool    `yaml:"skip_dms"`
	RateLimitBackoffSec  int     `yaml:"rate_limit_backoff_sec"`
	PhotoCacheDir        string  `yaml:"photo_cache_dir"`
}

// CodeQualityConfig configures the optional code-quality daemon.
type CodeQualityConfig struct {
	Enabled      bool     `yaml:"enabled"`
	GitHubToken  string   `yaml:"github_token"`
	BaseURL      string   `yaml:"base_url"` // GitHub Enterprise, optional
	Repositories []string `yaml:"repositories"`
	PollIntervalSec int   `yaml:"poll_interval_sec"`
}

// MQTTConfig configures the MQTT/Home-Assistant fleet telemetry
// publisher shared by every daemon that reports health/state over MQTT.
type MQTTConfig struct {
	Enabled            bool                 `yaml:"enabled"`
	Broker             string               `yaml:"broker"`
	Username           string               `yaml:"username"`
	Password           string               `yaml:"password"`
	DeviceName         string               `yaml:"device_name"`
	DiscoveryPrefix    string               `yaml:"discovery_prefix"`
	PublishIntervalSec int                  `yaml:"publish_interval_sec"`
	Subscriptions      []SubscriptionConfig `yaml:"subscriptions"`
}

// Configured reports whether the publisher has enough information to
// attempt a broker connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// SubscriptionConfig names an inbound MQTT topic filter the publisher
// subscribes to on every (re-)connect.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
}

// ResponderConfig configures the LLM-backed ResponseGenerator used for
// Slack auto-replies and code-quality review comments.
type ResponderConfig struct {
	Provider  string `yaml:"provider"` // "ollama" or "anthropic"
	Model     string `yaml:"model"`
	OllamaURL string `yaml:"ollama_url"`
	APIKey    string `yaml:"api_key"`
}

// Configured reports whether a responder can be built: the ollama
// provider needs no key, any other provider needs an API key.
func (c ResponderConfig) Configured() bool {
	return c.Provider == "ollama" || c.APIKey != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${SLACK_TOKEN}) for container
	// deployments; tokens are preferably supplied this way rather than
	// written into the file at all.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies the upper-snake-case environment variable
// overrides documented in the external-interfaces section: tokens are
// never required to live in the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SLACK_TOKEN"); v != "" {
		c.Slack.Token = v
	}
	if v := os.Getenv("CALENDAR_JPAT"); v != "" {
		c.Calendar.Token = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		c.CodeQuality.GitHubToken = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Responder.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// applyDefaults fills in zero-value fields with the defaults named
// throughout spec.md. After this, callers can read any field without
// checking for zero values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Slack.PollIntervalSec == 0 {
		c.Slack.PollIntervalSec = 7
	}
	if c.Slack.MaxMessagesPerChannelPerTick == 0 {
		c.Slack.MaxMessagesPerChannelPerTick = 50
	}
	if c.Slack.MaxConsecutiveErrors == 0 {
		c.Slack.MaxConsecutiveErrors = 10
	}
	if c.Slack.MaxPendingApprovals == 0 {
		c.Slack.MaxPendingApprovals = 100
	}
	if c.Slack.HistorySize == 0 {
		c.Slack.HistorySize = 1000
	}
	if c.Calendar.PollIntervalSec == 0 {
		c.Calendar.PollIntervalSec = 60
	}
	if c.Calendar.LookAheadHours == 0 {
		c.Calendar.LookAheadHours = 24
	}
	if c.Meeting.PreRollSec == 0 {
		c.Meeting.PreRollSec = 30
	}
	if c.Meeting.GraceSec == 0 {
		c.Meeting.GraceSec = 300
	}
	if c.Meeting.TickIntervalSec == 0 {
		c.Meeting.TickIntervalSec = 5
	}
	if c.Meeting.MaxConcurrentActive == 0 {
		c.Meeting.MaxConcurrentActive = 3
	}
	if len(c.Meeting.JoinRetryDelaysSec) == 0 {
		c.Meeting.JoinRetryDelaysSec = []int{5, 15, 45}
	}
	if c.Meeting.JoinAttemptTimeoutSec == 0 {
		c.Meeting.JoinAttemptTimeoutSec = 45
	}
	if c.Meeting.TranscriptFlushEvery == 0 {
		c.Meeting.TranscriptFlushEvery = 10
	}
	if c.Meeting.TranscriptFlushSec == 0 {
		c.Meeting.TranscriptFlushSec = 30
	}
	if c.Sync.MaxMembersPerChannel == 0 {
		c.Sync.MaxMembersPerChannel = 200
	}
	if c.Sync.MinDelaySeconds == 0 {
		c.Sync.MinDelaySeconds = 1.0
	}
	if c.Sync.MaxDelaySeconds == 0 {
		c.Sync.MaxDelaySeconds = 3.0
	}
	if c.Sync.FullSweepIntervalHrs == 0 {
		c.Sync.FullSweepIntervalHrs = 24
	}
	if c.Sync.RateLimitBackoffSec == 0 {
		c.Sync.RateLimitBackoffSec = 60
	}
	if c.CodeQuality.PollIntervalSec == 0 {
		c.CodeQuality.PollIntervalSec = 300
	}
	if c.Telemetry.DiscoveryPrefix == "" {
		c.Telemetry.DiscoveryPrefix = "homeassistant"
	}
	if c.Telemetry.PublishIntervalSec == 0 {
		c.Telemetry.PublishIntervalSec = 60
	}
	if c.Responder.OllamaURL == "" {
		c.Responder.OllamaURL = "http://localhost:11434"
	}
	if c.Responder.Provider == "" {
		c.Responder.Provider = "ollama"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Bus.WatchdogSec < 0 {
		return fmt.Errorf("bus.watchdog_sec must not be negative")
	}
	if c.Meeting.MaxConcurrentActive < 1 {
		return fmt.Errorf("meeting.max_concurrent_active must be at least 1")
	}
	return nil
}
