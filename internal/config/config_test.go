package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp/botfleet\n"), 0600)

	got, err := FindConfig("slackbot", path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("slackbot", "/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Override searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (~/.config/botfleet/*.yaml, etc).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func(daemon string) []string {
		return []string{filepath.Join(dir, daemon+".yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("slackbot", "")
	if err == nil {
		t.Fatal(`FindConfig("slackbot", "") with no config files should error`)
	}
}

func TestFindConfig_SearchPathFound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meetingbot.yaml")
	os.WriteFile(path, []byte("data_dir: /tmp\n"), 0600)

	orig := searchPathsFunc
	searchPathsFunc = func(daemon string) []string {
		return []string{path}
	}
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("meetingbot", "")
	if err != nil {
		t.Fatalf("FindConfig error: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig() = %q, want %q", got, path)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("slack:\n  token: ${BOTFLEET_TEST_TOKEN}\n"), 0600)
	os.Setenv("BOTFLEET_TEST_TOKEN", "secret123")
	defer os.Unsetenv("BOTFLEET_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Slack.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Slack.Token, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("responder:\n  api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Responder.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.Responder.APIKey, "sk-ant-test-key")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("slack:\n  token: from-file\n"), 0600)
	os.Setenv("SLACK_TOKEN", "from-env")
	defer os.Unsetenv("SLACK_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Slack.Token != "from-env" {
		t.Errorf("token = %q, want %q (env should win)", cfg.Slack.Token, "from-env")
	}
}

func TestApplyDefaults_SlackPollInterval(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if cfg.Slack.PollIntervalSec != 7 {
		t.Errorf("expected default poll_interval_sec 7, got %d", cfg.Slack.PollIntervalSec)
	}
	if cfg.Slack.MaxPendingApprovals != 100 {
		t.Errorf("expected default max_pending_approvals 100, got %d", cfg.Slack.MaxPendingApprovals)
	}
}

func TestApplyDefaults_MeetingTunables(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if cfg.Meeting.PreRollSec != 30 {
		t.Errorf("expected default pre_roll_sec 30, got %d", cfg.Meeting.PreRollSec)
	}
	if cfg.Meeting.GraceSec != 300 {
		t.Errorf("expected default grace_sec 300, got %d", cfg.Meeting.GraceSec)
	}
	if len(cfg.Meeting.JoinRetryDelaysSec) != 3 {
		t.Errorf("expected 3 default join retry delays, got %v", cfg.Meeting.JoinRetryDelaysSec)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Meeting.MaxConcurrentActive = 7
	cfg.applyDefaults()
	if cfg.Meeting.MaxConcurrentActive != 7 {
		t.Errorf("explicit value overwritten: got %d, want 7", cfg.Meeting.MaxConcurrentActive)
	}
}

func TestValidate_MaxConcurrentActiveZero(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Meeting.MaxConcurrentActive = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for max_concurrent_active of 0")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "not-a-level"}
	cfg.applyDefaults()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
}

func TestValidate_WatchdogNegative(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Bus.WatchdogSec = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for negative watchdog_sec")
	}
}

func TestResponderConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  ResponderConfig
		want bool
	}{
		{"ollama always configured", ResponderConfig{Provider: "ollama"}, true},
		{"anthropic with key", ResponderConfig{Provider: "anthropic", APIKey: "sk-ant-x"}, true},
		{"anthropic without key", ResponderConfig{Provider: "anthropic"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
