package paths

import (
	"path/filepath"
	"testing"
)

func TestNewRuntime_Defaults(t *testing.T) {
	r := NewRuntime("slackbot", "", "", "")
	if r.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", r.DataDir)
	}
	if r.RuntimeDir == "" {
		t.Error("RuntimeDir should not be empty")
	}
}

func TestRuntime_Paths(t *testing.T) {
	r := NewRuntime("meetingbot", "/run/botfleet", "/var/lib/botfleet", "/var/cache/botfleet")
	if got, want := r.LockPath(), filepath.Join("/run/botfleet", "meetingbot.lock"); got != want {
		t.Errorf("LockPath() = %q, want %q", got, want)
	}
	if got, want := r.PIDPath(), filepath.Join("/run/botfleet", "meetingbot.pid"); got != want {
		t.Errorf("PIDPath() = %q, want %q", got, want)
	}
	if got, want := r.DBPath(), filepath.Join("/var/lib/botfleet", "meetingbot.db"); got != want {
		t.Errorf("DBPath() = %q, want %q", got, want)
	}
	if got, want := r.SnapshotDir(), filepath.Join("/var/lib/botfleet", "snapshots"); got != want {
		t.Errorf("SnapshotDir() = %q, want %q", got, want)
	}
}

func TestRuntime_EnsureDirs(t *testing.T) {
	dir := t.TempDir()
	r := NewRuntime("codequalitybot", filepath.Join(dir, "run"), filepath.Join(dir, "data"), filepath.Join(dir, "cache"))
	if err := r.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error: %v", err)
	}
}
