package checkpoint

import (
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type mockApprovalProvider struct {
	approvals []PendingApprovalSnapshot
}

func (m *mockApprovalProvider) CheckpointApprovals() []PendingApprovalSnapshot {
	return m.approvals
}

type mockMeetingProvider struct {
	meetings []ActiveMeetingSnapshot
}

func (m *mockMeetingProvider) CheckpointMeetings() []ActiveMeetingSnapshot {
	return m.meetings
}

func newTestCheckpointer(t *testing.T) *Checkpointer {
	t.Helper()
	tmpDB, err := os.CreateTemp("", "checkpoint-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpDB.Close()
	t.Cleanup(func() { os.Remove(tmpDB.Name()) })

	db, err := sql.Open("sqlite3", tmpDB.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cp, err := NewCheckpointer(db, Config{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return cp
}

func TestGetStartupStatus_Empty(t *testing.T) {
	cp := newTestCheckpointer(t)
	cp.SetProviders(&mockApprovalProvider{}, &mockMeetingProvider{}, nil)

	status, err := cp.GetStartupStatus()
	if err != nil {
		t.Fatalf("GetStartupStatus failed: %v", err)
	}
	if status.LastCheckpoint != nil {
		t.Error("expected nil LastCheckpoint with no prior checkpoint")
	}
}

func TestCreate_CapturesProviderCounts(t *testing.T) {
	cp := newTestCheckpointer(t)
	cp.SetProviders(
		&mockApprovalProvider{approvals: []PendingApprovalSnapshot{
			{ID: "C1|1", ChannelID: "C1", UserID: "U1", CreatedAt: time.Now()},
			{ID: "C1|2", ChannelID: "C1", UserID: "U2", CreatedAt: time.Now()},
		}},
		&mockMeetingProvider{meetings: []ActiveMeetingSnapshot{
			{EventID: "evt-1", SessionID: "sess-1", JoinedAt: time.Now()},
		}},
		nil,
	)

	created, err := cp.Create(TriggerManual, "test")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.PendingApprovalCount != 2 {
		t.Errorf("expected 2 pending approvals, got %d", created.PendingApprovalCount)
	}
	if created.ActiveMeetingCount != 1 {
		t.Errorf("expected 1 active meeting, got %d", created.ActiveMeetingCount)
	}

	status, err := cp.GetStartupStatus()
	if err != nil {
		t.Fatalf("GetStartupStatus failed: %v", err)
	}
	if status.LastCheckpoint == nil {
		t.Fatal("expected a last checkpoint after Create")
	}
	if status.LastPendingApprovals != 2 || status.LastActiveMeetings != 1 {
		t.Errorf("unexpected startup status: %+v", status)
	}
}

func TestOnMessage_TriggersPeriodicCheckpointAtThreshold(t *testing.T) {
	tmpDB, err := os.CreateTemp("", "checkpoint-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpDB.Close()
	t.Cleanup(func() { os.Remove(tmpDB.Name()) })

	db, err := sql.Open("sqlite3", tmpDB.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cp, err := NewCheckpointer(db, Config{PeriodicMessages: 2}, logger)
	if err != nil {
		t.Fatal(err)
	}
	cp.SetProviders(nil, nil, nil)

	cp.OnMessage()
	cp.OnMessage() // fires asynchronously

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		latest, err := cp.Latest()
		if err != nil {
			t.Fatal(err)
		}
		if latest != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a periodic checkpoint to have been created")
}
