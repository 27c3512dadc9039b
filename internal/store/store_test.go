package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWatermark_AbsentChannelIsEmpty(t *testing.T) {
	s := openTestStore(t)
	ts, err := s.Watermark("C1")
	if err != nil || ts != "" {
		t.Fatalf("Watermark() = %q, %v, want empty, nil", ts, err)
	}
}

func TestWatermark_AdvanceAndRead(t *testing.T) {
	s := openTestStore(t)
	if err := s.AdvanceWatermark("C1", "general", "1000.0001"); err != nil {
		t.Fatal(err)
	}
	ts, err := s.Watermark("C1")
	if err != nil || ts != "1000.0001" {
		t.Fatalf("Watermark() = %q, %v", ts, err)
	}
	if err := s.AdvanceWatermark("C1", "general", "1000.0002"); err != nil {
		t.Fatal(err)
	}
	ts, _ = s.Watermark("C1")
	if ts != "1000.0002" {
		t.Fatalf("Watermark() after second advance = %q", ts)
	}
}

func TestInsertMessage_StatusTransition(t *testing.T) {
	s := openTestStore(t)
	m := PendingSlackMessage{
		ID: MessageID("C1", "1000.0001"), ChannelID: "C1", UserID: "U1",
		Text: "hello", CreatedAt: "1000.0001", Status: StatusPending,
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Message(m.ID)
	if err != nil || !ok {
		t.Fatalf("Message() ok=%v err=%v", ok, err)
	}
	if got.Status != StatusPending {
		t.Fatalf("Status = %v, want pending", got.Status)
	}

	if err := s.UpdateMessageStatus(m.ID, StatusSent); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Message(m.ID)
	if got.Status != StatusSent || got.ProcessedAt == "" {
		t.Fatalf("after transition: status=%v processedAt=%q", got.Status, got.ProcessedAt)
	}
}

func TestNotifiedMessages_DedupAndPurge(t *testing.T) {
	s := openTestStore(t)
	notified, err := s.IsNotified("C1", "1000.0001")
	if err != nil || notified {
		t.Fatalf("IsNotified() = %v, %v, want false, nil", notified, err)
	}
	if err := s.MarkNotified("C1", "1000.0001"); err != nil {
		t.Fatal(err)
	}
	notified, err = s.IsNotified("C1", "1000.0001")
	if err != nil || !notified {
		t.Fatalf("IsNotified() after mark = %v, %v, want true, nil", notified, err)
	}

	n, err := s.PurgeNotified(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("PurgeNotified() removed %d rows, want 1", n)
	}
}

func TestCacheChannels_BulkUpsert(t *testing.T) {
	s := openTestStore(t)
	if err := s.CacheChannels([]CachedChannel{
		{ID: "C1", Name: "alpha"},
		{ID: "C2", Name: "beta"},
	}); err != nil {
		t.Fatal(err)
	}
	c, ok, err := s.Channel("C1")
	if err != nil || !ok || c.Name != "alpha" {
		t.Fatalf("Channel(C1) = %+v, ok=%v, err=%v", c, ok, err)
	}

	if err := s.CacheChannels([]CachedChannel{{ID: "C1", Name: "alpha-renamed"}}); err != nil {
		t.Fatal(err)
	}
	c, _, _ = s.Channel("C1")
	if c.Name != "alpha-renamed" {
		t.Fatalf("Channel(C1).Name = %q after re-upsert, want alpha-renamed", c.Name)
	}
}

func TestResolveTarget_ChannelUserUnknown(t *testing.T) {
	s := openTestStore(t)
	if err := s.CacheChannels([]CachedChannel{{ID: "C1", Name: "alpha"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.CacheUsers([]CachedUser{{ID: "U1", Name: "bob", Handle: "bob"}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ResolveTarget("#alpha")
	if err != nil || got.Type != "channel" || got.ID != "C1" || !got.Found {
		t.Fatalf("ResolveTarget(#alpha) = %+v, err=%v", got, err)
	}

	got, err = s.ResolveTarget("@bob")
	if err != nil || got.Type != "user" || got.ID != "U1" || !got.Found {
		t.Fatalf("ResolveTarget(@bob) = %+v, err=%v", got, err)
	}

	got, err = s.ResolveTarget("@nobody")
	if err != nil || got.Type != "unknown" || got.Found {
		t.Fatalf("ResolveTarget(@nobody) = %+v, err=%v", got, err)
	}
}

func TestResolveTarget_StableAcrossCalls(t *testing.T) {
	s := openTestStore(t)
	if err := s.CacheChannels([]CachedChannel{{ID: "C1", Name: "alpha"}}); err != nil {
		t.Fatal(err)
	}
	first, err := s.ResolveTarget("#alpha")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.ResolveTarget("#alpha")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("ResolveTarget not stable: %+v != %+v", first, second)
	}
}

func TestFuzzyChannels_ThresholdFiltersWeakMatches(t *testing.T) {
	s := openTestStore(t)
	if err := s.CacheChannels([]CachedChannel{
		{ID: "C1", Name: "engineering"},
		{ID: "C2", Name: "random"},
	}); err != nil {
		t.Fatal(err)
	}
	matches, err := s.FuzzyChannels("enginering", 0.7, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "C1" {
		t.Fatalf("FuzzyChannels() = %+v, want single match on C1", matches)
	}
}

func TestLCSRatio_IdenticalIsOne(t *testing.T) {
	if got := lcsRatio("alpha", "alpha"); got != 1.0 {
		t.Errorf("lcsRatio(alpha, alpha) = %v, want 1.0", got)
	}
	if got := lcsRatio("", "alpha"); got != 0 {
		t.Errorf("lcsRatio(\"\", alpha) = %v, want 0", got)
	}
}

func TestPurge_RemovesOldProcessedMessages(t *testing.T) {
	s := openTestStore(t)
	m := PendingSlackMessage{ID: "C1|1", ChannelID: "C1", CreatedAt: "1", Status: StatusPending}
	if err := s.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMessageStatus(m.ID, StatusSent); err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeProcessedMessages(0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("PurgeProcessedMessages() removed %d, want 1", n)
	}
	if _, ok, _ := s.Message(m.ID); ok {
		t.Fatal("message still present after purge")
	}
}

func TestMetadata_SetAndGet(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetMetadata("last_sweep", time.Now().Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}
	v, err := s.Metadata("last_sweep")
	if err != nil || v == "" {
		t.Fatalf("Metadata() = %q, %v", v, err)
	}
}
