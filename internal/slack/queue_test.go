package slack

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/store"
)

type fakeProvider struct {
	mu       sync.Mutex
	sent     []string
	failNext bool
}

func (f *fakeProvider) FetchMessages(ctx context.Context, channelID, sinceTS string, limit int) ([]RawMessage, error) {
	return nil, nil
}
func (f *fakeProvider) SendMessage(ctx context.Context, channelID, text, threadParent string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("send failed")
	}
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeProvider) ResolveUser(ctx context.Context, userID string) (UserInfo, error) {
	return UserInfo{ID: userID}, nil
}
func (f *fakeProvider) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	return nil, nil
}
func (f *fakeProvider) ConversationInfo(ctx context.Context, channelID string) (ConversationInfo, error) {
	return ConversationInfo{ID: channelID}, nil
}
func (f *fakeProvider) ConversationMembers(ctx context.Context, channelID string, limit int) ([]string, error) {
	return nil, nil
}
func (f *fakeProvider) DownloadAvatar(ctx context.Context, url string) ([]byte, error) {
	return nil, nil
}

func newTestQueue(t *testing.T, maxPending int) (*ApprovalQueue, *fakeProvider) {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/queue.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	fp := &fakeProvider{}
	return NewApprovalQueue(maxPending, 1000, fp, s, events.New(), nil), fp
}

func record(id string) ApprovalRecord {
	return ApprovalRecord{Message: store.PendingSlackMessage{ID: id, ChannelID: "C1", Status: store.StatusPending}, Response: "hi"}
}

func TestApprovalQueue_EnqueueEvictsOldestAtCapacity(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	q.Enqueue(record("a"))
	q.Enqueue(record("b"))
	q.Enqueue(record("c"))

	pending := q.GetPending()
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	for _, r := range pending {
		if r.Message.ID == "a" {
			t.Fatal("evicted record 'a' still present in GetPending()")
		}
	}
}

func TestApprovalQueue_ApproveSendsAndTransitions(t *testing.T) {
	q, fp := newTestQueue(t, 10)
	q.Enqueue(record("a"))

	got, err := q.Approve(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Message.Status != store.StatusSent {
		t.Errorf("Status = %v, want sent", got.Message.Status)
	}
	if len(fp.sent) != 1 || fp.sent[0] != "hi" {
		t.Errorf("sent = %v", fp.sent)
	}
	if len(q.GetPending()) != 0 {
		t.Error("record still pending after approve")
	}
}

func TestApprovalQueue_ApproveFailureLeavesRecordPending(t *testing.T) {
	q, fp := newTestQueue(t, 10)
	fp.failNext = true
	q.Enqueue(record("a"))

	if _, err := q.Approve(context.Background(), "a"); err == nil {
		t.Fatal("expected error from failing send")
	}
	if len(q.GetPending()) != 1 {
		t.Fatal("record should remain pending after failed send")
	}
}

func TestApprovalQueue_RejectDoesNotSend(t *testing.T) {
	q, fp := newTestQueue(t, 10)
	q.Enqueue(record("a"))

	got, err := q.Reject("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Message.Status != store.StatusRejected {
		t.Errorf("Status = %v, want rejected", got.Message.Status)
	}
	if len(fp.sent) != 0 {
		t.Error("Reject should not call SendMessage")
	}
}

func TestApprovalQueue_ApproveAllReportsPartialSuccess(t *testing.T) {
	q, fp := newTestQueue(t, 10)
	q.Enqueue(record("a"))
	q.Enqueue(record("b"))
	fp.failNext = true // first Approve inside ApproveAll fails

	outcomes := q.ApproveAll(context.Background())
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	successCount := 0
	for _, o := range outcomes {
		if o.Success {
			successCount++
		}
	}
	if successCount != 1 {
		t.Fatalf("successCount = %d, want 1", successCount)
	}
}
