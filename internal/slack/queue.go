package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/botfleet/internal/checkpoint"
	"github.com/nugget/botfleet/internal/events"
	"github.com/nugget/botfleet/internal/store"
)

// ApprovalRecord mirrors a PendingSlackMessage augmented with a
// generated response, per spec.md §4's "ApprovalRecord (in-memory)".
type ApprovalRecord struct {
	Message        store.PendingSlackMessage `json:"message"`
	Response       string                    `json:"response"`
	Intent         string                    `json:"intent"`
	Classification Classification            `json:"classification"`
}

// ApprovalOutcome is one item's result from ApproveAll's partial-
// success report.
type ApprovalOutcome struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ApprovalQueue holds proposed responses for human review and gates
// their delivery, per spec.md §4.6. Enqueue/Approve/Reject/ApproveAll
// serialize on mu; the actual provider send happens outside the lock so
// a slow network call cannot stall queue reads.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending []ApprovalRecord
	history []ApprovalRecord

	maxPending int
	maxHistory int

	provider MessagingProvider
	store    *store.Store
	bus      *events.Bus
	logger   *slog.Logger
}

// NewApprovalQueue creates a queue bounded to maxPending entries with a
// maxHistory-entry ring of processed records.
func NewApprovalQueue(maxPending, maxHistory int, provider MessagingProvider, st *store.Store, bus *events.Bus, logger *slog.Logger) *ApprovalQueue {
	if maxPending <= 0 {
		maxPending = 100
	}
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalQueue{maxPending: maxPending, maxHistory: maxHistory, provider: provider, store: st, bus: bus, logger: logger}
}

// Enqueue inserts record at the tail. If the queue is already at
// capacity, the oldest pending record is evicted and a warning logged,
// per spec.md §4.6.
func (q *ApprovalQueue) Enqueue(record ApprovalRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.maxPending {
		evicted := q.pending[0]
		q.pending = q.pending[1:]
		q.logger.Warn("approval queue at capacity, evicting oldest pending record", "evicted_id", evicted.Message.ID)
	}
	q.pending = append(q.pending, record)
	q.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceApproval,
		Kind: events.KindApprovalQueued, Data: map[string]any{"approval_id": record.Message.ID, "channel": record.Message.ChannelID}})
}

// GetPending returns a snapshot of the current pending records.
func (q *ApprovalQueue) GetPending() []ApprovalRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ApprovalRecord, len(q.pending))
	copy(out, q.pending)
	return out
}

// GetHistory returns up to limit most-recent processed records.
func (q *ApprovalQueue) GetHistory(limit int) []ApprovalRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.history) {
		limit = len(q.history)
	}
	out := make([]ApprovalRecord, limit)
	copy(out, q.history[len(q.history)-limit:])
	return out
}

// Approve sends record's response through the provider and transitions
// it to sent. On send failure the record is left in the pending queue.
func (q *ApprovalQueue) Approve(ctx context.Context, id string) (ApprovalRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	record, ok := q.take(id)
	if !ok {
		return ApprovalRecord{}, fmt.Errorf("slack: no pending approval with id %q", id)
	}

	err := q.provider.SendMessage(ctx, record.Message.ChannelID, record.Response, record.Message.ThreadParent)
	if err != nil {
		q.mu.Lock()
		q.pending = append(q.pending, record)
		q.mu.Unlock()
		return ApprovalRecord{}, err
	}

	record.Message.Status = store.StatusSent
	q.finish(record)
	return record, nil
}

// Reject marks record rejected without sending it.
func (q *ApprovalQueue) Reject(id string) (ApprovalRecord, error) {
	record, ok := q.take(id)
	if !ok {
		return ApprovalRecord{}, fmt.Errorf("slack: no pending approval with id %q", id)
	}
	record.Message.Status = store.StatusRejected
	q.finish(record)
	return record, nil
}

// ApproveAll approves every currently pending record, reporting
// per-item outcomes, under a 60s overall deadline per spec.md §4.6.
func (q *ApprovalQueue) ApproveAll(ctx context.Context) []ApprovalOutcome {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ids := make([]string, 0)
	for _, r := range q.GetPending() {
		ids = append(ids, r.Message.ID)
	}

	outcomes := make([]ApprovalOutcome, 0, len(ids))
	for _, id := range ids {
		if _, err := q.Approve(ctx, id); err != nil {
			outcomes = append(outcomes, ApprovalOutcome{ID: id, Success: false, Error: err.Error()})
		} else {
			outcomes = append(outcomes, ApprovalOutcome{ID: id, Success: true})
		}
	}
	return outcomes
}

func (q *ApprovalQueue) take(id string) (ApprovalRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, r := range q.pending {
		if r.Message.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return r, true
		}
	}
	return ApprovalRecord{}, false
}

func (q *ApprovalQueue) finish(record ApprovalRecord) {
	if q.store != nil {
		if err := q.store.UpdateMessageStatus(record.Message.ID, record.Message.Status); err != nil {
			q.logger.Warn("failed to persist approval status", "id", record.Message.ID, "error", err)
		}
	}

	q.mu.Lock()
	q.history = append(q.history, record)
	if len(q.history) > q.maxHistory {
		q.history = q.history[len(q.history)-q.maxHistory:]
	}
	q.mu.Unlock()

	q.bus.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceApproval,
		Kind: events.KindApprovalResolved, Data: map[string]any{"approval_id": record.Message.ID, "outcome": string(record.Message.Status)}})
}

// PendingCount returns the current pending-queue size, for fleet
// telemetry sensors.
func (q *ApprovalQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CheckpointApprovals implements checkpoint.ApprovalProvider, reporting
// the pending queue's identifying fields without message text.
func (q *ApprovalQueue) CheckpointApprovals() []checkpoint.PendingApprovalSnapshot {
	pending := q.GetPending()
	out := make([]checkpoint.PendingApprovalSnapshot, len(pending))
	for i, r := range pending {
		createdAt, _ := time.Parse(time.RFC3339, r.Message.CreatedAt)
		out[i] = checkpoint.PendingApprovalSnapshot{
			ID: r.Message.ID, ChannelID: r.Message.ChannelID, UserID: r.Message.UserID, CreatedAt: createdAt,
		}
	}
	return out
}
