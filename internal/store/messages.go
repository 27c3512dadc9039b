package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// MessageStatus is PendingSlackMessage's one-way lifecycle state.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusApproved MessageStatus = "approved"
	StatusRejected MessageStatus = "rejected"
	StatusSent     MessageStatus = "sent"
	StatusSkipped  MessageStatus = "skipped"
)

// PendingSlackMessage is the immutable inbound record described in
// spec.md §4: created once when the listener first observes a message,
// then transitioned through status exactly once.
type PendingSlackMessage struct {
	ID              string   `json:"id"` // channelId|timestamp
	ChannelID       string   `json:"channel_id"`
	ChannelName     string   `json:"channel_name"`
	UserID          string   `json:"user_id"`
	UserName        string   `json:"user_name"`
	Text            string   `json:"text"`
	ThreadParent    string   `json:"thread_parent,omitempty"`
	IsMention       bool     `json:"is_mention"`
	IsDM            bool     `json:"is_dm"`
	MatchedKeywords []string `json:"matched_keywords"`
	CreatedAt       string   `json:"created_at"`
	RawPayload      string   `json:"raw_payload,omitempty"`

	Status      MessageStatus `json:"status"`
	ProcessedAt string        `json:"processed_at,omitempty"`
}

// MessageID derives the canonical id for a channel/timestamp pair.
func MessageID(channelID, timestamp string) string {
	return channelID + "|" + timestamp
}

// InsertMessage records a newly observed message with status pending.
// Re-inserting an id that already exists is a no-op (INSERT OR IGNORE)
// — the listener may see the same message again before its tick
// advances the watermark past it.
func (s *Store) InsertMessage(m PendingSlackMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kw, err := json.Marshal(m.MatchedKeywords)
	if err != nil {
		return fmt.Errorf("store: marshal matched keywords: %w", err)
	}
	var threadParent any
	if m.ThreadParent != "" {
		threadParent = m.ThreadParent
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO pending_messages
			(id, channel_id, channel_name, user_id, user_name, text, thread_parent,
			 is_mention, is_dm, matched_keywords, created_at, raw_payload, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.ChannelName, m.UserID, m.UserName, m.Text, threadParent,
		boolToInt(m.IsMention), boolToInt(m.IsDM), string(kw), m.CreatedAt, m.RawPayload, string(m.Status),
	)
	return err
}

// UpdateMessageStatus performs the one-way status transition and
// stamps processed_at. Callers enforce which transitions are legal;
// the store itself does not validate the state machine.
func (s *Store) UpdateMessageStatus(id string, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE pending_messages SET status = ?, processed_at = ? WHERE id = ?`,
		string(status), nowRFC3339(), id,
	)
	return err
}

// Message looks up a single message by id.
func (s *Store) Message(id string) (PendingSlackMessage, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, channel_id, channel_name, user_id, user_name, text, thread_parent,
				is_mention, is_dm, matched_keywords, created_at, raw_payload, status,
				COALESCE(processed_at, '')
		 FROM pending_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return PendingSlackMessage{}, false, nil
	}
	if err != nil {
		return PendingSlackMessage{}, false, err
	}
	return m, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (PendingSlackMessage, error) {
	var m PendingSlackMessage
	var threadParent sql.NullString
	var isMention, isDM int
	var kw string
	if err := row.Scan(
		&m.ID, &m.ChannelID, &m.ChannelName, &m.UserID, &m.UserName, &m.Text, &threadParent,
		&isMention, &isDM, &kw, &m.CreatedAt, &m.RawPayload, &m.Status, &m.ProcessedAt,
	); err != nil {
		return m, err
	}
	m.ThreadParent = threadParent.String
	m.IsMention = isMention != 0
	m.IsDM = isDM != 0
	_ = json.Unmarshal([]byte(kw), &m.MatchedKeywords)
	return m, nil
}

// PurgeProcessedMessages removes terminal-status rows older than
// olderThan, per spec.md §4.4's 24h default retention. Timestamps are
// stored at one-second resolution, so a row stamped in the cutoff's own
// second counts as older than the cutoff.
func (s *Store) PurgeProcessedMessages(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339)
	res, err := s.db.Exec(
		`DELETE FROM pending_messages
		 WHERE status IN ('sent', 'rejected', 'skipped') AND processed_at IS NOT NULL AND processed_at <= ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IsNotified reports whether messageTS in channelID already has a
// notification-dedup record.
func (s *Store) IsNotified(channelID, messageTS string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM notified_messages WHERE channel_id = ? AND message_ts = ?`,
		channelID, messageTS,
	).Scan(&count)
	return count > 0, err
}

// MarkNotified records that messageTS in channelID has triggered a
// desktop/alert notification, so it is not repeated across restarts.
func (s *Store) MarkNotified(channelID, messageTS string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO notified_messages (message_ts, channel_id, notified_at) VALUES (?, ?, ?)`,
		messageTS, channelID, nowRFC3339(),
	)
	return err
}

// PurgeNotified removes dedup rows older than olderThan, per spec.md
// §4.4's 1h default retention. As in PurgeProcessedMessages, a row
// stamped in the cutoff's own second counts as older than the cutoff.
func (s *Store) PurgeNotified(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM notified_messages WHERE notified_at <= ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
