package meeting

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists ScheduledMeeting/MeetingSession/TranscriptEntry rows
// in SQLite. migrate() creates the schema from a single SQL string, and
// session participants are stored as JSON in a TEXT column.
type Store struct {
	db *sql.DB
}

// NewStore opens a meeting store at dbPath, creating its schema if
// necessary.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("meeting store: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("meeting store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_meetings (
		event_id        TEXT PRIMARY KEY,
		calendar_id     TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		organizer       TEXT NOT NULL DEFAULT '',
		scheduled_start TEXT NOT NULL,
		scheduled_end   TEXT NOT NULL,
		meet_url        TEXT NOT NULL DEFAULT '',
		mode            TEXT NOT NULL DEFAULT 'ask',
		state           TEXT NOT NULL DEFAULT 'scheduled',
		error_reason    TEXT NOT NULL DEFAULT '',
		session_id      TEXT NOT NULL DEFAULT '',
		updated_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_meetings_state ON scheduled_meetings(state);

	CREATE TABLE IF NOT EXISTS meeting_sessions (
		id            TEXT PRIMARY KEY,
		event_id      TEXT NOT NULL,
		meet_url      TEXT NOT NULL DEFAULT '',
		joined_at     TEXT,
		actual_end    TEXT,
		participants  TEXT NOT NULL DEFAULT '[]',
		annotation    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_meeting_sessions_event_id ON meeting_sessions(event_id);

	CREATE TABLE IF NOT EXISTS transcript_entries (
		session_id TEXT NOT NULL,
		speaker    TEXT NOT NULL DEFAULT '',
		text       TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transcript_entries_session ON transcript_entries(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertMeeting inserts or updates a scheduled meeting's projection
// fields. Callers enforce the "not if terminal" rule from spec.md
// §4.8.1 before calling this.
func (s *Store) UpsertMeeting(m ScheduledMeeting) error {
	m.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO scheduled_meetings
			(event_id, calendar_id, title, organizer, scheduled_start, scheduled_end, meet_url, mode, state, error_reason, session_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET
			title = excluded.title, organizer = excluded.organizer,
			scheduled_start = excluded.scheduled_start, scheduled_end = excluded.scheduled_end,
			meet_url = excluded.meet_url, mode = excluded.mode, state = excluded.state,
			error_reason = excluded.error_reason, session_id = excluded.session_id, updated_at = excluded.updated_at`,
		m.EventID, m.CalendarID, m.Title, m.Organizer,
		m.ScheduledStart.UTC().Format(time.RFC3339), m.ScheduledEnd.UTC().Format(time.RFC3339),
		m.MeetURL, string(m.Mode), string(m.State), m.ErrorReason, m.SessionID, m.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// Meeting looks up a scheduled meeting by event ID.
func (s *Store) Meeting(eventID string) (ScheduledMeeting, bool, error) {
	row := s.db.QueryRow(
		`SELECT event_id, calendar_id, title, organizer, scheduled_start, scheduled_end,
				meet_url, mode, state, error_reason, session_id, updated_at
		 FROM scheduled_meetings WHERE event_id = ?`, eventID)
	m, err := scanMeeting(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledMeeting{}, false, nil
	}
	return m, err == nil, err
}

// NonTerminalMeetings returns every meeting not yet in a terminal
// state, ordered by scheduledStart then eventId (the scheduler's
// evaluation tie-break from spec.md §4.8.2).
func (s *Store) NonTerminalMeetings() ([]ScheduledMeeting, error) {
	rows, err := s.db.Query(
		`SELECT event_id, calendar_id, title, organizer, scheduled_start, scheduled_end,
				meet_url, mode, state, error_reason, session_id, updated_at
		 FROM scheduled_meetings
		 WHERE state NOT IN ('completed', 'skipped', 'error')
		 ORDER BY scheduled_start ASC, event_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledMeeting
	for rows.Next() {
		m, err := scanMeetingRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountActive returns how many meetings currently hold state active.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM scheduled_meetings WHERE state = 'active'`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (ScheduledMeeting, error) {
	return scanMeetingRows(row)
}

func scanMeetingRows(row rowScanner) (ScheduledMeeting, error) {
	var m ScheduledMeeting
	var start, end, updatedAt, mode, state string
	if err := row.Scan(&m.EventID, &m.CalendarID, &m.Title, &m.Organizer, &start, &end,
		&m.MeetURL, &mode, &state, &m.ErrorReason, &m.SessionID, &updatedAt); err != nil {
		return m, err
	}
	m.ScheduledStart, _ = time.Parse(time.RFC3339, start)
	m.ScheduledEnd, _ = time.Parse(time.RFC3339, end)
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	m.Mode = BotMode(mode)
	m.State = State(state)
	return m, nil
}

// CreateSession persists a new MeetingSession.
func (s *Store) CreateSession(sess MeetingSession) error {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return err
	}
	var joinedAt, actualEnd any
	if sess.JoinedAt != nil {
		joinedAt = sess.JoinedAt.UTC().Format(time.RFC3339)
	}
	if sess.ActualEnd != nil {
		actualEnd = sess.ActualEnd.UTC().Format(time.RFC3339)
	}
	_, err = s.db.Exec(
		`INSERT INTO meeting_sessions (id, event_id, meet_url, joined_at, actual_end, participants, annotation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.EventID, sess.MeetURL, joinedAt, actualEnd, string(participants), sess.Annotation,
	)
	return err
}

// CompleteSession stamps a session's end and annotation.
func (s *Store) CompleteSession(id string, end time.Time, annotation string) error {
	_, err := s.db.Exec(
		`UPDATE meeting_sessions SET actual_end = ?, annotation = ? WHERE id = ?`,
		end.UTC().Format(time.RFC3339), annotation, id,
	)
	return err
}

// AppendTranscript inserts one transcript entry.
func (s *Store) AppendTranscript(e TranscriptEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO transcript_entries (session_id, speaker, text, at) VALUES (?, ?, ?, ?)`,
		e.SessionID, e.Speaker, e.Text, e.At.UTC().Format(time.RFC3339),
	)
	return err
}

// Transcript returns up to limit entries for a session in capture
// order.
func (s *Store) Transcript(sessionID string, limit int) ([]TranscriptEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(
		`SELECT session_id, speaker, text, at FROM transcript_entries WHERE session_id = ? ORDER BY at ASC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var e TranscriptEntry
		var at string
		if err := rows.Scan(&e.SessionID, &e.Speaker, &e.Text, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, e)
	}
	return out, rows.Err()
}
