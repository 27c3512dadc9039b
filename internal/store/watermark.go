package store

import "database/sql"

// Watermark reports the stored high-water mark for a channel. Absent
// channels return an empty timestamp — callers treat that as "seed
// silently from whatever arrives first" per spec.md §4.5.
func (s *Store) Watermark(channelID string) (string, error) {
	var ts string
	err := s.db.QueryRow(`SELECT last_ts FROM channel_watermarks WHERE channel_id = ?`, channelID).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

// AdvanceWatermark upserts the channel's high-water mark. Callers are
// responsible for only ever calling this with a timestamp that is
// lexicographically >= the current one — the invariant lives at the
// listener layer, which always advances from the message it just
// processed in order.
func (s *Store) AdvanceWatermark(channelID, channelName, ts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO channel_watermarks (channel_id, channel_name, last_ts, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
			channel_name = excluded.channel_name,
			last_ts = excluded.last_ts,
			updated_at = excluded.updated_at`,
		channelID, channelName, ts, nowRFC3339(),
	)
	return err
}

// CheckpointWatermarks implements checkpoint.WatermarkProvider, returning
// every channel's current high-water mark for diagnostic snapshots.
func (s *Store) CheckpointWatermarks() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT channel_id, last_ts FROM channel_watermarks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}
