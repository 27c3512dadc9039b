package store

import "time"

// Default retention windows named in spec.md §4.4.
const (
	DefaultMessageRetention  = 24 * time.Hour
	DefaultNotifiedRetention = 1 * time.Hour
)

// PurgeStats reports how many rows a Purge call removed.
type PurgeStats struct {
	MessagesPurged  int64
	NotifiedPurged  int64
}

// Purge runs both retention sweeps named in spec.md §4.4: processed
// messages older than 24h, notified-message dedup rows older than 1h.
// Intended to run once at startup and then periodically.
func (s *Store) Purge() (PurgeStats, error) {
	messages, err := s.PurgeProcessedMessages(DefaultMessageRetention)
	if err != nil {
		return PurgeStats{}, err
	}
	notified, err := s.PurgeNotified(DefaultNotifiedRetention)
	if err != nil {
		return PurgeStats{MessagesPurged: messages}, err
	}
	return PurgeStats{MessagesPurged: messages, NotifiedPurged: notified}, nil
}
