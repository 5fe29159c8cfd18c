package model

import "time"

// Stats aggregates message counts by status, plus the oldest and newest
// pending timestamps. Oldest/NewestPending are nil when nothing is pending;
// a large gap between them usually means a stuck queue.
type Stats struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Delivered     int        `json:"delivered"`
	Acknowledged  int        `json:"acknowledged"`
	Failed        int        `json:"failed"`
	Expired       int        `json:"expired"`
	OldestPending *time.Time `json:"oldestPending,omitempty"`
	NewestPending *time.Time `json:"newestPending,omitempty"`
}

// Observe folds a single message into the tally.
func (s *Stats) Observe(m Message) {
	s.Total++
	switch m.Status {
	case StatusPending:
		s.Pending++
		ts := m.Timestamp
		if s.OldestPending == nil || ts.Before(*s.OldestPending) {
			s.OldestPending = &ts
		}
		if s.NewestPending == nil || ts.After(*s.NewestPending) {
			s.NewestPending = &ts
		}
	case StatusProcessing:
		s.Processing++
	case StatusDelivered:
		s.Delivered++
	case StatusAcknowledged:
		s.Acknowledged++
	case StatusFailed:
		s.Failed++
	case StatusExpired:
		s.Expired++
	}
}
