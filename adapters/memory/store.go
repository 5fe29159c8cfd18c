// Package memory provides an in-memory Store implementation.
//
// It is intended for tests and examples: inserts notify change-feed listeners
// synchronously, and outages can be simulated with SetOffline and
// FailNextInserts. Not suitable for production use — nothing survives a
// process restart.
package memory

import (
	"context"
	"errors"
	"sync"

	broker "github.com/Basilakis/kai-sub001"
	"github.com/Basilakis/kai-sub001/model"
)

// ErrOffline is returned by every operation while the store is offline.
var ErrOffline = errors.New("memory store is offline")

// ErrInjectedFailure is returned by inserts scheduled to fail via
// FailNextInserts.
var ErrInjectedFailure = errors.New("injected insert failure")

type listener struct {
	id     int64
	table  string
	filter broker.Filter
	fn     func(model.Message)
}

// Store is an in-memory broker.Store backed by mutex-guarded tables.
type Store struct {
	mu           sync.Mutex
	tables       map[string][]model.Message
	listeners    map[int64]*listener
	nextListener int64
	seq          int64
	offline      bool
	skipInserts  int
	failInserts  int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tables:    make(map[string][]model.Message),
		listeners: make(map[int64]*listener),
	}
}

// SetOffline simulates an outage. While offline, every operation (including
// Probe) fails with ErrOffline.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

// FailNextInserts makes the next n insert calls fail with ErrInjectedFailure.
// Each Insert or InsertBatch call consumes one failure.
func (s *Store) FailNextInserts(n int) {
	s.FailInsertsAfter(0, n)
}

// FailInsertsAfter lets the next skip insert calls succeed, then fails the n
// calls after those with ErrInjectedFailure. Useful for failing a specific
// chunk of a batched write.
func (s *Store) FailInsertsAfter(skip, n int) {
	s.mu.Lock()
	s.skipInserts = skip
	s.failInserts = n
	s.mu.Unlock()
}

// Count returns the number of rows currently in the table.
func (s *Store) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// Insert stores a copy of the message and synchronously notifies matching
// change-feed listeners.
func (s *Store) Insert(_ context.Context, table string, m *model.Message) error {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return ErrOffline
	}
	if s.skipInserts > 0 {
		s.skipInserts--
	} else if s.failInserts > 0 {
		s.failInserts--
		s.mu.Unlock()
		return ErrInjectedFailure
	}
	s.seq++
	m.Seq = s.seq
	s.tables[table] = append(s.tables[table], *m)
	notify := s.matchingListeners(table, m)
	s.mu.Unlock()

	for _, fn := range notify {
		fn(*m)
	}
	return nil
}

// InsertBatch stores all messages as one all-or-nothing write.
func (s *Store) InsertBatch(_ context.Context, table string, ms []model.Message) error {
	s.mu.Lock()
	if s.offline {
		s.mu.Unlock()
		return ErrOffline
	}
	if s.skipInserts > 0 {
		s.skipInserts--
	} else if s.failInserts > 0 {
		s.failInserts--
		s.mu.Unlock()
		return ErrInjectedFailure
	}
	type pending struct {
		fn  func(model.Message)
		msg model.Message
	}
	var notify []pending
	for i := range ms {
		s.seq++
		ms[i].Seq = s.seq
		s.tables[table] = append(s.tables[table], ms[i])
		for _, fn := range s.matchingListeners(table, &ms[i]) {
			notify = append(notify, pending{fn: fn, msg: ms[i]})
		}
	}
	s.mu.Unlock()

	for _, n := range notify {
		n.fn(n.msg)
	}
	return nil
}

// Update applies a partial update to the row with the given id.
func (s *Store) Update(_ context.Context, table string, id string, patch broker.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}

	rows := s.tables[table]
	for i := range rows {
		if rows[i].ID != id {
			continue
		}
		applyPatch(&rows[i], patch)
		return nil
	}
	return broker.ErrNoData
}

// Select returns copies of all rows matching the filter.
func (s *Store) Select(_ context.Context, table string, filter broker.Filter) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, ErrOffline
	}

	var out []model.Message
	for i := range s.tables[table] {
		m := s.tables[table][i]
		if filter.Match(&m) {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, broker.ErrNoData
	}
	return out, nil
}

// Delete removes all rows matching the filter.
func (s *Store) Delete(_ context.Context, table string, filter broker.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}

	rows := s.tables[table]
	kept := rows[:0]
	for i := range rows {
		m := rows[i]
		if !filter.Match(&m) {
			kept = append(kept, m)
		}
	}
	s.tables[table] = kept
	return nil
}

// SubscribeToInserts registers a change-feed listener for the table.
func (s *Store) SubscribeToInserts(table string, filter broker.Filter, fn func(model.Message)) (broker.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return nil, ErrOffline
	}

	s.nextListener++
	id := s.nextListener
	s.listeners[id] = &listener{id: id, table: table, filter: filter, fn: fn}

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}, nil
}

// Probe reports reachability.
func (s *Store) Probe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return ErrOffline
	}
	return nil
}

// matchingListeners collects listener callbacks for an inserted row.
// Callers must hold s.mu.
func (s *Store) matchingListeners(table string, m *model.Message) []func(model.Message) {
	var out []func(model.Message)
	for _, l := range s.listeners {
		if l.table == table && l.filter.Match(m) {
			out = append(out, l.fn)
		}
	}
	return out
}

func applyPatch(m *model.Message, patch broker.Patch) {
	for field, value := range patch {
		switch field {
		case broker.FieldStatus:
			if st, ok := value.(model.Status); ok {
				m.Status = st
			} else if st, ok := value.(string); ok {
				m.Status = model.Status(st)
			}
		case broker.FieldAttempts:
			if n, ok := value.(int); ok {
				m.Attempts = n
			}
		case broker.FieldPriority:
			if n, ok := value.(int); ok {
				m.Priority = n
			}
		}
	}
}
