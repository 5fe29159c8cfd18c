// Package relica provides a durable broker.Store implementation using the
// Relica query builder over database/sql (MySQL, PostgreSQL, SQLite).
//
// The change-feed is implemented by polling: each listener remembers the
// highest sequence number it has seen and periodically scans for newer rows.
// This stands in for a native notification primitive; swapping in one only
// requires another Store implementation, not broker changes.
package relica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coregx/relica"

	broker "github.com/Basilakis/kai-sub001"
	"github.com/Basilakis/kai-sub001/model"
)

// DefaultPollInterval is the change-feed polling cadence unless overridden
// with SetPollInterval.
const DefaultPollInterval = time.Second

type feed struct {
	id      int64
	table   string
	filter  broker.Filter
	fn      func(model.Message)
	lastSeq int64
}

// Store implements broker.Store using Relica.
type Store struct {
	db           *relica.DB
	tablePrefix  string
	logger       broker.Logger
	pollInterval time.Duration

	mu       sync.Mutex
	feeds    map[int64]*feed
	nextFeed int64
	stop     chan struct{}
	polling  bool
}

// NewStore creates a Store with the default table prefix ("broker_").
// driverName should be "mysql", "postgres", or "sqlite3".
func NewStore(sqlDB *sql.DB, driverName string) *Store {
	return NewStoreWithPrefix(sqlDB, driverName, "broker_")
}

// NewStoreWithPrefix creates a Store with a custom table prefix.
func NewStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string) *Store {
	return &Store{
		db:           relica.WrapDB(sqlDB, driverName),
		tablePrefix:  prefix,
		logger:       &broker.NoopLogger{},
		pollInterval: DefaultPollInterval,
		feeds:        make(map[int64]*feed),
		stop:         make(chan struct{}),
	}
}

// SetLogger sets the logger used by the change-feed poller.
func (s *Store) SetLogger(logger broker.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetPollInterval changes the change-feed polling cadence.
// Takes effect for polls after the current one.
func (s *Store) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.mu.Lock()
		s.pollInterval = d
		s.mu.Unlock()
	}
}

// Close stops the change-feed poller. Pending listener registrations become
// inert; the underlying *sql.DB is owned by the caller and is not closed.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Store) tableName(table string) string {
	return s.tablePrefix + table
}

// Insert persists a single message.
func (s *Store) Insert(ctx context.Context, table string, m *model.Message) error {
	err := s.db.WithContext(ctx).Model(m).Table(s.tableName(table)).Insert()
	if err != nil {
		return broker.NewErrorWithCause(broker.ErrCodeStore, "failed to insert message", err)
	}
	return nil
}

// InsertBatch persists several messages inside a transaction-free grouped
// write. Any failed row fails the whole call; the broker treats a failed
// chunk as skipped.
func (s *Store) InsertBatch(ctx context.Context, table string, ms []model.Message) error {
	for i := range ms {
		if err := s.db.WithContext(ctx).Model(&ms[i]).Table(s.tableName(table)).Insert(); err != nil {
			return broker.NewErrorWithCause(broker.ErrCodeStore,
				fmt.Sprintf("failed to insert batch row %d", i), err)
		}
	}
	return nil
}

// Update applies a partial update to the message with the given id.
func (s *Store) Update(ctx context.Context, table string, id string, patch broker.Patch) error {
	set := make(map[string]interface{}, len(patch))
	for field, value := range patch {
		set[field] = value
	}

	_, err := s.db.WithContext(ctx).Update(s.tableName(table)).
		Set(set).
		Where("id = ?", id).
		Execute()
	if err != nil {
		return broker.NewErrorWithCause(broker.ErrCodeStore, "failed to update message", err)
	}
	return nil
}

// Select returns all messages matching the filter, ordered by insertion.
func (s *Store) Select(ctx context.Context, table string, filter broker.Filter) ([]model.Message, error) {
	var msgs []model.Message

	q := s.db.WithContext(ctx).Select("*").From(s.tableName(table))
	if where, args := buildWhere(filter); where != "" {
		q = q.Where(where, args...)
	}
	err := q.OrderBy("seq ASC").All(&msgs)
	if err != nil {
		return nil, broker.NewErrorWithCause(broker.ErrCodeStore, "failed to select messages", err)
	}
	if len(msgs) == 0 {
		return nil, broker.ErrNoData
	}
	return msgs, nil
}

// Delete removes all messages matching the filter.
// Rows are loaded and deleted via the Model API one by one.
func (s *Store) Delete(ctx context.Context, table string, filter broker.Filter) error {
	msgs, err := s.Select(ctx, table, filter)
	if err != nil {
		if broker.IsNoData(err) {
			return nil
		}
		return err
	}
	for i := range msgs {
		if derr := s.db.WithContext(ctx).Model(&msgs[i]).Table(s.tableName(table)).Delete(); derr != nil {
			return broker.NewErrorWithCause(broker.ErrCodeStore,
				fmt.Sprintf("failed to delete message %s", msgs[i].ID), derr)
		}
	}
	return nil
}

// SubscribeToInserts registers a polling change-feed listener. The listener
// observes rows inserted after registration, in sequence order.
func (s *Store) SubscribeToInserts(table string, filter broker.Filter, fn func(model.Message)) (broker.Unsubscribe, error) {
	last, err := s.maxSeq(context.Background(), table)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextFeed++
	id := s.nextFeed
	s.feeds[id] = &feed{id: id, table: table, filter: filter, fn: fn, lastSeq: last}
	if !s.polling {
		s.polling = true
		go s.pollLoop()
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.feeds, id)
		s.mu.Unlock()
	}, nil
}

// Probe issues a trivial read against the message table.
func (s *Store) Probe(ctx context.Context) error {
	var m model.Message
	err := s.db.WithContext(ctx).Select("*").
		From(s.tableName(broker.TableMessages)).
		OrderBy("seq DESC").
		Limit(1).
		One(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // empty table, store reachable
	}
	if err != nil {
		return broker.NewErrorWithCause(broker.ErrCodeStore, "store probe failed", err)
	}
	return nil
}

func (s *Store) maxSeq(ctx context.Context, table string) (int64, error) {
	var m model.Message
	err := s.db.WithContext(ctx).Select("*").
		From(s.tableName(table)).
		OrderBy("seq DESC").
		Limit(1).
		One(&m)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, broker.NewErrorWithCause(broker.ErrCodeStore, "failed to read max sequence", err)
	}
	return m.Seq, nil
}

// pollLoop scans each registered feed for rows newer than its last observed
// sequence number and delivers them in order. Scan errors are logged and
// retried on the next tick.
func (s *Store) pollLoop() {
	for {
		s.mu.Lock()
		interval := s.pollInterval
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}

		s.pollOnce(context.Background())
	}
}

func (s *Store) pollOnce(ctx context.Context) {
	s.mu.Lock()
	feeds := make([]*feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		feeds = append(feeds, f)
	}
	s.mu.Unlock()

	for _, f := range feeds {
		filter := append(broker.Filter{broker.Gt(broker.FieldSeq, f.lastSeq)}, f.filter...)
		msgs, err := s.Select(ctx, f.table, filter)
		if err != nil {
			if !broker.IsNoData(err) {
				s.logger.Warnf("Change-feed poll failed for %s: %v", f.table, err)
			}
			continue
		}
		for i := range msgs {
			if msgs[i].Seq > f.lastSeq {
				f.lastSeq = msgs[i].Seq
			}
			f.fn(msgs[i])
		}
	}
}

// buildWhere translates a filter into a SQL conjunction with placeholders.
func buildWhere(filter broker.Filter) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}

	var clauses []string
	var args []interface{}

	for _, c := range filter {
		switch c.Op {
		case broker.OpEq:
			clauses = append(clauses, c.Field+" = ?")
			args = append(args, c.Value)
		case broker.OpLt:
			clauses = append(clauses, c.Field+" < ?")
			args = append(args, c.Value)
		case broker.OpGt:
			clauses = append(clauses, c.Field+" > ?")
			args = append(args, c.Value)
		case broker.OpBetween:
			clauses = append(clauses, c.Field+" BETWEEN ? AND ?")
			args = append(args, c.Value, c.High)
		case broker.OpIn:
			if len(c.Values) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(c.Values)), ", ")
			clauses = append(clauses, c.Field+" IN ("+placeholders+")")
			args = append(args, c.Values...)
		}
	}

	return strings.Join(clauses, " AND "), args
}
