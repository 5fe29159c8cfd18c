package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/Basilakis/kai-sub001/model"
)

// PublishRequest describes a message to publish.
type PublishRequest struct {
	Queue     model.Queue     // Target queue (required, must be a deployment queue)
	Type      string          // Message subtype used for handler filtering (required)
	Payload   json.RawMessage // Opaque application data
	Source    string          // Producing component, for diagnostics (required)
	Priority  int             // Informational only
	ExpiresAt *time.Time      // Optional expiry; expired messages are never handled
}

// Validate checks the request against the deployment queue enumeration.
func (r PublishRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Queue, validation.Required, validation.By(validQueue)),
		validation.Field(&r.Type, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Source, validation.Required, validation.Length(1, 128)),
	)
}

func validQueue(value interface{}) error {
	q, _ := value.(model.Queue)
	if !q.IsValid() {
		return errors.New("unknown queue")
	}
	return nil
}

// PublishResult reports the outcome of a publish.
//
// When the store was reachable, Done is already resolved. When the request
// was buffered during an outage, Done resolves once the buffered request is
// persisted after reconnection (or rejected at Close).
type PublishResult struct {
	MessageID string
	Buffered  bool
	Done      <-chan error
}

// pendingPublish is a publish request buffered in memory while the store is
// unreachable. It is resolved and discarded once connectivity returns and the
// store accepts the write.
type pendingPublish struct {
	msg  model.Message
	done chan error
}

func (pp *pendingPublish) resolve(err error) {
	if err != nil {
		pp.done <- err
	}
	close(pp.done)
}

func resolvedDone(err error) <-chan error {
	ch := make(chan error, 1)
	if err != nil {
		ch <- err
	}
	close(ch)
	return ch
}

// Publish accepts a message for delivery.
//
// If the store is reachable the message is persisted immediately with status
// pending (or written as a transient broadcast when persistence is disabled)
// and the change-feed delivers it to matching subscriptions. If the store is
// unreachable the request is buffered, up to the configured limit, and
// flushed after reconnection; PublishResult.Done reports the eventual write.
func (b *Broker) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if err := req.Validate(); err != nil {
		return nil, NewErrorWithCause(ErrCodeValidation, "invalid publish request", err)
	}

	msg := model.NewMessage(req.Queue, req.Type, req.Payload, req.Source)
	msg.Priority = req.Priority
	msg.ExpiresAt = req.ExpiresAt

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if !b.connected {
		if len(b.pending) >= b.pendingLimit {
			b.mu.Unlock()
			b.logger.Errorf("Pending publish buffer full (%d), rejecting message for queue %s", b.pendingLimit, req.Queue)
			return nil, ErrBufferFull
		}
		pp := &pendingPublish{msg: msg, done: make(chan error, 1)}
		b.pending = append(b.pending, pp)
		buffered := len(b.pending)
		b.mu.Unlock()

		b.logger.Warnf("Store unreachable, buffered publish %s (queue=%s, type=%s, buffered=%d)",
			msg.ID, msg.Queue, msg.Type, buffered)
		return &PublishResult{MessageID: msg.ID, Buffered: true, Done: pp.done}, nil
	}
	table := b.publishTable()
	b.mu.Unlock()

	if err := b.store.Insert(ctx, table, &msg); err != nil {
		b.logger.Errorf("Failed to insert message %s into %s (queue=%s): %v", msg.ID, table, msg.Queue, err)
		return nil, NewErrorWithCause(ErrCodeStore, "failed to persist message", err)
	}

	b.logger.Debugf("Published message %s (queue=%s, type=%s, source=%s)", msg.ID, msg.Queue, msg.Type, msg.Source)
	return &PublishResult{MessageID: msg.ID, Done: resolvedDone(nil)}, nil
}

// PublishBatch persists many messages as grouped writes of the configured
// chunk size. A chunk failure is logged and does not abort subsequent chunks;
// the return value is the count of messages successfully persisted, not
// all-or-nothing.
//
// PublishBatch requires a reachable store: bulk loads are not buffered during
// outages, use Publish for individual messages that must survive one.
func (b *Broker) PublishBatch(ctx context.Context, reqs []PublishRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, nil
	}
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return 0, NewErrorWithCause(ErrCodeValidation,
				fmt.Sprintf("invalid publish request at index %d", i), err)
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	if !b.connected {
		b.mu.Unlock()
		return 0, NewError(ErrCodeStore, "store unreachable, batch publish rejected")
	}
	size := b.batchSize
	table := b.publishTable()
	b.mu.Unlock()

	msgs := make([]model.Message, 0, len(reqs))
	for _, req := range reqs {
		m := model.NewMessage(req.Queue, req.Type, req.Payload, req.Source)
		m.Priority = req.Priority
		m.ExpiresAt = req.ExpiresAt
		msgs = append(msgs, m)
	}

	persisted := 0
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[start:end]
		if err := b.store.InsertBatch(ctx, table, chunk); err != nil {
			b.logger.Errorf("Failed to insert batch chunk %d-%d into %s: %v", start, end-1, table, err)
			continue
		}
		persisted += len(chunk)
	}

	b.logger.Infof("Batch published %d/%d messages (chunk size %d)", persisted, len(msgs), size)
	return persisted, nil
}

// publishTable returns the insert target for new publishes.
// Callers must hold b.mu.
func (b *Broker) publishTable() string {
	if b.persistence {
		return TableMessages
	}
	return TableBroadcasts
}

// drainPending flushes publishes buffered during an outage. Called after
// reconnection once subscriptions are re-registered, so replayed consumers
// exist before the buffered messages land. A failed write re-buffers the
// remaining requests; the next successful probe tick retries the flush.
func (b *Broker) drainPending(ctx context.Context) {
	b.mu.Lock()
	queued := b.pending
	b.pending = nil
	table := b.publishTable()
	b.mu.Unlock()

	if len(queued) == 0 {
		return
	}

	for i, pp := range queued {
		msg := pp.msg
		if err := b.store.Insert(ctx, table, &msg); err != nil {
			b.logger.Errorf("Failed to flush buffered publish %s: %v", msg.ID, err)
			b.mu.Lock()
			b.pending = append(queued[i:], b.pending...)
			b.mu.Unlock()
			return
		}
		pp.resolve(nil)
	}

	b.logger.Infof("Flushed %d buffered publishes", len(queued))
}
