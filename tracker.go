package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Basilakis/kai-sub001/model"
)

// Delivery is a message handed to a subscription handler, carrying the
// acknowledge callback for subscriptions that require it.
type Delivery struct {
	Message model.Message

	broker *Broker

	mu    sync.Mutex
	acked bool
}

// Ack marks the message acknowledged (terminal) and releases its id from the
// in-flight set. Safe to call more than once; repeat calls are no-ops.
// Handlers may call Ack after returning, e.g. from a goroutine they spawned.
func (d *Delivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	if d.acked {
		d.mu.Unlock()
		return nil
	}
	d.acked = true
	d.mu.Unlock()

	b := d.broker
	defer b.releaseInflight(d.Message.ID)

	if !b.persistenceEnabled() {
		return nil
	}
	if err := b.store.Update(ctx, TableMessages, d.Message.ID, Patch{FieldStatus: model.StatusAcknowledged}); err != nil {
		b.logger.Errorf("Failed to mark message %s acknowledged: %v", d.Message.ID, err)
		return NewErrorWithCause(ErrCodeStore, "failed to acknowledge message", err)
	}
	b.logger.Debugf("Message %s acknowledged", d.Message.ID)
	return nil
}

func (d *Delivery) wasAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// dispatch is the change-feed entry point for a binding. It applies the
// in-flight guard and hands the message to a handler goroutine: two
// concurrent notifications for the same id result in exactly one invocation.
func (b *Broker) dispatch(bd *binding, m model.Message) {
	if m.Status.IsTerminal() {
		return
	}
	if m.IsExpired() {
		b.markExpired(b.ctx, &m)
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, busy := b.inflight[m.ID]; busy {
		b.mu.Unlock()
		b.logger.Debugf("Message %s already in flight, ignoring duplicate notification", m.ID)
		return
	}
	b.inflight[m.ID] = struct{}{}
	b.mu.Unlock()

	// Fire-and-forget: Close does not wait for handlers in progress.
	go b.handleMessage(b.ctx, bd, m)
}

// handleMessage drives one handling cycle of the state machine:
// pending → processing → {acknowledged | failed} for acknowledged
// subscriptions, pending → delivered otherwise.
func (b *Broker) handleMessage(ctx context.Context, bd *binding, m model.Message) {
	d := &Delivery{Message: m, broker: b}

	if bd.opts.UseAcknowledgment {
		if err := b.updateStatus(ctx, &d.Message, model.StatusProcessing, nil); err != nil {
			b.logger.Warnf("Failed to mark message %s processing: %v", m.ID, err)
		}

		if err := b.invokeHandler(ctx, bd, d); err != nil {
			b.handleFailure(ctx, bd, d, err)
			return
		}

		if bd.opts.AutoAcknowledge {
			if err := d.Ack(ctx); err != nil {
				b.logger.Errorf("Auto-acknowledge failed for message %s: %v", m.ID, err)
			}
		}
		// Without auto-acknowledge the message stays processing and in
		// flight until the handler calls Ack.
		return
	}

	if err := b.invokeHandler(ctx, bd, d); err != nil {
		b.handleFailure(ctx, bd, d, err)
		return
	}
	if !d.wasAcked() {
		if err := b.updateStatus(ctx, &d.Message, model.StatusDelivered, nil); err != nil {
			b.logger.Warnf("Failed to mark message %s delivered: %v", m.ID, err)
		}
	}
	b.releaseInflight(m.ID)
}

// invokeHandler calls the handler, converting panics into handler errors so
// a misbehaving consumer cannot take down the dispatch path.
func (b *Broker) invokeHandler(ctx context.Context, bd *binding, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrCodeHandler, fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return bd.handler(ctx, d)
}

// handleFailure implements retry counting: the attempt count increases
// exactly once per failed cycle. While retries remain, the message returns to
// pending and its id is released from the in-flight set after the retry
// delay, making it eligible for redispatch via replay or a later change-feed
// event. Once retries are exhausted the message is failed terminally.
func (b *Broker) handleFailure(ctx context.Context, bd *binding, d *Delivery, herr error) {
	m := &d.Message

	if err := b.notifications.NotifyDeliveryFailure(ctx, m, herr); err != nil {
		b.logger.Warnf("Failed to send delivery failure notification: %v", err)
	}

	// A change-feed row can be stale; reconcile with the stored attempt count
	// so a duplicate notification never rewinds it.
	b.syncAttempts(ctx, m)

	if m.RecordFailure(bd.opts.MaxRetries) {
		if err := b.updateStatus(ctx, m, model.StatusPending, Patch{FieldAttempts: m.Attempts}); err != nil {
			b.logger.Errorf("Failed to reschedule message %s: %v", m.ID, err)
		}
		b.logger.Warnf("Handler failed for message %s (attempt %d/%d), eligible for redelivery after %v: %v",
			m.ID, m.Attempts, bd.opts.MaxRetries+1, bd.opts.RetryDelay, herr)

		id := m.ID
		time.AfterFunc(bd.opts.RetryDelay, func() { b.releaseInflight(id) })
		return
	}

	if err := b.updateStatus(ctx, m, model.StatusFailed, Patch{FieldAttempts: m.Attempts}); err != nil {
		b.logger.Errorf("Failed to mark message %s failed: %v", m.ID, err)
	}
	b.logger.Errorf("Message %s failed permanently after %d attempts (queue=%s, type=%s): %v",
		m.ID, m.Attempts, m.Queue, m.Type, herr)

	if err := b.notifications.NotifyMessageFailed(ctx, m); err != nil {
		b.logger.Warnf("Failed to send message failed notification: %v", err)
	}
	b.releaseInflight(m.ID)
}

// syncAttempts lifts the in-memory attempt count to the stored row's value
// when the stored one is higher. Attempts never decrease.
func (b *Broker) syncAttempts(ctx context.Context, m *model.Message) {
	if !b.persistenceEnabled() {
		return
	}
	rows, err := b.store.Select(ctx, TableMessages, Filter{Eq(FieldID, m.ID)})
	if err != nil || len(rows) == 0 {
		return
	}
	if rows[0].Attempts > m.Attempts {
		m.Attempts = rows[0].Attempts
	}
}

// updateStatus transitions the in-memory message and, when persistence is
// enabled, writes the new status (plus any extra patch fields) to the store.
// Terminal statuses are never transitioned again.
func (b *Broker) updateStatus(ctx context.Context, m *model.Message, to model.Status, extra Patch) error {
	if err := m.Transition(to); err != nil {
		return err
	}
	if !b.persistenceEnabled() {
		return nil
	}

	patch := Patch{FieldStatus: to}
	for k, v := range extra {
		patch[k] = v
	}
	if err := b.store.Update(ctx, TableMessages, m.ID, patch); err != nil {
		return NewErrorWithCause(ErrCodeStore, fmt.Sprintf("failed to update message %s to %s", m.ID, to), err)
	}
	return nil
}

// markExpired records an expired message without invoking any handler.
func (b *Broker) markExpired(ctx context.Context, m *model.Message) {
	b.logger.Warnf("Message %s expired before handling (queue=%s, type=%s)", m.ID, m.Queue, m.Type)
	if err := b.updateStatus(ctx, m, model.StatusExpired, nil); err != nil {
		b.logger.Errorf("Failed to mark message %s expired: %v", m.ID, err)
	}
}
