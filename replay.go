package broker

import (
	"context"

	"github.com/Basilakis/kai-sub001/model"
)

// ReplayMissed re-broadcasts persisted messages still pending or processing,
// recovering deliveries missed during an outage or left without a listener.
// The scan can be narrowed by queue, type and a custom predicate; messages
// whose id is currently in flight are skipped. Returns the count replayed.
//
// Replay runs automatically after reconnection completes subscription
// re-registration, and may be invoked manually at any time. Re-broadcast
// writes transient broadcast records, so replayed messages reach whatever
// subscriptions are registered at delivery time.
func (b *Broker) ReplayMissed(ctx context.Context, queue model.Queue, msgType string, pred func(model.Message) bool) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}

	filter := Filter{In(FieldStatus, string(model.StatusPending), string(model.StatusProcessing))}
	if queue != "" {
		if !queue.IsValid() {
			return 0, NewError(ErrCodeValidation, "unknown queue: "+string(queue))
		}
		filter = append(filter, Eq(FieldQueue, string(queue)))
	}
	if msgType != "" {
		filter = append(filter, Eq(FieldType, msgType))
	}

	msgs, err := b.store.Select(ctx, TableMessages, filter)
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, NewErrorWithCause(ErrCodeStore, "failed to scan messages for replay", err)
	}

	return b.rebroadcastAll(ctx, msgs, pred), nil
}

// ReplayByID re-broadcasts the messages with the given ids, regardless of
// queue or type. Intended for manual operator-triggered recovery.
func (b *Broker) ReplayByID(ctx context.Context, ids []string) (int, error) {
	if b.isClosed() {
		return 0, ErrClosed
	}
	if len(ids) == 0 {
		return 0, nil
	}

	vals := make([]interface{}, len(ids))
	for i, id := range ids {
		vals[i] = id
	}

	msgs, err := b.store.Select(ctx, TableMessages, Filter{In(FieldID, vals...)})
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, NewErrorWithCause(ErrCodeStore, "failed to load messages for replay", err)
	}

	return b.rebroadcastAll(ctx, msgs, nil), nil
}

// rebroadcastAll writes a broadcast record per eligible message. In-flight,
// terminal and expired messages are skipped; individual write failures are
// logged and do not abort the rest.
func (b *Broker) rebroadcastAll(ctx context.Context, msgs []model.Message, pred func(model.Message) bool) int {
	count := 0
	for i := range msgs {
		m := msgs[i]
		if pred != nil && !pred(m) {
			continue
		}
		if m.Status.IsTerminal() {
			continue
		}
		if b.isInflight(m.ID) {
			b.logger.Debugf("Skipping replay of in-flight message %s", m.ID)
			continue
		}
		if m.IsExpired() {
			b.markExpired(ctx, &m)
			continue
		}

		bc := m
		bc.Seq = 0 // assigned anew by the broadcast table
		if err := b.store.Insert(ctx, TableBroadcasts, &bc); err != nil {
			b.logger.Errorf("Failed to re-broadcast message %s: %v", m.ID, err)
			continue
		}
		count++
	}
	return count
}
