package broker

import (
	"context"
	"time"

	"github.com/Basilakis/kai-sub001/model"
)

// Handler processes a delivered message. Returning an error triggers the
// retry cycle; panics are caught and treated as errors.
type Handler func(ctx context.Context, d *Delivery) error

// SubscribeOptions control delivery behavior for a subscription.
type SubscribeOptions struct {
	// UseAcknowledgment requires the handler to acknowledge the message. The
	// message stays in status processing (and in flight) until Delivery.Ack
	// is called.
	UseAcknowledgment bool

	// AutoAcknowledge acknowledges automatically when the handler returns
	// without error. Only meaningful with UseAcknowledgment.
	AutoAcknowledge bool

	// MaxRetries bounds handler retries for this subscription.
	// Zero means the broker default; NoRetries makes the first failure
	// terminal.
	MaxRetries int

	// RetryDelay is how long a failed message's id stays in the in-flight set
	// before becoming eligible for redelivery. Zero means the broker default.
	//
	// Redelivery itself is driven by replay or a later change-feed event, not
	// by a timer, so actual redelivery timing is best-effort after the delay.
	RetryDelay time.Duration
}

// NoRetries disables handler retries for a subscription: the first failure is
// terminal. Distinct from zero, which selects the broker default.
const NoRetries = -1

// binding is a (queue, type-or-wildcard) → handler entry in the registry.
// Bindings are process-local; after a reconnect they are re-registered, not
// reloaded from the store.
type binding struct {
	key     string
	queue   model.Queue
	msgType string // empty means wildcard
	opts    SubscribeOptions
	handler Handler

	// cancels is guarded by Broker.mu: the reconnection path swaps listeners
	// concurrently with unsubscribe and Close. The Unsubscribe funcs themselves
	// are invoked outside the lock.
	cancels []Unsubscribe
}

func bindingKey(queue model.Queue, msgType string) string {
	if msgType == "" {
		msgType = "*"
	}
	return string(queue) + ":" + msgType
}

// Subscribe registers a handler for a queue, optionally narrowed to a message
// type (empty matches all types on the queue). When useAck is true the
// subscription requires acknowledgment with automatic acknowledge on handler
// success; use SubscribeWithOptions for finer control.
//
// Returns an unsubscribe function that cancels future dispatch for the
// binding. It does not cancel a handler invocation already in progress.
func (b *Broker) Subscribe(queue model.Queue, msgType string, useAck bool, handler Handler) (Unsubscribe, error) {
	return b.SubscribeWithOptions(queue, msgType, SubscribeOptions{
		UseAcknowledgment: useAck,
		AutoAcknowledge:   useAck,
	}, handler)
}

// SubscribeWithOptions registers a handler with explicit delivery options.
// Re-subscribing the same (queue, type) replaces the previous binding.
func (b *Broker) SubscribeWithOptions(queue model.Queue, msgType string, opts SubscribeOptions, handler Handler) (Unsubscribe, error) {
	if !queue.IsValid() {
		return nil, NewError(ErrCodeValidation, "unknown queue: "+string(queue))
	}
	if handler == nil {
		return nil, NewError(ErrCodeValidation, "handler is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = b.maxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = b.retryDelay
	}
	b.mu.Unlock()

	bd := &binding{
		key:     bindingKey(queue, msgType),
		queue:   queue,
		msgType: msgType,
		opts:    opts,
		handler: handler,
	}

	cancels, err := b.issueListeners(bd)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
		return nil, ErrClosed
	}
	bd.cancels = cancels
	replaced := b.bindings[bd.key]
	var replacedCancels []Unsubscribe
	if replaced != nil {
		replacedCancels = replaced.cancels
		replaced.cancels = nil
	}
	b.bindings[bd.key] = bd
	b.mu.Unlock()

	for _, cancel := range replacedCancels {
		cancel()
	}
	if replaced != nil {
		b.logger.Warnf("Replaced existing subscription %s", bd.key)
	}
	b.logger.Infof("Subscribed: %s (ack=%v, autoAck=%v, maxRetries=%d)",
		bd.key, opts.UseAcknowledgment, opts.AutoAcknowledge, opts.MaxRetries)

	return func() { b.unsubscribe(bd) }, nil
}

// unsubscribe removes the binding and releases its change-feed listeners.
func (b *Broker) unsubscribe(bd *binding) {
	b.mu.Lock()
	if b.bindings[bd.key] == bd {
		delete(b.bindings, bd.key)
	}
	cancels := bd.cancels
	bd.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	b.logger.Infof("Unsubscribed: %s", bd.key)
}

// issueListeners registers change-feed listeners for the binding on both the
// message table and the transient broadcast table, so the binding sees fresh
// publishes as well as replays and direct broadcasts. The returned cancels are
// not attached to the binding; callers do that under the broker lock.
func (b *Broker) issueListeners(bd *binding) ([]Unsubscribe, error) {
	filter := Filter{Eq(FieldQueue, string(bd.queue))}
	if bd.msgType != "" {
		filter = append(filter, Eq(FieldType, bd.msgType))
	}

	fn := func(m model.Message) { b.dispatch(bd, m) }

	var cancels []Unsubscribe
	for _, table := range []string{TableMessages, TableBroadcasts} {
		cancel, err := b.store.SubscribeToInserts(table, filter, fn)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return nil, NewErrorWithCause(ErrCodeStore, "failed to register change-feed listener on "+table, err)
		}
		cancels = append(cancels, cancel)
	}
	return cancels, nil
}

// reRegisterAll re-issues change-feed listeners for every held binding after
// a reconnect, preserving handlers and options. A failed re-registration is
// logged and the binding kept, so the next reconnect cycle retries it instead
// of silently losing the subscriber. A binding unsubscribed (or a broker
// closed) while its fresh listeners were being issued gets them released
// immediately instead of leaking them.
func (b *Broker) reRegisterAll() {
	b.mu.Lock()
	bindings := make([]*binding, 0, len(b.bindings))
	for _, bd := range b.bindings {
		bindings = append(bindings, bd)
	}
	b.mu.Unlock()

	for _, bd := range bindings {
		cancels, err := b.issueListeners(bd)
		if err != nil {
			b.logger.Errorf("Failed to re-register subscription %s: %v", bd.key, err)
			continue
		}

		b.mu.Lock()
		if b.closed || b.bindings[bd.key] != bd {
			b.mu.Unlock()
			for _, cancel := range cancels {
				cancel()
			}
			continue
		}
		old := bd.cancels
		bd.cancels = cancels
		b.mu.Unlock()

		for _, cancel := range old {
			cancel()
		}
		b.logger.Debugf("Re-registered subscription %s", bd.key)
	}
}
