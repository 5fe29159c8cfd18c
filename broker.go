package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Basilakis/kai-sub001/retry"
)

// Broker is a reliable pub/sub layer over a Store that offers row-level
// change notifications instead of a native queueing protocol. It provides
// at-least-once delivery using application-level bookkeeping: an in-flight
// set against duplicate concurrent handling, retry counting, buffered
// publishes during outages, and replay of missed messages after reconnect.
//
// Brokers are explicitly constructed with New and torn down with Close so
// tests can run isolated instances.
//
// Thread safety: safe for concurrent use. The in-flight set and the
// subscription map are the only internal shared mutable state; both are
// guarded by a single mutex. The store remains the source of truth for
// message status.
type Broker struct {
	store         Store
	logger        Logger
	notifications NotificationService

	probeInterval   time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
	broadcastTTL    time.Duration
	reconnect       retry.Strategy

	mu           sync.Mutex
	bindings     map[string]*binding
	inflight     map[string]struct{}
	pending      []*pendingPublish
	pendingLimit int
	connected    bool
	reconnecting bool
	persistence  bool
	batchSize    int
	maxRetries   int
	retryDelay   time.Duration
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a function that configures a Broker.
//
// Example:
//
//	b, err := broker.New(
//	    broker.WithStore(store),
//	    broker.WithLogger(logger),
//	    broker.WithMaxRetries(5), // optional
//	)
type Option func(*Broker) error

// WithStore sets the required Store the broker persists to and watches.
func WithStore(store Store) Option {
	return func(b *Broker) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		b.store = store
		return nil
	}
}

// WithLogger sets the logger instance for the broker.
// Logger is required and must not be nil.
//
// Use NoopLogger for silent operation or implement Logger interface
// to integrate with your logging system (zap, logrus, etc.).
func WithLogger(logger Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithNotifications sets an optional notification service, called on delivery
// failures, terminal message failures and connection state changes.
// Default: NoOpNotificationService.
func WithNotifications(service NotificationService) Option {
	return func(b *Broker) error {
		if service == nil {
			return fmt.Errorf("notification service cannot be nil")
		}
		b.notifications = service
		return nil
	}
}

// WithProbeInterval sets how often the connection monitor probes the store.
// Default: 30s.
func WithProbeInterval(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return fmt.Errorf("probe interval must be > 0, got %v", d)
		}
		b.probeInterval = d
		return nil
	}
}

// WithCleanupInterval sets how often the cleanup task runs. Default: 1h.
func WithCleanupInterval(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return fmt.Errorf("cleanup interval must be > 0, got %v", d)
		}
		b.cleanupInterval = d
		return nil
	}
}

// WithRetentionWindow sets how long acknowledged messages are retained before
// the cleanup task deletes them. Default: 24h.
func WithRetentionWindow(d time.Duration) Option {
	return func(b *Broker) error {
		if d <= 0 {
			return fmt.Errorf("retention window must be > 0, got %v", d)
		}
		b.retention = d
		return nil
	}
}

// WithBatchSize sets the chunk size for PublishBatch writes. Default: 10.
// A chunk failure is logged and skipped, so the chunk size bounds both the
// request size and the blast radius of a failed write.
func WithBatchSize(size int) Option {
	return func(b *Broker) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		b.batchSize = size
		return nil
	}
}

// WithMaxRetries sets the default maximum handler retries per message.
// Subscriptions may override it via SubscribeOptions. Default: 3.
func WithMaxRetries(n int) Option {
	return func(b *Broker) error {
		if n < 0 {
			return fmt.Errorf("max retries must be >= 0, got %d", n)
		}
		b.maxRetries = n
		return nil
	}
}

// WithRetryDelay sets the default delay before a failed message's id is
// released from the in-flight set, making it eligible for redelivery.
// Default: 5s.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Broker) error {
		if d < 0 {
			return fmt.Errorf("retry delay must be >= 0, got %v", d)
		}
		b.retryDelay = d
		return nil
	}
}

// WithPersistence enables or disables durable persistence. When disabled,
// Publish writes transient broadcast records that the change-feed still
// delivers, trading durability for lower write volume. Default: enabled.
func WithPersistence(enabled bool) Option {
	return func(b *Broker) error {
		b.persistence = enabled
		return nil
	}
}

// WithPendingBufferLimit caps the number of publishes buffered while the
// store is unreachable. Further publishes are rejected with ErrCodeBufferFull.
// Default: 1024.
func WithPendingBufferLimit(n int) Option {
	return func(b *Broker) error {
		if n <= 0 {
			return fmt.Errorf("pending buffer limit must be > 0, got %d", n)
		}
		b.pendingLimit = n
		return nil
	}
}

// WithReconnectStrategy sets the backoff strategy for reconnection attempts.
// Default: retry.DefaultReconnectStrategy() (2s escalating to a 1m cap,
// unbounded attempts).
func WithReconnectStrategy(strategy retry.Strategy) Option {
	return func(b *Broker) error {
		b.reconnect = strategy
		return nil
	}
}

// New creates a broker with the provided options and starts its periodic
// tasks (health probe, cleanup). The store is probed once immediately; if it
// is unreachable the broker starts in disconnected mode, buffers publishes,
// and recovers when the store answers.
//
// Required options:
//   - WithStore: the storage backend
//   - WithLogger: logger instance
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		notifications:   &NoOpNotificationService{},
		probeInterval:   30 * time.Second,
		cleanupInterval: time.Hour,
		retention:       24 * time.Hour,
		broadcastTTL:    time.Hour,
		reconnect:       retry.DefaultReconnectStrategy(),
		bindings:        make(map[string]*binding),
		inflight:        make(map[string]struct{}),
		pendingLimit:    1024,
		persistence:     true,
		batchSize:       10,
		maxRetries:      3,
		retryDelay:      5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if b.store == nil {
		return nil, NewError(ErrCodeConfiguration, "Store is required (use WithStore)")
	}
	if b.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithLogger)")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())

	if err := b.store.Probe(b.ctx); err != nil {
		b.logger.Warnf("Store unreachable at startup, starting disconnected: %v", err)
		b.connected = false
		b.reconnecting = true
		go b.reconnectLoop(b.ctx)
	} else {
		b.connected = true
	}

	b.wg.Add(2)
	go b.monitorLoop(b.ctx)
	go b.cleanupLoop(b.ctx)

	return b, nil
}

// SetPersistenceEnabled toggles durable persistence at runtime (see
// WithPersistence).
func (b *Broker) SetPersistenceEnabled(enabled bool) {
	b.mu.Lock()
	b.persistence = enabled
	b.mu.Unlock()
}

// SetBatchSize changes the PublishBatch chunk size at runtime.
func (b *Broker) SetBatchSize(size int) error {
	if size <= 0 {
		return NewError(ErrCodeValidation, fmt.Sprintf("batch size must be > 0, got %d", size))
	}
	b.mu.Lock()
	b.batchSize = size
	b.mu.Unlock()
	return nil
}

// SetMaxRetries changes the default maximum handler retries at runtime.
// Subscriptions created before the change keep their resolved value.
func (b *Broker) SetMaxRetries(n int) error {
	if n < 0 {
		return NewError(ErrCodeValidation, fmt.Sprintf("max retries must be >= 0, got %d", n))
	}
	b.mu.Lock()
	b.maxRetries = n
	b.mu.Unlock()
	return nil
}

// Close tears down the periodic tasks and change-feed listeners, rejects any
// buffered publishes and clears in-flight tracking. It does not wait for
// handler invocations already in progress.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var cancels []Unsubscribe
	for _, bd := range b.bindings {
		cancels = append(cancels, bd.cancels...)
		bd.cancels = nil
	}
	b.bindings = make(map[string]*binding)
	pending := b.pending
	b.pending = nil
	b.inflight = make(map[string]struct{})
	b.mu.Unlock()

	b.cancel()

	for _, cancel := range cancels {
		cancel()
	}
	for _, pp := range pending {
		pp.resolve(ErrClosed)
	}

	b.wg.Wait()
	b.logger.Info("Broker closed")
}

// IsConnected reports whether the store answered the most recent probe.
// While false, publishes are buffered up to the configured limit.
func (b *Broker) IsConnected() bool {
	return b.isConnected()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Broker) isConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Broker) persistenceEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persistence
}

func (b *Broker) isInflight(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inflight[id]
	return ok
}

func (b *Broker) releaseInflight(id string) {
	b.mu.Lock()
	delete(b.inflight, id)
	b.mu.Unlock()
}
