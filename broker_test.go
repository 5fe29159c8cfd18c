package broker_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	broker "github.com/Basilakis/kai-sub001"
	"github.com/Basilakis/kai-sub001/adapters/memory"
	"github.com/Basilakis/kai-sub001/model"
	"github.com/Basilakis/kai-sub001/retry"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// recordingNotifier captures notification callbacks on channels so tests can
// wait for connection state changes instead of sleeping.
type recordingNotifier struct {
	lost     chan struct{}
	restored chan struct{}
	failed   chan string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		lost:     make(chan struct{}, 4),
		restored: make(chan struct{}, 4),
		failed:   make(chan string, 16),
	}
}

func (n *recordingNotifier) NotifyDeliveryFailure(_ context.Context, _ *model.Message, _ error) error {
	return nil
}

func (n *recordingNotifier) NotifyMessageFailed(_ context.Context, m *model.Message) error {
	select {
	case n.failed <- m.ID:
	default:
	}
	return nil
}

func (n *recordingNotifier) NotifyConnectionLost(_ context.Context) error {
	select {
	case n.lost <- struct{}{}:
	default:
	}
	return nil
}

func (n *recordingNotifier) NotifyConnectionRestored(_ context.Context) error {
	select {
	case n.restored <- struct{}{}:
	default:
	}
	return nil
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func fastReconnect() retry.Strategy {
	return retry.Strategy{
		BaseDelay:       5 * time.Millisecond,
		MaxDelay:        20 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func newTestBroker(t *testing.T, store *memory.Store, notifier broker.NotificationService, extra ...broker.Option) *broker.Broker {
	t.Helper()

	opts := []broker.Option{
		broker.WithStore(store),
		broker.WithLogger(&broker.NoopLogger{}),
		broker.WithProbeInterval(20 * time.Millisecond),
		broker.WithReconnectStrategy(fastReconnect()),
		broker.WithRetryDelay(time.Millisecond),
	}
	if notifier != nil {
		opts = append(opts, broker.WithNotifications(notifier))
	}
	opts = append(opts, extra...)

	b, err := broker.New(opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func statusOf(t *testing.T, store *memory.Store, id string) model.Status {
	t.Helper()
	rows, err := store.Select(context.Background(), broker.TableMessages,
		broker.Filter{broker.Eq(broker.FieldID, id)})
	if err != nil {
		return ""
	}
	return rows[0].Status
}

func TestNew_RequiresStoreAndLogger(t *testing.T) {
	_, err := broker.New(broker.WithLogger(&broker.NoopLogger{}))
	assert.Error(t, err)

	_, err = broker.New(broker.WithStore(memory.New()))
	assert.Error(t, err)
}

func TestPublishAndSubscribe_AutoAcknowledge(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	received := make(chan string, 1)
	_, err := b.Subscribe(model.QueueKnowledge, "task.created", true,
		func(_ context.Context, d *broker.Delivery) error {
			received <- d.Message.ID
			return nil
		})
	require.NoError(t, err)

	payload, err := model.EncodePayload(map[string]string{"task": "index"})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue:   model.QueueKnowledge,
		Type:    "task.created",
		Payload: payload,
		Source:  "test",
	})
	require.NoError(t, err)
	assert.False(t, result.Buffered)
	assert.NoError(t, <-result.Done)

	select {
	case id := <-received:
		assert.Equal(t, result.MessageID, id)
	case <-time.After(waitFor):
		t.Fatal("handler never invoked")
	}

	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusAcknowledged
	}, waitFor, tick)
}

func TestPublish_ValidatesRequest(t *testing.T) {
	b := newTestBroker(t, memory.New(), nil)

	tests := []struct {
		name string
		req  broker.PublishRequest
	}{
		{
			name: "Unknown queue",
			req:  broker.PublishRequest{Queue: "billing", Type: "t", Source: "s"},
		},
		{
			name: "Missing type",
			req:  broker.PublishRequest{Queue: model.QueueSystem, Source: "s"},
		},
		{
			name: "Missing source",
			req:  broker.PublishRequest{Queue: model.QueueSystem, Type: "t"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Publish(context.Background(), tt.req)
			assert.Error(t, err)

			var be *broker.Error
			require.True(t, errors.As(err, &be))
			assert.Equal(t, broker.ErrCodeValidation, be.Code)
		})
	}
}

func TestSubscribe_ValidatesInput(t *testing.T) {
	b := newTestBroker(t, memory.New(), nil)

	_, err := b.Subscribe(model.Queue("billing"), "t", false,
		func(context.Context, *broker.Delivery) error { return nil })
	assert.Error(t, err)

	_, err = b.Subscribe(model.QueueSystem, "t", false, nil)
	assert.Error(t, err)
}

// Two change-feed notifications for the same message id result in exactly one
// handler invocation while the first is still in flight.
func TestDispatch_InflightGuard(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	block := make(chan struct{})
	started := make(chan model.Message, 1)
	var calls int32

	_, err := b.Subscribe(model.QueueAgents, "work", false,
		func(_ context.Context, d *broker.Delivery) error {
			atomic.AddInt32(&calls, 1)
			started <- d.Message
			<-block
			return nil
		})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueAgents, Type: "work", Source: "test",
	})
	require.NoError(t, err)

	var msg model.Message
	select {
	case msg = <-started:
	case <-time.After(waitFor):
		t.Fatal("handler never invoked")
	}

	// Simulate a duplicate notification for the same id.
	dup := msg
	dup.Seq = 0
	require.NoError(t, store.Insert(context.Background(), broker.TableBroadcasts, &dup))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	close(block)

	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusDelivered
	}, waitFor, tick)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// A message whose handler always fails is invoked maxRetries+1 times and then
// marked failed terminally.
func TestRetry_ExhaustsAfterMaxRetries(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)

	const maxRetries = 2
	var calls int32

	_, err := b.SubscribeWithOptions(model.QueueAgents, "flaky",
		broker.SubscribeOptions{MaxRetries: maxRetries, RetryDelay: time.Millisecond},
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("handler rejects everything")
		})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueAgents, Type: "flaky", Source: "test",
	})
	require.NoError(t, err)

	// Redelivery is driven by replay; keep replaying until the retry budget
	// is exhausted.
	assert.Eventually(t, func() bool {
		_, _ = b.ReplayMissed(context.Background(), model.QueueAgents, "flaky", nil)
		return atomic.LoadInt32(&calls) == maxRetries+1 &&
			statusOf(t, store, result.MessageID) == model.StatusFailed
	}, waitFor, tick)

	select {
	case id := <-notifier.failed:
		assert.Equal(t, result.MessageID, id)
	case <-time.After(waitFor):
		t.Fatal("terminal failure never notified")
	}

	// Terminal: further replays must not re-invoke the handler.
	replayed, err := b.ReplayMissed(context.Background(), model.QueueAgents, "flaky", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, replayed)
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&calls))
}

// Without auto-acknowledge the message stays processing (and in flight) until
// the handler explicitly acknowledges it.
func TestAck_ManualAcknowledgment(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	deliveries := make(chan *broker.Delivery, 1)
	var calls int32

	_, err := b.SubscribeWithOptions(model.QueueKnowledge, "task",
		broker.SubscribeOptions{UseAcknowledgment: true},
		func(_ context.Context, d *broker.Delivery) error {
			atomic.AddInt32(&calls, 1)
			deliveries <- d
			return nil
		})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueKnowledge, Type: "task", Source: "test",
	})
	require.NoError(t, err)

	var d *broker.Delivery
	select {
	case d = <-deliveries:
	case <-time.After(waitFor):
		t.Fatal("handler never invoked")
	}

	// Handler returned without acknowledging: still processing.
	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusProcessing
	}, waitFor, tick)

	// Still in flight: a duplicate notification is ignored.
	dup := d.Message
	dup.Seq = 0
	require.NoError(t, store.Insert(context.Background(), broker.TableBroadcasts, &dup))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	require.NoError(t, d.Ack(context.Background()))
	assert.Equal(t, model.StatusAcknowledged, statusOf(t, store, result.MessageID))

	// Idempotent.
	assert.NoError(t, d.Ack(context.Background()))
}

func TestDelivery_NonAckMarksDelivered(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	_, err := b.Subscribe(model.QueueSystem, "event", false,
		func(context.Context, *broker.Delivery) error { return nil })
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueSystem, Type: "event", Source: "test",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusDelivered
	}, waitFor, tick)
}

// A panicking handler is treated as a failed attempt, not a crash.
func TestHandlerPanic_CountsAsFailure(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil, broker.WithMaxRetries(0))

	_, err := b.Subscribe(model.QueueSystem, "boom", false,
		func(context.Context, *broker.Delivery) error {
			panic("handler exploded")
		})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueSystem, Type: "boom", Source: "test",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusFailed
	}, waitFor, tick)
}

// After an outage the broker re-registers subscriptions and replays messages
// left pending, skipping any message currently in flight.
func TestReconnect_ReplaysMissedMessages(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Rows persisted before any subscriber existed stay pending.
	missed := make(map[string]bool)
	for i := 0; i < 3; i++ {
		m := model.NewMessage(model.QueueAgents, "missed", nil, "test")
		require.NoError(t, store.Insert(ctx, broker.TableMessages, &m))
		missed[m.ID] = false
	}

	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)

	received := make(chan string, 8)
	_, err := b.Subscribe(model.QueueAgents, "missed", true,
		func(_ context.Context, d *broker.Delivery) error {
			received <- d.Message.ID
			return nil
		})
	require.NoError(t, err)

	// One message in flight across the outage; replay must skip it.
	block := make(chan struct{})
	blockedStarted := make(chan struct{}, 1)
	var blockedCalls int32
	_, err = b.Subscribe(model.QueueAgents, "blocked", true,
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&blockedCalls, 1)
			blockedStarted <- struct{}{}
			<-block
			return nil
		})
	require.NoError(t, err)

	_, err = b.Publish(ctx, broker.PublishRequest{
		Queue: model.QueueAgents, Type: "blocked", Source: "test",
	})
	require.NoError(t, err)
	waitSignal(t, blockedStarted, "blocked handler start")

	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")

	store.SetOffline(false)
	waitSignal(t, notifier.restored, "connection restored notification")

	for i := 0; i < 3; i++ {
		select {
		case id := <-received:
			seen, known := missed[id]
			require.True(t, known, "replayed unknown message %s", id)
			require.False(t, seen, "message %s replayed twice", id)
			missed[id] = true
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for replay, got %d of 3", i)
		}
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&blockedCalls))
	close(block)
}

// Publishes during an outage are buffered and flushed once connectivity
// returns; each buffered result resolves when its write lands.
func TestOutage_BuffersAndFlushesPublishes(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)

	ctx := context.Background()

	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")
	assert.False(t, b.IsConnected())

	results := make([]*broker.PublishResult, 0, 5)
	for i := 0; i < 5; i++ {
		result, err := b.Publish(ctx, broker.PublishRequest{
			Queue: model.QueueKnowledge, Type: "buffered", Source: "test",
		})
		require.NoError(t, err)
		assert.True(t, result.Buffered)
		results = append(results, result)
	}
	assert.Equal(t, 0, store.Count(broker.TableMessages))

	store.SetOffline(false)
	waitSignal(t, notifier.restored, "connection restored notification")

	for _, result := range results {
		select {
		case err := <-result.Done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatalf("buffered publish %s never flushed", result.MessageID)
		}
	}

	assert.Equal(t, 5, store.Count(broker.TableMessages))

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Pending)
}

func TestOutage_BufferLimit(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier, broker.WithPendingBufferLimit(2))

	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")

	ctx := context.Background()
	req := broker.PublishRequest{Queue: model.QueueSystem, Type: "t", Source: "test"}

	for i := 0; i < 2; i++ {
		result, err := b.Publish(ctx, req)
		require.NoError(t, err)
		assert.True(t, result.Buffered)
	}

	_, err := b.Publish(ctx, req)
	assert.ErrorIs(t, err, broker.ErrBufferFull)
}

// A failed chunk is skipped, not fatal: 25 messages in chunks of 5 with the
// second chunk failing leaves 20 persisted.
func TestPublishBatch_PartialFailure(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil, broker.WithBatchSize(5))

	reqs := make([]broker.PublishRequest, 25)
	for i := range reqs {
		reqs[i] = broker.PublishRequest{Queue: model.QueueKnowledge, Type: "bulk", Source: "test"}
	}

	store.FailInsertsAfter(1, 1) // first chunk lands, second fails

	persisted, err := b.PublishBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, 20, persisted)
	assert.Equal(t, 20, store.Count(broker.TableMessages))
}

func TestPublishBatch_RejectedWhileDisconnected(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)

	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")

	_, err := b.PublishBatch(context.Background(), []broker.PublishRequest{
		{Queue: model.QueueSystem, Type: "t", Source: "test"},
	})
	assert.Error(t, err)
}

func TestPublishBatch_ValidatesAllUpfront(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	persisted, err := b.PublishBatch(context.Background(), []broker.PublishRequest{
		{Queue: model.QueueSystem, Type: "ok", Source: "test"},
		{Queue: "billing", Type: "bad", Source: "test"},
	})
	assert.Error(t, err)
	assert.Equal(t, 0, persisted)
	assert.Equal(t, 0, store.Count(broker.TableMessages))
}

func TestReplayByID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	pending1 := model.NewMessage(model.QueueSystem, "task", nil, "test")
	pending2 := model.NewMessage(model.QueueSystem, "task", nil, "test")
	done := model.NewMessage(model.QueueSystem, "task", nil, "test")
	done.Status = model.StatusAcknowledged
	for _, m := range []*model.Message{&pending1, &pending2, &done} {
		require.NoError(t, store.Insert(ctx, broker.TableMessages, m))
	}

	b := newTestBroker(t, store, nil)

	received := make(chan string, 4)
	_, err := b.Subscribe(model.QueueSystem, "task", true,
		func(_ context.Context, d *broker.Delivery) error {
			received <- d.Message.ID
			return nil
		})
	require.NoError(t, err)

	replayed, err := b.ReplayByID(ctx, []string{pending1.ID, pending2.ID, done.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, replayed) // terminal message skipped

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for replayed delivery")
		}
	}
	assert.True(t, got[pending1.ID])
	assert.True(t, got[pending2.ID])

	replayed, err = b.ReplayByID(ctx, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, replayed)
}

// Cleanup deletes acknowledged messages past the retention window, marks
// overdue messages expired and prunes stale broadcast records.
func TestCleanup_RetentionAndExpiry(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	oldAck := model.NewMessage(model.QueueSystem, "done", nil, "test")
	oldAck.Status = model.StatusAcknowledged
	oldAck.Timestamp = time.Now().Add(-2 * time.Hour)

	recentAck := model.NewMessage(model.QueueSystem, "done", nil, "test")
	recentAck.Status = model.StatusAcknowledged

	overdue := model.NewMessage(model.QueueSystem, "late", nil, "test")
	expiry := time.Now().Add(-1 * time.Minute)
	overdue.ExpiresAt = &expiry

	fresh := model.NewMessage(model.QueueSystem, "new", nil, "test")

	for _, m := range []*model.Message{&oldAck, &recentAck, &overdue, &fresh} {
		require.NoError(t, store.Insert(ctx, broker.TableMessages, m))
	}

	staleBroadcast := model.NewMessage(model.QueueSystem, "old", nil, "test")
	staleBroadcast.Timestamp = time.Now().Add(-2 * time.Hour)
	require.NoError(t, store.Insert(ctx, broker.TableBroadcasts, &staleBroadcast))

	newTestBroker(t, store, nil,
		broker.WithCleanupInterval(20*time.Millisecond),
		broker.WithRetentionWindow(time.Hour))

	assert.Eventually(t, func() bool {
		rows, err := store.Select(ctx, broker.TableMessages, nil)
		if err != nil {
			return false
		}
		byID := map[string]model.Message{}
		for _, m := range rows {
			byID[m.ID] = m
		}
		_, oldAckPresent := byID[oldAck.ID]
		return !oldAckPresent &&
			byID[recentAck.ID].Status == model.StatusAcknowledged &&
			byID[overdue.ID].Status == model.StatusExpired &&
			byID[fresh.ID].Status == model.StatusPending &&
			store.Count(broker.TableBroadcasts) == 0
	}, waitFor, tick)
}

func TestGetStats(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	statuses := []model.Status{
		model.StatusPending, model.StatusPending,
		model.StatusProcessing,
		model.StatusAcknowledged,
		model.StatusFailed,
	}
	for _, status := range statuses {
		m := model.NewMessage(model.QueueSystem, "t", nil, "test")
		m.Status = status
		require.NoError(t, store.Insert(ctx, broker.TableMessages, &m))
	}

	b := newTestBroker(t, store, nil)

	stats, err := b.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 1, stats.Acknowledged)
	assert.Equal(t, 1, stats.Failed)
	assert.NotNil(t, stats.OldestPending)
}

func TestGetStats_Empty(t *testing.T) {
	b := newTestBroker(t, memory.New(), nil)

	stats, err := b.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Nil(t, stats.OldestPending)
}

// With persistence disabled, publishes are written as transient broadcasts:
// subscribers still receive them but no durable row or status tracking exists.
func TestPersistenceDisabled_DirectBroadcast(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil, broker.WithPersistence(false))

	received := make(chan string, 1)
	_, err := b.Subscribe(model.QueueKnowledge, "transient", false,
		func(_ context.Context, d *broker.Delivery) error {
			received <- d.Message.ID
			return nil
		})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueKnowledge, Type: "transient", Source: "test",
	})
	require.NoError(t, err)

	select {
	case id := <-received:
		assert.Equal(t, result.MessageID, id)
	case <-time.After(waitFor):
		t.Fatal("handler never invoked")
	}

	assert.Equal(t, 0, store.Count(broker.TableMessages))
	assert.Equal(t, 1, store.Count(broker.TableBroadcasts))
}

// Re-subscribing the same (queue, type) replaces the previous binding.
func TestSubscribe_ReplacesExistingBinding(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	var first, second int32
	_, err := b.Subscribe(model.QueueAgents, "task", false,
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&first, 1)
			return nil
		})
	require.NoError(t, err)

	_, err = b.Subscribe(model.QueueAgents, "task", false,
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&second, 1)
			return nil
		})
	require.NoError(t, err)

	_, err = b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueAgents, Type: "task", Source: "test",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&second) == 1
	}, waitFor, tick)
	assert.Equal(t, int32(0), atomic.LoadInt32(&first))
}

func TestUnsubscribe_StopsDispatch(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	var calls int32
	unsubscribe, err := b.Subscribe(model.QueueAgents, "task", false,
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	require.NoError(t, err)

	unsubscribe()

	_, err = b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueAgents, Type: "task", Source: "test",
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

// An expired message is never handed to a handler.
func TestDispatch_ExpiredMessageSkipsHandler(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	var calls int32
	_, err := b.Subscribe(model.QueueSystem, "task", false,
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	require.NoError(t, err)

	expiry := time.Now().Add(-1 * time.Minute)
	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueSystem, Type: "task", Source: "test", ExpiresAt: &expiry,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusExpired
	}, waitFor, tick)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

// Unsubscribing while reconnection recovery re-registers listeners must not
// leave a leaked listener dispatching to the removed binding.
func TestUnsubscribe_DuringReconnectRecovery(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)

	var calls int32
	unsubs := make([]broker.Unsubscribe, 0, 50)
	for i := 0; i < 50; i++ {
		unsubscribe, err := b.Subscribe(model.QueueAgents, fmt.Sprintf("evt.%d", i), false,
			func(context.Context, *broker.Delivery) error {
				atomic.AddInt32(&calls, 1)
				return nil
			})
		require.NoError(t, err)
		unsubs = append(unsubs, unsubscribe)
	}

	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")
	store.SetOffline(false)
	waitSignal(t, notifier.restored, "connection restored notification")

	// Races with the listener re-registration running in the recovery
	// goroutine.
	for _, unsubscribe := range unsubs {
		unsubscribe()
	}

	// Let recovery finish, then verify no listener survived the unsubscribes.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 50; i++ {
		_, err := b.Publish(context.Background(), broker.PublishRequest{
			Queue: model.QueueAgents, Type: fmt.Sprintf("evt.%d", i), Source: "test",
		})
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

// A flush interrupted by a failed write resumes on a later probe tick; it
// does not wait for another disconnect/reconnect cycle.
func TestOutage_FlushResumesAfterPartialFailure(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)
	ctx := context.Background()

	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")

	results := make([]*broker.PublishResult, 0, 3)
	for i := 0; i < 3; i++ {
		result, err := b.Publish(ctx, broker.PublishRequest{
			Queue: model.QueueKnowledge, Type: "buffered", Source: "test",
		})
		require.NoError(t, err)
		require.True(t, result.Buffered)
		results = append(results, result)
	}

	// The first flush lands one write and fails the next, re-buffering two.
	store.FailInsertsAfter(1, 1)
	store.SetOffline(false)
	waitSignal(t, notifier.restored, "connection restored notification")

	for _, result := range results {
		select {
		case err := <-result.Done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatalf("buffered publish %s never flushed", result.MessageID)
		}
	}
	assert.Equal(t, 3, store.Count(broker.TableMessages))
}

// A subscription can opt out of retries entirely: the first failure is
// terminal.
func TestSubscribeOptions_NoRetries(t *testing.T) {
	store := memory.New()
	b := newTestBroker(t, store, nil)

	var calls int32
	_, err := b.SubscribeWithOptions(model.QueueSystem, "fragile",
		broker.SubscribeOptions{MaxRetries: broker.NoRetries},
		func(context.Context, *broker.Delivery) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("no second chances")
		})
	require.NoError(t, err)

	result, err := b.Publish(context.Background(), broker.PublishRequest{
		Queue: model.QueueSystem, Type: "fragile", Source: "test",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return statusOf(t, store, result.MessageID) == model.StatusFailed
	}, waitFor, tick)

	replayed, err := b.ReplayMissed(context.Background(), model.QueueSystem, "fragile", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, replayed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// Retry bookkeeping reconciles with the stored row, so a stale notification
// carrying an outdated attempt count cannot rewind it.
func TestHandleFailure_AttemptsNeverDecrease(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	m := model.NewMessage(model.QueueAgents, "stale", nil, "test")
	m.Attempts = 2
	require.NoError(t, store.Insert(ctx, broker.TableMessages, &m))

	b := newTestBroker(t, store, nil)

	failed := make(chan struct{}, 1)
	_, err := b.SubscribeWithOptions(model.QueueAgents, "stale",
		broker.SubscribeOptions{MaxRetries: 5, RetryDelay: time.Millisecond},
		func(context.Context, *broker.Delivery) error {
			select {
			case failed <- struct{}{}:
			default:
			}
			return errors.New("still failing")
		})
	require.NoError(t, err)

	// A duplicate notification delivering a row copy from before the stored
	// attempts were recorded.
	stale := m
	stale.Seq = 0
	stale.Attempts = 0
	require.NoError(t, store.Insert(ctx, broker.TableBroadcasts, &stale))

	waitSignal(t, failed, "handler invocation")

	assert.Eventually(t, func() bool {
		rows, err := store.Select(ctx, broker.TableMessages,
			broker.Filter{broker.Eq(broker.FieldID, m.ID)})
		return err == nil && rows[0].Attempts == 3
	}, waitFor, tick)
}

func TestClose_RejectsFurtherOperations(t *testing.T) {
	store := memory.New()
	notifier := newRecordingNotifier()
	b := newTestBroker(t, store, notifier)

	ctx := context.Background()

	// Buffer one publish across the close.
	store.SetOffline(true)
	waitSignal(t, notifier.lost, "connection lost notification")

	buffered, err := b.Publish(ctx, broker.PublishRequest{
		Queue: model.QueueSystem, Type: "t", Source: "test",
	})
	require.NoError(t, err)
	require.True(t, buffered.Buffered)

	b.Close()

	select {
	case err := <-buffered.Done:
		assert.ErrorIs(t, err, broker.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("buffered publish never resolved on close")
	}

	_, err = b.Publish(ctx, broker.PublishRequest{
		Queue: model.QueueSystem, Type: "t", Source: "test",
	})
	assert.ErrorIs(t, err, broker.ErrClosed)

	_, err = b.Subscribe(model.QueueSystem, "t", false,
		func(context.Context, *broker.Delivery) error { return nil })
	assert.ErrorIs(t, err, broker.ErrClosed)

	_, err = b.ReplayMissed(ctx, "", "", nil)
	assert.ErrorIs(t, err, broker.ErrClosed)

	// Idempotent.
	b.Close()
}
