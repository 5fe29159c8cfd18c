package broker

import (
	"context"
	"time"
)

// monitorLoop is the connection monitor: a fixed-interval probe against the
// store that detects loss and restoration of connectivity.
func (b *Broker) monitorLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.probeInterval)
	defer ticker.Stop()

	b.logger.Info("Connection monitor started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Connection monitor stopped")
			return
		case <-ticker.C:
			b.checkConnection(ctx)
		}
	}
}

// checkConnection runs one probe tick. Side effects are strictly sequential
// per tick; reconnection is delegated to a single reconnect loop guarded by
// the reconnecting flag, so no two attempts ever run concurrently.
func (b *Broker) checkConnection(ctx context.Context) {
	if err := b.store.Probe(ctx); err != nil {
		b.markDisconnected(ctx, err)
		return
	}

	b.mu.Lock()
	wasDisconnected := !b.connected
	recovering := b.reconnecting
	if wasDisconnected && !recovering {
		// Probe came back before a reconnect loop was scheduled.
		b.connected = true
	}
	buffered := len(b.pending)
	b.mu.Unlock()

	if wasDisconnected && !recovering {
		b.logger.Info("Store connection restored")
		b.notifyRestored(ctx)
		b.recoverAfterReconnect(ctx)
		return
	}

	// A flush that failed part-way leaves buffered publishes behind while the
	// store is healthy; retry them on the next successful probe.
	if !wasDisconnected && buffered > 0 {
		b.logger.Infof("Retrying flush of %d buffered publishes", buffered)
		b.drainPending(ctx)
	}
}

// markDisconnected flips to disconnected state (idempotent; repeated probe
// failures are no-ops) and schedules the reconnect loop.
func (b *Broker) markDisconnected(ctx context.Context, cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	firstFailure := b.connected
	b.connected = false
	startLoop := !b.reconnecting
	if startLoop {
		b.reconnecting = true
	}
	b.mu.Unlock()

	if firstFailure {
		b.logger.Errorf("Store connection lost: %v", cause)
		if err := b.notifications.NotifyConnectionLost(ctx); err != nil {
			b.logger.Warnf("Failed to send connection lost notification: %v", err)
		}
	}
	if startLoop {
		go b.reconnectLoop(ctx)
	}
}

// reconnectLoop retries the probe with escalating backoff until the store
// answers, then drives recovery: subscription re-registration first, then the
// buffered publish drain, then replay of missed messages, in that order so
// re-registered consumers exist before buffered and replayed messages reach
// them.
func (b *Broker) reconnectLoop(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		delay := b.reconnect.Delay(attempt)
		b.logger.Infof("Reconnection attempt %d in %v", attempt, delay)

		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.reconnecting = false
			b.mu.Unlock()
			return
		case <-time.After(delay):
		}

		if err := b.store.Probe(ctx); err != nil {
			b.logger.Warnf("Reconnection attempt %d failed: %v", attempt, err)
			continue
		}

		b.mu.Lock()
		b.connected = true
		b.reconnecting = false
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return
		}

		b.logger.Infof("Store connection restored after %d attempts", attempt)
		b.notifyRestored(ctx)
		b.recoverAfterReconnect(ctx)
		return
	}
}

func (b *Broker) notifyRestored(ctx context.Context) {
	if err := b.notifications.NotifyConnectionRestored(ctx); err != nil {
		b.logger.Warnf("Failed to send connection restored notification: %v", err)
	}
}

// recoverAfterReconnect restores broker state after an outage:
// re-register subscriptions, flush buffered publishes, replay messages left
// pending or processing.
func (b *Broker) recoverAfterReconnect(ctx context.Context) {
	b.reRegisterAll()
	b.drainPending(ctx)

	replayed, err := b.ReplayMissed(ctx, "", "", nil)
	if err != nil {
		b.logger.Errorf("Replay after reconnect failed: %v", err)
		return
	}
	if replayed > 0 {
		b.logger.Infof("Replayed %d missed messages after reconnect", replayed)
	}
}
