package broker

import (
	"context"
	"time"

	"github.com/Basilakis/kai-sub001/model"
)

// GetStats scans all persisted messages and tallies counts per status, plus
// the oldest and newest pending timestamps (useful for alerting on stuck
// queues). This is an O(n) scan over the message table, acceptable at
// moderate volume.
func (b *Broker) GetStats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats

	msgs, err := b.store.Select(ctx, TableMessages, nil)
	if err != nil {
		if IsNoData(err) {
			return stats, nil
		}
		return stats, NewErrorWithCause(ErrCodeStore, "failed to scan messages for stats", err)
	}

	for i := range msgs {
		stats.Observe(msgs[i])
	}
	return stats, nil
}

// cleanupLoop runs the periodic cleanup task.
func (b *Broker) cleanupLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()

	b.logger.Info("Cleanup task started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Cleanup task stopped")
			return
		case <-ticker.C:
			b.runCleanup(ctx)
		}
	}
}

// runCleanup deletes acknowledged messages older than the retention window,
// marks messages past their expiry as expired, and prunes stale broadcast
// records. Each step is independent; a failed step is logged and the rest
// still run.
func (b *Broker) runCleanup(ctx context.Context) {
	if !b.isConnected() {
		b.logger.Debugf("Skipping cleanup, store unreachable")
		return
	}

	now := time.Now()

	retentionCutoff := now.Add(-b.retention)
	err := b.store.Delete(ctx, TableMessages, Filter{
		Eq(FieldStatus, string(model.StatusAcknowledged)),
		Lt(FieldTimestamp, retentionCutoff),
	})
	if err != nil && !IsNoData(err) {
		b.logger.Errorf("Cleanup: failed to delete acknowledged messages older than %v: %v", b.retention, err)
	}

	expired, err := b.store.Select(ctx, TableMessages, Filter{
		Lt(FieldExpiresAt, now),
		In(FieldStatus,
			string(model.StatusPending),
			string(model.StatusProcessing),
			string(model.StatusDelivered)),
	})
	if err != nil && !IsNoData(err) {
		b.logger.Errorf("Cleanup: failed to scan for expired messages: %v", err)
	}
	marked := 0
	for i := range expired {
		m := expired[i]
		if uerr := b.store.Update(ctx, TableMessages, m.ID, Patch{FieldStatus: model.StatusExpired}); uerr != nil {
			b.logger.Errorf("Cleanup: failed to mark message %s expired: %v", m.ID, uerr)
			continue
		}
		marked++
	}

	err = b.store.Delete(ctx, TableBroadcasts, Filter{
		Lt(FieldTimestamp, now.Add(-b.broadcastTTL)),
	})
	if err != nil && !IsNoData(err) {
		b.logger.Errorf("Cleanup: failed to prune broadcast records: %v", err)
	}

	if marked > 0 {
		b.logger.Infof("Cleanup: marked %d messages expired", marked)
	}
}
