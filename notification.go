package broker

import (
	"context"

	"github.com/Basilakis/kai-sub001/model"
)

// NotificationService defines an optional interface for sending notifications
// about broker events (delivery failures, terminal failures, outages).
//
// Implementations might send emails, Slack messages, SMS, or log to monitoring systems.
type NotificationService interface {
	// NotifyDeliveryFailure is called every time a handler fails for a
	// message. This is informational and happens before retry bookkeeping.
	NotifyDeliveryFailure(ctx context.Context, m *model.Message, err error) error

	// NotifyMessageFailed is called when a message exhausts its retries and
	// reaches the terminal failed status.
	NotifyMessageFailed(ctx context.Context, m *model.Message) error

	// NotifyConnectionLost is called when the store becomes unreachable.
	NotifyConnectionLost(ctx context.Context) error

	// NotifyConnectionRestored is called when connectivity returns.
	NotifyConnectionRestored(ctx context.Context) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeliveryFailure does nothing.
func (n *NoOpNotificationService) NotifyDeliveryFailure(_ context.Context, _ *model.Message, _ error) error {
	return nil
}

// NotifyMessageFailed does nothing.
func (n *NoOpNotificationService) NotifyMessageFailed(_ context.Context, _ *model.Message) error {
	return nil
}

// NotifyConnectionLost does nothing.
func (n *NoOpNotificationService) NotifyConnectionLost(_ context.Context) error {
	return nil
}

// NotifyConnectionRestored does nothing.
func (n *NoOpNotificationService) NotifyConnectionRestored(_ context.Context) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeliveryFailure logs the failed attempt.
func (n *LoggingNotificationService) NotifyDeliveryFailure(_ context.Context, m *model.Message, err error) error {
	n.logger.Warnf("⚠️ Delivery failed: message_id=%s, queue=%s, type=%s, attempt=%d, error=%v",
		m.ID, m.Queue, m.Type, m.Attempts+1, err)
	return nil
}

// NotifyMessageFailed logs the terminal failure.
func (n *LoggingNotificationService) NotifyMessageFailed(_ context.Context, m *model.Message) error {
	n.logger.Errorf("⚠️ Message failed permanently: message_id=%s, queue=%s, type=%s, attempts=%d",
		m.ID, m.Queue, m.Type, m.Attempts)
	return nil
}

// NotifyConnectionLost logs the outage.
func (n *LoggingNotificationService) NotifyConnectionLost(_ context.Context) error {
	n.logger.Warnf("🔴 Store connection lost, buffering publishes")
	return nil
}

// NotifyConnectionRestored logs the recovery.
func (n *LoggingNotificationService) NotifyConnectionRestored(_ context.Context) error {
	n.logger.Infof("✅ Store connection restored")
	return nil
}
