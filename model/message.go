// Package model contains the domain models for the broker.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const tablePrefix = "broker_"

// Queue is a logical channel name. The set of queues is a closed enumeration
// known to the deployment; publishes and subscriptions to unknown queues are
// rejected at validation time.
type Queue string

const (
	// QueueKnowledge carries knowledge-base change events.
	QueueKnowledge Queue = "knowledge"

	// QueueAgents carries agent task and coordination events.
	QueueAgents Queue = "agents"

	// QueueSystem carries system-level events (health, maintenance, audit).
	QueueSystem Queue = "system"
)

// Queues returns all queues known to the deployment.
func Queues() []Queue {
	return []Queue{QueueKnowledge, QueueAgents, QueueSystem}
}

// IsValid reports whether q is one of the deployment queues.
func (q Queue) IsValid() bool {
	switch q {
	case QueueKnowledge, QueueAgents, QueueSystem:
		return true
	}
	return false
}

// Status represents the lifecycle state of a message.
type Status string

const (
	// StatusPending indicates the message awaits handling (or redelivery after
	// a retryable failure).
	StatusPending Status = "pending"

	// StatusProcessing indicates a handler that requires acknowledgment is
	// currently working on the message.
	StatusProcessing Status = "processing"

	// StatusDelivered indicates a handler without acknowledgment completed
	// successfully. Not persisted when persistence is disabled.
	StatusDelivered Status = "delivered"

	// StatusAcknowledged indicates the handler explicitly acknowledged the
	// message. Terminal.
	StatusAcknowledged Status = "acknowledged"

	// StatusFailed indicates handling failed after exhausting retries. Terminal.
	StatusFailed Status = "failed"

	// StatusExpired indicates the message passed its expiry before being
	// handled. Terminal.
	StatusExpired Status = "expired"
)

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusExpired
}

// Message is the unit of transport between producers and consumers.
//
// Lifecycle: pending → processing → {acknowledged | failed | expired}, with
// delivered recorded for handlers that do not require acknowledgment.
// Attempts never decreases; it increases exactly once per failed handling
// cycle. Idempotency under cross-instance duplication is a handler
// responsibility, not a broker guarantee.
type Message struct {
	ID        string          `json:"id" db:"id"`
	Seq       int64           `json:"-" db:"seq"` // change-feed ordering, assigned by the store
	Queue     Queue           `json:"queue" db:"queue"`
	Type      string          `json:"type" db:"type"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Source    string          `json:"source" db:"source"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Priority  int             `json:"priority" db:"priority"` // informational only, no priority scheduling
	ExpiresAt *time.Time      `json:"expiresAt" db:"expires_at"`
	Attempts  int             `json:"attempts" db:"attempts"`
	Status    Status          `json:"status" db:"status"`
}

// TableName returns the database table name for Message.
func (m Message) TableName() string {
	return tablePrefix + "message"
}

// NewMessage creates a message ready for publication.
// Initial state: status pending, attempts 0, id assigned at publish time.
func NewMessage(queue Queue, msgType string, payload json.RawMessage, source string) Message {
	return Message{
		ID:        uuid.NewString(),
		Queue:     queue,
		Type:      msgType,
		Payload:   payload,
		Source:    source,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
}

// IsExpired reports whether the message has passed its expiry time.
// Messages without an expiry never expire.
func (m *Message) IsExpired() bool {
	return m.ExpiresAt != nil && time.Now().After(*m.ExpiresAt)
}

// Transition moves the message to the given status.
// Returns ErrTerminalStatus if the message is already in a terminal status.
func (m *Message) Transition(to Status) error {
	if m.Status.IsTerminal() {
		return ErrTerminalStatus
	}
	m.Status = to
	return nil
}

// RecordFailure increments the attempt count after a failed handling cycle and
// reports whether another retry is allowed under maxRetries.
func (m *Message) RecordFailure(maxRetries int) bool {
	m.Attempts++
	return m.Attempts <= maxRetries
}

// Age returns how long ago the message was created.
func (m *Message) Age() time.Duration {
	return time.Since(m.Timestamp)
}

// EncodePayload serializes a typed payload for publishing.
func EncodePayload[T any](v T) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DecodePayload deserializes a message payload into T.
func DecodePayload[T any](m *Message) (T, error) {
	var v T
	err := json.Unmarshal(m.Payload, &v)
	return v, err
}

// Domain errors returned by Message business logic methods.
var (
	// ErrTerminalStatus indicates a transition was attempted on a message
	// already in a terminal status (acknowledged, failed, expired).
	ErrTerminalStatus = DomainError{Code: "TERMINAL_STATUS", Message: "Message is in a terminal status"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}
