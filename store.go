package broker

import (
	"context"

	"github.com/Basilakis/kai-sub001/model"
)

// Logical table names understood by Store implementations. Adapters map them
// to physical tables (typically with a prefix).
const (
	// TableMessages holds durably persisted messages.
	TableMessages = "message"

	// TableBroadcasts holds transient broadcast records. Replay and
	// direct-broadcast publishing write here; rows are pruned by the cleanup
	// task and never consulted for status.
	TableBroadcasts = "broadcast"
)

// Patch is a partial update applied to a stored message row,
// keyed by field name (FieldStatus, FieldAttempts, ...).
type Patch map[string]interface{}

// Unsubscribe releases a change-feed listener.
type Unsubscribe func()

// Store is the durable storage contract consumed by the broker core.
// It offers row storage plus a change-feed for inserts; everything else
// (acknowledgments, redelivery, consumer bookkeeping) is layered on top by
// the broker.
//
// Implementations must be safe for concurrent use. Query errors for empty
// result sets are reported as ErrNoData.
type Store interface {
	// Insert persists a single message into the given table.
	Insert(ctx context.Context, table string, m *model.Message) error

	// InsertBatch persists several messages as one grouped write.
	// The write is all-or-nothing per call; the broker chunks large batches.
	InsertBatch(ctx context.Context, table string, ms []model.Message) error

	// Update applies a partial update to the message with the given id.
	Update(ctx context.Context, table string, id string, patch Patch) error

	// Select returns all messages matching the filter.
	// Returns ErrNoData when nothing matches.
	Select(ctx context.Context, table string, filter Filter) ([]model.Message, error)

	// Delete removes all messages matching the filter.
	Delete(ctx context.Context, table string, filter Filter) error

	// SubscribeToInserts registers a change-feed listener invoked for every
	// row inserted into the table that matches the filter. The listener is
	// released by calling the returned Unsubscribe.
	SubscribeToInserts(table string, filter Filter, fn func(model.Message)) (Unsubscribe, error)

	// Probe performs a lightweight reachability check against the store.
	Probe(ctx context.Context) error
}
