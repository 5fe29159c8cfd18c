// Package broker provides a reliable pub/sub message broker for Go built on
// top of a durable relational store with row-level change notifications,
// delivering application events with at-least-once guarantees.
//
// The store offers no native queueing protocol — no ack/nack, no server-side
// redelivery, no consumer groups. The broker papers over that with
// application-level bookkeeping: a health probe with reconnection backoff,
// an in-flight set against duplicate concurrent handling, retry counting,
// buffered publishes during outages, and replay of missed messages.
//
// # Features
//
//   - At-least-once delivery with per-subscription acknowledgment modes
//   - Retry counting with a configurable bound before terminal failure
//   - Connection monitor with escalating reconnection backoff
//   - Automatic recovery: re-register subscriptions, flush buffered
//     publishes, replay missed messages, in that order
//   - Bounded in-memory buffering of publishes during outages
//   - Batch publishing in bounded chunks with partial-failure tolerance
//   - Typed filter expressions instead of stringly-typed operators
//   - Periodic cleanup of acknowledged and expired messages
//   - Pluggable architecture: bring your own Logger, NotificationService, Store
//   - Multi-Database Support: MySQL, PostgreSQL, SQLite via the Relica adapter
//   - Embedded migrations for easy database setup
//
// # Quick Start
//
// First, apply the database migrations and build a store:
//
//	import (
//	    "database/sql"
//	    broker "github.com/Basilakis/kai-sub001"
//	    brokerrelica "github.com/Basilakis/kai-sub001/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, _ := sql.Open("mysql", "user:pass@tcp(localhost:3306)/broker?parseTime=true")
//	store := brokerrelica.NewStore(db, "mysql")
//
// Create the broker with the Options Pattern:
//
//	b, err := broker.New(
//	    broker.WithStore(store),
//	    broker.WithLogger(logger),
//	)
//	defer b.Close()
//
// Subscribe and publish:
//
//	unsubscribe, _ := b.Subscribe(model.QueueAgents, "task.created", true,
//	    func(ctx context.Context, d *broker.Delivery) error {
//	        task, err := model.DecodePayload[Task](&d.Message)
//	        if err != nil {
//	            return err
//	        }
//	        return process(ctx, task)
//	    })
//	defer unsubscribe()
//
//	payload, _ := model.EncodePayload(Task{ID: 42})
//	result, _ := b.Publish(ctx, broker.PublishRequest{
//	    Queue:   model.QueueAgents,
//	    Type:    "task.created",
//	    Payload: payload,
//	    Source:  "scheduler",
//	})
//
// # Message Flow
//
//  1. PUBLISH
//     Publish → persist message row (status pending)
//     → store change-feed notifies matching subscriptions
//
//  2. DISPATCH
//     Delivery Tracker claims the id in the in-flight set
//     → handler invoked (with acknowledge callback when required)
//     → acknowledged / delivered on success
//     → retry counting on failure, failed after the retry bound
//
//  3. RECOVERY (after an outage)
//     Connection monitor restores connectivity
//     → re-register subscriptions → flush buffered publishes
//     → replay messages left pending or processing
//
// # Delivery Guarantees
//
// Delivery is at-least-once within loose ordering: within a queue, messages
// are generally observed in insertion order by the change-feed, but
// concurrent publishes and retries can reorder delivery. A message id is
// never handled concurrently by the same broker instance; cross-instance
// duplication is possible and handlers must be idempotent. After a handler
// failure the message becomes eligible for redelivery once the retry delay
// elapses, but actual timing depends on the next replay or change-feed event.
//
// # Database Schema
//
// The broker requires 2 database tables (created via embedded migrations):
//
//	broker_message    - Persisted messages with delivery state
//	broker_broadcast  - Transient broadcast records for replay and
//	                    persistence-free publishing
//
// Supports MySQL, PostgreSQL, and SQLite via the Relica adapter.
// Table prefix can be customized (default: "broker_").
//
// # Examples
//
// See the examples/ directory and cmd/broker-server for a standalone
// deployment with a REST API.
package broker
