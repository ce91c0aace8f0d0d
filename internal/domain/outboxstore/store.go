// Package outboxstore defines persistence contracts for the durable event
// queue feeding the dispatcher.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Event encapsulates a single queue entry ready to be enqueued. The pair
// (EventType, IdempotencyKey) is unique: re-enqueueing the same pair is a
// duplicate, not an error.
type Event struct {
	EventType      string
	IdempotencyKey string
	Payload        json.RawMessage
	AvailableAt    time.Time
}

// EventRecord captures the persisted state of a queue entry.
type EventRecord struct {
	ID             int64
	EventType      string
	IdempotencyKey string
	Payload        json.RawMessage
	AvailableAt    time.Time
	DeliveredAt    *time.Time
	Attempts       int
	LastError      string
	Delivered      bool
	DeadLettered   bool
	CreatedAt      time.Time
}

// Store abstracts persistence operations for the durable queue.
type Store interface {
	// Enqueue inserts the event if no undelivered entry with the same
	// (EventType, IdempotencyKey) exists. The boolean reports whether a
	// new entry was created.
	Enqueue(ctx context.Context, evt Event) (EventRecord, bool, error)
	// ListPending returns undelivered, non-dead-lettered events whose
	// AvailableAt has passed, oldest first.
	ListPending(ctx context.Context, limit int) ([]EventRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	// MarkFailed records a failed attempt and schedules the next one.
	MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error
	// Defer reschedules the event without counting a failed attempt. Used
	// when a handler wants the event redelivered later, e.g. while a remote
	// order is still open.
	Defer(ctx context.Context, id int64, availableAt time.Time) error
	// MarkDeadLettered parks the event permanently; dead-lettered entries
	// are never deleted and never redelivered.
	MarkDeadLettered(ctx context.Context, id int64, lastError string) error
	ListDeadLettered(ctx context.Context, limit int) ([]EventRecord, error)
}
