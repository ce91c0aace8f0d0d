package observability

import (
	"sync"
	"time"
)

// DeadLetterAlert records one event that exhausted its retry budget.
type DeadLetterAlert struct {
	EventID        int64
	EventType      string
	IdempotencyKey string
	Attempts       int
	LastError      string
	OccurredAt     time.Time
}

// DeadLetterQueue stores operator-visible alerts for dead-lettered events.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	alerts   []DeadLetterAlert
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.alerts = make([]DeadLetterAlert, 0)
	return queue
}

// Offer records an alert in the DLQ.
func (q *DeadLetterQueue) Offer(alert DeadLetterAlert) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.alerts) >= q.capacity {
		// Drop oldest alert to make space for new record.
		copy(q.alerts[0:], q.alerts[1:])
		q.alerts[len(q.alerts)-1] = alert
		return
	}
	q.alerts = append(q.alerts, alert)
}

// Drain retrieves and clears all queued alerts.
func (q *DeadLetterQueue) Drain() []DeadLetterAlert {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]DeadLetterAlert, len(q.alerts))
	copy(drained, q.alerts)
	q.alerts = q.alerts[:0]
	return drained
}

// Len returns the number of queued alerts.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.alerts)
}
