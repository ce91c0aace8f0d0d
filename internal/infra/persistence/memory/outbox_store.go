package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
)

// OutboxStore keeps the durable queue in process memory.
type OutboxStore struct {
	mu     sync.Mutex
	seq    int64
	events map[int64]outboxstore.EventRecord
}

// NewOutboxStore constructs an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{events: make(map[int64]outboxstore.EventRecord)}
}

// Enqueue inserts the event unless an undelivered entry with the same
// (EventType, IdempotencyKey) exists.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return outboxstore.EventRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.events {
		if record.EventType == evt.EventType && record.IdempotencyKey == evt.IdempotencyKey && !record.Delivered && !record.DeadLettered {
			return record, false, nil
		}
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	s.seq++
	record := outboxstore.EventRecord{
		ID:             s.seq,
		EventType:      evt.EventType,
		IdempotencyKey: evt.IdempotencyKey,
		Payload:        append([]byte(nil), evt.Payload...),
		AvailableAt:    availableAt,
		CreatedAt:      time.Now(),
	}
	s.events[record.ID] = record
	return record, true, nil
}

// ListPending returns ready events oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []outboxstore.EventRecord
	for _, record := range s.events {
		if record.Delivered || record.DeadLettered || record.AvailableAt.After(now) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvailableAt.Equal(out[j].AvailableAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AvailableAt.Before(out[j].AvailableAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDelivered flags the event as successfully handled.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.events[id]
	if !ok {
		return errs.New("outbox", errs.CodeNotFound)
	}
	now := time.Now()
	record.Delivered = true
	record.DeliveredAt = &now
	record.Attempts++
	s.events[id] = record
	return nil
}

// MarkFailed records the failed attempt and schedules the retry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.events[id]
	if !ok {
		return errs.New("outbox", errs.CodeNotFound)
	}
	record.Attempts++
	record.LastError = lastError
	record.AvailableAt = nextAttempt
	s.events[id] = record
	return nil
}

// Defer pushes the event's availability forward without burning an attempt.
func (s *OutboxStore) Defer(ctx context.Context, id int64, availableAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.events[id]
	if !ok {
		return errs.New("outbox", errs.CodeNotFound)
	}
	record.AvailableAt = availableAt
	s.events[id] = record
	return nil
}

// MarkDeadLettered parks the event permanently.
func (s *OutboxStore) MarkDeadLettered(ctx context.Context, id int64, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.events[id]
	if !ok {
		return errs.New("outbox", errs.CodeNotFound)
	}
	record.Attempts++
	record.LastError = lastError
	record.DeadLettered = true
	s.events[id] = record
	return nil
}

// ListDeadLettered returns parked events oldest first.
func (s *OutboxStore) ListDeadLettered(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outboxstore.EventRecord
	for _, record := range s.events {
		if record.DeadLettered {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
