package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
)

// OutboxStore persists the durable event queue.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 128
	maxOutboxLimit     = 1024
)

const (
	outboxInsertSQL = `
INSERT INTO events_outbox (event_type, idempotency_key, payload, available_at)
VALUES ($1, $2, COALESCE($3::jsonb, 'null'::jsonb), $4)
ON CONFLICT (event_type, idempotency_key) WHERE NOT delivered AND NOT dead_lettered DO NOTHING
RETURNING
    id, event_type, idempotency_key, payload, available_at, delivered_at,
    attempts, last_error, delivered, dead_lettered, created_at;
`

	outboxSelectExistingSQL = `
SELECT
    id, event_type, idempotency_key, payload, available_at, delivered_at,
    attempts, last_error, delivered, dead_lettered, created_at
FROM events_outbox
WHERE event_type = $1
  AND idempotency_key = $2
  AND NOT delivered
  AND NOT dead_lettered;
`

	outboxListPendingSQL = `
SELECT
    id, event_type, idempotency_key, payload, available_at, delivered_at,
    attempts, last_error, delivered, dead_lettered, created_at
FROM events_outbox
WHERE NOT delivered
  AND NOT dead_lettered
  AND available_at <= NOW()
ORDER BY available_at ASC, id ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE events_outbox
SET delivered = TRUE,
    delivered_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxDeferSQL = `
UPDATE events_outbox
SET available_at = $2
WHERE id = $1;
`

	outboxMarkDeadLetteredSQL = `
UPDATE events_outbox
SET attempts = attempts + 1,
    last_error = $2,
    dead_lettered = TRUE
WHERE id = $1;
`

	outboxListDeadLetteredSQL = `
SELECT
    id, event_type, idempotency_key, payload, available_at, delivered_at,
    attempts, last_error, delivered, dead_lettered, created_at
FROM events_outbox
WHERE dead_lettered
ORDER BY id ASC
LIMIT $1;
`
)

// Enqueue inserts the event unless an undelivered entry with the same
// (EventType, IdempotencyKey) exists; the boolean reports whether a new
// entry was created.
func (s *OutboxStore) Enqueue(ctx context.Context, evt outboxstore.Event) (outboxstore.EventRecord, bool, error) {
	if s.pool == nil {
		return outboxstore.EventRecord{}, false, fmt.Errorf("outbox store: nil pool")
	}
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return outboxstore.EventRecord{}, false, fmt.Errorf("outbox store: event type required")
	}
	key := strings.TrimSpace(evt.IdempotencyKey)
	if key == "" {
		return outboxstore.EventRecord{}, false, fmt.Errorf("outbox store: idempotency key required")
	}
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, eventType, key, []byte(evt.Payload), availableAt)
	record, err := scanOutboxRecord(row)
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return outboxstore.EventRecord{}, false, err
	}
	// The insert hit the dedup index; return the existing entry.
	record, err = scanOutboxRecord(s.pool.QueryRow(ctx, outboxSelectExistingSQL, eventType, key))
	if err != nil {
		return outboxstore.EventRecord{}, false, fmt.Errorf("outbox store: load duplicate: %w", err)
	}
	return record, false, nil
}

// ListPending returns ready events oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	return s.list(ctx, outboxListPendingSQL, limit)
}

// MarkDelivered flags the event as successfully handled.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	return s.exec(ctx, outboxMarkDeliveredSQL, id)
}

// MarkFailed records the failed attempt and schedules the retry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string, nextAttempt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("outbox", errs.CodeNotFound)
	}
	return nil
}

// Defer pushes the event's availability forward without burning an attempt.
func (s *OutboxStore) Defer(ctx context.Context, id int64, availableAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxDeferSQL, id, availableAt)
	if err != nil {
		return fmt.Errorf("outbox store: defer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("outbox", errs.CodeNotFound)
	}
	return nil
}

// MarkDeadLettered parks the event permanently.
func (s *OutboxStore) MarkDeadLettered(ctx context.Context, id int64, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkDeadLetteredSQL, id, strings.TrimSpace(lastError))
	if err != nil {
		return fmt.Errorf("outbox store: mark dead-lettered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("outbox", errs.CodeNotFound)
	}
	return nil
}

// ListDeadLettered returns parked events oldest first.
func (s *OutboxStore) ListDeadLettered(ctx context.Context, limit int) ([]outboxstore.EventRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	return s.list(ctx, outboxListDeadLetteredSQL, limit)
}

func (s *OutboxStore) exec(ctx context.Context, sql string, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("outbox store: exec: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("outbox", errs.CodeNotFound)
	}
	return nil
}

func (s *OutboxStore) list(ctx context.Context, sql string, limit int) ([]outboxstore.EventRecord, error) {
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EventRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate: %w", err)
	}
	return records, nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.EventRecord, error) {
	var (
		record      outboxstore.EventRecord
		payload     []byte
		deliveredAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.EventType,
		&record.IdempotencyKey,
		&payload,
		&record.AvailableAt,
		&deliveredAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.DeadLettered,
		&record.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.EventRecord{}, err
		}
		return outboxstore.EventRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Payload = payload
	if deliveredAt.Valid {
		t := deliveredAt.Time
		record.DeliveredAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
