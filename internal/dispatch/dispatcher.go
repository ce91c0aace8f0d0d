// Package dispatch drives the durable event queue: it accepts events with
// idempotency keys, delivers them to registered handlers with bounded
// retries, and parks undeliverable events on a dead-letter queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
	"github.com/moneta-io/moneta/internal/observability"
	"github.com/moneta-io/moneta/internal/telemetry"
	"github.com/moneta-io/moneta/lib/async"
)

// ErrDefer is returned (or wrapped) by a handler to reschedule the event
// without consuming a delivery attempt. Use Defer to carry the delay.
var ErrDefer = errors.New("dispatch: defer event")

type deferError struct {
	after time.Duration
}

func (e *deferError) Error() string        { return fmt.Sprintf("dispatch: defer event for %s", e.after) }
func (e *deferError) Is(target error) bool { return target == ErrDefer }

// Defer builds the sentinel a handler returns to have the event redelivered
// after the given delay.
func Defer(after time.Duration) error {
	return &deferError{after: after}
}

// Handler consumes one event payload. Returning nil marks the event
// delivered; returning an error schedules a retry unless the error is
// terminal, in which case the event dead-letters immediately.
type Handler func(ctx context.Context, evt outboxstore.EventRecord) error

// Options tune dispatcher behavior. Zero values take defaults.
type Options struct {
	// Workers bounds concurrent handler executions.
	Workers int
	// BatchSize bounds how many pending events one drain pass fetches.
	BatchSize int
	// PollInterval paces drain passes when the queue is idle.
	PollInterval time.Duration
	// MaxAttempts bounds delivery attempts before dead-lettering.
	MaxAttempts int
	// InitialBackoff seeds the retry delay schedule.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay schedule.
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
	return o
}

// Dispatcher couples the durable queue with a keyed worker pool. Events
// sharing an idempotency key are delivered one at a time, in queue order.
type Dispatcher struct {
	store   outboxstore.Store
	dlq     *observability.DeadLetterQueue
	metrics *telemetry.Metrics
	opts    Options

	mu       sync.Mutex
	handlers map[string]Handler
	inflight map[int64]struct{}

	pool *async.KeyedPool
}

// New constructs a dispatcher over the given queue store.
func New(store outboxstore.Store, dlq *observability.DeadLetterQueue, metrics *telemetry.Metrics, opts Options) (*Dispatcher, error) {
	if store == nil {
		return nil, errs.New("dispatch", errs.CodeInvalid, errs.WithMessage("outbox store is required"))
	}
	opts = opts.withDefaults()
	pool, err := async.NewKeyedPool(opts.Workers)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:    store,
		dlq:      dlq,
		metrics:  metrics,
		opts:     opts,
		handlers: make(map[string]Handler),
		inflight: make(map[int64]struct{}),
		pool:     pool,
	}, nil
}

// Register binds a handler to an event type. Registering twice for the same
// type replaces the previous handler.
func (d *Dispatcher) Register(eventType string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = handler
}

// Enqueue persists the event. The boolean reports whether the event was
// accepted as new; false means an undelivered entry with the same
// (EventType, IdempotencyKey) already exists.
func (d *Dispatcher) Enqueue(ctx context.Context, eventType, idempotencyKey string, payload any) (outboxstore.EventRecord, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return outboxstore.EventRecord{}, false, errs.New("dispatch", errs.CodeInvalid,
			errs.WithMessage("marshal event payload"), errs.WithCause(err),
			errs.WithField("event_type", eventType))
	}
	record, created, err := d.store.Enqueue(ctx, outboxstore.Event{
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		Payload:        body,
	})
	if err != nil {
		return outboxstore.EventRecord{}, false, err
	}
	if created {
		d.metrics.EventEnqueued(ctx, eventType)
	}
	return record, created, nil
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := d.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("dispatch: drain pass failed", observability.F("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := d.pool.Shutdown(shutdownCtx); err != nil {
				d.pool.Close()
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce fetches one batch of ready events and hands them to the pool.
// Events already inflight are skipped so a slow handler is never doubled up.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	pending, err := d.store.ListPending(ctx, d.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, record := range pending {
		record := record
		if !d.markInflight(record.ID) {
			continue
		}
		// Lane on the idempotency key alone so every lifecycle event for the
		// same order serializes, whatever its event type.
		if err := d.pool.Submit(ctx, record.IdempotencyKey, func(taskCtx context.Context) error {
			defer d.clearInflight(record.ID)
			d.deliver(taskCtx, record)
			return nil
		}); err != nil {
			d.clearInflight(record.ID)
			return err
		}
	}
	return nil
}

func (d *Dispatcher) markInflight(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) clearInflight(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

func (d *Dispatcher) deliver(ctx context.Context, record outboxstore.EventRecord) {
	d.mu.Lock()
	handler, ok := d.handlers[record.EventType]
	d.mu.Unlock()
	if !ok {
		d.fail(ctx, record, errs.New("dispatch", errs.CodeInvalid,
			errs.WithMessage("no handler registered"),
			errs.WithField("event_type", record.EventType)), true)
		return
	}

	err := handler(ctx, record)
	switch {
	case err == nil:
		if markErr := d.store.MarkDelivered(ctx, record.ID); markErr != nil {
			observability.Log().Error("dispatch: mark delivered failed",
				observability.F("event_id", record.ID),
				observability.F("error", markErr.Error()))
			return
		}
		d.metrics.EventDelivered(ctx, record.EventType)
	case errors.Is(err, ErrDefer):
		var de *deferError
		delay := d.opts.PollInterval
		if errors.As(err, &de) && de.after > 0 {
			delay = de.after
		}
		if deferErr := d.store.Defer(ctx, record.ID, time.Now().Add(delay)); deferErr != nil {
			observability.Log().Error("dispatch: defer failed",
				observability.F("event_id", record.ID),
				observability.F("error", deferErr.Error()))
		}
	default:
		d.fail(ctx, record, err, errs.IsTerminal(err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, record outboxstore.EventRecord, cause error, terminal bool) {
	attempts := record.Attempts + 1
	if terminal || attempts >= d.opts.MaxAttempts {
		d.deadLetter(ctx, record, attempts, cause)
		return
	}
	next := time.Now().Add(d.retryDelay(attempts))
	if err := d.store.MarkFailed(ctx, record.ID, cause.Error(), next); err != nil {
		observability.Log().Error("dispatch: mark failed errored",
			observability.F("event_id", record.ID),
			observability.F("error", err.Error()))
		return
	}
	d.metrics.EventRetried(ctx, record.EventType)
	observability.Log().Info("dispatch: delivery failed, retry scheduled",
		observability.F("event_id", record.ID),
		observability.F("event_type", record.EventType),
		observability.F("attempt", attempts),
		observability.F("next_attempt", next.Format(time.RFC3339)),
		observability.F("error", cause.Error()))
}

func (d *Dispatcher) deadLetter(ctx context.Context, record outboxstore.EventRecord, attempts int, cause error) {
	if err := d.store.MarkDeadLettered(ctx, record.ID, cause.Error()); err != nil {
		observability.Log().Error("dispatch: mark dead-lettered failed",
			observability.F("event_id", record.ID),
			observability.F("error", err.Error()))
		return
	}
	if d.dlq != nil {
		d.dlq.Offer(observability.DeadLetterAlert{
			EventID:        record.ID,
			EventType:      record.EventType,
			IdempotencyKey: record.IdempotencyKey,
			Attempts:       attempts,
			LastError:      cause.Error(),
			OccurredAt:     time.Now(),
		})
	}
	d.metrics.EventDeadLettered(ctx, record.EventType)
	observability.Log().Critical("dispatch: event dead-lettered",
		observability.F("event_id", record.ID),
		observability.F("event_type", record.EventType),
		observability.F("idempotency_key", record.IdempotencyKey),
		observability.F("attempts", attempts),
		observability.F("error", cause.Error()))
}

// retryDelay is the deterministic exponential schedule for the given attempt
// number (1-based). Jitter is disabled so retry timing is reproducible.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = d.opts.MaxBackoff
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
