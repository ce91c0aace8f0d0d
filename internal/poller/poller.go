// Package poller ingests payment snapshots from the network, claims each one
// exactly once, decodes its memo and seeds the settlement pipeline.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/claimstore"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
	"github.com/moneta-io/moneta/internal/events"
	"github.com/moneta-io/moneta/internal/exchange"
	"github.com/moneta-io/moneta/internal/memo"
	"github.com/moneta-io/moneta/internal/network"
	"github.com/moneta-io/moneta/internal/observability"
	"github.com/moneta-io/moneta/internal/telemetry"
)

// orderNamespace seeds deterministic order ids so re-processing the same
// snapshot can never mint a second order.
var orderNamespace = uuid.MustParse("6f1de5a8-9c0b-4a6e-9a51-0c2f6d2b1c4a")

// Enqueuer is the slice of the dispatcher the poller needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventType, idempotencyKey string, payload any) (outboxstore.EventRecord, bool, error)
}

// Options tune polling behavior. Zero values take defaults.
type Options struct {
	Interval         time.Duration
	BatchSize        int
	MinConfirmations int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MinConfirmations <= 0 {
		o.MinConfirmations = 1
	}
	return o
}

// Poller drives snapshot ingestion. Exactly one Run loop may be active; the
// loop is single-flight so overlapping polls cannot race the watermark.
type Poller struct {
	network network.Client
	claims  claimstore.Store
	orders  orderstore.Store
	queue   Enqueuer
	metrics *telemetry.Metrics
	opts    Options
}

// New constructs a poller over the given dependencies.
func New(netClient network.Client, claims claimstore.Store, orders orderstore.Store, queue Enqueuer, metrics *telemetry.Metrics, opts Options) (*Poller, error) {
	if netClient == nil || claims == nil || orders == nil || queue == nil {
		return nil, errs.New("poller", errs.CodeInvalid, errs.WithMessage("all dependencies are required"))
	}
	return &Poller{
		network: netClient,
		claims:  claims,
		orders:  orders,
		queue:   queue,
		metrics: metrics,
		opts:    opts.withDefaults(),
	}, nil
}

// Run polls until ctx is cancelled. Poll failures back off exponentially
// without advancing the watermark; a successful pass resets the backoff.
func (p *Poller) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.opts.Interval
	retry.MaxInterval = 30 * p.opts.Interval
	for {
		wait := p.opts.Interval
		if err := p.PollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			wait = retry.NextBackOff()
			observability.Log().Error("poller: poll pass failed",
				observability.F("error", err.Error()),
				observability.F("retry_in", wait.String()))
		} else {
			retry.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// PollOnce fetches one batch after the persisted watermark and processes it
// in order. The watermark advances only when the whole batch was handled; a
// snapshot still short of confirmations halts the batch so it is seen again.
func (p *Poller) PollOnce(ctx context.Context) error {
	cursor, err := p.claims.Watermark(ctx)
	if err != nil {
		return err
	}
	snapshots, next, err := p.network.PollSnapshots(ctx, cursor, p.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}
	p.metrics.SnapshotsObserved(ctx, int64(len(snapshots)))

	for _, snap := range snapshots {
		if snap.Confirmations < p.opts.MinConfirmations {
			observability.Log().Debug("poller: snapshot below confirmation threshold, halting batch",
				observability.F("snapshot_id", snap.ID),
				observability.F("confirmations", snap.Confirmations))
			return nil
		}
		if err := p.ingest(ctx, snap); err != nil {
			return err
		}
	}
	if next != "" && next != cursor {
		return p.claims.SetWatermark(ctx, next)
	}
	return nil
}

// ingest claims one snapshot and routes it. Returning an error leaves the
// claim in place so the retry is still deduplicated; a claim that never
// resolved is resumed, not skipped.
func (p *Poller) ingest(ctx context.Context, snap network.Snapshot) error {
	claimed, err := p.claims.TryClaim(ctx, claimstore.Claim{
		SnapshotID: snap.ID,
		Status:     claimstore.StatusClaimed,
	})
	if err != nil {
		return err
	}
	if !claimed {
		existing, err := p.claims.Get(ctx, snap.ID)
		if err != nil {
			return err
		}
		if existing.Status != claimstore.StatusClaimed {
			return nil
		}
		// An earlier pass claimed the snapshot and then died before
		// resolving it. Every step below is idempotent, so re-running the
		// claimed snapshot is safe and the only way it ever resolves.
		observability.Log().Info("poller: resuming unresolved claim",
			observability.F("snapshot_id", snap.ID))
	} else {
		p.metrics.SnapshotClaimed(ctx)
	}

	instruction, err := memo.Decode(snap.Memo)
	if err != nil {
		return p.reject(ctx, snap.ID, err)
	}

	if instruction.Spot != nil {
		return p.ingestOrder(ctx, snap, instruction)
	}
	return p.ingestStrategy(ctx, snap, instruction)
}

func (p *Poller) ingestOrder(ctx context.Context, snap network.Snapshot, instruction memo.Instruction) error {
	payload := instruction.Spot
	if err := p.checkFundingAsset(snap, payload); err != nil {
		return p.reject(ctx, snap.ID, err)
	}
	if snap.Amount.LessThanOrEqual(decimal.Zero) {
		return p.reject(ctx, snap.ID, errs.New("poller", errs.CodeInvalid,
			errs.WithMessage("snapshot amount must be positive"),
			errs.WithField("snapshot_id", snap.ID)))
	}

	orderID := uuid.NewSHA1(orderNamespace, []byte(snap.ID)).String()
	orderType := "market"
	limitPrice := decimal.NullDecimal{}
	if payload.Subtype.IsLimit() {
		orderType = "limit"
		limitPrice = decimal.NullDecimal{Decimal: payload.LimitPrice, Valid: true}
	}
	order := orderstore.Order{
		ID:              orderID,
		SnapshotID:      snap.ID,
		UserRef:         snap.SenderRef,
		Exchange:        payload.Exchange,
		Symbol:          payload.Symbol,
		Side:            payload.Subtype.Side(),
		OrderType:       orderType,
		AmountRequested: snap.Amount,
		LimitPrice:      limitPrice,
		State:           orderstore.StateCreated,
	}
	if err := p.orders.CreateOrder(ctx, order); err != nil {
		var envelope *errs.E
		if errors.As(err, &envelope) && envelope.Code == errs.CodeConflict {
			// Same deterministic id: the order already exists from an
			// earlier pass that failed after CreateOrder.
			observability.Log().Info("poller: order already exists for snapshot",
				observability.F("order_id", orderID),
				observability.F("snapshot_id", snap.ID))
		} else {
			return err
		}
	}
	// The order id keys the event so it shares a dispatch lane with the
	// rest of the order's lifecycle; it is deterministic per snapshot, so
	// redelivery still deduplicates.
	if _, _, err := p.queue.Enqueue(ctx, events.OrderCreate, orderID, events.OrderPayload{
		OrderID:    orderID,
		SnapshotID: snap.ID,
	}); err != nil {
		return err
	}
	if err := p.claims.Resolve(ctx, snap.ID, claimstore.StatusProcessed, orderID, ""); err != nil {
		return err
	}
	observability.Log().Info("poller: order created",
		observability.F("order_id", orderID),
		observability.F("snapshot_id", snap.ID),
		observability.F("exchange", payload.Exchange),
		observability.F("symbol", payload.Symbol),
		observability.F("side", payload.Subtype.Side()),
		observability.F("amount", snap.Amount.String()))
	return nil
}

func (p *Poller) ingestStrategy(ctx context.Context, snap network.Snapshot, instruction memo.Instruction) error {
	payload := instruction.Strategy
	if _, _, err := p.queue.Enqueue(ctx, events.StrategyApply, snap.ID, events.StrategyPayload{
		SnapshotID: snap.ID,
		Kind:       string(instruction.Kind),
		Subtype:    string(payload.Subtype),
		Exchange:   payload.Exchange,
		Symbol:     payload.Symbol,
		RoutingID:  payload.RoutingID,
		Asset:      snap.Asset,
		Amount:     snap.Amount.String(),
	}); err != nil {
		return err
	}
	return p.claims.Resolve(ctx, snap.ID, claimstore.StatusProcessed, "", "")
}

// checkFundingAsset verifies the snapshot delivered the asset the order
// spends: the quote asset for buys, the base asset for sells.
func (p *Poller) checkFundingAsset(snap network.Snapshot, payload *memo.SpotPayload) error {
	base, quote, err := exchange.SplitSymbol(payload.Symbol)
	if err != nil {
		return err
	}
	expected := quote
	if payload.Subtype.Side() == "sell" {
		expected = base
	}
	if snap.Asset != expected {
		return errs.New("poller", errs.CodeInvalid,
			errs.WithMessage("snapshot asset does not fund the instructed order"),
			errs.WithField("snapshot_asset", snap.Asset),
			errs.WithField("expected_asset", expected),
			errs.WithField("symbol", payload.Symbol))
	}
	return nil
}

// reject resolves the claim as rejected. Rejection is terminal for the
// snapshot; the funds stay where they landed for manual review.
func (p *Poller) reject(ctx context.Context, snapshotID string, cause error) error {
	p.metrics.SnapshotRejected(ctx, string(errs.Canonical(cause)))
	observability.Log().Error("poller: snapshot rejected",
		observability.F("snapshot_id", snapshotID),
		observability.F("error", cause.Error()))
	return p.claims.Resolve(ctx, snapshotID, claimstore.StatusRejected, "", cause.Error())
}
