// Package settle executes orders against exchanges and releases proceeds
// back to the payment network. It consumes order lifecycle events from the
// durable queue; every handler is idempotent so redelivery is harmless.
package settle

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/dispatch"
	"github.com/moneta-io/moneta/internal/domain/feestore"
	"github.com/moneta-io/moneta/internal/domain/keystore"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
	"github.com/moneta-io/moneta/internal/events"
	"github.com/moneta-io/moneta/internal/exchange"
	"github.com/moneta-io/moneta/internal/fee"
	"github.com/moneta-io/moneta/internal/keypool"
	"github.com/moneta-io/moneta/internal/network"
	"github.com/moneta-io/moneta/internal/observability"
	"github.com/moneta-io/moneta/internal/telemetry"
)

// proceedsPrecision truncates release amounts; residual dust stays with the
// service rather than being invented for the user.
const proceedsPrecision = 8

// Enqueuer is the slice of the dispatcher the processor needs for chaining
// lifecycle events.
type Enqueuer interface {
	Enqueue(ctx context.Context, eventType, idempotencyKey string, payload any) (outboxstore.EventRecord, bool, error)
}

// Options tune the processor. Zero values take defaults.
type Options struct {
	// TrackInterval paces status polls while a remote order is open.
	TrackInterval time.Duration
	// RemoteTimeout bounds every exchange and network call.
	RemoteTimeout time.Duration
	// RequestsPerSecond caps exchange calls per venue.
	RequestsPerSecond float64
	// Burst is the rate limiter burst per venue.
	Burst int
}

func (o Options) withDefaults() Options {
	if o.TrackInterval <= 0 {
		o.TrackInterval = 2 * time.Second
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 10 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	return o
}

// Processor owns the order lifecycle from placement to release.
type Processor struct {
	orders   orderstore.Store
	keys     keystore.Store
	pool     *keypool.Pool
	fees     *fee.Engine
	registry *exchange.Registry
	network  network.Client
	queue    Enqueuer
	metrics  *telemetry.Metrics
	opts     Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a processor over the given dependencies.
func New(orders orderstore.Store, keys keystore.Store, pool *keypool.Pool, fees *fee.Engine, registry *exchange.Registry, netClient network.Client, queue Enqueuer, metrics *telemetry.Metrics, opts Options) (*Processor, error) {
	if orders == nil || keys == nil || pool == nil || fees == nil || registry == nil || netClient == nil || queue == nil {
		return nil, errs.New("settle", errs.CodeInvalid, errs.WithMessage("all dependencies are required"))
	}
	return &Processor{
		orders:   orders,
		keys:     keys,
		pool:     pool,
		fees:     fees,
		registry: registry,
		network:  netClient,
		queue:    queue,
		metrics:  metrics,
		opts:     opts.withDefaults(),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Register binds the processor's handlers onto the dispatcher.
func (p *Processor) Register(d *dispatch.Dispatcher) {
	d.Register(events.OrderCreate, p.HandleOrderCreate)
	d.Register(events.OrderTrack, p.HandleOrderTrack)
	d.Register(events.OrderRelease, p.HandleOrderRelease)
	d.Register(events.ReleaseConfirm, p.HandleReleaseConfirm)
	d.Register(events.StrategyApply, p.HandleStrategyApply)
}

func (p *Processor) limiter(exchangeName string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[exchangeName]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.opts.RequestsPerSecond), p.opts.Burst)
		p.limiters[exchangeName] = limiter
	}
	return limiter
}

func (p *Processor) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.opts.RemoteTimeout)
}

func orderPayload(evt outboxstore.EventRecord) (events.OrderPayload, error) {
	var payload events.OrderPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return payload, errs.New("settle", errs.CodeInvalid,
			errs.WithMessage("malformed event payload"), errs.WithCause(err),
			errs.WithField("event_type", evt.EventType))
	}
	if payload.OrderID == "" {
		return payload, errs.New("settle", errs.CodeInvalid,
			errs.WithMessage("event payload missing order id"),
			errs.WithField("event_type", evt.EventType))
	}
	return payload, nil
}

// fundingAsset is the asset the order spends; proceedsAsset is what the fill
// produces and what gets released.
func orderAssets(order orderstore.Order) (funding, proceeds string, err error) {
	base, quote, err := exchange.SplitSymbol(order.Symbol)
	if err != nil {
		return "", "", err
	}
	if order.Side == "sell" {
		return base, quote, nil
	}
	return quote, base, nil
}

// HandleOrderCreate picks a pooled credential and places the order. The
// handler is safe to redeliver: once the order left the created state it is
// a no-op beyond re-arming tracking.
func (p *Processor) HandleOrderCreate(ctx context.Context, evt outboxstore.EventRecord) error {
	payload, err := orderPayload(evt)
	if err != nil {
		return err
	}
	order, err := p.orders.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if order.State != orderstore.StateCreated {
		if order.State == orderstore.StatePlaced || order.State == orderstore.StatePartiallyFilled {
			_, _, err := p.queue.Enqueue(ctx, events.OrderTrack, order.ID, payload)
			return err
		}
		return nil
	}

	fundingAsset, _, err := orderAssets(order)
	if err != nil {
		return p.failOrder(ctx, order, err)
	}
	var key keystore.Key
	reserved := false
	if order.AssignedKeyID != 0 {
		// An earlier attempt already pinned a credential and may have landed
		// on the venue despite erroring back. Client-order-id dedupe is per
		// account, so the retry must stay on that key.
		key, err = p.keys.Get(ctx, order.AssignedKeyID)
		if err != nil {
			return err
		}
	} else {
		key, err = p.pool.Pick(ctx, order.Exchange, fundingAsset, order.AmountRequested)
		if err != nil {
			if errs.IsTerminal(err) {
				return p.failOrder(ctx, order, err)
			}
			return err
		}
		reserved = true
		keyID := key.ID
		// Persist the assignment before the remote call so a crash or
		// transient error cannot re-pick a different key.
		if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
			ID:            order.ID,
			To:            orderstore.StateCreated,
			AssignedKeyID: &keyID,
		}); err != nil {
			p.pool.Cancel(key.ID, fundingAsset, order.AmountRequested)
			return err
		}
	}
	client, err := p.registry.Lookup(order.Exchange)
	if err != nil {
		if reserved {
			p.pool.Cancel(key.ID, fundingAsset, order.AmountRequested)
		}
		return p.failOrder(ctx, order, err)
	}

	if err := p.limiter(order.Exchange).Wait(ctx); err != nil {
		if reserved {
			p.pool.Cancel(key.ID, fundingAsset, order.AmountRequested)
		}
		return err
	}
	callCtx, cancel := p.remoteCtx(ctx)
	remoteID, err := client.PlaceOrder(callCtx, credentials(key), exchange.OrderSpec{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		OrderType:     order.OrderType,
		Amount:        order.AmountRequested,
		Price:         order.LimitPrice,
	})
	cancel()
	if err != nil {
		if reserved {
			p.pool.Cancel(key.ID, fundingAsset, order.AmountRequested)
		}
		if errs.IsTerminal(err) {
			return p.rejectOrder(ctx, order, err)
		}
		// Transient: the retry resubmits on the pinned key; the venue
		// deduplicates on the client order id if this submission landed.
		return err
	}

	if reserved {
		p.pool.Commit(ctx, key.ID, fundingAsset, order.AmountRequested)
	} else {
		p.pool.Debit(ctx, key.ID, fundingAsset, order.AmountRequested)
	}
	keyID := key.ID
	if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
		ID:            order.ID,
		To:            orderstore.StatePlaced,
		AssignedKeyID: &keyID,
		RemoteOrderID: &remoteID,
	}); err != nil {
		return err
	}
	observability.Log().Info("settle: order placed",
		observability.F("order_id", order.ID),
		observability.F("exchange", order.Exchange),
		observability.F("remote_order_id", remoteID),
		observability.F("key_id", keyID))
	_, _, err = p.queue.Enqueue(ctx, events.OrderTrack, order.ID, payload)
	return err
}

// HandleOrderTrack polls the venue for fill progress. Open orders defer the
// event instead of failing it, so tracking never exhausts retry attempts.
func (p *Processor) HandleOrderTrack(ctx context.Context, evt outboxstore.EventRecord) error {
	payload, err := orderPayload(evt)
	if err != nil {
		return err
	}
	order, err := p.orders.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	switch order.State {
	case orderstore.StatePlaced, orderstore.StatePartiallyFilled:
	case orderstore.StateCreated:
		// Placement has not landed yet; look again shortly.
		return dispatch.Defer(p.opts.TrackInterval)
	default:
		return nil
	}

	key, err := p.keys.Get(ctx, order.AssignedKeyID)
	if err != nil {
		return err
	}
	client, err := p.registry.Lookup(order.Exchange)
	if err != nil {
		return err
	}
	if err := p.limiter(order.Exchange).Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := p.remoteCtx(ctx)
	status, err := client.FetchOrderStatus(callCtx, credentials(key), order.Symbol, order.RemoteOrderID)
	cancel()
	if err != nil {
		return err
	}

	switch status.State {
	case exchange.RemoteOpen:
		if status.FilledAmount.GreaterThan(order.FilledAmount) {
			filled := status.FilledAmount
			if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
				ID:           order.ID,
				To:           orderstore.StatePartiallyFilled,
				FilledAmount: &filled,
			}); err != nil {
				return err
			}
		}
		return dispatch.Defer(p.opts.TrackInterval)
	case exchange.RemoteFilled:
		filled := status.FilledAmount
		price := status.AvgPrice
		if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
			ID:             order.ID,
			To:             orderstore.StateFilled,
			FilledAmount:   &filled,
			ExecutionPrice: &price,
		}); err != nil {
			return err
		}
		observability.Log().Info("settle: order filled",
			observability.F("order_id", order.ID),
			observability.F("filled", filled.String()),
			observability.F("price", price.String()))
		_, _, err := p.queue.Enqueue(ctx, events.OrderRelease, order.ID, payload)
		return err
	case exchange.RemoteCancelled:
		if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
			ID: order.ID,
			To: orderstore.StateCancelled,
		}); err != nil {
			return err
		}
		p.metrics.OrderSettled(ctx, string(orderstore.StateCancelled))
		observability.Log().Info("settle: order cancelled on venue",
			observability.F("order_id", order.ID))
		return nil
	case exchange.RemoteRejected:
		return p.rejectOrder(ctx, order, errs.New("settle", errs.CodeRemote,
			errs.WithCanonicalCode(errs.CanonicalOrderRejected),
			errs.WithMessage("venue rejected the order"),
			errs.WithField("order_id", order.ID)))
	}
	return errs.New("settle", errs.CodeInvalid,
		errs.WithMessage("unknown remote order state"),
		errs.WithField("state", string(status.State)))
}

// HandleOrderRelease computes proceeds and fee, sends the outbound transfer
// and records the release row atomically with the state transition. Two
// guards make redelivery safe: an existing release row short-circuits the
// handler, and the transfer itself carries the order id as its network
// idempotency memo, so a retry that lost the race between submitting the
// transfer and committing the row resubmits onto the original transfer.
func (p *Processor) HandleOrderRelease(ctx context.Context, evt outboxstore.EventRecord) error {
	payload, err := orderPayload(evt)
	if err != nil {
		return err
	}
	order, err := p.orders.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}

	if _, err := p.orders.GetRelease(ctx, order.ID); err == nil {
		_, _, err := p.queue.Enqueue(ctx, events.ReleaseConfirm, order.ID, payload)
		return err
	} else if !isNotFound(err) {
		return err
	}

	switch order.State {
	case orderstore.StateFilled:
	case orderstore.StateReleased, orderstore.StateSuccess:
		_, _, err := p.queue.Enqueue(ctx, events.ReleaseConfirm, order.ID, payload)
		return err
	default:
		guard := errs.New("settle", errs.CodeReconciliation,
			errs.WithCanonicalCode(errs.CanonicalReleaseWithoutFill),
			errs.WithMessage("release requested for an unfilled order"),
			errs.WithField("order_id", order.ID),
			errs.WithField("state", string(order.State)))
		observability.Log().Critical("settle: release blocked",
			observability.F("order_id", order.ID),
			observability.F("state", string(order.State)))
		return guard
	}

	gross, proceedsAsset, err := p.proceeds(order)
	if err != nil {
		return err
	}
	feeResult, err := p.fees.Compute(ctx, feestore.CategorySpot, gross,
		order.Exchange+":"+order.Symbol, order.Exchange)
	if err != nil {
		return err
	}
	net := gross.Sub(feeResult.FeeAmount)
	if net.LessThanOrEqual(decimal.Zero) {
		return errs.New("settle", errs.CodeReconciliation,
			errs.WithMessage("net proceeds not positive"),
			errs.WithField("order_id", order.ID),
			errs.WithField("gross", gross.String()),
			errs.WithField("fee", feeResult.FeeAmount.String()))
	}

	callCtx, cancel := p.remoteCtx(ctx)
	txRef, err := p.network.SendTransfer(callCtx, order.UserRef, proceedsAsset, net, order.ID)
	cancel()
	if err != nil {
		return err
	}

	release := orderstore.Release{
		OrderID:      order.ID,
		GrossAmount:  gross,
		NetAmount:    net,
		FeeAmount:    feeResult.FeeAmount,
		FeeRate:      feeResult.RateApplied,
		NetworkTxRef: txRef,
	}
	err = p.orders.WithTransaction(ctx, func(txCtx context.Context, tx orderstore.Tx) error {
		if err := tx.UpdateState(txCtx, orderstore.StateUpdate{
			ID: order.ID,
			To: orderstore.StateReleased,
		}); err != nil {
			return err
		}
		return tx.CreateRelease(txCtx, release)
	})
	if err != nil {
		if errs.Canonical(err) == errs.CanonicalDoubleRelease {
			observability.Log().Critical("settle: duplicate release detected after transfer",
				observability.F("order_id", order.ID),
				observability.F("tx_ref", txRef))
		}
		return err
	}

	p.metrics.ReleaseSent(ctx, order.Exchange)
	observability.Log().Info("settle: proceeds released",
		observability.F("order_id", order.ID),
		observability.F("asset", proceedsAsset),
		observability.F("gross", gross.String()),
		observability.F("fee", feeResult.FeeAmount.String()),
		observability.F("net", net.String()),
		observability.F("tx_ref", txRef))
	_, _, err = p.queue.Enqueue(ctx, events.ReleaseConfirm, order.ID, payload)
	return err
}

// HandleReleaseConfirm closes the lifecycle once the release is on the books.
func (p *Processor) HandleReleaseConfirm(ctx context.Context, evt outboxstore.EventRecord) error {
	payload, err := orderPayload(evt)
	if err != nil {
		return err
	}
	order, err := p.orders.GetOrder(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if order.State != orderstore.StateReleased {
		return nil
	}
	if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
		ID: order.ID,
		To: orderstore.StateSuccess,
	}); err != nil {
		return err
	}
	p.metrics.OrderSettled(ctx, string(orderstore.StateSuccess))
	observability.Log().Info("settle: order settled",
		observability.F("order_id", order.ID))
	return nil
}

// HandleStrategyApply acknowledges strategy lifecycle instructions. Strategy
// execution itself lives off-process; the event trail is the hand-off.
func (p *Processor) HandleStrategyApply(ctx context.Context, evt outboxstore.EventRecord) error {
	var payload events.StrategyPayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return errs.New("settle", errs.CodeInvalid,
			errs.WithMessage("malformed strategy payload"), errs.WithCause(err))
	}
	observability.Log().Info("settle: strategy instruction routed",
		observability.F("snapshot_id", payload.SnapshotID),
		observability.F("kind", payload.Kind),
		observability.F("subtype", payload.Subtype),
		observability.F("exchange", payload.Exchange),
		observability.F("routing_id", payload.RoutingID),
		observability.F("amount", payload.Amount))
	return nil
}

// proceeds converts the fill into the asset owed back to the user: buys
// produce base (funding divided by price), sells produce quote (funding
// multiplied by price). Truncation keeps rounding in the service's favor.
func (p *Processor) proceeds(order orderstore.Order) (decimal.Decimal, string, error) {
	_, proceedsAsset, err := orderAssets(order)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	if !order.ExecutionPrice.Valid || order.ExecutionPrice.Decimal.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, "", errs.New("settle", errs.CodeReconciliation,
			errs.WithMessage("filled order has no execution price"),
			errs.WithField("order_id", order.ID))
	}
	price := order.ExecutionPrice.Decimal
	var gross decimal.Decimal
	if order.Side == "sell" {
		gross = order.FilledAmount.Mul(price)
	} else {
		gross = order.FilledAmount.DivRound(price, proceedsPrecision+4)
	}
	return gross.RoundDown(proceedsPrecision), proceedsAsset, nil
}

func (p *Processor) failOrder(ctx context.Context, order orderstore.Order, cause error) error {
	code := string(errs.Canonical(cause))
	if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
		ID:          order.ID,
		To:          orderstore.StateFailed,
		FailureCode: &code,
	}); err != nil {
		return err
	}
	p.metrics.OrderSettled(ctx, string(orderstore.StateFailed))
	observability.Log().Error("settle: order failed",
		observability.F("order_id", order.ID),
		observability.F("failure_code", code),
		observability.F("error", cause.Error()))
	return nil
}

func (p *Processor) rejectOrder(ctx context.Context, order orderstore.Order, cause error) error {
	code := string(errs.Canonical(cause))
	to := orderstore.StateRejected
	if !orderstore.CanTransition(order.State, to) {
		to = orderstore.StateFailed
	}
	if err := p.orders.UpdateState(ctx, orderstore.StateUpdate{
		ID:          order.ID,
		To:          to,
		FailureCode: &code,
	}); err != nil {
		return err
	}
	p.metrics.OrderSettled(ctx, string(to))
	observability.Log().Error("settle: order rejected by venue",
		observability.F("order_id", order.ID),
		observability.F("failure_code", code),
		observability.F("error", cause.Error()))
	return nil
}

func credentials(key keystore.Key) exchange.Credentials {
	return exchange.Credentials{
		APIKey:     key.APIKey,
		APISecret:  key.APISecret,
		Passphrase: key.Passphrase,
	}
}

func isNotFound(err error) bool {
	var envelope *errs.E
	return errors.As(err, &envelope) && envelope.Code == errs.CodeNotFound
}
