package poller_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/dispatch"
	"github.com/moneta-io/moneta/internal/domain/claimstore"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
	"github.com/moneta-io/moneta/internal/domain/outboxstore"
	"github.com/moneta-io/moneta/internal/events"
	"github.com/moneta-io/moneta/internal/infra/persistence/memory"
	"github.com/moneta-io/moneta/internal/memo"
	"github.com/moneta-io/moneta/internal/network"
	netfake "github.com/moneta-io/moneta/internal/network/fake"
	"github.com/moneta-io/moneta/internal/poller"
)

type fixture struct {
	net    *netfake.Network
	claims *memory.ClaimStore
	orders *memory.OrderStore
	outbox *memory.OutboxStore
	poller *poller.Poller
}

func newFixture(t *testing.T, opts poller.Options) *fixture {
	t.Helper()
	f := &fixture{
		net:    netfake.New(),
		claims: memory.NewClaimStore(),
		orders: memory.NewOrderStore(),
		outbox: memory.NewOutboxStore(),
	}
	d, err := dispatch.New(f.outbox, nil, nil, dispatch.Options{})
	require.NoError(t, err)
	p, err := poller.New(f.net, f.claims, f.orders, d, nil, opts)
	require.NoError(t, err)
	f.poller = p
	return f
}

func encodeMemo(t *testing.T, in memo.Instruction) string {
	t.Helper()
	encoded, err := memo.Encode(in)
	require.NoError(t, err)
	return encoded
}

func limitBuySnapshot(t *testing.T, id string, amount string) network.Snapshot {
	t.Helper()
	return network.Snapshot{
		ID:        id,
		Asset:     "USDT",
		Amount:    decimal.RequireFromString(amount),
		SenderRef: "sender-1",
		Memo: encodeMemo(t, memo.SpotInstruction(memo.SpotPayload{
			Subtype:    memo.SpotLimitBuy,
			Exchange:   "binance",
			Symbol:     "BTC/USDT",
			LimitPrice: decimal.RequireFromString("65000"),
		})),
		CreatedAt:     time.Now(),
		Confirmations: 10,
	}
}

func TestIngestCreatesOrderAndEvent(t *testing.T) {
	f := newFixture(t, poller.Options{})
	f.net.Push(limitBuySnapshot(t, "snap-1", "1000"))

	require.NoError(t, f.poller.PollOnce(context.Background()))

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	order := orders[0]
	require.Equal(t, "snap-1", order.SnapshotID)
	require.Equal(t, "binance", order.Exchange)
	require.Equal(t, "BTC/USDT", order.Symbol)
	require.Equal(t, "buy", order.Side)
	require.Equal(t, "limit", order.OrderType)
	require.True(t, order.AmountRequested.Equal(decimal.RequireFromString("1000")))
	require.True(t, order.LimitPrice.Valid)
	require.Equal(t, orderstore.StateCreated, order.State)

	claim, err := f.claims.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, claimstore.StatusProcessed, claim.Status)
	require.Equal(t, order.ID, claim.OrderID)

	pending, err := f.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, events.OrderCreate, pending[0].EventType)
	require.Equal(t, order.ID, pending[0].IdempotencyKey)

	cursor, err := f.claims.Watermark(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1", cursor)
}

func TestRedeliveredSnapshotCreatesOneOrder(t *testing.T) {
	f := newFixture(t, poller.Options{})
	snap := limitBuySnapshot(t, "snap-1", "1000")
	f.net.Push(snap)

	require.NoError(t, f.poller.PollOnce(context.Background()))

	// The network redelivers the same snapshot past the watermark.
	f.net.Push(snap)
	require.NoError(t, f.poller.PollOnce(context.Background()))

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	pending, err := f.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDeterministicOrderID(t *testing.T) {
	first := newFixture(t, poller.Options{})
	second := newFixture(t, poller.Options{})
	first.net.Push(limitBuySnapshot(t, "snap-1", "1000"))
	second.net.Push(limitBuySnapshot(t, "snap-1", "1000"))

	require.NoError(t, first.poller.PollOnce(context.Background()))
	require.NoError(t, second.poller.PollOnce(context.Background()))

	a, err := first.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	b, err := second.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Equal(t, a[0].ID, b[0].ID)
}

func TestUndecodableMemoRejectsClaim(t *testing.T) {
	f := newFixture(t, poller.Options{})
	snap := limitBuySnapshot(t, "snap-1", "1000")
	snap.Memo = "garbage-memo"
	f.net.Push(snap)

	require.NoError(t, f.poller.PollOnce(context.Background()))

	claim, err := f.claims.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, claimstore.StatusRejected, claim.Status)
	require.NotEmpty(t, claim.Reason)

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestWrongFundingAssetRejects(t *testing.T) {
	f := newFixture(t, poller.Options{})
	snap := limitBuySnapshot(t, "snap-1", "1000")
	snap.Asset = "BTC" // buys must be funded in the quote asset
	f.net.Push(snap)

	require.NoError(t, f.poller.PollOnce(context.Background()))

	claim, err := f.claims.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, claimstore.StatusRejected, claim.Status)
}

func TestUnderConfirmedSnapshotHaltsBatch(t *testing.T) {
	f := newFixture(t, poller.Options{MinConfirmations: 6})
	confirmed := limitBuySnapshot(t, "snap-1", "1000")
	pendingSnap := limitBuySnapshot(t, "snap-2", "500")
	pendingSnap.Confirmations = 2
	f.net.Push(confirmed, pendingSnap)

	require.NoError(t, f.poller.PollOnce(context.Background()))

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	// Watermark must not advance past the unconfirmed snapshot.
	cursor, err := f.claims.Watermark(context.Background())
	require.NoError(t, err)
	require.Empty(t, cursor)

	// Once confirmed, a later pass picks it up without duplicating snap-1.
	f.net.Confirm("snap-2", 10)
	require.NoError(t, f.poller.PollOnce(context.Background()))

	orders, err = f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

// flakyQueue fails a fixed number of enqueues before delegating.
type flakyQueue struct {
	inner    poller.Enqueuer
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, eventType, idempotencyKey string, payload any) (outboxstore.EventRecord, bool, error) {
	if q.failures > 0 {
		q.failures--
		return outboxstore.EventRecord{}, false, errs.New("outbox", errs.CodeUnavailable,
			errs.WithMessage("connection reset"))
	}
	return q.inner.Enqueue(ctx, eventType, idempotencyKey, payload)
}

func TestEnqueueFailureResumesClaimOnNextPass(t *testing.T) {
	f := newFixture(t, poller.Options{})
	d, err := dispatch.New(f.outbox, nil, nil, dispatch.Options{})
	require.NoError(t, err)
	queue := &flakyQueue{inner: d, failures: 1}
	p, err := poller.New(f.net, f.claims, f.orders, queue, nil, poller.Options{})
	require.NoError(t, err)
	f.net.Push(limitBuySnapshot(t, "snap-1", "1000"))

	// The first pass claims the snapshot and creates the order row but
	// cannot enqueue the event; the claim stays unresolved.
	require.Error(t, p.PollOnce(context.Background()))
	claim, err := f.claims.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, claimstore.StatusClaimed, claim.Status)
	pending, err := f.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	// The next pass resumes the stalled claim instead of skipping it.
	require.NoError(t, p.PollOnce(context.Background()))
	claim, err = f.claims.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, claimstore.StatusProcessed, claim.Status)

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	pending, err = f.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, events.OrderCreate, pending[0].EventType)
}

func TestPollFailureDoesNotAdvanceWatermark(t *testing.T) {
	f := newFixture(t, poller.Options{})
	f.net.Push(limitBuySnapshot(t, "snap-1", "1000"))
	f.net.FailPolls(context.DeadlineExceeded)

	require.Error(t, f.poller.PollOnce(context.Background()))
	cursor, err := f.claims.Watermark(context.Background())
	require.NoError(t, err)
	require.Empty(t, cursor)

	f.net.FailPolls(nil)
	require.NoError(t, f.poller.PollOnce(context.Background()))
	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
}

func TestStrategyMemoRoutesToStrategyEvent(t *testing.T) {
	f := newFixture(t, poller.Options{})
	f.net.Push(network.Snapshot{
		ID:     "snap-1",
		Asset:  "USDT",
		Amount: decimal.RequireFromString("250"),
		Memo: encodeMemo(t, memo.StrategyInstruction(memo.KindMarketMaking, memo.StrategyPayload{
			Subtype:   memo.StrategyDeposit,
			Exchange:  "okx",
			Symbol:    "ETH/USDT",
			RoutingID: "route-77",
		})),
		Confirmations: 10,
	})

	require.NoError(t, f.poller.PollOnce(context.Background()))

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Empty(t, orders)

	pending, err := f.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, events.StrategyApply, pending[0].EventType)

	claim, err := f.claims.Get(context.Background(), "snap-1")
	require.NoError(t, err)
	require.Equal(t, claimstore.StatusProcessed, claim.Status)
}

func TestMarketSellFundedInBaseAsset(t *testing.T) {
	f := newFixture(t, poller.Options{})
	f.net.Push(network.Snapshot{
		ID:     "snap-1",
		Asset:  "BTC",
		Amount: decimal.RequireFromString("0.5"),
		Memo: encodeMemo(t, memo.SpotInstruction(memo.SpotPayload{
			Subtype:  memo.SpotMarketSell,
			Exchange: "binance",
			Symbol:   "BTC/USDT",
		})),
		Confirmations: 10,
	})

	require.NoError(t, f.poller.PollOnce(context.Background()))

	orders, err := f.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "sell", orders[0].Side)
	require.Equal(t, "market", orders[0].OrderType)
	require.False(t, orders[0].LimitPrice.Valid)
}
