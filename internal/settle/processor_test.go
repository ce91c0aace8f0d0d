package settle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/dispatch"
	"github.com/moneta-io/moneta/internal/domain/feestore"
	"github.com/moneta-io/moneta/internal/domain/keystore"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
	"github.com/moneta-io/moneta/internal/events"
	"github.com/moneta-io/moneta/internal/exchange"
	exfake "github.com/moneta-io/moneta/internal/exchange/fake"
	"github.com/moneta-io/moneta/internal/fee"
	"github.com/moneta-io/moneta/internal/infra/persistence/memory"
	"github.com/moneta-io/moneta/internal/keypool"
	"github.com/moneta-io/moneta/internal/memo"
	"github.com/moneta-io/moneta/internal/network"
	netfake "github.com/moneta-io/moneta/internal/network/fake"
	"github.com/moneta-io/moneta/internal/poller"
	"github.com/moneta-io/moneta/internal/settle"
)

type pipeline struct {
	net        *netfake.Network
	venue      *exfake.Venue
	claims     *memory.ClaimStore
	orders     *memory.OrderStore
	keys       *memory.KeyStore
	feeConfig  *memory.FeeStore
	outbox     *memory.OutboxStore
	dispatcher *dispatch.Dispatcher
	poller     *poller.Poller
	processor  *settle.Processor
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	return newPipelineWithOrders(t, nil)
}

// newPipelineWithOrders lets fault-injection tests interpose on the order
// store the processor sees; nil wrap uses the store directly.
func newPipelineWithOrders(t *testing.T, wrap func(orderstore.Store) orderstore.Store) *pipeline {
	t.Helper()
	p := &pipeline{
		net:       netfake.New(),
		venue:     exfake.NewVenue("binance"),
		claims:    memory.NewClaimStore(),
		orders:    memory.NewOrderStore(),
		keys:      memory.NewKeyStore(),
		outbox:    memory.NewOutboxStore(),
		feeConfig: memory.NewFeeStore(feestore.Config{SpotEnabled: false}),
	}
	registry := exchange.NewRegistry()
	registry.Register("binance", p.venue)

	d, err := dispatch.New(p.outbox, nil, nil, dispatch.Options{
		Workers:        2,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	require.NoError(t, err)
	p.dispatcher = d

	var orders orderstore.Store = p.orders
	if wrap != nil {
		orders = wrap(orders)
	}
	pool := keypool.New(p.keys, registry, keypool.Options{})
	processor, err := settle.New(orders, p.keys, pool, fee.NewEngine(p.feeConfig), registry, p.net, d, nil, settle.Options{
		TrackInterval: time.Millisecond,
	})
	require.NoError(t, err)
	processor.Register(d)
	p.processor = processor

	ingest, err := poller.New(p.net, p.claims, p.orders, d, nil, poller.Options{})
	require.NoError(t, err)
	p.poller = ingest
	return p
}

func (p *pipeline) addKey(t *testing.T, asset, balance string) keystore.Key {
	t.Helper()
	return p.addNamedKey(t, "ak-1", asset, balance)
}

func (p *pipeline) addNamedKey(t *testing.T, apiKey, asset, balance string) keystore.Key {
	t.Helper()
	key, err := p.keys.Create(context.Background(), keystore.Key{
		Exchange:    "binance",
		Alias:       apiKey,
		APIKey:      apiKey,
		APISecret:   "sk-" + apiKey,
		Enabled:     true,
		Balances:    map[string]decimal.Decimal{asset: decimal.RequireFromString(balance)},
		RefreshedAt: time.Now(),
	})
	require.NoError(t, err)
	p.venue.SetBalance(key.APIKey, asset, decimal.RequireFromString(balance))
	return key
}

// settleAll drains the queue until nothing is pending or dead-lettered work
// stops making progress.
func (p *pipeline) settleAll(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, p.dispatcher.DrainOnce(context.Background()))
		pending, err := p.outbox.ListPending(context.Background(), 1)
		require.NoError(t, err)
		if len(pending) == 0 {
			// Deferred events may still be parked just past now.
			time.Sleep(3 * time.Millisecond)
			pending, err = p.outbox.ListPending(context.Background(), 1)
			require.NoError(t, err)
			if len(pending) == 0 {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("queue never drained")
}

func pushLimitBuy(t *testing.T, p *pipeline, snapshotID, amount, price string) {
	t.Helper()
	encoded, err := memo.Encode(memo.SpotInstruction(memo.SpotPayload{
		Subtype:    memo.SpotLimitBuy,
		Exchange:   "binance",
		Symbol:     "BTC/USDT",
		LimitPrice: decimal.RequireFromString(price),
	}))
	require.NoError(t, err)
	p.net.Push(network.Snapshot{
		ID:            snapshotID,
		Asset:         "USDT",
		Amount:        decimal.RequireFromString(amount),
		SenderRef:     "payer-wallet",
		Memo:          encoded,
		CreatedAt:     time.Now(),
		Confirmations: 10,
	})
}

func singleOrder(t *testing.T, p *pipeline) orderstore.Order {
	t.Helper()
	orders, err := p.orders.ListOrders(context.Background(), orderstore.Query{})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	return orders[0]
}

func TestLimitBuySettlesEndToEnd(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "5000")
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateSuccess, order.State)
	require.True(t, order.FilledAmount.Equal(decimal.RequireFromString("1300")))
	require.True(t, order.ExecutionPrice.Valid)
	require.True(t, order.ExecutionPrice.Decimal.Equal(decimal.RequireFromString("65000")))
	require.NotEmpty(t, order.RemoteOrderID)

	release, err := p.orders.GetRelease(context.Background(), order.ID)
	require.NoError(t, err)
	// 1300 USDT at 65000 buys 0.02 BTC; fees are disabled.
	require.True(t, release.GrossAmount.Equal(decimal.RequireFromString("0.02")), release.GrossAmount.String())
	require.True(t, release.NetAmount.Equal(decimal.RequireFromString("0.02")))
	require.True(t, release.FeeAmount.IsZero())

	transfers := p.net.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, "payer-wallet", transfers[0].Destination)
	require.Equal(t, "BTC", transfers[0].Asset)
	require.True(t, transfers[0].Amount.Equal(decimal.RequireFromString("0.02")))
	require.Equal(t, release.NetworkTxRef, transfers[0].TxRef)
}

func TestSpotFeeDeductedFromProceeds(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.feeConfig.SetConfig(context.Background(), feestore.Config{
		SpotRate:    decimal.RequireFromString("0.01"),
		SpotEnabled: true,
	}))
	p.addKey(t, "USDT", "5000")
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateSuccess, order.State)

	release, err := p.orders.GetRelease(context.Background(), order.ID)
	require.NoError(t, err)
	require.True(t, release.FeeAmount.Equal(decimal.RequireFromString("0.0002")), release.FeeAmount.String())
	require.True(t, release.NetAmount.Equal(decimal.RequireFromString("0.0198")), release.NetAmount.String())
	require.True(t, release.FeeRate.Equal(decimal.RequireFromString("0.01")))
}

func TestInsufficientBalanceFailsWithoutRelease(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "100")
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateFailed, order.State)
	require.Equal(t, string(errs.CanonicalNoKeyAvailable), order.FailureCode)

	_, err := p.orders.GetRelease(context.Background(), order.ID)
	require.Error(t, err)
	require.Empty(t, p.net.Transfers())
	require.Zero(t, p.venue.PlaceCalls())
}

func TestVenueRejectionIsTerminal(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "5000")
	p.venue.RejectNext(errs.New("binance", errs.CodeRemote,
		errs.WithCanonicalCode(errs.CanonicalOrderRejected),
		errs.WithRawCode("-2010")))
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateRejected, order.State)
	require.Equal(t, string(errs.CanonicalOrderRejected), order.FailureCode)
	require.Empty(t, p.net.Transfers())
}

func TestTransientPlacementErrorRetries(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "5000")
	p.venue.RejectNext(errs.New("binance", errs.CodeRemote,
		errs.WithCanonicalCode(errs.CanonicalRateLimited),
		errs.WithMessage("429 from venue")))
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateSuccess, order.State)
	require.GreaterOrEqual(t, p.venue.PlaceCalls(), 2)
}

func TestPartialFillsTrackToCompletion(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "5000")
	p.venue.ScriptFills(exfake.FillPlan{
		Symbol: "BTC/USDT",
		Steps: []exchange.OrderStatus{
			{State: exchange.RemoteOpen, FilledAmount: decimal.RequireFromString("400")},
			{State: exchange.RemoteOpen, FilledAmount: decimal.RequireFromString("900")},
			{State: exchange.RemoteFilled, FilledAmount: decimal.RequireFromString("1300"), AvgPrice: decimal.RequireFromString("64900")},
		},
	})
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateSuccess, order.State)
	require.True(t, order.FilledAmount.Equal(decimal.RequireFromString("1300")))
	require.True(t, order.ExecutionPrice.Decimal.Equal(decimal.RequireFromString("64900")))
	require.Len(t, p.net.Transfers(), 1)
}

func TestReleaseIsExactlyOnce(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "5000")
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)
	require.Len(t, p.net.Transfers(), 1)

	// Redeliver the release event by hand; the release row must block a
	// second transfer.
	order := singleOrder(t, p)
	_, created, err := p.dispatcher.Enqueue(context.Background(), events.OrderRelease, order.ID, events.OrderPayload{
		OrderID:    order.ID,
		SnapshotID: "snap-1",
	})
	require.NoError(t, err)
	require.True(t, created)
	p.settleAll(t)

	require.Len(t, p.net.Transfers(), 1)
	require.Equal(t, orderstore.StateSuccess, singleOrder(t, p).State)
}

// flakyOrderTx fails a fixed number of transactions before delegating.
type flakyOrderTx struct {
	orderstore.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyOrderTx) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errs.New("orderstore", errs.CodeUnavailable, errs.WithMessage("connection reset"))
	}
	s.mu.Unlock()
	return s.Store.WithTransaction(ctx, fn)
}

func TestReleaseCommitFailureDoesNotDoubleTransfer(t *testing.T) {
	flake := &flakyOrderTx{failures: 1}
	p := newPipelineWithOrders(t, func(s orderstore.Store) orderstore.Store {
		flake.Store = s
		return flake
	})
	p.addKey(t, "USDT", "5000")
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	// The first transfer went out before its commit failed; the redelivered
	// event must land on the same transfer instead of paying the user again.
	transfers := p.net.Transfers()
	require.Len(t, transfers, 1)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateSuccess, order.State)
	release, err := p.orders.GetRelease(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, transfers[0].TxRef, release.NetworkTxRef)
	require.True(t, release.NetAmount.Equal(transfers[0].Amount))
}

func TestPlacementRetryStaysOnAssignedKey(t *testing.T) {
	p := newPipeline(t)
	keyA := p.addNamedKey(t, "ak-1", "USDT", "2000")
	keyB := p.addNamedKey(t, "ak-2", "USDT", "5000")
	p.venue.RejectNext(errs.New("binance", errs.CodeRemote,
		errs.WithCanonicalCode(errs.CanonicalRateLimited),
		errs.WithMessage("429 from venue")))
	pushLimitBuy(t, p, "snap-1", "1300", "65000")
	require.NoError(t, p.poller.PollOnce(context.Background()))

	pending, err := p.outbox.ListPending(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The first attempt errors transiently, but the chosen credential was
	// persisted before the remote call.
	require.Error(t, p.processor.HandleOrderCreate(context.Background(), pending[0]))
	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateCreated, order.State)
	require.Equal(t, keyA.ID, order.AssignedKeyID)

	// Make the other key the better pick; the retry must ignore it because
	// the first submission may have landed on the pinned account.
	require.NoError(t, p.keys.UpdateBalances(context.Background(), keyB.ID,
		map[string]decimal.Decimal{"USDT": decimal.RequireFromString("1350")}, time.Now()))

	require.NoError(t, p.processor.HandleOrderCreate(context.Background(), pending[0]))
	order = singleOrder(t, p)
	require.Equal(t, keyA.ID, order.AssignedKeyID)
	require.GreaterOrEqual(t, p.venue.PlaceCalls(), 2)

	// The retry debits the pinned key's cached balance, not the other's.
	refreshedA, err := p.keys.Get(context.Background(), keyA.ID)
	require.NoError(t, err)
	require.True(t, refreshedA.Balance("USDT").Equal(decimal.RequireFromString("700")),
		refreshedA.Balance("USDT").String())
	refreshedB, err := p.keys.Get(context.Background(), keyB.ID)
	require.NoError(t, err)
	require.True(t, refreshedB.Balance("USDT").Equal(decimal.RequireFromString("1350")))
}

func TestMarketSellReleasesQuoteAsset(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "BTC", "2")
	p.venue.SetPrice("BTC/USDT", decimal.RequireFromString("64000"))
	encoded, err := memo.Encode(memo.SpotInstruction(memo.SpotPayload{
		Subtype:  memo.SpotMarketSell,
		Exchange: "binance",
		Symbol:   "BTC/USDT",
	}))
	require.NoError(t, err)
	p.net.Push(network.Snapshot{
		ID:            "snap-1",
		Asset:         "BTC",
		Amount:        decimal.RequireFromString("0.5"),
		SenderRef:     "payer-wallet",
		Memo:          encoded,
		Confirmations: 10,
	})

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateSuccess, order.State)

	transfers := p.net.Transfers()
	require.Len(t, transfers, 1)
	require.Equal(t, "USDT", transfers[0].Asset)
	// 0.5 BTC at 64000 with fees disabled.
	require.True(t, transfers[0].Amount.Equal(decimal.RequireFromString("32000")))
}

func TestTransferFailureRetainsFilledState(t *testing.T) {
	p := newPipeline(t)
	p.addKey(t, "USDT", "5000")
	p.net.FailTransfers(errs.New("network", errs.CodeRemote, errs.WithMessage("node unreachable")))
	pushLimitBuy(t, p, "snap-1", "1300", "65000")

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	// All release attempts failed; the order must still be filled with no
	// release row, ready for operator replay from the dead letter queue.
	order := singleOrder(t, p)
	require.Equal(t, orderstore.StateFilled, order.State)
	_, err := p.orders.GetRelease(context.Background(), order.ID)
	require.Error(t, err)
	require.Empty(t, p.net.Transfers())

	dead, err := p.outbox.ListDeadLettered(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, events.OrderRelease, dead[0].EventType)
}

func TestStrategyApplyIsAcknowledged(t *testing.T) {
	p := newPipeline(t)
	encoded, err := memo.Encode(memo.StrategyInstruction(memo.KindArbitrage, memo.StrategyPayload{
		Subtype:   memo.StrategyCreate,
		Exchange:  "binance",
		Symbol:    "ETH/USDT",
		RoutingID: "route-9",
	}))
	require.NoError(t, err)
	p.net.Push(network.Snapshot{
		ID:            "snap-1",
		Asset:         "USDT",
		Amount:        decimal.RequireFromString("250"),
		Memo:          encoded,
		Confirmations: 10,
	})

	require.NoError(t, p.poller.PollOnce(context.Background()))
	p.settleAll(t)

	pending, err := p.outbox.ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	dead, err := p.outbox.ListDeadLettered(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, dead)
}
