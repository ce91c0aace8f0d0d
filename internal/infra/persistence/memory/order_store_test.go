package memory_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
	"github.com/moneta-io/moneta/internal/infra/persistence/memory"
)

func seedOrder(t *testing.T, store *memory.OrderStore, id string) orderstore.Order {
	t.Helper()
	order := orderstore.Order{
		ID:              id,
		SnapshotID:      "snap-" + id,
		UserRef:         "payer",
		Exchange:        "binance",
		Symbol:          "BTC/USDT",
		Side:            "buy",
		OrderType:       "limit",
		AmountRequested: decimal.RequireFromString("1000"),
		State:           orderstore.StateCreated,
	}
	require.NoError(t, store.CreateOrder(context.Background(), order))
	return order
}

func TestCreateOrderRejectsDuplicateID(t *testing.T) {
	store := memory.NewOrderStore()
	seedOrder(t, store, "o1")
	err := store.CreateOrder(context.Background(), orderstore.Order{ID: "o1"})
	require.Error(t, err)
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, errs.CodeConflict, envelope.Code)
}

func TestUpdateStateEnforcesTransitions(t *testing.T) {
	store := memory.NewOrderStore()
	seedOrder(t, store, "o1")

	// created -> filled skips placement and must fail.
	err := store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o1", To: orderstore.StateFilled})
	require.Error(t, err)

	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o1", To: orderstore.StatePlaced}))
	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o1", To: orderstore.StateCancelled}))

	// Cancelled is terminal.
	err = store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o1", To: orderstore.StateFilled})
	require.Error(t, err)
}

func TestUpdateStateEnforcesMonotonicFills(t *testing.T) {
	store := memory.NewOrderStore()
	seedOrder(t, store, "o1")
	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o1", To: orderstore.StatePlaced}))

	half := decimal.RequireFromString("500")
	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{
		ID: "o1", To: orderstore.StatePartiallyFilled, FilledAmount: &half,
	}))

	shrunk := decimal.RequireFromString("400")
	err := store.UpdateState(context.Background(), orderstore.StateUpdate{
		ID: "o1", To: orderstore.StatePartiallyFilled, FilledAmount: &shrunk,
	})
	require.Error(t, err)

	over := decimal.RequireFromString("1001")
	err = store.UpdateState(context.Background(), orderstore.StateUpdate{
		ID: "o1", To: orderstore.StatePartiallyFilled, FilledAmount: &over,
	})
	require.Error(t, err)
}

func TestCreateReleaseIsWriteOnce(t *testing.T) {
	store := memory.NewOrderStore()
	seedOrder(t, store, "o1")
	release := orderstore.Release{
		OrderID:      "o1",
		GrossAmount:  decimal.RequireFromString("0.02"),
		NetAmount:    decimal.RequireFromString("0.0198"),
		FeeAmount:    decimal.RequireFromString("0.0002"),
		FeeRate:      decimal.RequireFromString("0.01"),
		NetworkTxRef: "ftx-1",
	}
	require.NoError(t, store.CreateRelease(context.Background(), release))

	err := store.CreateRelease(context.Background(), release)
	require.Error(t, err)
	require.Equal(t, errs.CanonicalDoubleRelease, errs.Canonical(err))

	got, err := store.GetRelease(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, "ftx-1", got.NetworkTxRef)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	store := memory.NewOrderStore()
	seedOrder(t, store, "o1")
	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o1", To: orderstore.StatePlaced}))
	filled := decimal.RequireFromString("1000")
	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{
		ID: "o1", To: orderstore.StateFilled, FilledAmount: &filled,
	}))

	boom := errs.New("test", errs.CodeUnavailable)
	err := store.WithTransaction(context.Background(), func(ctx context.Context, tx orderstore.Tx) error {
		if err := tx.UpdateState(ctx, orderstore.StateUpdate{ID: "o1", To: orderstore.StateReleased}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	order, err := store.GetOrder(context.Background(), "o1")
	require.NoError(t, err)
	require.Equal(t, orderstore.StateFilled, order.State)
}

func TestListOrdersFilters(t *testing.T) {
	store := memory.NewOrderStore()
	seedOrder(t, store, "o1")
	seedOrder(t, store, "o2")
	require.NoError(t, store.UpdateState(context.Background(), orderstore.StateUpdate{ID: "o2", To: orderstore.StatePlaced}))

	placed, err := store.ListOrders(context.Background(), orderstore.Query{States: []orderstore.State{orderstore.StatePlaced}})
	require.NoError(t, err)
	require.Len(t, placed, 1)
	require.Equal(t, "o2", placed[0].ID)

	bySnapshot, err := store.ListOrders(context.Background(), orderstore.Query{SnapshotID: "snap-o1"})
	require.NoError(t, err)
	require.Len(t, bySnapshot, 1)

	limited, err := store.ListOrders(context.Background(), orderstore.Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "o1", limited[0].ID)
}
