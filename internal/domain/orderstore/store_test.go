package orderstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/moneta-io/moneta/internal/domain/orderstore"
)

func TestTerminalStates(t *testing.T) {
	terminal := []orderstore.State{
		orderstore.StateSuccess,
		orderstore.StateCancelled,
		orderstore.StateRejected,
		orderstore.StateFailed,
	}
	for _, state := range terminal {
		require.True(t, state.Terminal(), string(state))
	}
	open := []orderstore.State{
		orderstore.StateCreated,
		orderstore.StatePlaced,
		orderstore.StatePartiallyFilled,
		orderstore.StateFilled,
		orderstore.StateReleased,
	}
	for _, state := range open {
		require.False(t, state.Terminal(), string(state))
	}
}

func TestTransitionRules(t *testing.T) {
	cases := []struct {
		from, to orderstore.State
		legal    bool
	}{
		{orderstore.StateCreated, orderstore.StateCreated, true},
		{orderstore.StateCreated, orderstore.StatePlaced, true},
		{orderstore.StateCreated, orderstore.StateRejected, true},
		{orderstore.StateCreated, orderstore.StateFailed, true},
		{orderstore.StateCreated, orderstore.StateFilled, false},
		{orderstore.StatePlaced, orderstore.StatePartiallyFilled, true},
		{orderstore.StatePlaced, orderstore.StateFilled, true},
		{orderstore.StatePlaced, orderstore.StateCancelled, true},
		{orderstore.StatePartiallyFilled, orderstore.StatePartiallyFilled, true},
		{orderstore.StatePartiallyFilled, orderstore.StateFilled, true},
		{orderstore.StatePartiallyFilled, orderstore.StateReleased, false},
		{orderstore.StateFilled, orderstore.StateReleased, true},
		{orderstore.StateFilled, orderstore.StateSuccess, false},
		{orderstore.StateReleased, orderstore.StateSuccess, true},
		{orderstore.StateSuccess, orderstore.StateFailed, false},
		{orderstore.StateRejected, orderstore.StatePlaced, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.legal, orderstore.CanTransition(tc.from, tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}
