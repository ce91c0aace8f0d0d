// Package orderstore defines persistence contracts for spot order lifecycle
// state and release accounting.
package orderstore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// State enumerates the settlement lifecycle of a spot order.
type State string

const (
	StateCreated         State = "created"
	StatePlaced          State = "placed"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateReleased        State = "released"
	StateSuccess         State = "success"
	StateCancelled       State = "cancelled"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
)

// Terminal reports whether no further transitions may leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateCancelled, StateRejected, StateFailed:
		return true
	}
	return false
}

var legalTransitions = map[State][]State{
	// The created self-loop pins the assigned credential before the remote
	// placement call so a retry can never switch keys mid-flight.
	StateCreated:         {StateCreated, StatePlaced, StateRejected, StateFailed},
	StatePlaced:          {StatePartiallyFilled, StateFilled, StateCancelled, StateRejected, StateFailed},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCancelled, StateFailed},
	StateFilled:          {StateReleased, StateFailed},
	StateReleased:        {StateSuccess, StateFailed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order represents the persisted snapshot of one settlement order. Orders are
// created once by memo decode and mutated only through state transitions;
// rows are never deleted.
type Order struct {
	ID              string
	SnapshotID      string
	UserRef         string
	Exchange        string
	Symbol          string
	Side            string
	OrderType       string
	AmountRequested decimal.Decimal
	LimitPrice      decimal.NullDecimal
	AssignedKeyID   int64
	RemoteOrderID   string
	State           State
	FilledAmount    decimal.Decimal
	ExecutionPrice  decimal.NullDecimal
	FailureCode     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StateUpdate captures one transition applied to an existing order. Optional
// fields are applied only when set.
type StateUpdate struct {
	ID             string
	To             State
	AssignedKeyID  *int64
	RemoteOrderID  *string
	FilledAmount   *decimal.Decimal
	ExecutionPrice *decimal.Decimal
	FailureCode    *string
}

// Release accounts for the outbound transfer of one settled order. Rows are
// write-once; their existence is the sole idempotency guard against double
// release.
type Release struct {
	OrderID      string
	GrossAmount  decimal.Decimal
	NetAmount    decimal.Decimal
	FeeAmount    decimal.Decimal
	FeeRate      decimal.Decimal
	NetworkTxRef string
	CreatedAt    time.Time
}

// Query scopes order listings. Zero fields are ignored.
type Query struct {
	SnapshotID string
	Exchange   string
	States     []State
	Limit      int
}

// Tx groups order mutations executed within a single transaction.
type Tx interface {
	CreateOrder(ctx context.Context, order Order) error
	// UpdateState applies a transition, refusing illegal jumps and
	// transitions out of terminal states.
	UpdateState(ctx context.Context, update StateUpdate) error
	// CreateRelease records the release row; an existing row for the same
	// order id fails with a conflict.
	CreateRelease(ctx context.Context, release Release) error
}

// Store defines the contract for order persistence operations.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetRelease(ctx context.Context, orderID string) (Release, error)
	ListOrders(ctx context.Context, query Query) ([]Order, error)
}
