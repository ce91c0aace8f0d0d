// Package memory provides in-process store implementations backing tests and
// the fake runtime mode. Semantics mirror the postgres implementations.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/orderstore"
)

// OrderStore keeps orders and release records in process memory.
type OrderStore struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	orders   map[string]orderstore.Order
	releases map[string]orderstore.Release
	ordering []string
}

// NewOrderStore constructs an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:   make(map[string]orderstore.Order),
		releases: make(map[string]orderstore.Release),
	}
}

// CreateOrder inserts a new order row.
func (s *OrderStore) CreateOrder(ctx context.Context, order orderstore.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return errs.New("orderstore", errs.CodeConflict, errs.WithField("order_id", order.ID))
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.State == "" {
		order.State = orderstore.StateCreated
	}
	s.orders[order.ID] = order
	s.ordering = append(s.ordering, order.ID)
	return nil
}

// UpdateState applies a transition, refusing illegal jumps, transitions out
// of terminal states, and non-monotonic fill amounts.
func (s *OrderStore) UpdateState(ctx context.Context, update orderstore.StateUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[update.ID]
	if !ok {
		return errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", update.ID))
	}
	if !orderstore.CanTransition(order.State, update.To) {
		return errs.New("orderstore", errs.CodeConflict,
			errs.WithMessage("illegal state transition"),
			errs.WithField("from", string(order.State)),
			errs.WithField("to", string(update.To)))
	}
	if update.FilledAmount != nil {
		if update.FilledAmount.LessThan(order.FilledAmount) {
			return errs.New("orderstore", errs.CodeConflict,
				errs.WithMessage("filled amount must be monotonic"))
		}
		if update.FilledAmount.GreaterThan(order.AmountRequested) {
			return errs.New("orderstore", errs.CodeConflict,
				errs.WithMessage("filled amount exceeds requested amount"))
		}
		order.FilledAmount = *update.FilledAmount
	}
	if update.AssignedKeyID != nil {
		order.AssignedKeyID = *update.AssignedKeyID
	}
	if update.RemoteOrderID != nil {
		order.RemoteOrderID = *update.RemoteOrderID
	}
	if update.ExecutionPrice != nil {
		order.ExecutionPrice.Decimal = *update.ExecutionPrice
		order.ExecutionPrice.Valid = true
	}
	if update.FailureCode != nil {
		order.FailureCode = *update.FailureCode
	}
	order.State = update.To
	order.UpdatedAt = time.Now()
	s.orders[update.ID] = order
	return nil
}

// CreateRelease inserts the write-once release row.
func (s *OrderStore) CreateRelease(ctx context.Context, release orderstore.Release) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.releases[release.OrderID]; exists {
		return errs.New("orderstore", errs.CodeConflict,
			errs.WithCanonicalCode(errs.CanonicalDoubleRelease),
			errs.WithField("order_id", release.OrderID))
	}
	if release.CreatedAt.IsZero() {
		release.CreatedAt = time.Now()
	}
	s.releases[release.OrderID] = release
	return nil
}

// WithTransaction serializes the mutation block and rolls state back when fn
// fails, mirroring the postgres transaction contract.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	ordersCopy := make(map[string]orderstore.Order, len(s.orders))
	for k, v := range s.orders {
		ordersCopy[k] = v
	}
	releasesCopy := make(map[string]orderstore.Release, len(s.releases))
	for k, v := range s.releases {
		releasesCopy[k] = v
	}
	orderingCopy := append([]string(nil), s.ordering...)
	s.mu.Unlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.orders = ordersCopy
		s.releases = releasesCopy
		s.ordering = orderingCopy
		s.mu.Unlock()
		return err
	}
	return nil
}

// GetOrder fetches one order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (orderstore.Order, error) {
	if err := ctx.Err(); err != nil {
		return orderstore.Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return orderstore.Order{}, errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", id))
	}
	return order, nil
}

// GetRelease fetches the release row for an order.
func (s *OrderStore) GetRelease(ctx context.Context, orderID string) (orderstore.Release, error) {
	if err := ctx.Err(); err != nil {
		return orderstore.Release{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	release, ok := s.releases[orderID]
	if !ok {
		return orderstore.Release{}, errs.New("orderstore", errs.CodeNotFound, errs.WithField("order_id", orderID))
	}
	return release, nil
}

// ListOrders returns orders matching the query in insertion order.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]orderstore.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []orderstore.Order
	for _, id := range s.ordering {
		order := s.orders[id]
		if query.SnapshotID != "" && order.SnapshotID != query.SnapshotID {
			continue
		}
		if query.Exchange != "" && order.Exchange != query.Exchange {
			continue
		}
		if len(query.States) > 0 && !containsState(query.States, order.State) {
			continue
		}
		out = append(out, order)
		if query.Limit > 0 && len(out) >= query.Limit {
			break
		}
	}
	return out, nil
}

func containsState(states []orderstore.State, state orderstore.State) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

var _ orderstore.Store = (*OrderStore)(nil)
