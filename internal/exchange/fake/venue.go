// Package fake provides a deterministic in-process venue used by tests and
// the fake runtime mode.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/exchange"
)

type order struct {
	spec   exchange.OrderSpec
	status exchange.OrderStatus
	steps  []exchange.OrderStatus
}

// Venue is a scriptable exchange. Placed orders fill immediately at the
// scripted price unless a fill plan overrides the behaviour.
type Venue struct {
	mu       sync.Mutex
	name     string
	seq      int
	balances map[string]map[string]decimal.Decimal
	prices   map[string]decimal.Decimal
	orders   map[string]*order
	byClient map[string]string
	plans    []FillPlan

	rejectNext error
	placeCalls int
}

// FillPlan overrides the immediate-fill behaviour for the next order on the
// symbol. Steps are applied one per FetchOrderStatus call; the last step
// rests as the final status.
type FillPlan struct {
	Symbol string
	Steps  []exchange.OrderStatus
}

// NewVenue constructs a venue with the given name.
func NewVenue(name string) *Venue {
	return &Venue{
		name:     name,
		balances: make(map[string]map[string]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*order),
		byClient: make(map[string]string),
	}
}

// SetBalance scripts the balance for a credential's asset.
func (v *Venue) SetBalance(apiKey, asset string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	bucket, ok := v.balances[apiKey]
	if !ok {
		bucket = make(map[string]decimal.Decimal)
		v.balances[apiKey] = bucket
	}
	bucket[asset] = amount
}

// SetPrice scripts the execution price for a symbol.
func (v *Venue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
}

// RejectNext makes the next PlaceOrder fail with the given error.
func (v *Venue) RejectNext(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectNext = err
}

// ScriptFills installs a fill plan consumed by the next order on the symbol.
func (v *Venue) ScriptFills(plan FillPlan) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.plans = append(v.plans, plan)
}

// PlaceCalls reports how many PlaceOrder calls the venue has served.
func (v *Venue) PlaceCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placeCalls
}

// PlaceOrder accepts the order and, absent a fill plan, fills it immediately
// at the scripted price (or the limit price for limit orders).
func (v *Venue) PlaceOrder(ctx context.Context, creds exchange.Credentials, spec exchange.OrderSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeCalls++

	if spec.ClientOrderID != "" {
		if remoteID, ok := v.byClient[spec.ClientOrderID]; ok {
			return remoteID, nil
		}
	}

	if v.rejectNext != nil {
		err := v.rejectNext
		v.rejectNext = nil
		return "", err
	}
	if _, ok := v.prices[spec.Symbol]; !ok && !spec.Price.Valid {
		return "", errs.New(v.name, errs.CodeRemote,
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithField("symbol", spec.Symbol))
	}

	v.seq++
	remoteID := fmt.Sprintf("%s-%06d", strings.ToUpper(v.name), v.seq)
	if spec.ClientOrderID != "" {
		v.byClient[spec.ClientOrderID] = remoteID
	}

	if plan := v.takePlan(spec.Symbol); plan != nil {
		v.orders[remoteID] = &order{
			spec:   spec,
			status: exchange.OrderStatus{State: exchange.RemoteOpen},
			steps:  append([]exchange.OrderStatus(nil), plan.Steps...),
		}
		return remoteID, nil
	}

	price := v.prices[spec.Symbol]
	if spec.Price.Valid {
		price = spec.Price.Decimal
	}
	v.orders[remoteID] = &order{spec: spec, status: exchange.OrderStatus{
		State:        exchange.RemoteFilled,
		FilledAmount: spec.Amount,
		AvgPrice:     price,
	}}
	return remoteID, nil
}

func (v *Venue) takePlan(symbol string) *FillPlan {
	for i := range v.plans {
		if v.plans[i].Symbol == symbol {
			plan := v.plans[i]
			v.plans = append(v.plans[:i], v.plans[i+1:]...)
			return &plan
		}
	}
	return nil
}

// FetchOrderStatus reports fill progress, advancing any installed fill plan
// one step per call.
func (v *Venue) FetchOrderStatus(ctx context.Context, creds exchange.Credentials, symbol, remoteOrderID string) (exchange.OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderStatus{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[remoteOrderID]
	if !ok {
		return exchange.OrderStatus{}, errs.New(v.name, errs.CodeNotFound,
			errs.WithField("remote_order_id", remoteOrderID))
	}
	if len(ord.steps) > 0 {
		ord.status = ord.steps[0]
		ord.steps = ord.steps[1:]
	}
	return ord.status, nil
}

// FetchBalances returns the scripted balances for the credential.
func (v *Venue) FetchBalances(ctx context.Context, creds exchange.Credentials) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bucket := v.balances[creds.APIKey]
	out := make(map[string]decimal.Decimal, len(bucket))
	for asset, amount := range bucket {
		out[asset] = amount
	}
	return out, nil
}

// CancelOrder cancels an order that is still open.
func (v *Venue) CancelOrder(ctx context.Context, creds exchange.Credentials, symbol, remoteOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	ord, ok := v.orders[remoteOrderID]
	if !ok {
		return errs.New(v.name, errs.CodeNotFound, errs.WithField("remote_order_id", remoteOrderID))
	}
	if ord.status.State == exchange.RemoteOpen {
		ord.status.State = exchange.RemoteCancelled
	}
	return nil
}

var _ exchange.Client = (*Venue)(nil)
