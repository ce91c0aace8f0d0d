// Package exchange defines the capability surface consumed from spot
// exchanges. Concrete REST clients live behind this interface and are
// provided per venue at wiring time.
package exchange

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
)

// Credentials carries one pooled API credential for a remote call.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// OrderSpec describes one order submission. ClientOrderID is the caller's
// stable identifier; venues deduplicate on it, so resubmitting after an
// ambiguous timeout is safe.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	Amount        decimal.Decimal
	Price         decimal.NullDecimal
}

// SplitSymbol separates a "BASE/QUOTE" pair into its assets.
func SplitSymbol(symbol string) (base, quote string, err error) {
	parts := strings.Split(symbol, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errs.New("exchange", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithMessage("symbol must be BASE/QUOTE"),
			errs.WithField("symbol", symbol))
	}
	return parts[0], parts[1], nil
}

// RemoteState mirrors the venue-side lifecycle of a placed order.
type RemoteState string

const (
	RemoteOpen      RemoteState = "open"
	RemoteFilled    RemoteState = "filled"
	RemoteCancelled RemoteState = "cancelled"
	RemoteRejected  RemoteState = "rejected"
)

// OrderStatus reports the fill progress of a remote order.
type OrderStatus struct {
	State        RemoteState
	FilledAmount decimal.Decimal
	AvgPrice     decimal.Decimal
}

// Client is the per-venue capability consumed by the settlement pipeline.
// Every call is remote I/O and must honour the context deadline.
type Client interface {
	PlaceOrder(ctx context.Context, creds Credentials, spec OrderSpec) (string, error)
	FetchOrderStatus(ctx context.Context, creds Credentials, symbol, remoteOrderID string) (OrderStatus, error)
	FetchBalances(ctx context.Context, creds Credentials) (map[string]decimal.Decimal, error)
	CancelOrder(ctx context.Context, creds Credentials, symbol, remoteOrderID string) error
}

// Registry maps exchange names to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register binds a client to an exchange name, replacing any prior binding.
func (r *Registry) Register(name string, client Client) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || client == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[trimmed] = client
}

// Lookup resolves the client for an exchange name.
func (r *Registry) Lookup(name string) (Client, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[trimmed]
	if !ok {
		return nil, errs.New("exchange", errs.CodeNotFound,
			errs.WithMessage("no client registered for exchange"),
			errs.WithField("exchange", trimmed))
	}
	return client, nil
}
