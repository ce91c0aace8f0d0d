// Package network defines the capability surface consumed from the host
// payment network. The concrete RPC client is provided at wiring time.
package network

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is one observed transfer on the payment network. Snapshots are
// immutable; the same snapshot may be delivered more than once and batches
// may arrive reordered across polls.
type Snapshot struct {
	ID            string
	Asset         string
	Amount        decimal.Decimal
	SenderRef     string
	ReceiverRef   string
	Memo          string
	CreatedAt     time.Time
	Confirmations int
}

// Client is the payment-network capability consumed by the poller and the
// release processor.
type Client interface {
	// PollSnapshots returns up to limit snapshots after cursor together
	// with the next cursor. An empty batch with an unchanged cursor means
	// the network has nothing new.
	PollSnapshots(ctx context.Context, cursor string, limit int) ([]Snapshot, string, error)
	// SendTransfer submits one outbound transfer and returns the network
	// transaction reference. A non-empty memoText doubles as the transfer's
	// idempotency reference: resubmitting with the same memo must not move
	// funds again and returns the original transaction reference.
	SendTransfer(ctx context.Context, destination, asset string, amount decimal.Decimal, memoText string) (string, error)
}
