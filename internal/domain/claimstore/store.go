// Package claimstore defines the snapshot-claim idempotency contract used to
// turn possibly-redelivered payment observations into exactly-once orders.
package claimstore

import (
	"context"
	"time"
)

// Status records the outcome of processing one claimed snapshot.
type Status string

const (
	// StatusClaimed marks a snapshot that has been observed and reserved.
	StatusClaimed Status = "claimed"
	// StatusProcessed marks a snapshot that produced an order.
	StatusProcessed Status = "processed"
	// StatusRejected marks a snapshot whose memo failed to decode. Rejected
	// claims stay claimed so the snapshot is never re-examined.
	StatusRejected Status = "rejected"
)

// Claim reserves one payment snapshot by its network-global id.
type Claim struct {
	SnapshotID string
	Status     Status
	OrderID    string
	Reason     string
	CreatedAt  time.Time
}

// Store abstracts the claim table and the poll watermark.
type Store interface {
	// TryClaim inserts a claim if absent. It returns false when the
	// snapshot id was already claimed, which means "already handled".
	TryClaim(ctx context.Context, claim Claim) (bool, error)
	// Resolve updates the status of an existing claim.
	Resolve(ctx context.Context, snapshotID string, status Status, orderID, reason string) error
	Get(ctx context.Context, snapshotID string) (Claim, error)

	// Watermark returns the persisted poll cursor, empty when polling has
	// never advanced.
	Watermark(ctx context.Context) (string, error)
	SetWatermark(ctx context.Context, cursor string) error
}
