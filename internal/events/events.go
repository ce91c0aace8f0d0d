// Package events names the durable queue's event types and their payloads.
package events

// Event types flowing through the durable queue. The idempotency key is the
// snapshot id for ingestion events and the order id for lifecycle events.
const (
	OrderCreate    = "order.create"
	OrderTrack     = "order.track"
	OrderRelease   = "order.release"
	ReleaseConfirm = "release.confirm"
	StrategyApply  = "strategy.apply"
)

// OrderPayload is carried by every order lifecycle event.
type OrderPayload struct {
	OrderID    string `json:"order_id"`
	SnapshotID string `json:"snapshot_id"`
}

// StrategyPayload is carried by strategy.apply events.
type StrategyPayload struct {
	SnapshotID string `json:"snapshot_id"`
	Kind       string `json:"kind"`
	Subtype    string `json:"subtype"`
	Exchange   string `json:"exchange"`
	Symbol     string `json:"symbol"`
	RoutingID  string `json:"routing_id"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
}
