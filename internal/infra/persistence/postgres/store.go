// Package postgres implements the domain store contracts on PostgreSQL via
// pgx. Semantics are mirrored by the in-memory implementations used in tests
// and the fake runtime mode.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles every PostgreSQL-backed repository over one pool.
type Store struct {
	Orders *OrderStore
	Claims *ClaimStore
	Keys   *KeyStore
	Fees   *FeeStore
	Outbox *OutboxStore
}

// New constructs the full repository set.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Orders: NewOrderStore(pool),
		Claims: NewClaimStore(pool),
		Keys:   NewKeyStore(pool),
		Fees:   NewFeeStore(pool),
		Outbox: NewOutboxStore(pool),
	}
}
