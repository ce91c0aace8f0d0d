// Package keystore defines persistence contracts for pooled exchange API
// credentials and their cached balances.
package keystore

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Key represents one pooled exchange credential. Credential material is
// stored encrypted; this contract treats it as opaque.
type Key struct {
	ID          int64
	Exchange    string
	Alias       string
	APIKey      string
	APISecret   string
	Passphrase  string
	Enabled     bool
	Balances    map[string]decimal.Decimal
	RefreshedAt time.Time
	LastUsedAt  time.Time
	CreatedAt   time.Time
}

// Balance returns the cached balance for the asset, zero when the asset is
// not present in the cache.
func (k Key) Balance(asset string) decimal.Decimal {
	if k.Balances == nil {
		return decimal.Zero
	}
	return k.Balances[asset]
}

// Store abstracts persistence of the credential pool.
type Store interface {
	Create(ctx context.Context, key Key) (Key, error)
	Get(ctx context.Context, id int64) (Key, error)
	List(ctx context.Context, exchange string) ([]Key, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// UpdateBalances replaces the cached balance snapshot and stamps its
	// refresh time.
	UpdateBalances(ctx context.Context, id int64, balances map[string]decimal.Decimal, refreshedAt time.Time) error
	// Touch records the key as most recently used.
	Touch(ctx context.Context, id int64, usedAt time.Time) error
}
