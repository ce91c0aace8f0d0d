// Package feestore defines persistence contracts for fee configuration and
// per-pair or per-exchange overrides.
package feestore

import (
	"context"

	"github.com/shopspring/decimal"
)

// Category selects which global rate and enable flag applies.
type Category string

const (
	CategorySpot         Category = "spot"
	CategoryMarketMaking Category = "market_making"
)

// Config carries the global rates and enable flags.
type Config struct {
	SpotRate            decimal.Decimal
	SpotEnabled         bool
	MarketMakingRate    decimal.Decimal
	MarketMakingEnabled bool
}

// Rate returns the global rate and enable flag for the category.
func (c Config) Rate(category Category) (decimal.Decimal, bool) {
	switch category {
	case CategorySpot:
		return c.SpotRate, c.SpotEnabled
	case CategoryMarketMaking:
		return c.MarketMakingRate, c.MarketMakingEnabled
	}
	return decimal.Zero, false
}

// Override carries a pair- or exchange-specific rate keyed by (category, key).
// Key is a symbol such as "BTC/USDT" or an exchange name.
type Override struct {
	Category Category
	Key      string
	Rate     decimal.Decimal
	Enabled  bool
}

// Store abstracts persistence of fee configuration.
type Store interface {
	GetConfig(ctx context.Context) (Config, error)
	SetConfig(ctx context.Context, config Config) error
	GetOverride(ctx context.Context, category Category, key string) (Override, bool, error)
	ListOverrides(ctx context.Context) ([]Override, error)
	SetOverride(ctx context.Context, override Override) error
	DeleteOverride(ctx context.Context, category Category, key string) error
}
