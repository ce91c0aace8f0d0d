package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/feestore"
)

// FeeStore persists the global fee configuration and its overrides.
type FeeStore struct {
	pool *pgxpool.Pool
}

// NewFeeStore constructs a FeeStore backed by the provided pool.
func NewFeeStore(pool *pgxpool.Pool) *FeeStore {
	return &FeeStore{pool: pool}
}

const (
	feeConfigSelectSQL = `
SELECT spot_rate, spot_enabled, market_making_rate, market_making_enabled
FROM fee_configs
WHERE id = TRUE;
`

	feeConfigUpsertSQL = `
INSERT INTO fee_configs (id, spot_rate, spot_enabled, market_making_rate, market_making_enabled, updated_at)
VALUES (TRUE, $1, $2, $3, $4, NOW())
ON CONFLICT (id) DO UPDATE SET
    spot_rate = EXCLUDED.spot_rate,
    spot_enabled = EXCLUDED.spot_enabled,
    market_making_rate = EXCLUDED.market_making_rate,
    market_making_enabled = EXCLUDED.market_making_enabled,
    updated_at = NOW();
`

	feeOverrideSelectSQL = `
SELECT category, key, rate, enabled
FROM fee_overrides
WHERE category = $1 AND key = $2;
`

	feeOverrideListSQL = `
SELECT category, key, rate, enabled
FROM fee_overrides
ORDER BY category ASC, key ASC;
`

	feeOverrideUpsertSQL = `
INSERT INTO fee_overrides (category, key, rate, enabled, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (category, key) DO UPDATE SET
    rate = EXCLUDED.rate,
    enabled = EXCLUDED.enabled,
    updated_at = NOW();
`

	feeOverrideDeleteSQL = `
DELETE FROM fee_overrides WHERE category = $1 AND key = $2;
`
)

// GetConfig returns the global fee configuration; a missing row means fees
// are disabled everywhere.
func (s *FeeStore) GetConfig(ctx context.Context) (feestore.Config, error) {
	if s.pool == nil {
		return feestore.Config{}, fmt.Errorf("fee store: nil pool")
	}
	var (
		config   feestore.Config
		spotRate pgtype.Numeric
		mmRate   pgtype.Numeric
	)
	err := s.pool.QueryRow(ctx, feeConfigSelectSQL).Scan(
		&spotRate,
		&config.SpotEnabled,
		&mmRate,
		&config.MarketMakingEnabled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feestore.Config{}, nil
		}
		return feestore.Config{}, fmt.Errorf("fee store: get config: %w", err)
	}
	if config.SpotRate, err = decimalFromNumeric(spotRate); err != nil {
		return feestore.Config{}, err
	}
	if config.MarketMakingRate, err = decimalFromNumeric(mmRate); err != nil {
		return feestore.Config{}, err
	}
	return config, nil
}

// SetConfig replaces the global fee configuration.
func (s *FeeStore) SetConfig(ctx context.Context, config feestore.Config) error {
	if s.pool == nil {
		return fmt.Errorf("fee store: nil pool")
	}
	spotRate, err := numericFromDecimal(config.SpotRate)
	if err != nil {
		return fmt.Errorf("fee store: spot rate: %w", err)
	}
	mmRate, err := numericFromDecimal(config.MarketMakingRate)
	if err != nil {
		return fmt.Errorf("fee store: market making rate: %w", err)
	}
	if _, err := s.pool.Exec(ctx, feeConfigUpsertSQL, spotRate, config.SpotEnabled, mmRate, config.MarketMakingEnabled); err != nil {
		return fmt.Errorf("fee store: set config: %w", err)
	}
	return nil
}

// GetOverride fetches one override; the boolean reports existence.
func (s *FeeStore) GetOverride(ctx context.Context, category feestore.Category, key string) (feestore.Override, bool, error) {
	if s.pool == nil {
		return feestore.Override{}, false, fmt.Errorf("fee store: nil pool")
	}
	override, err := scanOverride(s.pool.QueryRow(ctx, feeOverrideSelectSQL, string(category), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feestore.Override{}, false, nil
		}
		return feestore.Override{}, false, err
	}
	return override, true, nil
}

// ListOverrides returns every override.
func (s *FeeStore) ListOverrides(ctx context.Context) ([]feestore.Override, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("fee store: nil pool")
	}
	rows, err := s.pool.Query(ctx, feeOverrideListSQL)
	if err != nil {
		return nil, fmt.Errorf("fee store: list overrides: %w", err)
	}
	defer rows.Close()

	var out []feestore.Override
	for rows.Next() {
		override, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, override)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fee store: iterate overrides: %w", err)
	}
	return out, nil
}

// SetOverride inserts or replaces an override.
func (s *FeeStore) SetOverride(ctx context.Context, override feestore.Override) error {
	if s.pool == nil {
		return fmt.Errorf("fee store: nil pool")
	}
	if strings.TrimSpace(override.Key) == "" {
		return fmt.Errorf("fee store: override key required")
	}
	rate, err := numericFromDecimal(override.Rate)
	if err != nil {
		return fmt.Errorf("fee store: override rate: %w", err)
	}
	if _, err := s.pool.Exec(ctx, feeOverrideUpsertSQL, string(override.Category), override.Key, rate, override.Enabled); err != nil {
		return fmt.Errorf("fee store: set override: %w", err)
	}
	return nil
}

// DeleteOverride removes an override.
func (s *FeeStore) DeleteOverride(ctx context.Context, category feestore.Category, key string) error {
	if s.pool == nil {
		return fmt.Errorf("fee store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, feeOverrideDeleteSQL, string(category), key)
	if err != nil {
		return fmt.Errorf("fee store: delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("feestore", errs.CodeNotFound,
			errs.WithField("category", string(category)),
			errs.WithField("key", key))
	}
	return nil
}

func scanOverride(row rowScanner) (feestore.Override, error) {
	var (
		override feestore.Override
		category string
		rate     pgtype.Numeric
	)
	if err := row.Scan(&category, &override.Key, &rate, &override.Enabled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return feestore.Override{}, err
		}
		return feestore.Override{}, fmt.Errorf("fee store: scan override: %w", err)
	}
	override.Category = feestore.Category(category)
	var err error
	if override.Rate, err = decimalFromNumeric(rate); err != nil {
		return feestore.Override{}, err
	}
	return override, nil
}

var _ feestore.Store = (*FeeStore)(nil)
