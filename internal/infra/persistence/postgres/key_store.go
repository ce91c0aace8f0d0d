package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/keystore"
)

// KeyStore persists pooled exchange API credentials and their cached
// balances.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore constructs a KeyStore backed by the provided pool.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

const (
	keyInsertSQL = `
INSERT INTO exchange_api_keys (
    exchange,
    alias,
    api_key,
    api_secret,
    passphrase,
    enabled,
    balances,
    refreshed_at
)
VALUES (@exchange, @alias, @api_key, @api_secret, @passphrase, @enabled, COALESCE(@balances::jsonb, '{}'::jsonb), @refreshed_at)
RETURNING id, created_at;
`

	keySelectSQL = `
SELECT
    id,
    exchange,
    alias,
    api_key,
    api_secret,
    passphrase,
    enabled,
    balances,
    refreshed_at,
    last_used_at,
    created_at
FROM exchange_api_keys
`

	keySetEnabledSQL = `
UPDATE exchange_api_keys SET enabled = $2 WHERE id = $1;
`

	keyUpdateBalancesSQL = `
UPDATE exchange_api_keys
SET balances = $2::jsonb,
    refreshed_at = $3
WHERE id = $1;
`

	keyTouchSQL = `
UPDATE exchange_api_keys SET last_used_at = $2 WHERE id = $1;
`
)

// Create inserts a new pooled credential and returns it with its id.
func (s *KeyStore) Create(ctx context.Context, key keystore.Key) (keystore.Key, error) {
	if s.pool == nil {
		return keystore.Key{}, fmt.Errorf("key store: nil pool")
	}
	if strings.TrimSpace(key.Exchange) == "" || strings.TrimSpace(key.APIKey) == "" {
		return keystore.Key{}, fmt.Errorf("key store: exchange and api key required")
	}
	balances, err := encodeBalances(key.Balances)
	if err != nil {
		return keystore.Key{}, fmt.Errorf("key store: encode balances: %w", err)
	}
	refreshedAt := key.RefreshedAt
	if refreshedAt.IsZero() {
		refreshedAt = time.Now()
	}
	args := pgx.NamedArgs{
		"exchange":     strings.ToLower(strings.TrimSpace(key.Exchange)),
		"alias":        key.Alias,
		"api_key":      key.APIKey,
		"api_secret":   key.APISecret,
		"passphrase":   key.Passphrase,
		"enabled":      key.Enabled,
		"balances":     balances,
		"refreshed_at": refreshedAt,
	}
	if err := s.pool.QueryRow(ctx, keyInsertSQL, args).Scan(&key.ID, &key.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return keystore.Key{}, errs.New("keystore", errs.CodeConflict,
				errs.WithMessage("api key already registered"),
				errs.WithField("exchange", key.Exchange))
		}
		return keystore.Key{}, fmt.Errorf("key store: insert key: %w", err)
	}
	key.RefreshedAt = refreshedAt
	return key, nil
}

// Get fetches one credential by id.
func (s *KeyStore) Get(ctx context.Context, id int64) (keystore.Key, error) {
	if s.pool == nil {
		return keystore.Key{}, fmt.Errorf("key store: nil pool")
	}
	row := s.pool.QueryRow(ctx, keySelectSQL+"WHERE id = $1;", id)
	key, err := scanKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return keystore.Key{}, errs.New("keystore", errs.CodeNotFound, errs.WithField("key_id", fmt.Sprint(id)))
		}
		return keystore.Key{}, err
	}
	return key, nil
}

// List returns credentials, optionally filtered by exchange, ordered by id.
func (s *KeyStore) List(ctx context.Context, exchange string) ([]keystore.Key, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("key store: nil pool")
	}
	sql := keySelectSQL
	var args []any
	if strings.TrimSpace(exchange) != "" {
		sql += "WHERE exchange = $1\n"
		args = append(args, strings.ToLower(strings.TrimSpace(exchange)))
	}
	sql += "ORDER BY id ASC;"
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("key store: list keys: %w", err)
	}
	defer rows.Close()

	var out []keystore.Key
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("key store: iterate keys: %w", err)
	}
	return out, nil
}

// SetEnabled toggles a credential in or out of the pool.
func (s *KeyStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if s.pool == nil {
		return fmt.Errorf("key store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, keySetEnabledSQL, id, enabled)
	if err != nil {
		return fmt.Errorf("key store: set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("keystore", errs.CodeNotFound, errs.WithField("key_id", fmt.Sprint(id)))
	}
	return nil
}

// UpdateBalances replaces the cached balance snapshot.
func (s *KeyStore) UpdateBalances(ctx context.Context, id int64, balances map[string]decimal.Decimal, refreshedAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("key store: nil pool")
	}
	encoded, err := encodeBalances(balances)
	if err != nil {
		return fmt.Errorf("key store: encode balances: %w", err)
	}
	tag, err := s.pool.Exec(ctx, keyUpdateBalancesSQL, id, encoded, refreshedAt)
	if err != nil {
		return fmt.Errorf("key store: update balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("keystore", errs.CodeNotFound, errs.WithField("key_id", fmt.Sprint(id)))
	}
	return nil
}

// Touch records that the credential was just used.
func (s *KeyStore) Touch(ctx context.Context, id int64, usedAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("key store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, keyTouchSQL, id, usedAt); err != nil {
		return fmt.Errorf("key store: touch: %w", err)
	}
	return nil
}

func scanKey(row rowScanner) (keystore.Key, error) {
	var (
		key         keystore.Key
		passphrase  pgtype.Text
		balancesRaw []byte
		lastUsedAt  pgtype.Timestamptz
	)
	if err := row.Scan(
		&key.ID,
		&key.Exchange,
		&key.Alias,
		&key.APIKey,
		&key.APISecret,
		&passphrase,
		&key.Enabled,
		&balancesRaw,
		&key.RefreshedAt,
		&lastUsedAt,
		&key.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return keystore.Key{}, err
		}
		return keystore.Key{}, fmt.Errorf("key store: scan key: %w", err)
	}
	if passphrase.Valid {
		key.Passphrase = passphrase.String
	}
	if lastUsedAt.Valid {
		key.LastUsedAt = lastUsedAt.Time
	}
	balances, err := decodeBalances(balancesRaw)
	if err != nil {
		return keystore.Key{}, fmt.Errorf("key store: decode balances: %w", err)
	}
	key.Balances = balances
	return key, nil
}

func encodeBalances(balances map[string]decimal.Decimal) ([]byte, error) {
	if len(balances) == 0 {
		return []byte("{}"), nil
	}
	out := make(map[string]string, len(balances))
	for asset, amount := range balances {
		out[asset] = amount.String()
	}
	return json.Marshal(out)
}

func decodeBalances(raw []byte) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(encoded))
	for asset, text := range encoded {
		amount, err := decimal.NewFromString(text)
		if err != nil {
			return nil, fmt.Errorf("balance %s: %w", asset, err)
		}
		out[asset] = amount
	}
	return out, nil
}

var _ keystore.Store = (*KeyStore)(nil)
