package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/keystore"
)

// KeyStore keeps the credential pool in process memory.
type KeyStore struct {
	mu   sync.Mutex
	seq  int64
	keys map[int64]keystore.Key
}

// NewKeyStore constructs an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[int64]keystore.Key)}
}

// Create inserts a credential and assigns its id.
func (s *KeyStore) Create(ctx context.Context, key keystore.Key) (keystore.Key, error) {
	if err := ctx.Err(); err != nil {
		return keystore.Key{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	key.ID = s.seq
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	key.Balances = cloneBalances(key.Balances)
	s.keys[key.ID] = key
	return key, nil
}

// Get fetches one credential by id.
func (s *KeyStore) Get(ctx context.Context, id int64) (keystore.Key, error) {
	if err := ctx.Err(); err != nil {
		return keystore.Key{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return keystore.Key{}, errs.New("keystore", errs.CodeNotFound)
	}
	key.Balances = cloneBalances(key.Balances)
	return key, nil
}

// List returns credentials for an exchange, all when exchange is empty,
// ordered by id.
func (s *KeyStore) List(ctx context.Context, exchange string) ([]keystore.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []keystore.Key
	for _, key := range s.keys {
		if exchange != "" && key.Exchange != exchange {
			continue
		}
		key.Balances = cloneBalances(key.Balances)
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetEnabled toggles a credential.
func (s *KeyStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return errs.New("keystore", errs.CodeNotFound)
	}
	key.Enabled = enabled
	s.keys[id] = key
	return nil
}

// UpdateBalances replaces the cached balance snapshot.
func (s *KeyStore) UpdateBalances(ctx context.Context, id int64, balances map[string]decimal.Decimal, refreshedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return errs.New("keystore", errs.CodeNotFound)
	}
	key.Balances = cloneBalances(balances)
	key.RefreshedAt = refreshedAt
	s.keys[id] = key
	return nil
}

// Touch stamps the credential as most recently used.
func (s *KeyStore) Touch(ctx context.Context, id int64, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return errs.New("keystore", errs.CodeNotFound)
	}
	key.LastUsedAt = usedAt
	s.keys[id] = key
	return nil
}

func cloneBalances(balances map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(balances))
	for asset, amount := range balances {
		out[asset] = amount
	}
	return out
}

var _ keystore.Store = (*KeyStore)(nil)
