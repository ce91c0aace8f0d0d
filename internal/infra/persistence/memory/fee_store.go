package memory

import (
	"context"
	"sync"

	"github.com/moneta-io/moneta/internal/domain/feestore"
)

type overrideKey struct {
	category feestore.Category
	key      string
}

// FeeStore keeps fee configuration in process memory.
type FeeStore struct {
	mu        sync.Mutex
	config    feestore.Config
	overrides map[overrideKey]feestore.Override
}

// NewFeeStore constructs a fee store seeded with the given config.
func NewFeeStore(config feestore.Config) *FeeStore {
	return &FeeStore{
		config:    config,
		overrides: make(map[overrideKey]feestore.Override),
	}
}

// GetConfig returns the global fee configuration.
func (s *FeeStore) GetConfig(ctx context.Context) (feestore.Config, error) {
	if err := ctx.Err(); err != nil {
		return feestore.Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, nil
}

// SetConfig replaces the global fee configuration.
func (s *FeeStore) SetConfig(ctx context.Context, config feestore.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
	return nil
}

// GetOverride fetches the override for (category, key) when present.
func (s *FeeStore) GetOverride(ctx context.Context, category feestore.Category, key string) (feestore.Override, bool, error) {
	if err := ctx.Err(); err != nil {
		return feestore.Override{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	override, ok := s.overrides[overrideKey{category: category, key: key}]
	return override, ok, nil
}

// ListOverrides returns all overrides.
func (s *FeeStore) ListOverrides(ctx context.Context) ([]feestore.Override, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]feestore.Override, 0, len(s.overrides))
	for _, override := range s.overrides {
		out = append(out, override)
	}
	return out, nil
}

// SetOverride upserts one override.
func (s *FeeStore) SetOverride(ctx context.Context, override feestore.Override) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[overrideKey{category: override.Category, key: override.Key}] = override
	return nil
}

// DeleteOverride removes one override.
func (s *FeeStore) DeleteOverride(ctx context.Context, category feestore.Category, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, overrideKey{category: category, key: key})
	return nil
}

var _ feestore.Store = (*FeeStore)(nil)
