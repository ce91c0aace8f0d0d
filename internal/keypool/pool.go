// Package keypool selects pooled exchange credentials by cached balance and
// keeps the balance cache fresh.
package keypool

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/keystore"
	"github.com/moneta-io/moneta/internal/exchange"
	"github.com/moneta-io/moneta/internal/observability"
)

const component = "keypool"

// Options tune pool behaviour.
type Options struct {
	// Staleness makes a key ineligible when its balance cache is older.
	Staleness time.Duration
	// RefreshInterval drives the background refresher loop.
	RefreshInterval time.Duration
}

const (
	defaultStaleness       = 5 * time.Minute
	defaultRefreshInterval = time.Minute
)

// Pool tracks pooled credentials and their in-flight reservations.
type Pool struct {
	store    keystore.Store
	registry *exchange.Registry
	opts     Options

	mu       sync.Mutex
	reserved map[int64]map[string]decimal.Decimal
}

// New constructs a Pool over the credential store and exchange registry.
func New(store keystore.Store, registry *exchange.Registry, opts Options) *Pool {
	if opts.Staleness <= 0 {
		opts.Staleness = defaultStaleness
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	return &Pool{
		store:    store,
		registry: registry,
		opts:     opts,
		reserved: make(map[int64]map[string]decimal.Decimal),
	}
}

// Pick selects a usable credential for the exchange holding at least min of
// asset and reserves that amount against it. Selection prefers the smallest
// sufficient balance, ties broken by least recent use. The reservation must
// be resolved with Commit or Cancel.
func (p *Pool) Pick(ctx context.Context, exchangeName, asset string, min decimal.Decimal) (keystore.Key, error) {
	keys, err := p.store.List(ctx, exchangeName)
	if err != nil {
		return keystore.Key{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("list keys"), errs.WithCause(err))
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var eligible []keystore.Key
	for _, key := range keys {
		if !key.Enabled {
			continue
		}
		// A stale cache makes the key ineligible rather than trusted.
		if key.RefreshedAt.IsZero() || now.Sub(key.RefreshedAt) > p.opts.Staleness {
			continue
		}
		if p.availableLocked(key, asset).LessThan(min) {
			continue
		}
		eligible = append(eligible, key)
	}
	if len(eligible) == 0 {
		return keystore.Key{}, errs.New(component, errs.CodeResource,
			errs.WithCanonicalCode(errs.CanonicalNoKeyAvailable),
			errs.WithField("exchange", exchangeName),
			errs.WithField("asset", asset))
	}

	sort.Slice(eligible, func(i, j int) bool {
		left := p.availableLocked(eligible[i], asset)
		right := p.availableLocked(eligible[j], asset)
		if left.Equal(right) {
			return eligible[i].LastUsedAt.Before(eligible[j].LastUsedAt)
		}
		return left.LessThan(right)
	})
	chosen := eligible[0]

	bucket, ok := p.reserved[chosen.ID]
	if !ok {
		bucket = make(map[string]decimal.Decimal)
		p.reserved[chosen.ID] = bucket
	}
	bucket[asset] = bucket[asset].Add(min)

	if err := p.store.Touch(ctx, chosen.ID, now); err != nil {
		observability.Log().Error("keypool touch failed",
			observability.F("key_id", chosen.ID), observability.F("error", err))
	}
	return chosen, nil
}

// Commit settles a reservation after the remote order was accepted. The
// cached balance is debited; the next refresh resynchronizes with the venue.
func (p *Pool) Commit(ctx context.Context, keyID int64, asset string, amount decimal.Decimal) {
	p.release(keyID, asset, amount)
	p.Debit(ctx, keyID, asset, amount)
}

// Debit lowers the cached balance without touching reservations. Used when a
// placement succeeded on a key pinned by an earlier attempt, where no live
// reservation exists to settle.
func (p *Pool) Debit(ctx context.Context, keyID int64, asset string, amount decimal.Decimal) {
	key, err := p.store.Get(ctx, keyID)
	if err != nil {
		observability.Log().Error("keypool debit lookup failed",
			observability.F("key_id", keyID), observability.F("error", err))
		return
	}
	balances := key.Balances
	if balances == nil {
		balances = make(map[string]decimal.Decimal)
	}
	debited := balances[asset].Sub(amount)
	if debited.IsNegative() {
		debited = decimal.Zero
	}
	balances[asset] = debited
	if err := p.store.UpdateBalances(ctx, keyID, balances, key.RefreshedAt); err != nil {
		observability.Log().Error("keypool debit failed",
			observability.F("key_id", keyID), observability.F("error", err))
	}
}

// Cancel returns a reservation after a failed placement.
func (p *Pool) Cancel(keyID int64, asset string, amount decimal.Decimal) {
	p.release(keyID, asset, amount)
}

func (p *Pool) release(keyID int64, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bucket, ok := p.reserved[keyID]
	if !ok {
		return
	}
	remaining := bucket[asset].Sub(amount)
	if remaining.IsPositive() {
		bucket[asset] = remaining
	} else {
		delete(bucket, asset)
	}
	if len(bucket) == 0 {
		delete(p.reserved, keyID)
	}
}

func (p *Pool) availableLocked(key keystore.Key, asset string) decimal.Decimal {
	available := key.Balance(asset)
	if bucket, ok := p.reserved[key.ID]; ok {
		available = available.Sub(bucket[asset])
	}
	return available
}

// Refresh fetches live balances for one key and stamps the cache.
func (p *Pool) Refresh(ctx context.Context, keyID int64) error {
	key, err := p.store.Get(ctx, keyID)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load key"),
			errs.WithField("key_id", strconv.FormatInt(keyID, 10)),
			errs.WithCause(err))
	}
	client, err := p.registry.Lookup(key.Exchange)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("refresh key"),
			errs.WithField("key_id", strconv.FormatInt(keyID, 10)),
			errs.WithCause(err))
	}
	balances, err := client.FetchBalances(ctx, exchange.Credentials{
		APIKey:     key.APIKey,
		APISecret:  key.APISecret,
		Passphrase: key.Passphrase,
	})
	if err != nil {
		return errs.New(component, errs.CodeRemote,
			errs.WithMessage("fetch balances"),
			errs.WithField("key_id", strconv.FormatInt(keyID, 10)),
			errs.WithCause(err))
	}
	return p.store.UpdateBalances(ctx, keyID, balances, time.Now())
}

// RefreshAll refreshes every enabled key, reporting the first error after
// attempting all of them.
func (p *Pool) RefreshAll(ctx context.Context) error {
	keys, err := p.store.List(ctx, "")
	if err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("list keys"), errs.WithCause(err))
	}
	var firstErr error
	for _, key := range keys {
		if !key.Enabled {
			continue
		}
		if err := p.Refresh(ctx, key.ID); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			observability.Log().Error("keypool refresh failed",
				observability.F("key_id", key.ID), observability.F("error", err))
		}
	}
	return firstErr
}

// RunRefresher refreshes all keys on the configured interval until ctx ends.
func (p *Pool) RunRefresher(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.RefreshAll(ctx)
		}
	}
}
