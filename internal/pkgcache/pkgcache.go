// Package pkgcache memoizes two upstream-portal reads that are expensive to
// repeat on every job but safe to serve slightly stale: the dealer's
// purchasable package list and its card-to-STB-number lookup.
//
// PackageCache is built directly on pkg/storage/xcache.Loader's Cache-Aside
// implementation (singleflight plus an optional distributed lock against
// cache stampedes) — an almost exact fit for "short-TTL memoization, a
// miss is never a correctness issue" — optionally fronted by
// pkg/storage/xcache.Memory (ristretto) for a short-lived, process-local
// first layer. STBCache is a plain peek-then-set cache over
// pkg/storage/xcache.Redis instead: whether an entry is already present is
// itself the signal the processor uses to decide whether check_card needs
// to run at all, so a transparent fetch-on-miss loader would defeat the
// purpose.
package pkgcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/storage/xcache"
)

const packageKeyPrefix = "pkgcache:packages:"

// FetchPackagesFunc loads the live package list from the upstream portal on
// a cache miss.
type FetchPackagesFunc func(ctx context.Context, accountID string) ([]domain.Package, error)

// PackageCache caches load_packages results per account.
type PackageCache struct {
	loader xcache.Loader
	redis  xcache.Redis
	ttl    time.Duration
	fetch  FetchPackagesFunc

	l1    xcache.Memory
	l1TTL time.Duration
}

// Option configures optional PackageCache behavior.
type Option func(*PackageCache)

// WithLocalCache fronts the redis-backed Cache-Aside path with an
// in-process ristretto cache (xcache.Memory): a burst of jobs against the
// same account within one worker process never even reaches redis. l1TTL
// should be well under ttl, since the local cache is never invalidated by
// another process's Put/Invalidate call.
func WithLocalCache(mem xcache.Memory, l1TTL time.Duration) Option {
	return func(c *PackageCache) {
		c.l1 = mem
		c.l1TTL = l1TTL
	}
}

// New builds a PackageCache with the given default TTL (~10 minutes is a
// reasonable default for how often package lists actually change) backed
// by redis for storage/invalidation and loader for the Cache-Aside load
// path.
func New(redis xcache.Redis, loader xcache.Loader, ttl time.Duration, fetch FetchPackagesFunc, opts ...Option) *PackageCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &PackageCache{loader: loader, redis: redis, ttl: ttl, fetch: fetch}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached package list for accountID, loading it from fetch
// on a miss.
func (c *PackageCache) Get(ctx context.Context, accountID string) ([]domain.Package, error) {
	key := packageKey(accountID)

	if c.l1 != nil {
		if raw, ok := c.l1.Client().Get(key); ok {
			var pkgs []domain.Package
			if err := json.Unmarshal(raw, &pkgs); err == nil {
				return pkgs, nil
			}
		}
	}

	raw, err := c.loader.Load(ctx, key, func(ctx context.Context) ([]byte, error) {
		pkgs, err := c.fetch(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(pkgs)
	}, c.ttl)
	if err != nil {
		return nil, fmt.Errorf("pkgcache: load packages %s: %w", accountID, err)
	}

	var pkgs []domain.Package
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pkgs); err != nil {
			return nil, fmt.Errorf("pkgcache: decode packages %s: %w", accountID, err)
		}
	}

	if c.l1 != nil {
		c.l1.Client().SetWithTTL(key, raw, int64(len(raw)), c.l1TTL)
	}
	return pkgs, nil
}

// Put writes a freshly loaded package list directly into the cache,
// bypassing the Cache-Aside fetch path. Handlers that already hold a live
// session call this right after a successful load_packages instead of
// routing back through Get, so the write never triggers a second upstream
// call.
func (c *PackageCache) Put(ctx context.Context, accountID string, pkgs []domain.Package) error {
	raw, err := json.Marshal(pkgs)
	if err != nil {
		return fmt.Errorf("pkgcache: encode packages %s: %w", accountID, err)
	}
	if err := c.redis.Client().Set(ctx, packageKey(accountID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("pkgcache: put packages %s: %w", accountID, err)
	}
	if c.l1 != nil {
		c.l1.Client().SetWithTTL(packageKey(accountID), raw, int64(len(raw)), c.l1TTL)
	}
	return nil
}

// Invalidate evicts the cached package list, called right after a purchase
// changes what an account can still afford.
func (c *PackageCache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.redis.Client().Del(ctx, packageKey(accountID)).Err(); err != nil {
		return fmt.Errorf("pkgcache: invalidate packages %s: %w", accountID, err)
	}
	if c.l1 != nil {
		c.l1.Client().Del(packageKey(accountID))
	}
	return nil
}

func packageKey(accountID string) string {
	return packageKeyPrefix + accountID
}
