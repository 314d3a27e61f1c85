// Package sessioncache implements the shared, TTL-bounded store of
// authenticated upstream sessions keyed by dealer account id, plus the
// single-flight login lock that keeps concurrent workers from launching
// parallel logins against the same account.
//
// Grounded on pkg/storage/xcache/redis.go (go-redis-backed key/value cache
// with a Lock helper) for the storage half; the login lock is a
// purpose-built SETNX + Lua compare-and-delete pair because the login
// lock's value must be the caller's worker id (for ownership checks and
// diagnostics), which xcache.Redis.Lock does not expose.
package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/storage/xcache"
)

const sessionKeyPrefix = "session:"

var (
	// ErrNotFound is returned by Get when no session (or an expired one)
	// is cached for the account.
	ErrNotFound = errors.New("sessioncache: no session cached")
)

// Cache is the shared session store.
type Cache struct {
	redis xcache.Redis
	ttl   time.Duration

	hits   *counter
	misses *counter
}

// New builds a Cache backed by an xcache.Redis instance.
func New(r xcache.Redis, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = domain.DefaultSessionTTL
	}
	return &Cache{redis: r, ttl: defaultTTL, hits: &counter{}, misses: &counter{}}
}

// Get returns the cached session for accountID, or ErrNotFound if absent
// or expired. Increments the hit/miss counters.
func (c *Cache) Get(ctx context.Context, accountID string) (domain.Session, error) {
	raw, err := c.redis.Client().Get(ctx, sessionKey(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.inc()
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		c.misses.inc()
		return domain.Session{}, fmt.Errorf("sessioncache: get %s: %w", accountID, err)
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		c.misses.inc()
		return domain.Session{}, fmt.Errorf("sessioncache: decode %s: %w", accountID, err)
	}
	if sess.Expired(time.Now()) {
		c.misses.inc()
		_ = c.Delete(ctx, accountID)
		return domain.Session{}, ErrNotFound
	}
	c.hits.inc()
	return sess, nil
}

// Put caches sess for accountID with the given TTL (zero uses the default).
func (c *Cache) Put(ctx context.Context, accountID string, sess domain.Session, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("sessioncache: encode %s: %w", accountID, err)
	}
	if err := c.redis.Client().Set(ctx, sessionKey(accountID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("sessioncache: put %s: %w", accountID, err)
	}
	return nil
}

// Delete evicts the cached session, e.g. after a detected invalidation.
func (c *Cache) Delete(ctx context.Context, accountID string) error {
	if err := c.redis.Client().Del(ctx, sessionKey(accountID)).Err(); err != nil {
		return fmt.Errorf("sessioncache: delete %s: %w", accountID, err)
	}
	return nil
}

// Extend refreshes the TTL of a cached session, no-op if the key is already
// gone.
func (c *Cache) Extend(ctx context.Context, accountID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	ok, err := c.redis.Client().Expire(ctx, sessionKey(accountID), ttl).Result()
	if err != nil {
		return fmt.Errorf("sessioncache: extend %s: %w", accountID, err)
	}
	_ = ok // absent key: Expire returns false, which is the documented no-op
	return nil
}

// Stats returns the cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.value(), c.misses.value()
}

func sessionKey(accountID string) string {
	return sessionKeyPrefix + accountID
}
