package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealerops/workercore/pkg/storage/xcache"
)

const stbKeyPrefix = "pkgcache:stb:"

// STBCache remembers which smartcard/STB number a card resolved to on its
// last check_card call. Unlike PackageCache this is a plain peek-then-set
// cache, not a Cache-Aside loader: the processor decides whether to run
// check_card at all based on whether an entry is already present, so a
// Get that transparently re-fetched on miss would defeat the point.
type STBCache struct {
	redis xcache.Redis
	ttl   time.Duration
}

// NewSTBCache builds an STBCache with the given default TTL (~60 minutes,
// since smartcard/STB assignments change far less often than packages).
func NewSTBCache(redis xcache.Redis, ttl time.Duration) *STBCache {
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &STBCache{redis: redis, ttl: ttl}
}

// Peek returns the cached STB number for cardNumber and whether an entry
// was present. A miss is not an error: it just means check_card must run.
func (c *STBCache) Peek(ctx context.Context, cardNumber string) (string, bool, error) {
	stb, err := c.redis.Client().Get(ctx, stbKey(cardNumber)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pkgcache: peek stb %s: %w", cardNumber, err)
	}
	return stb, true, nil
}

// Put remembers stbNumber for cardNumber, normally called right after a
// successful check_card.
func (c *STBCache) Put(ctx context.Context, cardNumber, stbNumber string) error {
	if err := c.redis.Client().Set(ctx, stbKey(cardNumber), stbNumber, c.ttl).Err(); err != nil {
		return fmt.Errorf("pkgcache: put stb %s: %w", cardNumber, err)
	}
	return nil
}

// Invalidate evicts the cached STB number for cardNumber.
func (c *STBCache) Invalidate(ctx context.Context, cardNumber string) error {
	if err := c.redis.Client().Del(ctx, stbKey(cardNumber)).Err(); err != nil {
		return fmt.Errorf("pkgcache: invalidate stb %s: %w", cardNumber, err)
	}
	return nil
}

func stbKey(cardNumber string) string {
	return stbKeyPrefix + cardNumber
}
