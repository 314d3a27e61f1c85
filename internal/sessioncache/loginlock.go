package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	loginLockKeyPrefix = "login-lock:"
	// pollInterval is how often wait_for_login_complete re-checks the lock key.
	pollInterval = 500 * time.Millisecond
)

// releaseScript is the same compare-and-delete shape as xcache's internal
// unlockScript (pkg/storage/xcache/xcache.go): only the value's owner may
// delete the key. Reimplemented here (rather than reused) because the
// login lock's value is a caller-supplied worker id, not an
// xcache-generated opaque token.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// LoginLock is the single-flight login coordination lock: at most one
// worker logs in for a given account at a time; the rest wait for the
// winner to clear the lock, then read the cache.
type LoginLock struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewLoginLock builds a LoginLock with the default 60s TTL, backed by the
// given Redis client.
func NewLoginLock(client redis.UniversalClient) *LoginLock {
	return &LoginLock{client: client, ttl: 60 * time.Second}
}

// Acquire attempts to become the single worker responsible for logging
// this account in. Returns true iff workerID now owns the lock.
func (l *LoginLock) Acquire(ctx context.Context, accountID, workerID string) (bool, error) {
	ok, err := l.client.SetNX(ctx, loginLockKey(accountID), workerID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("sessioncache: acquire login lock %s: %w", accountID, err)
	}
	return ok, nil
}

// Release drops the lock, but only if workerID is still the recorded
// owner (compare-and-delete) — a worker that lost the lock to TTL
// expiry and a new owner must not release someone else's lock.
func (l *LoginLock) Release(ctx context.Context, accountID, workerID string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{loginLockKey(accountID)}, workerID).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("sessioncache: release login lock %s: %w", accountID, err)
	}
	_ = res
	return nil
}

// WaitForComplete polls until the login lock for accountID clears or
// timeout elapses. Returns true if the lock cleared within the deadline,
// false on timeout.
func (l *LoginLock) WaitForComplete(ctx context.Context, accountID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		exists, err := l.client.Exists(ctx, loginLockKey(accountID)).Result()
		if err != nil {
			return false, fmt.Errorf("sessioncache: poll login lock %s: %w", accountID, err)
		}
		if exists == 0 {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func loginLockKey(accountID string) string {
	return loginLockKeyPrefix + accountID
}
