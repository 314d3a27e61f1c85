package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/util/xlru"
)

// Registry keeps one live Client per account warm across jobs, evicting and
// closing idle ones after idleTTL — the same expirable-LRU-with-eviction-
// callback shape the wider toolkit uses for any "cap concurrent remote
// connections, free the quiet ones" registry.
type Registry struct {
	cache   *xlru.Cache[string, Client]
	factory Factory

	mu sync.Mutex // serializes get-or-create per registry, not per key
}

// NewRegistry builds a Registry holding at most size clients, evicting any
// client idle for longer than idleTTL.
func NewRegistry(size int, idleTTL time.Duration, factory Factory) (*Registry, error) {
	r := &Registry{factory: factory}

	cache, err := xlru.New[string, Client](
		xlru.Config{Size: size, TTL: idleTTL},
		xlru.WithOnEvicted(func(_ string, client Client) {
			_ = client.Close()
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("upstream: build registry: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Get returns the live client for account, creating one via the registry's
// factory on first use. Creation is serialized across the whole registry
// rather than per-key: account pools are small enough (tens, not
// thousands) that a single mutex never becomes a bottleneck, and it avoids
// the complexity of a striped lock for a registry this size.
func (r *Registry) Get(account domain.Account) (Client, error) {
	if client, ok := r.cache.Get(account.ID); ok {
		return client, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.cache.Get(account.ID); ok {
		return client, nil
	}

	client, err := r.factory(account)
	if err != nil {
		return nil, fmt.Errorf("upstream: create client %s: %w", account.ID, err)
	}
	r.cache.Set(account.ID, client)
	return client, nil
}

// Evict closes and forgets the client for accountID, if present — used
// after a client observes a broken connection it can't recover from.
func (r *Registry) Evict(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.cache.Peek(accountID); ok {
		r.cache.Delete(accountID)
		_ = client.Close()
	}
}

// Close evicts and closes every client currently held by the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.cache.Keys() {
		if client, ok := r.cache.Peek(key); ok {
			_ = client.Close()
		}
	}
	r.cache.Close()
}
