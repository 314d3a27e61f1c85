// Package accountpool selects and leases dealer accounts shared across
// concurrent operations. Exclusivity and heartbeat renewal are delegated to
// pkg/distributed/xsemaphore: each account maps to a capacity-1 semaphore
// resource, and xsemaphore.Permit.StartAutoExtend supplies the lease's
// periodic heartbeat almost verbatim.
//
// Selection (priority, then oldest-last-used) and cooldown bookkeeping are
// domain-specific and live entirely in this package, written in the
// teacher's functional-options idiom.
package accountpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/distributed/xsemaphore"
)

const resourceKeyPrefix = "account:"

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithLeaseTTL overrides the default 60s semaphore TTL backing each lease.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(p *Pool) {
		if ttl > 0 {
			p.leaseTTL = ttl
		}
	}
}

// WithHeartbeatInterval overrides the default auto-renewal cadence.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(p *Pool) {
		if interval > 0 {
			p.heartbeat = interval
		}
	}
}

// Pool is the account selection and leasing service.
type Pool struct {
	store Store
	sem   xsemaphore.Semaphore

	leaseTTL  time.Duration
	heartbeat time.Duration

	mu     sync.Mutex
	leased map[string]*Lease
}

// New builds a Pool over store (for candidate listing and cooldown
// bookkeeping) and sem (for exclusive per-account leasing).
func New(store Store, sem xsemaphore.Semaphore, opts ...Option) *Pool {
	p := &Pool{
		store:     store,
		sem:       sem,
		leaseTTL:  60 * time.Second,
		heartbeat: 20 * time.Second,
		leased:    make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire selects the best usable account not in exclude and with at least
// minBalance known balance, and leases it exclusively. Candidates are tried
// in priority order (higher first), then oldest-last-used first among ties;
// an account already leased by another caller — local or remote — is
// skipped in favor of the next candidate rather than failing the whole
// call.
//
// Returns domain.ErrNoAvailableAccounts if no candidate could be leased.
func (p *Pool) Acquire(ctx context.Context, exclude map[string]bool, minBalance float64) (*Lease, error) {
	accounts, err := p.store.ListUsable(ctx)
	if err != nil {
		return nil, fmt.Errorf("accountpool: list candidates: %w", err)
	}

	now := time.Now()
	candidates := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if exclude[a.ID] {
			continue
		}
		if !a.Usable(now) {
			continue
		}
		if a.LastKnownBalance < minBalance {
			continue
		}
		candidates = append(candidates, a)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	for _, account := range candidates {
		permit, err := p.sem.TryAcquire(ctx, resourceKey(account.ID), xsemaphore.WithCapacity(1), xsemaphore.WithTTL(p.leaseTTL))
		if err != nil {
			return nil, fmt.Errorf("accountpool: acquire %s: %w", account.ID, err)
		}
		if permit == nil {
			continue // leased by someone else right now
		}

		lease := &Lease{account: account, permit: permit}
		lease.stop = startAutoExtend(permit, p.heartbeat)

		p.mu.Lock()
		p.leased[account.ID] = lease
		p.mu.Unlock()

		return lease, nil
	}

	return nil, domain.ErrNoAvailableAccounts
}

// Release ends a lease cleanly, stopping heartbeat renewal and freeing the
// underlying semaphore permit for the next acquirer.
func (p *Pool) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	p.mu.Lock()
	if p.leased[lease.account.ID] == lease {
		delete(p.leased, lease.account.ID)
	}
	p.mu.Unlock()
	return lease.release(ctx)
}

// ForceRelease drops a lease this pool instance is currently tracking for
// accountID, e.g. after a job handler panics and its deferred Release never
// runs. It is a local no-op if this process holds no such lease — the
// semaphore permit still expires on its own TTL in that case.
func (p *Pool) ForceRelease(ctx context.Context, accountID string) error {
	p.mu.Lock()
	lease, ok := p.leased[accountID]
	if ok {
		delete(p.leased, accountID)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return lease.release(ctx)
}

// RenewLease extends an active lease's TTL by one heartbeat, independent of
// the automatic renewal loop.
func (p *Pool) RenewLease(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return errors.New("accountpool: renew nil lease")
	}
	return lease.Renew(ctx)
}

// MarkFailed records a cooldown on accountID keyed by the failure kind, so
// future Acquire calls skip it until the cooldown lapses.
func (p *Pool) MarkFailed(ctx context.Context, accountID string, kind domain.FailureKind) error {
	until := time.Now().Add(domain.CooldownFor(kind))
	if err := p.store.SetCooldown(ctx, accountID, until, string(kind)); err != nil {
		return fmt.Errorf("accountpool: mark failed %s: %w", accountID, err)
	}
	return nil
}

// MarkUsed stamps accountID as just-used with its freshly observed balance,
// feeding the oldest-last-used tie-break in future Acquire calls.
func (p *Pool) MarkUsed(ctx context.Context, accountID string, balance float64) error {
	if err := p.store.SetLastUsed(ctx, accountID, time.Now(), balance); err != nil {
		return fmt.Errorf("accountpool: mark used %s: %w", accountID, err)
	}
	return nil
}

// GetAccount returns accountID's current record, for callers that need to
// build an upstream client for an account they already know by id (e.g. a
// resumed confirm-time lookup) rather than selecting a new lease.
func (p *Pool) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	account, err := p.store.Get(ctx, accountID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("accountpool: get account %s: %w", accountID, err)
	}
	return account, nil
}

func resourceKey(accountID string) string {
	return resourceKeyPrefix + accountID
}
