package accountpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/distributed/xsemaphore"
)

// Lease is an exclusive, auto-renewing hold on one dealer account. It wraps
// an xsemaphore.Permit of capacity 1, so a second acquire attempt against
// the same account observes the resource as full rather than racing on a
// mutex.
type Lease struct {
	account domain.Account
	permit  xsemaphore.Permit

	mu   sync.Mutex
	stop func()
	done bool
}

// Account returns the leased account's snapshot as of acquisition time.
func (l *Lease) Account() domain.Account {
	return l.account
}

// Renew explicitly extends the lease's TTL by one heartbeat interval, on
// top of whatever automatic renewal is already running. Handlers call this
// around long upstream round-trips where waiting for the next automatic
// tick would cut it too close to the TTL.
func (l *Lease) Renew(ctx context.Context) error {
	if err := l.permit.Extend(ctx); err != nil {
		return fmt.Errorf("accountpool: renew lease %s: %w", l.account.ID, err)
	}
	return nil
}

// release stops automatic renewal and drops the underlying permit. Safe to
// call more than once.
func (l *Lease) release(ctx context.Context) error {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return nil
	}
	l.done = true
	stop := l.stop
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := l.permit.Release(ctx); err != nil {
		return fmt.Errorf("accountpool: release lease %s: %w", l.account.ID, err)
	}
	return nil
}

func startAutoExtend(p xsemaphore.Permit, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	return p.StartAutoExtend(interval)
}
