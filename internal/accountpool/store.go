package accountpool

import (
	"context"
	"time"

	"github.com/dealerops/workercore/internal/domain"
)

// Store is the persistence collaborator for dealer accounts: the pool reads
// candidates from it and writes back cooldowns and usage stamps, but never
// owns account lifecycle (creation/activation is out of scope here).
type Store interface {
	// ListUsable returns every account the pool may consider leasing,
	// regardless of current cooldown — the pool itself applies the
	// Account.Usable(now) predicate so a single snapshot can serve several
	// concurrent acquire calls.
	ListUsable(ctx context.Context) ([]domain.Account, error)

	// SetCooldown records a failure-triggered cooldown on an account.
	SetCooldown(ctx context.Context, accountID string, until time.Time, reason string) error

	// SetLastUsed stamps an account as just-used and refreshes its known
	// balance after a successful operation against it.
	SetLastUsed(ctx context.Context, accountID string, at time.Time, balance float64) error

	// Get returns a single account by id, for callers that already know
	// which account they need (a resumed lease, a confirm-time lookup)
	// rather than selecting among candidates.
	Get(ctx context.Context, accountID string) (domain.Account, error)
}
