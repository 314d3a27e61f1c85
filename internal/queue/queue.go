// Package queue implements fair, FIFO waiting for a leasable dealer
// account when the pool has none available right now: functional options,
// %w-wrapped errors, and a thin interface over raw go-redis list commands
// (RPUSH/LINDEX/LREM), which are the natural fit for ordered waiting.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealerops/workercore/internal/accountpool"
	"github.com/dealerops/workercore/internal/domain"
)

const (
	queueKeyPrefix = "account-queue:"
	// pollInterval is how often a waiter re-checks whether it has reached
	// the head of the line and an account has freed up.
	pollInterval = 500 * time.Millisecond
)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithPollInterval overrides the default 500ms wait-loop cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// WaitObserver receives how long one AcquireWithQueue call waited before a
// lease was acquired, successfully or not. Satisfied by
// *metrics.Registry without this package importing it back.
type WaitObserver interface {
	ObserveQueueWait(seconds float64)
}

// WithWaitObserver reports every call's queue wait time to obs.
func WithWaitObserver(obs WaitObserver) Option {
	return func(m *Manager) {
		m.waitObserver = obs
	}
}

// Manager wraps an accountpool.Pool with a single FIFO line: when Acquire
// has nothing to offer, callers queue up and are served strictly in
// arrival order as accounts become available.
type Manager struct {
	pool   *accountpool.Pool
	client redis.UniversalClient

	pollInterval time.Duration
	queueKey     string
	waitObserver WaitObserver
}

// New builds a Manager over pool, using client for the waiting-line state.
func New(pool *accountpool.Pool, client redis.UniversalClient, opts ...Option) *Manager {
	m := &Manager{
		pool:         pool,
		client:       client,
		pollInterval: pollInterval,
		queueKey:     queueKeyPrefix + "default",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AcquireWithQueue leases an account for operationID, queueing fairly
// behind any other operation already waiting if none are immediately
// available. Returns domain.ErrQueueTimeout if no account freed up for this
// operation within timeout.
//
// Fairness invariant: only the operation at the head of the line ever
// attempts to acquire; everyone behind it waits, so accounts freed while
// several operations are queued always go to the longest-waiting one
// first.
func (m *Manager) AcquireWithQueue(ctx context.Context, operationID string, minBalance float64, timeout time.Duration) (*accountpool.Lease, error) {
	start := time.Now()
	if lease, err := m.pool.Acquire(ctx, nil, minBalance); err == nil {
		m.recordWait(start)
		return lease, nil
	} else if !errors.Is(err, domain.ErrNoAvailableAccounts) {
		return nil, err
	}

	if err := m.client.RPush(ctx, m.queueKey, operationID).Err(); err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", operationID, err)
	}
	defer m.dequeue(context.WithoutCancel(ctx), operationID)

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		head, err := m.client.LIndex(ctx, m.queueKey, 0).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("queue: peek head: %w", err)
		}
		if head == operationID {
			lease, err := m.pool.Acquire(ctx, nil, minBalance)
			if err == nil {
				m.dequeue(ctx, operationID)
				m.recordWait(start)
				return lease, nil
			}
			if !errors.Is(err, domain.ErrNoAvailableAccounts) {
				return nil, err
			}
		}

		if !time.Now().Before(deadline) {
			return nil, domain.ErrQueueTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// dequeue removes one occurrence of operationID from the front of the
// line. Safe to call redundantly (e.g. once from the success path and
// again from the deferred cleanup) because LREM on an absent element is a
// no-op.
func (m *Manager) dequeue(ctx context.Context, operationID string) {
	m.client.LRem(ctx, m.queueKey, 1, operationID)
}

// recordWait reports the elapsed time since start to the configured
// WaitObserver, if any.
func (m *Manager) recordWait(start time.Time) {
	if m.waitObserver == nil {
		return
	}
	m.waitObserver.ObserveQueueWait(time.Since(start).Seconds())
}

// Position reports operationID's 0-indexed place in line, or -1 if it is
// not currently queued. Used for status reporting, not for control flow.
func (m *Manager) Position(ctx context.Context, operationID string) (int, error) {
	pos, err := m.client.LPos(ctx, m.queueKey, operationID, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("queue: position %s: %w", operationID, err)
	}
	return int(pos), nil
}
