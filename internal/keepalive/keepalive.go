// Package keepalive implements the scheduled session keep-alive sweep: on
// a fixed cadence it walks every usable account and, for each one that
// currently has a cached session, pushes a KeepAlive round trip to the
// portal before that session's idle timeout can expire it out from under
// a dealer who simply hasn't placed an order in a while.
//
// The sweep itself runs under a distributed lock (via an xcron scheduler
// wired to the same xdlock factory the rest of this core uses) so that
// running several worker replicas never produces duplicate, concurrent
// sweeps — only one replica's scheduler wins the lock for a given tick.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dealerops/workercore/internal/accountpool"
	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/internal/sessioncache"
	"github.com/dealerops/workercore/internal/upstream"
	"github.com/dealerops/workercore/pkg/distributed/xcron"
	"github.com/dealerops/workercore/pkg/distributed/xdlock"
	"github.com/dealerops/workercore/pkg/observability/xlog"
)

const statsKey = "keepalive:stats"

// Config holds the sweep's tunables.
type Config struct {
	// CronSpec is a robfig/cron/v3 spec, default "@every 5m".
	CronSpec string
	// Stagger is the pause inserted between each account's refresh
	// within a single sweep, so a sweep of N accounts never opens N
	// upstream connections at once. Default 10s.
	Stagger time.Duration
	// JobTimeout bounds one full sweep. Default 5m.
	JobTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.CronSpec == "" {
		c.CronSpec = "@every 5m"
	}
	if c.Stagger <= 0 {
		c.Stagger = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
}

// Stats is the most recently published cycle tally, exposed for an admin
// surface to poll without having to read Redis directly.
type Stats struct {
	Succeeded int
	Failed    int
	Skipped   int
	Total     int
	RanAt     time.Time
}

// CycleObserver receives the outcome counts from each completed sweep.
// Satisfied by *metrics.Registry without this package importing it back.
type CycleObserver interface {
	SetKeepaliveCycle(succeeded, failed, skipped int, ranAt float64)
}

// ActivityRecorder records each completed sweep's outcome as an
// append-only activity event. Satisfied by *analytics.Sink without this
// package importing it back.
type ActivityRecorder interface {
	RecordKeepaliveCycle(ctx context.Context, succeeded, failed, skipped int, ranAt time.Time)
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithMetrics reports every sweep's outcome counts to obs, in addition to
// the Redis-published Stats every deployment already gets.
func WithMetrics(obs CycleObserver) Option {
	return func(s *Service) {
		s.metrics = obs
	}
}

// WithActivitySink records every completed sweep's outcome to obs, for an
// admin-facing audit trail. Omitted by default.
func WithActivitySink(obs ActivityRecorder) Option {
	return func(s *Service) {
		s.activity = obs
	}
}

// Service runs the keep-alive sweep on its own xcron-managed schedule.
type Service struct {
	scheduler xcron.Scheduler
	jobID     xcron.JobID

	accounts accountpool.Store
	sessions *sessioncache.Cache
	clients  *upstream.Registry
	redis    redis.UniversalClient
	logger   xlog.Logger
	metrics  CycleObserver
	activity ActivityRecorder

	cfg Config
}

// New builds a Service. locks is the same xdlock.Factory the rest of this
// core's components already share, adapted into the scheduler's Locker
// interface so only one replica's tick actually runs the sweep.
func New(
	accounts accountpool.Store,
	sessions *sessioncache.Cache,
	clients *upstream.Registry,
	locks xdlock.Factory,
	redisClient redis.UniversalClient,
	logger xlog.Logger,
	cfg Config,
	opts ...Option,
) (*Service, error) {
	cfg.setDefaults()

	adapter, err := xcron.NewXdlockAdapter(locks, xcron.WithXdlockKeyPrefix("keepalive:lock:"))
	if err != nil {
		return nil, fmt.Errorf("keepalive: build scheduler lock: %w", err)
	}

	s := &Service{
		scheduler: xcron.New(xcron.WithLocker(adapter)),
		accounts:  accounts,
		sessions:  sessions,
		clients:   clients,
		redis:     redisClient,
		logger:    logger,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the sweep on the configured cadence and starts the
// underlying scheduler. Safe to call once; call Stop before discarding
// the Service.
func (s *Service) Start() error {
	id, err := s.scheduler.AddFunc(
		s.cfg.CronSpec,
		s.runCycle,
		xcron.WithName("keepalive-sweep"),
		xcron.WithTimeout(s.cfg.JobTimeout),
	)
	if err != nil {
		return fmt.Errorf("keepalive: schedule sweep: %w", err)
	}
	s.jobID = id
	s.scheduler.Start()
	return nil
}

// Stop asks the scheduler to stop and waits for any in-flight sweep to
// finish, or for ctx to expire first.
func (s *Service) Stop(ctx context.Context) error {
	done := s.scheduler.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCycle is the scheduled job body: one pass over every usable account,
// staggered so the portal never sees a burst of simultaneous refreshes.
func (s *Service) runCycle(ctx context.Context) error {
	accounts, err := s.accounts.ListUsable(ctx)
	if err != nil {
		return fmt.Errorf("keepalive: list accounts: %w", err)
	}

	var succeeded, failed, skipped int
	for i, account := range accounts {
		if i > 0 {
			select {
			case <-ctx.Done():
				s.publishStats(ctx, succeeded, failed, skipped, len(accounts))
				return ctx.Err()
			case <-time.After(s.cfg.Stagger):
			}
		}

		refreshed, err := s.refreshOne(ctx, account)
		switch {
		case err != nil:
			failed++
			s.logger.Warn(ctx, "keepalive refresh failed",
				slog.String("accountId", account.ID), slog.String("error", err.Error()))
		case !refreshed:
			skipped++
		default:
			succeeded++
		}
	}

	s.publishStats(ctx, succeeded, failed, skipped, len(accounts))
	s.logger.Info(ctx, "keepalive sweep complete",
		slog.Int("succeeded", succeeded), slog.Int("failed", failed),
		slog.Int("skipped", skipped), slog.Int("total", len(accounts)))
	return nil
}

// refreshOne pings the upstream client for account's cached session, if
// it has one. An account with no cached session is reported as skipped,
// not failed — nothing is logged in, so there is nothing to keep alive.
func (s *Service) refreshOne(ctx context.Context, account domain.Account) (bool, error) {
	sess, err := s.sessions.Get(ctx, account.ID)
	if err != nil {
		if errors.Is(err, sessioncache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	client, err := s.clients.Get(account)
	if err != nil {
		return false, err
	}
	if err := client.KeepAlive(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// publishStats writes the cycle tally to Redis so an admin surface can
// poll it; failures here are logged and otherwise ignored since the
// sweep's own work already completed.
func (s *Service) publishStats(ctx context.Context, succeeded, failed, skipped, total int) {
	ranAt := time.Now()
	if s.metrics != nil {
		s.metrics.SetKeepaliveCycle(succeeded, failed, skipped, float64(ranAt.Unix()))
	}
	if s.activity != nil {
		s.activity.RecordKeepaliveCycle(ctx, succeeded, failed, skipped, ranAt)
	}

	if s.redis == nil {
		return
	}
	fields := map[string]any{
		"succeeded": succeeded,
		"failed":    failed,
		"skipped":   skipped,
		"total":     total,
		"ranAt":     ranAt.Format(time.RFC3339),
	}
	if err := s.redis.HSet(ctx, statsKey, fields).Err(); err != nil {
		s.logger.Warn(ctx, "keepalive stats publish failed", slog.String("error", err.Error()))
	}
}

// Stats returns the most recently published cycle counters. Returns a
// zero Stats if no sweep has run yet.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	vals, err := s.redis.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("keepalive: read stats: %w", err)
	}
	if len(vals) == 0 {
		return Stats{}, nil
	}

	var out Stats
	out.Succeeded, _ = strconv.Atoi(vals["succeeded"])
	out.Failed, _ = strconv.Atoi(vals["failed"])
	out.Skipped, _ = strconv.Atoi(vals["skipped"])
	out.Total, _ = strconv.Atoi(vals["total"])
	if ranAt, err := time.Parse(time.RFC3339, vals["ranAt"]); err == nil {
		out.RanAt = ranAt
	}
	return out, nil
}
