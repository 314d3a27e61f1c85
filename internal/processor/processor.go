// Package processor implements the job processor: the component that
// dispatches each delivered domain.Job to the handler for its operation
// type and drives that handler's upstream interaction through to a
// terminal or paused operation status.
//
// Every handler runs under a shared wrapper (Processor.Process) that: (a)
// keeps the operation's leased account and heartbeat stamp alive for the
// duration of the handler, (b) on any unhandled error, refunds the user if
// the operation still carries a pending deduction and marks the operation
// failed, treating domain.ErrCancelled as a plain early return rather than
// a failure. Handlers themselves only ever need to return an error or nil
// — refund-on-failure and status bookkeeping are not their concern.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dealerops/workercore/internal/accountpool"
	"github.com/dealerops/workercore/internal/broker"
	"github.com/dealerops/workercore/internal/captcha"
	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/internal/ledger"
	"github.com/dealerops/workercore/internal/notify"
	"github.com/dealerops/workercore/internal/pkgcache"
	"github.com/dealerops/workercore/internal/queue"
	"github.com/dealerops/workercore/internal/sessioncache"
	"github.com/dealerops/workercore/internal/store"
	"github.com/dealerops/workercore/internal/upstream"
	"github.com/dealerops/workercore/pkg/distributed/xdlock"
	"github.com/dealerops/workercore/pkg/observability/xlog"
	"github.com/dealerops/workercore/pkg/resilience/xbreaker"
	"github.com/dealerops/workercore/pkg/resilience/xretry"
)

// Config holds the processor's tunable deadlines. All of them name a
// timeout spelled out in the concurrency model this core implements.
type Config struct {
	QueueTimeout         time.Duration // account queue wait, default 120s
	LoginLockTimeout     time.Duration // login lock wait, default 30s
	CaptchaTimeout       time.Duration // captcha solution wait, default 120s
	CaptchaPollInterval  time.Duration // default 2s
	FinalConfirmPurchase time.Duration // AWAITING_FINAL_CONFIRM deadline for purchases, default 30s
	FinalConfirmInstall  time.Duration // AWAITING_FINAL_CONFIRM deadline for installments, default 60s
	AccountLockTimeout   time.Duration // confirm-time account lock wait, default 30s
	HeartbeatInterval    time.Duration // operation heartbeat cadence, default 15s
	SessionSnapshotTTL   time.Duration // max age of a restored session snapshot for the original account, default 60m
	ConfirmSnapshotTTL   time.Duration // max age of a restored session snapshot at confirm time, default 30m
}

func (c *Config) setDefaults() {
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 120 * time.Second
	}
	if c.LoginLockTimeout <= 0 {
		c.LoginLockTimeout = 30 * time.Second
	}
	if c.CaptchaTimeout <= 0 {
		c.CaptchaTimeout = 120 * time.Second
	}
	if c.CaptchaPollInterval <= 0 {
		c.CaptchaPollInterval = 2 * time.Second
	}
	if c.FinalConfirmPurchase <= 0 {
		c.FinalConfirmPurchase = 30 * time.Second
	}
	if c.FinalConfirmInstall <= 0 {
		c.FinalConfirmInstall = 60 * time.Second
	}
	if c.AccountLockTimeout <= 0 {
		c.AccountLockTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.SessionSnapshotTTL <= 0 {
		c.SessionSnapshotTTL = 60 * time.Minute
	}
	if c.ConfirmSnapshotTTL <= 0 {
		c.ConfirmSnapshotTTL = 30 * time.Minute
	}
}

// Processor wires every collaborator the job handlers drive and dispatches
// each delivered job on its operation type.
type Processor struct {
	workerID string
	cfg      Config

	ops   store.OperationStore
	pool  *accountpool.Pool
	queue *queue.Manager
	locks xdlock.Factory

	sessions  *sessioncache.Cache
	loginLock *sessioncache.LoginLock

	packages *pkgcache.PackageCache
	stbs     *pkgcache.STBCache

	clients *upstream.Registry
	solver  captcha.Solver
	ledger  ledger.Ledger
	notify  notify.Notifier

	logger   xlog.Logger
	metrics  OperationObserver
	activity TransitionObserver

	breakersMu sync.Mutex
	breakers   map[string]*xbreaker.Breaker
}

// OperationObserver receives per-operation throughput/latency and
// per-account breaker-state readings. Satisfied by *metrics.Registry
// without this package importing it back.
type OperationObserver interface {
	ObserveOperation(opType string, seconds float64, err error)
	SetBreakerState(accountID string, state xbreaker.State)
}

// TransitionObserver records an operation's failure as an append-only
// activity event. Satisfied by *analytics.Sink without this package
// importing it back.
type TransitionObserver interface {
	RecordTransition(ctx context.Context, op domain.Operation, from, to domain.Status, message string)
}

// Option configures a Processor at construction time.
type Option func(*Processor)

// WithMetrics reports every handled operation and breaker transition to
// obs. Omitted by default, since not every deployment runs an admin
// metrics scrape endpoint.
func WithMetrics(obs OperationObserver) Option {
	return func(p *Processor) {
		p.metrics = obs
	}
}

// WithActivitySink records every operation failure refundAndFail resolves
// to obs, for an admin-facing audit trail. Omitted by default.
func WithActivitySink(obs TransitionObserver) Option {
	return func(p *Processor) {
		p.activity = obs
	}
}

// New builds a Processor. workerID identifies this process for login-lock
// ownership and job-handler logging.
func New(
	workerID string,
	cfg Config,
	ops store.OperationStore,
	pool *accountpool.Pool,
	queueMgr *queue.Manager,
	locks xdlock.Factory,
	sessions *sessioncache.Cache,
	loginLock *sessioncache.LoginLock,
	packages *pkgcache.PackageCache,
	stbs *pkgcache.STBCache,
	clients *upstream.Registry,
	solver captcha.Solver,
	ledgr ledger.Ledger,
	notifier notify.Notifier,
	logger xlog.Logger,
	opts ...Option,
) *Processor {
	cfg.setDefaults()
	p := &Processor{
		workerID:  workerID,
		cfg:       cfg,
		ops:       ops,
		pool:      pool,
		queue:     queueMgr,
		locks:     locks,
		sessions:  sessions,
		loginLock: loginLock,
		packages:  packages,
		stbs:      stbs,
		clients:   clients,
		solver:    solver,
		ledger:    ledgr,
		notify:    notifier,
		logger:    logger,
		breakers:  make(map[string]*xbreaker.Breaker),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ broker.Handler = (*Processor)(nil).Process

// Process implements broker.Handler: it dispatches job on its operation
// type and runs the chosen handler under the shared heartbeat/refund
// wrapper. It is the single entry point the broker's consume loop calls.
func (p *Processor) Process(ctx context.Context, job domain.Job) error {
	handler, ok := p.dispatchTable()[job.Type]
	if !ok {
		return fmt.Errorf("processor: no handler for operation type %q", job.Type)
	}
	return p.withWrapper(ctx, job, handler)
}

type opHandler func(p *Processor, ctx context.Context, job domain.Job) error

func (p *Processor) dispatchTable() map[domain.OperationType]opHandler {
	return map[domain.OperationType]opHandler{
		domain.OpStartRenewal:        (*Processor).handleStartRenewal,
		domain.OpCompletePurchase:    (*Processor).handleCompletePurchase,
		domain.OpConfirmPurchase:     (*Processor).handleConfirmPurchase,
		domain.OpCancelConfirm:       (*Processor).handleCancelConfirm,
		domain.OpSignalCheck:         (*Processor).handleSignalCheck,
		domain.OpSignalActivate:      (*Processor).handleSignalActivate,
		domain.OpSignalRefresh:       (*Processor).handleSignalRefresh,
		domain.OpStartInstallment:    (*Processor).handleStartInstallment,
		domain.OpConfirmInstallment:  (*Processor).handleConfirmInstallment,
		domain.OpCheckAccountBalance: (*Processor).handleCheckAccountBalance,
	}
}

// withWrapper runs handler under the heartbeat/refund contract shared by
// every operation type.
func (p *Processor) withWrapper(ctx context.Context, job domain.Job, handler opHandler) error {
	stop := p.startHeartbeat(ctx, job.OperationID)
	defer stop()

	start := time.Now()
	err := handler(p, ctx, job)
	if err == nil {
		p.observeOperation(job.Type, start, nil)
		return nil
	}
	if errors.Is(err, domain.ErrCancelled) {
		p.logger.Info(ctx, "operation observed cancellation, ending without refund",
			slog.String("operationId", job.OperationID))
		p.observeOperation(job.Type, start, nil)
		return nil
	}

	p.logger.Error(ctx, "job handler failed, refunding and failing operation",
		slog.String("operationId", job.OperationID), slog.String("error", err.Error()))
	p.observeOperation(job.Type, start, err)
	p.refundAndFail(ctx, job.OperationID, err)
	return err
}

func (p *Processor) observeOperation(opType domain.OperationType, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.ObserveOperation(string(opType), time.Since(start).Seconds(), err)
}

// startHeartbeat periodically stamps the operation's heartbeat fields so
// an external monitor can detect a job that stopped making progress
// without crashing. Returns a stop function; failures to stamp are logged
// and otherwise ignored — heartbeat loss alone must never fail a job.
func (p *Processor) startHeartbeat(ctx context.Context, operationID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				p.stampHeartbeat(hbCtx, operationID)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (p *Processor) stampHeartbeat(ctx context.Context, operationID string) {
	now := time.Now()
	if err := p.ops.Touch(ctx, operationID, now, now.Add(p.cfg.HeartbeatInterval*2)); err != nil {
		p.logger.Warn(ctx, "heartbeat stamp failed", slog.String("operationId", operationID), slog.String("error", err.Error()))
	}
}

// refundAndFail re-reads the operation (the handler may have mutated its
// amount before failing), refunds the user if a deduction is still
// outstanding, and marks the operation failed. Every step is best-effort:
// a failure here is logged, never propagated, since the caller is already
// on its own failure path.
func (p *Processor) refundAndFail(ctx context.Context, operationID string, cause error) {
	cleanupCtx := context.WithoutCancel(ctx)

	op, err := p.ops.Get(cleanupCtx, operationID)
	if err != nil {
		p.logger.Error(cleanupCtx, "refundAndFail: could not reload operation",
			slog.String("operationId", operationID), slog.String("error", err.Error()))
		return
	}
	if op.Status.Terminal() {
		return // already resolved by a concurrent CANCEL_CONFIRM or duplicate delivery
	}

	if op.Amount > 0 {
		if err := p.ledger.Refund(cleanupCtx, op.UserID, op.ID, op.Amount); err != nil && !errors.Is(err, ledger.ErrAlreadyRefunded) {
			p.logger.Error(cleanupCtx, "refundAndFail: refund failed",
				slog.String("operationId", operationID), slog.String("error", err.Error()))
		}
	}

	message := cause.Error()
	fromStatus := op.Status
	err = p.ops.UpdateStatus(cleanupCtx, operationID, op.Status, domain.StatusFailed, func(o *domain.Operation) {
		o.ResponseMessage = message
	})
	if err != nil && !errors.Is(err, domain.ErrStatusConflict) {
		p.logger.Error(cleanupCtx, "refundAndFail: mark failed failed",
			slog.String("operationId", operationID), slog.String("error", err.Error()))
	}
	if err == nil && p.activity != nil {
		p.activity.RecordTransition(cleanupCtx, op, fromStatus, domain.StatusFailed, message)
	}

	if err := p.notify.NotifyUser(cleanupCtx, op.UserID, op.ID, "Your request failed: "+message); err != nil {
		p.logger.Warn(cleanupCtx, "refundAndFail: notify failed", slog.String("error", err.Error()))
	}
}

// checkCancelled re-reads the operation's status and returns
// domain.ErrCancelled if a user cancelled it mid-flight. Handlers call
// this at every natural await point: before and after each upstream call,
// and at the top of each waiting loop.
func (p *Processor) checkCancelled(ctx context.Context, operationID string) error {
	op, err := p.ops.Get(ctx, operationID)
	if err != nil {
		return fmt.Errorf("processor: check cancelled %s: %w", operationID, err)
	}
	if op.Status == domain.StatusCancelled {
		return domain.ErrCancelled
	}
	return nil
}

// breakerFor returns (creating on first use) the per-account circuit
// breaker that trips independently of account cooldown on repeated
// login/transient-upstream failures for a single account.
func (p *Processor) breakerFor(accountID string) *xbreaker.Breaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	b, ok := p.breakers[accountID]
	if !ok {
		opts := []xbreaker.BreakerOption{
			xbreaker.WithTripPolicy(xbreaker.NewConsecutiveFailures(uint32(5))),
			xbreaker.WithTimeout(60 * time.Second),
		}
		if p.metrics != nil {
			opts = append(opts, xbreaker.WithOnStateChange(func(_ string, _, to xbreaker.State) {
				p.metrics.SetBreakerState(accountID, to)
			}))
		}
		b = xbreaker.NewBreaker("account:"+accountID, opts...)
		p.breakers[accountID] = b
	}
	return b
}

// withBreaker runs fn through the account's circuit breaker, counting only
// the recovery classes that indicate the account itself is unhealthy
// (login failure, transient upstream failure) as failures.
func (p *Processor) withBreaker(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	b := p.breakerFor(accountID)
	return b.Do(ctx, func() error { return fn(ctx) })
}

// sessionRetryPolicy allows exactly one retry, and only when the failure
// matches the session-expired recovery class — every other failure
// propagates on the first attempt.
type sessionRetryPolicy struct{}

func (sessionRetryPolicy) MaxAttempts() int { return 2 }

func (sessionRetryPolicy) ShouldRetry(_ context.Context, attempt int, err error) bool {
	return attempt == 1 && isSessionExpired(err)
}

func isSessionExpired(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrSessionExpired) {
		return true
	}
	return domain.IsSessionExpiredMessage(err.Error())
}

func newSessionRetryer(onRetry func(attempt int, err error)) *xretry.Retryer {
	return xretry.NewRetryer(
		xretry.WithRetryPolicy(sessionRetryPolicy{}),
		xretry.WithBackoffPolicy(xretry.NewNoBackoff()),
		xretry.WithOnRetry(onRetry),
	)
}
