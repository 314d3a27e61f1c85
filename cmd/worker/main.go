// Command worker is the job-processor daemon: it consumes domain.Job
// messages from the configured broker, dispatches each to
// internal/processor, and serves a Prometheus /metrics endpoint alongside
// the keep-alive sweep and the optional admin balance-sweep cron. Every
// collaborator is wired from internal/config so an operator's only input
// is a config file path and WORKERCORE_* environment overrides.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dealerops/workercore/internal/accountpool"
	"github.com/dealerops/workercore/internal/analytics"
	"github.com/dealerops/workercore/internal/broker"
	"github.com/dealerops/workercore/internal/captcha"
	"github.com/dealerops/workercore/internal/config"
	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/internal/keepalive"
	"github.com/dealerops/workercore/internal/ledger"
	"github.com/dealerops/workercore/internal/metrics"
	"github.com/dealerops/workercore/internal/notify"
	"github.com/dealerops/workercore/internal/pkgcache"
	"github.com/dealerops/workercore/internal/processor"
	"github.com/dealerops/workercore/internal/queue"
	"github.com/dealerops/workercore/internal/sessioncache"
	"github.com/dealerops/workercore/internal/store"
	"github.com/dealerops/workercore/internal/upstream"
	"github.com/dealerops/workercore/pkg/distributed/xcron"
	"github.com/dealerops/workercore/pkg/distributed/xdlock"
	"github.com/dealerops/workercore/pkg/distributed/xsemaphore"
	"github.com/dealerops/workercore/pkg/lifecycle/xrun"
	"github.com/dealerops/workercore/pkg/observability/xlog"
	"github.com/dealerops/workercore/pkg/resilience/xlimit"
	"github.com/dealerops/workercore/pkg/storage/xcache"
	"github.com/dealerops/workercore/pkg/storage/xclickhouse"
	"github.com/dealerops/workercore/pkg/storage/xmongo"
	"github.com/dealerops/workercore/pkg/util/xid"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "consume dealer portal operations and drive them to completion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML/JSON config file layered over the documented defaults",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runWorker(ctx, cmd.String("config"))
		},
	}
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := createApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		return 1
	}
	return 0
}

func runWorker(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := xlog.New().SetFormat("json").Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = closeLog() }()

	if cfg.WorkerID == "" {
		if err := xid.Init(); err != nil && !errors.Is(err, xid.ErrAlreadyInitialized) {
			return fmt.Errorf("init id generator: %w", err)
		}
		workerID, err := xid.NewString()
		if err != nil {
			return fmt.Errorf("generate worker id: %w", err)
		}
		cfg.WorkerID = workerID
	}

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build dependencies: %w", err)
	}
	defer deps.Close(logger)

	watcher, err := config.Watch(configPath, func(reloaded config.Config, loadErr error) {
		if loadErr != nil {
			logger.Warn(ctx, "config reload failed", slog.String("error", loadErr.Error()))
			return
		}
		logger.Info(ctx, "config reloaded",
			slog.Int("rateLimitPerMinute", reloaded.RateLimitPerMin),
			slog.String("keepaliveInterval", reloaded.KeepAliveInterval.String()))
	})
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	if watcher != nil {
		defer func() { _ = watcher.Stop() }()
	}

	limiter, err := xlimit.NewLocal(xlimit.WithRules(
		xlimit.GlobalRule("worker-jobs", cfg.RateLimitPerMin, time.Minute),
	))
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	handler := rateLimited(limiter, deps.processor.Process, logger)

	services := []func(context.Context) error{
		func(ctx context.Context) error { return deps.broker.Consume(ctx, handler) },
		xrun.HTTPServer(&http.Server{Addr: cfg.MetricsAddr, Handler: deps.adminMux}, cfg.ShutdownDrain),
		keepaliveService(deps.keepaliveSvc),
	}
	if sweep := deps.adminSweep; sweep != nil {
		services = append(services, cronService(sweep))
	}

	logger.Info(ctx, "worker starting",
		slog.String("workerId", cfg.WorkerID), slog.String("brokerBackend", cfg.BrokerBackend), slog.String("metricsAddr", cfg.MetricsAddr))
	return xrun.Run(ctx, services...)
}

// keepaliveService adapts the keep-alive Service's Start/Stop lifecycle
// into an xrun service function.
func keepaliveService(svc *keepalive.Service) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start keepalive sweep: %w", err)
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return svc.Stop(stopCtx)
	}
}

// cronService adapts an xcron.Scheduler's Start/Stop lifecycle the same way
// keepaliveService does, for the optional admin balance sweep.
func cronService(scheduler xcron.Scheduler) func(context.Context) error {
	return func(ctx context.Context) error {
		scheduler.Start()
		<-ctx.Done()
		done := scheduler.Stop()
		select {
		case <-done.Done():
			return nil
		case <-time.After(30 * time.Second):
			return fmt.Errorf("cmd/worker: admin balance sweep did not stop in time")
		}
	}
}

// rateLimited wraps handler with a per-worker job rate limit (default
// 30/min): when the limiter denies a job, the call blocks until the
// limiter's reset time or ctx is cancelled, rather than dropping the job.
func rateLimited(limiter xlimit.Limiter, handler broker.Handler, logger xlog.Logger) broker.Handler {
	key := xlimit.Key{}
	return func(ctx context.Context, job domain.Job) error {
		for {
			result, err := limiter.Allow(ctx, key)
			if err != nil {
				return fmt.Errorf("rate limit check: %w", err)
			}
			if result.Allowed {
				return handler(ctx, job)
			}
			logger.Warn(ctx, "job rate limited, waiting",
				slog.String("operationId", job.OperationID), slog.String("retryAfter", result.RetryAfter.String()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(result.RetryAfter):
			}
		}
	}
}

// dependencies holds every constructed collaborator plus whatever needs an
// orderly Close at shutdown.
type dependencies struct {
	processor    *processor.Processor
	broker       broker.Broker
	keepaliveSvc *keepalive.Service
	adminMux     http.Handler
	adminSweep   xcron.Scheduler

	mongoClient  *mongo.Client
	redisClient  redis.UniversalClient
	chConn       driver.Conn
	brokerCloser broker.Broker
	notifier     ioCloser
	localCache   ioCloser
}

// ioCloser lets the optional notifier Close be nil-checked without
// importing "io" just for this: notify's KafkaNotifier implements Close,
// LogNotifier does not.
type ioCloser interface {
	Close() error
}

func (d *dependencies) Close(logger xlog.Logger) {
	ctx := context.Background()
	if d.brokerCloser != nil {
		if err := d.brokerCloser.Close(); err != nil {
			logger.Warn(ctx, "close broker failed", slog.String("error", err.Error()))
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			logger.Warn(ctx, "close notifier failed", slog.String("error", err.Error()))
		}
	}
	if d.localCache != nil {
		if err := d.localCache.Close(); err != nil {
			logger.Warn(ctx, "close local package cache failed", slog.String("error", err.Error()))
		}
	}
	if d.chConn != nil {
		if err := d.chConn.Close(); err != nil {
			logger.Warn(ctx, "close clickhouse failed", slog.String("error", err.Error()))
		}
	}
	if d.mongoClient != nil {
		if err := d.mongoClient.Disconnect(ctx); err != nil {
			logger.Warn(ctx, "disconnect mongo failed", slog.String("error", err.Error()))
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			logger.Warn(ctx, "close redis failed", slog.String("error", err.Error()))
		}
	}
}

func buildDependencies(ctx context.Context, cfg config.Config, logger xlog.Logger) (*dependencies, error) {
	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	mongoWrap, err := xmongo.New(mongoClient)
	if err != nil {
		return nil, fmt.Errorf("wrap mongo client: %w", err)
	}

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.SharedStoreURL}})

	redisCache, err := xcache.NewRedis(redisClient)
	if err != nil {
		return nil, fmt.Errorf("build redis cache: %w", err)
	}
	loader, err := xcache.NewLoader(redisCache)
	if err != nil {
		return nil, fmt.Errorf("build cache loader: %w", err)
	}

	locks, err := xdlock.NewRedisFactory(redisClient)
	if err != nil {
		return nil, fmt.Errorf("build lock factory: %w", err)
	}
	sem, err := xsemaphore.New(redisClient)
	if err != nil {
		return nil, fmt.Errorf("build semaphore: %w", err)
	}

	accounts := store.NewMongoAccountStore(mongoWrap, cfg.MongoDatabase)
	operations := store.NewMongoOperationStore(mongoWrap, cfg.MongoDatabase)
	transactions := store.NewMongoTransactionStore(mongoWrap, cfg.MongoDatabase)
	ledgr := ledger.NewMongoLedger(mongoWrap, cfg.MongoDatabase)

	pool := accountpool.New(accounts, sem, accountpool.WithLeaseTTL(cfg.LeaseTTL))
	reg := metrics.New()
	queueMgr := queue.New(pool, redisClient, queue.WithWaitObserver(reg))

	sessions := sessioncache.New(redisCache, cfg.SessionTTL)
	loginLock := sessioncache.NewLoginLock(redisClient)
	stbs := pkgcache.NewSTBCache(redisCache, cfg.STBCacheTTL)

	clients, err := upstream.NewRegistry(256, 30*time.Minute, unconfiguredUpstreamFactory)
	if err != nil {
		return nil, fmt.Errorf("build upstream registry: %w", err)
	}

	localCache, err := xcache.NewMemory()
	if err != nil {
		return nil, fmt.Errorf("build local package cache: %w", err)
	}

	packages := pkgcache.New(redisCache, loader, cfg.PackageCacheTTL, func(ctx context.Context, accountID string) ([]domain.Package, error) {
		account, err := pool.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		client, err := clients.Get(account)
		if err != nil {
			return nil, err
		}
		sess, err := sessions.Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		return client.LoadPackages(ctx, sess)
	}, pkgcache.WithLocalCache(localCache, 15*time.Second))

	var solver captcha.Solver
	if cfg.CaptchaBaseURL != "" {
		solver = captcha.NewHTTPSolver(cfg.CaptchaBaseURL, cfg.Captcha2CaptchaKey)
	} else {
		solver = noopSolver{}
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	var notifierCloser ioCloser
	if cfg.BrokerBackend == "kafka" && cfg.KafkaBrokers != "" {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, "dealer-notifications")
		if err != nil {
			logger.Warn(ctx, "kafka notifier unavailable, falling back to log notifier", slog.String("error", err.Error()))
		} else {
			notifier = kn
			notifierCloser = kn
		}
	}

	chOpts := &clickhouse.Options{Addr: []string{cfg.ClickhouseDSN}}
	chConn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	chWrap, err := xclickhouse.New(chConn)
	if err != nil {
		return nil, fmt.Errorf("wrap clickhouse client: %w", err)
	}
	activity := analytics.New(chWrap, "operation_activity", logger)

	keepaliveSvc, err := keepalive.New(accounts, sessions, clients, locks, redisClient, logger,
		keepalive.Config{CronSpec: fmt.Sprintf("@every %dm", cfg.KeepAliveIntervalMin)},
		keepalive.WithMetrics(reg), keepalive.WithActivitySink(activity))
	if err != nil {
		return nil, fmt.Errorf("build keepalive service: %w", err)
	}

	proc := processor.New(cfg.WorkerID, processor.Config{
		QueueTimeout:     cfg.QueueWaitTimeout,
		LoginLockTimeout: cfg.LoginLockWaitTimeout,
		CaptchaTimeout:   cfg.CaptchaTimeout,
	}, operations, pool, queueMgr, locks, sessions, loginLock, packages, stbs, clients, solver, ledgr, notifier, logger,
		processor.WithMetrics(reg), processor.WithActivitySink(activity))

	var brk broker.Broker
	switch cfg.BrokerBackend {
	case "pulsar":
		brk, err = broker.NewPulsarBroker(cfg.PulsarURL, "dealer-operations", "worker-core")
	default:
		brk, err = broker.NewKafkaBroker(cfg.KafkaBrokers, "dealer-operations", "worker-core", 5)
	}
	if err != nil {
		return nil, fmt.Errorf("build broker: %w", err)
	}

	var adminSweep xcron.Scheduler
	if cfg.AdminBalanceSweepCron != "" {
		adapter, err := xcron.NewXdlockAdapter(locks, xcron.WithXdlockKeyPrefix("admin-balance-sweep:lock:"))
		if err != nil {
			return nil, fmt.Errorf("build admin sweep lock: %w", err)
		}
		adminSweep = xcron.New(xcron.WithLocker(adapter))
		if _, err := adminSweep.AddFunc(cfg.AdminBalanceSweepCron,
			adminBalanceSweep(accounts, operations, proc, logger),
			xcron.WithName("admin-balance-sweep"), xcron.WithTimeout(10*time.Minute)); err != nil {
			return nil, fmt.Errorf("schedule admin sweep: %w", err)
		}
	}

	return &dependencies{
		processor:    proc,
		broker:       brk,
		keepaliveSvc: keepaliveSvc,
		adminMux:     adminMux(reg.Handler(), transactions, logger),
		adminSweep:   adminSweep,
		mongoClient:  mongoClient,
		redisClient:  redisClient,
		chConn:       chConn,
		brokerCloser: brk,
		notifier:     notifierCloser,
		localCache:   localCache,
	}, nil
}

// adminMux serves /metrics alongside a small read-only operator endpoint
// for inspecting the ledger's transaction trail of a single operation,
// since an operator debugging a disputed deduction/refund otherwise has no
// way to see it short of a direct database query.
func adminMux(metricsHandler http.Handler, transactions store.TransactionStore, logger xlog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/admin/transactions", func(w http.ResponseWriter, r *http.Request) {
		operationID := r.URL.Query().Get("operationId")
		if operationID == "" {
			http.Error(w, "operationId query parameter required", http.StatusBadRequest)
			return
		}
		txs, err := transactions.ListByOperation(r.Context(), operationID)
		if err != nil {
			logger.Warn(r.Context(), "list transactions failed",
				slog.String("operationId", operationID), slog.String("error", err.Error()))
			http.Error(w, "failed to list transactions", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(txs)
	})
	return mux
}

// adminBalanceSweep builds the scheduled job body for the admin-triggered
// CHECK_ACCOUNT_BALANCE sweep: one synthetic operation per usable account,
// run through the same processor handler a user-facing balance check
// would use. Accounts don't retain a probe card number of their own, so
// this sweep relies on the upstream client resolving a usable one from the
// account's session the way a live login would.
func adminBalanceSweep(accounts accountpool.Store, operations store.OperationStore, proc *processor.Processor, logger xlog.Logger) func(context.Context) error {
	return func(ctx context.Context) error {
		list, err := accounts.ListUsable(ctx)
		if err != nil {
			return fmt.Errorf("admin balance sweep: list accounts: %w", err)
		}
		for _, account := range list {
			operationID := "admin-balance-" + account.ID + "-" + time.Now().UTC().Format("20060102150405")
			op := domain.Operation{ID: operationID, Type: domain.OpCheckAccountBalance, Status: domain.StatusPending}
			if err := operations.Create(ctx, op); err != nil {
				logger.Warn(ctx, "admin balance sweep: create operation failed",
					slog.String("accountId", account.ID), slog.String("error", err.Error()))
				continue
			}
			job := domain.Job{OperationID: operationID, Type: domain.OpCheckAccountBalance, AccountID: account.ID}
			if err := proc.Process(ctx, job); err != nil {
				logger.Warn(ctx, "admin balance sweep: probe failed",
					slog.String("accountId", account.ID), slog.String("error", err.Error()))
			}
		}
		return nil
	}
}

// unconfiguredUpstreamFactory is the registry's client factory until a real
// upstream HTTP transport is wired in; the transport implementation is
// deliberately out of scope here, so every upstream call fails fast with a
// clear error instead of the binary refusing to start.
func unconfiguredUpstreamFactory(account domain.Account) (upstream.Client, error) {
	return nil, fmt.Errorf("upstream: no transport configured for account %s", account.ID)
}

type noopSolver struct{}

func (noopSolver) Solve(ctx context.Context, image []byte) (string, error) {
	return "", fmt.Errorf("captcha: no solver configured")
}
