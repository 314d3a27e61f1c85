// Command keepalive runs the session keep-alive sweep on its own, without
// the job-processor daemon: an operator who wants to scale the sweep
// independently of job throughput (or run it on a schedule separate from
// cmd/worker entirely) points this at the same Mongo/Redis/ClickHouse
// deployment and the scheduler's distributed lock keeps the two processes
// from ever double-running the same sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dealerops/workercore/internal/analytics"
	"github.com/dealerops/workercore/internal/config"
	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/internal/keepalive"
	"github.com/dealerops/workercore/internal/metrics"
	"github.com/dealerops/workercore/internal/sessioncache"
	"github.com/dealerops/workercore/internal/store"
	"github.com/dealerops/workercore/internal/upstream"
	"github.com/dealerops/workercore/pkg/distributed/xdlock"
	"github.com/dealerops/workercore/pkg/lifecycle/xrun"
	"github.com/dealerops/workercore/pkg/observability/xlog"
	"github.com/dealerops/workercore/pkg/storage/xcache"
	"github.com/dealerops/workercore/pkg/storage/xclickhouse"
	"github.com/dealerops/workercore/pkg/storage/xmongo"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:  "keepalive",
		Usage: "run the session keep-alive sweep as a standalone process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML/JSON config file layered over the documented defaults",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runKeepalive(ctx, cmd.String("config"))
		},
	}
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := createApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "keepalive: %v\n", err)
		return 1
	}
	return 0
}

func runKeepalive(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := xlog.New().SetFormat("json").Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = closeLog() }()

	mongoClient, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	mongoWrap, err := xmongo.New(mongoClient)
	if err != nil {
		return fmt.Errorf("wrap mongo client: %w", err)
	}

	redisClient := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.SharedStoreURL}})
	defer func() { _ = redisClient.Close() }()

	redisCache, err := xcache.NewRedis(redisClient)
	if err != nil {
		return fmt.Errorf("build redis cache: %w", err)
	}
	locks, err := xdlock.NewRedisFactory(redisClient)
	if err != nil {
		return fmt.Errorf("build lock factory: %w", err)
	}

	accounts := store.NewMongoAccountStore(mongoWrap, cfg.MongoDatabase)
	sessions := sessioncache.New(redisCache, cfg.SessionTTL)
	clients, err := upstream.NewRegistry(256, 30*time.Minute, unconfiguredUpstreamFactory)
	if err != nil {
		return fmt.Errorf("build upstream registry: %w", err)
	}

	chConn, err := clickhouse.Open(&clickhouse.Options{Addr: []string{cfg.ClickhouseDSN}})
	if err != nil {
		return fmt.Errorf("open clickhouse: %w", err)
	}
	defer func() { _ = chConn.Close() }()
	chWrap, err := xclickhouse.New(chConn)
	if err != nil {
		return fmt.Errorf("wrap clickhouse client: %w", err)
	}
	activity := analytics.New(chWrap, "operation_activity", logger)

	reg := metrics.New()
	svc, err := keepalive.New(accounts, sessions, clients, locks, redisClient, logger,
		keepalive.Config{CronSpec: fmt.Sprintf("@every %dm", cfg.KeepAliveIntervalMin)},
		keepalive.WithMetrics(reg), keepalive.WithActivitySink(activity))
	if err != nil {
		return fmt.Errorf("build keepalive service: %w", err)
	}

	logger.Info(ctx, "keepalive starting",
		slog.String("intervalMinutes", fmt.Sprintf("%d", cfg.KeepAliveIntervalMin)),
		slog.String("metricsAddr", cfg.MetricsAddr))

	return xrun.Run(ctx,
		keepaliveService(svc),
		xrun.HTTPServer(&http.Server{Addr: cfg.MetricsAddr, Handler: reg.Handler()}, cfg.ShutdownDrain),
	)
}

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

// unconfiguredUpstreamFactory mirrors cmd/worker's: the upstream HTTP
// transport is deliberately out of scope, so the sweep fails fast per
// account instead of the process refusing to start.
func unconfiguredUpstreamFactory(account domain.Account) (upstream.Client, error) {
	return nil, fmt.Errorf("upstream: no transport configured for account %s", account.ID)
}
