// Package config loads worker-core runtime configuration the way the
// teacher's xconf package does: a koanf-backed layered loader (defaults,
// then an optional file, then environment overrides), exposed as a typed
// struct rather than forcing callers through raw key lookups.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/dealerops/workercore/pkg/config/xconf"
)

// envPrefix is the environment-variable namespace for overrides, e.g.
// WORKERCORE_WORKER_CONCURRENCY=5.
const envPrefix = "WORKERCORE_"

// Config holds every runtime key the worker core needs, plus the
// dealer-portal-specific ambient knobs layered on top.
type Config struct {
	// External interfaces.
	DatabaseURL     string `koanf:"database_url"`
	SharedStoreURL  string `koanf:"shared_store_url"`
	WorkerID        string `koanf:"worker_id"`
	Concurrency     int    `koanf:"worker_concurrency"`
	RateLimitPerMin int    `koanf:"worker_rate_limit_per_minute"`

	PreLoginTimeout      time.Duration `koanf:"pre_login_timeout"`
	KeepAliveInterval    time.Duration `koanf:"keepalive_interval"`
	CaptchaTimeout       time.Duration `koanf:"captcha_timeout"`
	KeepAliveIntervalMin int           `koanf:"keepalive_interval_minutes"`

	DBPoolMinSize int `koanf:"db_pool_min_size"`
	DBPoolMaxSize int `koanf:"db_pool_max_size"`

	// Optional CAPTCHA solver credential.
	Captcha2CaptchaKey string `koanf:"captcha_2captcha_key"`
	CaptchaBaseURL     string `koanf:"captcha_base_url"`

	// MetricsAddr is where the Prometheus /metrics handler listens.
	MetricsAddr string `koanf:"metrics_addr"`

	// AdminBalanceSweepCron is a robfig/cron/v3 spec for the admin-triggered
	// CHECK_ACCOUNT_BALANCE sweep. Empty disables the sweep entirely.
	AdminBalanceSweepCron string `koanf:"admin_balance_sweep_cron"`

	// Dealer-portal specific ambient knobs.
	SessionTTL           time.Duration `koanf:"session_ttl"`
	LoginLockTTL         time.Duration `koanf:"login_lock_ttl"`
	LeaseTTL             time.Duration `koanf:"lease_ttl"`
	QueueWaitTimeout     time.Duration `koanf:"queue_wait_timeout"`
	LoginLockWaitTimeout time.Duration `koanf:"login_lock_wait_timeout"`
	ConfirmLockTimeout   time.Duration `koanf:"confirm_lock_timeout"`
	PackageCacheTTL      time.Duration `koanf:"package_cache_ttl"`
	STBCacheTTL          time.Duration `koanf:"stb_cache_ttl"`
	ShutdownDrain        time.Duration `koanf:"shutdown_drain"`

	BrokerBackend string `koanf:"broker_backend"` // "kafka" or "pulsar"
	KafkaBrokers  string `koanf:"kafka_brokers"`
	PulsarURL     string `koanf:"pulsar_url"`

	ClickhouseDSN string `koanf:"clickhouse_dsn"`
	MongoURI      string `koanf:"mongo_uri"`
	MongoDatabase string `koanf:"mongo_database"`
}

// Default returns the configuration's documented defaults, before any file
// or environment overlay is applied.
func Default() Config {
	return Config{
		Concurrency:          3,
		RateLimitPerMin:      30,
		PreLoginTimeout:      120 * time.Second,
		KeepAliveInterval:    600 * time.Second,
		CaptchaTimeout:       120 * time.Second,
		KeepAliveIntervalMin: 19,
		DBPoolMinSize:        2,
		DBPoolMaxSize:        10,
		SessionTTL:           16 * time.Minute,
		LoginLockTTL:         60 * time.Second,
		LeaseTTL:             60 * time.Second,
		QueueWaitTimeout:     120 * time.Second,
		LoginLockWaitTimeout: 30 * time.Second,
		ConfirmLockTimeout:   30 * time.Second,
		PackageCacheTTL:      10 * time.Minute,
		STBCacheTTL:          60 * time.Minute,
		ShutdownDrain:        30 * time.Second,
		BrokerBackend:        "kafka",
		MongoDatabase:        "dealerops",
		MetricsAddr:          ":9090",
	}
}

// Load builds a Config from (in increasing priority): documented defaults,
// an optional YAML/JSON file at path (skipped if empty), and WORKERCORE_*
// environment variables. Mirrors xconf's own layering convention of
// "defaults overridden by file overridden by environment".
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return cfg, fmt.Errorf("config: seed defaults: %w", err)
	}

	if path != "" {
		fileCfg, err := xconf.New(path)
		if err != nil {
			return cfg, fmt.Errorf("config: load file %q: %w", path, err)
		}
		if err := k.Merge(fileCfg.Client()); err != nil {
			return cfg, fmt.Errorf("config: merge file config: %w", err)
		}
	}

	envTransform := func(s string) string {
		trimmed := strings.TrimPrefix(s, envPrefix)
		return strings.ToLower(trimmed)
	}
	if err := k.Load(env.Provider(".", env.Opt{Prefix: envPrefix, TransformFunc: envTransform}), nil); err != nil {
		return cfg, fmt.Errorf("config: load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Watch re-runs Load against path every time the file changes on disk and
// passes the result to onChange. Callers are expected to apply only the
// non-critical knobs this core supports adjusting without a restart (rate
// limit, keep-alive interval); everything else in the reloaded Config is
// informational only. Returns nil, nil if path is empty, since there is
// nothing to watch.
func Watch(path string, onChange func(Config, error)) (*xconf.Watcher, error) {
	if path == "" {
		return nil, nil
	}
	fileCfg, err := xconf.New(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	watcher, err := xconf.Watch(fileCfg, func(xconf.Config, error) {
		cfg, loadErr := Load(path)
		onChange(cfg, loadErr)
	})
	if err != nil {
		return nil, fmt.Errorf("config: start watcher %q: %w", path, err)
	}
	watcher.StartAsync()
	return watcher, nil
}
