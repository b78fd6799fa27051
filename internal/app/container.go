package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/metering_gateway/internal/alerts"
	"github.com/ncecere/metering_gateway/internal/auth"
	"github.com/ncecere/metering_gateway/internal/cache"
	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/database"
	"github.com/ncecere/metering_gateway/internal/estimator"
	"github.com/ncecere/metering_gateway/internal/gateway"
	"github.com/ncecere/metering_gateway/internal/health"
	"github.com/ncecere/metering_gateway/internal/ledger"
	"github.com/ncecere/metering_gateway/internal/limits"
	"github.com/ncecere/metering_gateway/internal/observability"
	"github.com/ncecere/metering_gateway/internal/providers"
	"github.com/ncecere/metering_gateway/internal/reports"
	"github.com/ncecere/metering_gateway/internal/settings"
	"github.com/ncecere/metering_gateway/internal/storage/blob"
	"github.com/ncecere/metering_gateway/internal/store/postgres"
	"github.com/ncecere/metering_gateway/internal/store/sqlite"
)

// Store is the persistence the container needs: accounts and transactions,
// alerts, and system settings.
type Store interface {
	ledger.Store
	alerts.Store
	settings.Store
}

// Container aggregates runtime dependencies for handlers and commands.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	Store         Store
	Redis         *redis.Client
	Settings      *settings.Service
	Ledger        *ledger.Ledger
	Estimator     *estimator.Estimator
	Alerts        *alerts.Debouncer
	Router        *providers.Router
	Gateway       *gateway.Gateway
	RateLimiter   *limits.RateLimiter
	RateLimit     limits.LimitConfig
	Idempotency   *cache.IdempotencyCache
	HealthMon     *health.Monitor
	Observability *observability.Provider
	Identity      *auth.IdentityVerifier
	Exports       *reports.Exporter
}

// OpenStore opens the store selected by database.driver. The returned
// closer releases it.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (Store, func(), error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		if err := database.RunMigrations(ctx, cfg); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		pool, err := database.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	}
}

// NewContainer builds the dependency graph on top of an opened store.
// redisClient may be nil, which disables rate limits and idempotency.
func NewContainer(ctx context.Context, cfg *config.Config, store Store, redisClient *redis.Client, obs *observability.Provider, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	settingsSvc := settings.NewService(store, cfg.Metering, cfg.Alerts)
	if err := settingsSvc.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed settings: %w", err)
	}

	ledgerSvc := ledger.New(store, settingsSvc, ledger.WithLogger(logger))
	est := estimator.New(logger)

	debouncerOpts := []alerts.DebouncerOption{alerts.WithDebouncerLogger(logger)}
	routerOpts := []providers.Option{providers.WithLogger(logger)}
	gatewayOpts := []gateway.Option{gateway.WithLogger(logger)}
	var gauge health.Gauge
	if obs != nil {
		debouncerOpts = append(debouncerOpts, alerts.WithRecorder(obs))
		routerOpts = append(routerOpts, providers.WithRecorder(obs))
		gatewayOpts = append(gatewayOpts, gateway.WithRecorder(obs))
		gauge = obs
	}

	notifier := alerts.NewSinkNotifier(buildSink(cfg.Alerts, logger), settingsSvc, logger,
		alerts.WithNotifierThresholds(settingsSvc))
	debouncer := alerts.NewDebouncer(store, notifier, settingsSvc, debouncerOpts...)

	router := providers.NewRouter(cfg.Providers, routerOpts...)
	gw := gateway.New(est, ledgerSvc, router, debouncer, gateway.Config{
		SettleOnCancel: cfg.Metering.SettleOnCancel,
		SettleTimeout:  cfg.Metering.SettleTimeout,
	}, gatewayOpts...)

	var identity *auth.IdentityVerifier
	if cfg.Identity.JWTSecret != "" {
		verifier, err := auth.NewIdentityVerifier(cfg.Identity.JWTSecret, cfg.Identity.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("init identity verifier: %w", err)
		}
		identity = verifier
	}

	blobStore, err := blob.New(ctx, cfg.Exports)
	if err != nil {
		return nil, fmt.Errorf("init export storage: %w", err)
	}

	return &Container{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Redis:       redisClient,
		Settings:    settingsSvc,
		Ledger:      ledgerSvc,
		Estimator:   est,
		Alerts:      debouncer,
		Router:      router,
		Gateway:     gw,
		RateLimiter: limits.NewRateLimiter(redisClient),
		RateLimit: limits.LimitConfig{
			RequestsPerMinute: cfg.RateLimits.RequestsPerMinute,
			ParallelRequests:  cfg.RateLimits.ParallelRequests,
		},
		Idempotency:   cache.NewIdempotencyCache(redisClient, cfg.RateLimits.IdempotencyTTL),
		HealthMon:     health.NewMonitor(router, gauge, cfg.Health, logger),
		Observability: obs,
		Identity:      identity,
		Exports:       reports.NewExporter(ledgerSvc, blobStore, logger),
	}, nil
}

// buildSink delivers through SMTP and webhooks when configured. Without SMTP
// credentials (or in debug mode) email delivery is simulated by the log sink.
func buildSink(cfg config.AlertsConfig, logger *slog.Logger) alerts.Sink {
	var smtp alerts.Sink
	if cfg.SMTPEnabled() {
		smtp = alerts.NewSMTPSink(cfg.SMTP)
	}
	sink := alerts.NewCompositeSink(smtp, alerts.NewWebhookSink(cfg.Webhooks, cfg.Webhook))
	if smtp == nil {
		sink = alerts.NewCompositeSink(sink, alerts.NewLogSink(logger))
	}
	return sink
}
