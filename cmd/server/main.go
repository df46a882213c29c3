package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/metering/backend/internal/application/apikey"
	billingapp "github.com/metering/backend/internal/application/billing"
	entitlementapp "github.com/metering/backend/internal/application/entitlement"
	usageapp "github.com/metering/backend/internal/application/usage"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/config"
	"github.com/metering/backend/internal/infrastructure/event"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/infrastructure/payment"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"github.com/metering/backend/internal/infrastructure/worker"
	"github.com/metering/backend/internal/interfaces/http/handler"
	"github.com/metering/backend/internal/interfaces/http/middleware"
	"github.com/metering/backend/internal/interfaces/http/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

const analyticsStream = "metering:analytics"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		TimeFormat:  "2006-01-02T15:04:05.000Z07:00",
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	providers, err := telemetry.Setup(rootCtx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	log = providers.BridgeLogger(log, zapcore.InfoLevel)

	profiler, err := telemetry.StartProfiler(telemetry.ProfilerConfig{
		Enabled:           cfg.Telemetry.Profiling.Enabled,
		ServerAddress:     cfg.Telemetry.Profiling.ServerAddress,
		ApplicationName:   cfg.Telemetry.Profiling.ApplicationName,
		BasicAuthUser:     cfg.Telemetry.Profiling.BasicAuthUser,
		BasicAuthPassword: cfg.Telemetry.Profiling.BasicAuthPassword,
		ProfileTypes:      cfg.Telemetry.Profiling.ProfileTypes,
		SpanProfiles:      cfg.Telemetry.Profiling.SpanProfiles,
	}, providers, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}

	log.Info("Starting metering backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	// Create GORM logger backed by zap
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))

	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connected successfully")

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBName:          cfg.Database.DBName,
	}, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	usageMetrics, err := telemetry.NewUsageMetrics(providers.Meter("metering"))
	if err != nil {
		log.Fatal("Failed to create usage metrics", zap.Error(err))
	}

	// Background work: stale cache refreshes, key touches and event delivery
	pool, err := worker.New("background", worker.Config{
		Workers:     cfg.Cache.Workers,
		QueueSize:   cfg.Cache.QueueSize,
		TaskTimeout: cfg.Cache.TaskTimeout,
	}, worker.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to create worker pool", zap.Error(err))
	}

	// Cache tiers
	tiers, err := cache.NewStoreFactory(cache.RedisConfig{
		Host:        cfg.Redis.Host,
		Port:        cfg.Redis.Port,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}, cfg.Redis.Enabled,
		cache.WithFactoryLogger(log),
		cache.WithInMemoryFallback(!cfg.IsProduction()),
		cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
	).Create()
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	cacheOpts := []cache.Option{cache.WithLogger(log), cache.WithRefresher(pool)}
	if tiers.Client != nil {
		cacheOpts = append(cacheOpts, cache.WithInvalidator(
			cache.NewInvalidator(tiers.Client, cache.WithInvalidatorLogger(log))))
	}
	sharedCache := cache.New(tiers.Stores(), cacheOpts...)
	go func() {
		if err := sharedCache.StartInvalidationSubscription(rootCtx); err != nil {
			log.Warn("Cache invalidation subscription ended", zap.Error(err))
		}
	}()

	// Event bus with the analytics sink
	bus := event.NewInMemoryEventBus(log, event.WithDispatcher(pool))
	var sink event.AnalyticsSink = event.NewLogSink(log)
	if tiers.Client != nil {
		sink = event.NewRedisStreamSink(tiers.Client, analyticsStream, 100_000)
	}
	bus.Subscribe(event.NewAnalyticsHandler(sink))
	if err := bus.Start(rootCtx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}

	// Repositories
	apiKeyRepo := persistence.NewGormAPIKeyRepository(db.DB)
	entitlementRepo := persistence.NewGormEntitlementRepository(db.DB)
	usageRecordRepo := persistence.NewGormUsageRecordRepository(db.DB, cfg.Usage.FlushBatchSize)
	phaseRepo := persistence.NewGormPhaseRepository(db.DB)
	invoiceRepo := persistence.NewGormInvoiceRepository(db.DB)

	// Application services
	apiKeyService := apikey.NewService(apiKeyRepo, sharedCache,
		cache.Policy{Fresh: cfg.Cache.APIKeyFresh, Stale: cfg.Cache.APIKeyStale},
		pool, apikey.WithLogger(log))

	entitlementService := entitlementapp.NewService(entitlementRepo, sharedCache,
		cache.Policy{Fresh: cfg.Cache.EntitlementFresh, Stale: cfg.Cache.EntitlementStale},
		entitlementapp.WithLogger(log))

	flusherCfg := usageapp.DefaultFlusherConfig()
	flusherCfg.BatchSize = cfg.Usage.FlushBatchSize
	flusherCfg.FlushInterval = cfg.Usage.FlushInterval
	flusherCfg.QueueSize = cfg.Usage.FlushQueueSize
	flusher := usageapp.NewFlusher(usageRecordRepo, flusherCfg,
		usageapp.WithFlusherLogger(log), usageapp.WithFlusherMetrics(usageMetrics))
	flusher.Start()

	limiter := usageapp.NewLimiter(cfg.Usage.ActorIdleTimeout,
		usageapp.WithLimiterLogger(log), usageapp.WithLimiterMetrics(usageMetrics))

	stream := handler.NewUsageStream(
		handler.WithStreamLogger(log),
		handler.WithStreamHeartbeat(cfg.HTTP.StreamHeartbeat),
		handler.WithStreamBufferSize(cfg.HTTP.StreamBufferSize),
	)

	usageService := usageapp.NewService(limiter, entitlementService, flusher, sharedCache,
		usageapp.Config{
			DedupTTL:         cfg.Usage.DedupTTL,
			IdempotentPolicy: cache.Policy{Fresh: cfg.Usage.IdempotentFresh, Stale: cfg.Usage.IdempotentStale},
		},
		usageapp.WithLogger(log),
		usageapp.WithBroadcaster(stream),
		usageapp.WithEventPublisher(bus),
		usageapp.WithMetrics(usageMetrics),
		usageapp.WithRecordLookup(usageRecordRepo),
	)

	provider, err := payment.NewProvider(cfg.Payment, log)
	if err != nil {
		log.Fatal("Failed to initialize payment provider", zap.Error(err))
	}

	phaseService := billingapp.NewPhaseService(phaseRepo, invoiceRepo, provider, usageRecordRepo,
		billingapp.WithLogger(log),
		billingapp.WithEventPublisher(bus),
		billingapp.WithMetrics(usageMetrics),
		billingapp.WithPeriodStarter(usageService),
	)

	schedulerCfg := billingapp.DefaultSchedulerConfig()
	schedulerCfg.Enabled = cfg.Billing.SchedulerEnabled
	schedulerCfg.Interval = cfg.Billing.SchedulerInterval
	schedulerCfg.BatchSize = cfg.Billing.BatchSize
	schedulerCfg.MaxCollectRetries = cfg.Billing.MaxCollectRetries
	scheduler := billingapp.NewPhaseScheduler(phaseService, phaseRepo, log, schedulerCfg)
	if err := scheduler.Start(rootCtx); err != nil {
		log.Fatal("Failed to start phase scheduler", zap.Error(err))
	}

	webhookService := billingapp.NewStripeWebhookService(cfg.Payment.Stripe.WebhookSecret, phaseService, log)

	// HTTP metrics live on their own registry next to the runtime collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	dbStats, err := db.StatsCollector(cfg.Database.DBName)
	if err != nil {
		log.Fatal("Failed to read database pool", zap.Error(err))
	}
	registry.MustRegister(dbStats)
	httpMetrics, err := middleware.NewHTTPMetrics(registry)
	if err != nil {
		log.Fatal("Failed to register HTTP metrics", zap.Error(err))
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter = middleware.NewRateLimiter(cfg.HTTP.RateLimitRPS, cfg.HTTP.RateLimitBurst)
		go rateLimiter.Run(rootCtx)
	}

	healthChecks := map[string]handler.HealthCheck{
		"database": func(context.Context) error { return db.Ping() },
	}
	if tiers.Client != nil {
		healthChecks["redis"] = func(ctx context.Context) error {
			return tiers.Client.Ping(ctx).Err()
		}
	}

	engine, err := router.NewEngine(router.EngineConfig{
		Logger: log,
		CORS: middleware.CORSConfig{
			AllowOrigins: cfg.HTTP.CORSAllowOrigins,
			AllowMethods: cfg.HTTP.CORSAllowMethods,
			AllowHeaders: cfg.HTTP.CORSAllowHeaders,
			MaxAge:       12 * time.Hour,
		},
		Security: middleware.SecurityConfig{
			HSTSEnabled:           cfg.IsProduction(),
			HSTSMaxAge:            31536000,
			HSTSIncludeSubdomains: true,
		},
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		},
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
		Metrics:        httpMetrics,
		RateLimiter:    rateLimiter,
		Auth:           apiKeyService,
	}, router.Handlers{
		Usage:    handler.NewUsageHandler(usageService, entitlementService),
		Stream:   stream,
		Phases:   handler.NewPhaseHandler(phaseService),
		Webhooks: handler.NewStripeWebhookHandler(webhookService, log),
		System:   handler.NewSystemHandler(cfg.App.Name, version, healthChecks),
	})
	if err != nil {
		log.Fatal("Failed to build HTTP engine", zap.Error(err))
	}

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}
	// Streams never go idle on their own
	srv.RegisterOnShutdown(stream.Stop)

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	// Actors hand their last deltas to the flusher, which drains to the database
	if err := scheduler.Stop(ctx); err != nil {
		log.Error("Error stopping phase scheduler", zap.Error(err))
	}
	if err := limiter.Stop(ctx); err != nil {
		log.Error("Error stopping usage actors", zap.Error(err))
	}
	if err := flusher.Stop(ctx); err != nil {
		log.Error("Error flushing usage records", zap.Error(err))
	}
	if err := bus.Stop(ctx); err != nil {
		log.Error("Error stopping event bus", zap.Error(err))
	}
	if err := pool.Stop(ctx); err != nil {
		log.Error("Error stopping worker pool", zap.Error(err))
	}
	stopRoot()

	if err := tiers.Close(); err != nil {
		log.Error("Error closing cache", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Error("Error stopping profiler", zap.Error(err))
	}
	if err := providers.Shutdown(ctx); err != nil {
		log.Error("Error shutting down telemetry", zap.Error(err))
	}
	if err := db.Close(); err != nil {
		log.Error("Error closing database", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
