// Package main is the entry point for the login risk service. It evaluates
// authentication attempts, holds suspicious ones for out-of-band
// verification and serves the approve/deny links.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openidx/loginrisk/internal/audit"
	"github.com/openidx/loginrisk/internal/common/config"
	"github.com/openidx/loginrisk/internal/common/database"
	"github.com/openidx/loginrisk/internal/common/events"
	"github.com/openidx/loginrisk/internal/common/logger"
	"github.com/openidx/loginrisk/internal/common/resilience"
	"github.com/openidx/loginrisk/internal/common/shutdown"
	"github.com/openidx/loginrisk/internal/common/tracing"
	"github.com/openidx/loginrisk/internal/email"
	"github.com/openidx/loginrisk/internal/health"
	"github.com/openidx/loginrisk/internal/risk"
	"github.com/openidx/loginrisk/internal/risk/store"
	"github.com/openidx/loginrisk/pkg/storage"
)

const serviceName = "risk-service"

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewWithOptions(logger.Options{
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log = logger.WithService(log, serviceName)
	defer func() { _ = log.Sync() }()

	log.Info("Starting login risk service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)
	cfg.LogSecurityWarnings(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()
	sm := shutdown.NewManager(log, 30*time.Second)

	flushTraces, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: serviceName,
		Environment: cfg.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	sm.RegisterHook("tracing", flushTraces)

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.PoolConfig{})
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	sm.RegisterHook("postgres", func(context.Context) error { return db.Close() })

	if err := store.Migrate(ctx, db.SQL()); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}

	var rdb *database.RedisClient
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedis(ctx, cfg.RedisURL)
		switch {
		case err != nil && cfg.GeoCacheBackend == "redis":
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		case err != nil:
			log.Warn("Redis unavailable, email will be sent without a queue", zap.Error(err))
			rdb = nil
		default:
			sm.RegisterHook("redis", func(context.Context) error { return rdb.Close() })
		}
	}

	var indexer audit.Indexer
	var es *database.ElasticsearchClient
	if cfg.ElasticsearchURL != "" {
		es, err = database.NewElasticsearch(database.ElasticsearchConfig{URL: cfg.ElasticsearchURL})
		if err != nil {
			log.Warn("Elasticsearch unavailable, security events go to the audit log only", zap.Error(err))
		} else {
			indexer = es
		}
	}

	registry := resilience.NewRegistry()
	providers, closeProviders, err := risk.BuildProviders(cfg.Risk.ProviderSettings(), registry, log)
	if err != nil {
		log.Fatal("Failed to configure geolocation providers", zap.Error(err))
	}
	sm.RegisterHook("geo_providers", func(context.Context) error { return closeProviders() })

	// Security events fan out to the audit log and the index.
	bus := events.NewMemoryBus()
	bus.SetErrorHandler(func(e events.Event, err error) {
		log.Warn("Security event handler failed", zap.String("event_id", e.ID), zap.String("type", e.Type), zap.Error(err))
	})
	sinkOpts := audit.SinkOptions{HMACSecret: cfg.AuditHMACSecret}
	if cfg.AuditJournalPath != "" {
		journal, err := storage.OpenFileJournal(cfg.AuditJournalPath)
		if err != nil {
			log.Fatal("Failed to open audit journal", zap.Error(err))
		}
		sm.RegisterHook("audit_journal", func(context.Context) error { return journal.Close() })
		sinkOpts.Journal = journal
	}
	sink := audit.NewSink(logger.NewAuditLogger(log), indexer, sinkOpts, log)
	if err := sink.Init(ctx); err != nil {
		log.Warn("Failed to prepare security event index", zap.Error(err))
	}
	sink.Subscribe(bus)
	sm.RegisterHook("event_bus", func(context.Context) error { return bus.Close() })
	publisher := risk.NewBusPublisher(bus)

	var queue redis.UniversalClient
	if rdb != nil {
		queue = rdb.Client
	}
	mailer, err := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, queue, log)
	if err != nil {
		log.Fatal("Failed to initialize email service", zap.Error(err))
	}
	var notifier risk.Notifier
	if cfg.SMTPConfigured() {
		notifier = risk.NewEmailNotifier(mailer)
	}

	engineCfg := cfg.Risk.EngineConfig()
	clock := risk.SystemClock{}

	var geoStore risk.GeoRecordStore = store.NewGeoRecords(db.SQL())
	if cfg.GeoCacheBackend == "redis" {
		geoStore = store.NewRedisGeoRecords(rdb.Client)
	}

	geo := risk.NewGeoLookupCache(geoStore, providers, engineCfg, clock, log)
	devices := risk.NewDeviceTrustStore(store.NewTrustedDevices(db.SQL()), clock, log)
	history := store.NewLoginHistory(db.SQL(), engineCfg.GeoHistoryWindow, clock)
	assessor := risk.NewRiskAssessor(geo, devices, history, engineCfg, clock, publisher, log)
	threats := risk.NewThreatResponder(geo, clock, publisher, log)
	lifecycle := risk.NewLifecycle(risk.LifecycleDeps{
		Store:    store.NewAttempts(db.SQL()),
		Notifier: notifier,
		Devices:  devices,
		Threats:  threats,
		Clock:    clock,
		Events:   publisher,
		Logger:   log,
	}, engineCfg)
	engine := risk.NewEngine(assessor, devices, lifecycle, history, engineCfg, clock, log)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	sweeper := risk.NewSweeper(lifecycle, geo, cfg.Risk.SweeperConfig(), log)
	sweeper.Start(workerCtx)

	queueDone := make(chan struct{})
	if queue != nil && cfg.SMTPConfigured() {
		go func() {
			defer close(queueDone)
			mailer.ProcessQueue(workerCtx)
		}()
	} else {
		close(queueDone)
	}

	sm.RegisterHook("workers", func(ctx context.Context) error {
		stopWorkers()
		sweeper.Wait()
		geo.Wait()
		lifecycle.Wait()
		mailer.Wait()
		select {
		case <-queueDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	healthSvc := health.NewHealthService(log, Version)
	healthSvc.RegisterCheck(health.NewPingChecker("database", db.Ping, true, 500*time.Millisecond))
	if rdb != nil {
		healthSvc.RegisterCheck(health.NewPingChecker("redis", rdb.Ping, cfg.GeoCacheBackend == "redis", 200*time.Millisecond))
	}
	if es != nil {
		healthSvc.RegisterCheck(health.NewPingChecker("elasticsearch", es.Ping, false, time.Second))
	}
	healthSvc.RegisterCheck(health.NewBreakerChecker(registry))

	router := newRouter(routerDeps{
		engine:  engine,
		devices: devices,
		health:  healthSvc,
		logger:  log,
		tracing: cfg.Tracing.Enabled,

		limiter:     queue,
		verifyLimit: cfg.VerifyRateLimit,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := sm.ListenAndServe("http", server); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}

	if err := sm.Wait(context.Background()); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Server exited")
}
