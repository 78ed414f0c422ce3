package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/api"
	"github.com/platinummonkey/strata/pkg/config"
	"github.com/platinummonkey/strata/pkg/lifecycle"
	"github.com/platinummonkey/strata/pkg/notify"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/orchestrator"
	"github.com/platinummonkey/strata/pkg/snapshot"
	"github.com/platinummonkey/strata/pkg/store"
	"github.com/platinummonkey/strata/pkg/tier"
	"github.com/platinummonkey/strata/pkg/transition"
	"github.com/platinummonkey/strata/pkg/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "strata: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control-plane database: tenant registry, limit tables, usage history.
	db, err := sql.Open("postgres", cfg.Stores.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to open control-plane database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Stores.PostgresMaxConns)
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping control-plane database: %w", err)
	}

	tierRegistry := tier.NewPostgresRegistry(db)
	if err := tierRegistry.InitSchema(appCtx); err != nil {
		return fmt.Errorf("failed to init tier schema: %w", err)
	}
	usageStore := usage.NewPostgresStore(db)
	if err := usageStore.InitSchema(appCtx); err != nil {
		return fmt.Errorf("failed to init usage schema: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Stores.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Stores.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.Stores.RedisPassword != "" {
			opts.Password = cfg.Stores.RedisPassword
		}
		opts.DB = cfg.Stores.RedisDB
		opts.PoolSize = cfg.Stores.RedisPoolSize
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		logger.Warn("No Redis configured; tier cache and rate gate run node-local only")
	}

	tierCache := tier.NewCache(tier.CacheConfig{
		TTL:       cfg.Tier.CacheTTL,
		L1Size:    cfg.Tier.CacheSize,
		KeyPrefix: "strata:tier",
	}, tierRegistry, redisClient, metrics)

	backends, err := buildBackends(cfg, logger, metrics)
	if err != nil {
		return err
	}
	router := store.NewRouter(backends...)
	defer router.Close()

	s3Client, err := buildS3Client(appCtx, cfg)
	if err != nil {
		return err
	}
	snapshots := snapshot.NewManager(snapshot.Config{
		HotSize:   cfg.Snapshots.HotSize,
		HotTTL:    cfg.Snapshots.HotTTL,
		Bucket:    cfg.Snapshots.S3Bucket,
		KeyPrefix: cfg.Snapshots.KeyPrefix,
	}, s3Client, logger)

	subscribers := []notify.Subscriber{&notify.LogSubscriber{Logger: logger}}
	for _, url := range cfg.Observability.WebhookURLs {
		subscribers = append(subscribers, notify.NewWebhookSubscriber(url))
	}
	dispatcher := notify.NewDispatcher(appCtx, notify.Config{}, logger, subscribers...)

	rates := admission.NewRateLimiter(redisClient, "strata:rate", logger)
	gate := admission.NewController(admission.Config{OnEvent: dispatcher.Dispatch}, rates, logger, metrics)

	lm := lifecycle.NewManager(lifecycle.Config{
		WarmupAttempts:        cfg.Lifecycle.WarmupAttempts,
		SweepInterval:         cfg.Lifecycle.SweepInterval,
		ThrottleHighWatermark: cfg.Lifecycle.ThrottleHighWatermark,
		ThrottleLowWatermark:  cfg.Lifecycle.ThrottleLowWatermark,
	}, router, snapshots, gate, logger, metrics, dispatcher.Dispatch)

	recorder := usage.NewRecorder(usage.RecorderConfig{
		BufferSize:    cfg.Usage.BufferSize,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: cfg.Usage.FlushInterval,
	}, usage.WeightedEstimator{}, usageStore, logger, metrics)

	// The calibrator runs out of process and publishes its correction factor
	// through the usage store; pick it up periodically.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				factor, err := usageStore.LatestCorrectionFactor(appCtx)
				if err != nil {
					logger.WithError(err).Warn("Failed to read correction factor")
					continue
				}
				recorder.SetCorrectionFactor(factor)
			}
		}
	}()

	coord := transition.NewCoordinator(transition.Config{OnEvent: dispatcher.Dispatch}, tierRegistry, tierCache, router, gate, lm, logger, metrics)

	orch := orchestrator.New(tierRegistry, tierCache, gate, lm, router, recorder, coord, usageStore, logger, metrics)

	health := observability.NewHealthChecker(db, redisClient, tierCache.Degraded)
	server := api.NewServer(orch, health, logger, metrics)

	go lm.RunSweeper(appCtx)

	if cfg.Tier.LimitsFile != "" {
		go func() {
			if err := tier.WatchLimitTable(appCtx, cfg.Tier.LimitsFile, tierRegistry, func(table *tier.LimitTable) {
				logger.WithField("version", table.Version).Info("Published limit table from file")
			}); err != nil && appCtx.Err() == nil {
				logger.WithError(err).Error("Limit table watcher stopped")
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", health.Liveness)
	healthMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	sm := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		cancel()
		// Drain tenants so warm state reaches the snapshot store before the
		// process exits, then wait out the background cold uploads.
		lm.DrainAll(ctx)
		snapshots.Flush()
		return nil
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		recorder.Close()
		coord.Close()
		return dispatcher.Shutdown(10 * time.Second)
	})

	go func() {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.Infof("Strata tier orchestrator listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return sm.WaitForShutdown()
}

// buildBackends constructs every configured backing store. Relational is
// required; the others come up when configured.
func buildBackends(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) ([]store.Backend, error) {
	relational, err := store.NewRelational(store.RelationalConfig{
		DatabaseURL:  cfg.Stores.PostgresURL,
		MaxOpenConns: cfg.Stores.PostgresMaxConns,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}
	backends := []store.Backend{relational}

	if cfg.Stores.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Stores.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		kv, err := store.NewKeyValue(store.KeyValueConfig{
			Addr:     opts.Addr,
			Password: cfg.Stores.RedisPassword,
			DB:       cfg.Stores.RedisDB,
		}, logger, metrics)
		if err != nil {
			return nil, err
		}
		backends = append(backends, kv)
	}

	if cfg.Stores.DocumentPath != "" {
		doc, err := store.NewDocument(store.DocumentConfig{Path: cfg.Stores.DocumentPath}, logger, metrics)
		if err != nil {
			return nil, err
		}
		backends = append(backends, doc)
	}

	if cfg.Stores.BranchDir != "" {
		branch, err := store.NewBranch(store.BranchConfig{Dir: cfg.Stores.BranchDir}, logger, metrics)
		if err != nil {
			return nil, err
		}
		backends = append(backends, branch)
	}

	return backends, nil
}

// buildS3Client returns nil when no snapshot bucket is configured; the
// snapshot manager then runs hot-tier only.
func buildS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	if cfg.Snapshots.S3Bucket == "" {
		return nil, nil
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Snapshots.S3Region),
	}
	if cfg.Snapshots.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Snapshots.S3AccessKey, cfg.Snapshots.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Snapshots.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Snapshots.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
