// Command strata-calibrator is the usage maintenance daemon. On a cron
// schedule it rolls the previous period's samples into billing rollups,
// reconciles estimated units against measured actuals, and publishes the
// resulting correction factor for serving nodes to pick up.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/strata/pkg/config"
	"github.com/platinummonkey/strata/pkg/notify"
	"github.com/platinummonkey/strata/pkg/observability"
	"github.com/platinummonkey/strata/pkg/usage"
)

func main() {
	once := flag.Bool("once", false, "Run a single calibration pass and exit")
	window := flag.Duration("window", time.Hour, "Rollup and calibration window")
	flag.Parse()

	if err := run(*once, *window); err != nil {
		fmt.Fprintf(os.Stderr, "strata-calibrator: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool, window time.Duration) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	db, err := sql.Open("postgres", cfg.Stores.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	store := usage.NewPostgresStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		return fmt.Errorf("failed to init usage schema: %w", err)
	}

	// Drift alerts go out on the same channels serving nodes use for limit
	// events.
	subscribers := []notify.Subscriber{&notify.LogSubscriber{Logger: logger}}
	for _, url := range cfg.Observability.WebhookURLs {
		subscribers = append(subscribers, notify.NewWebhookSubscriber(url))
	}
	dispatcher := notify.NewDispatcher(context.Background(), notify.Config{}, logger, subscribers...)
	defer dispatcher.Shutdown(10 * time.Second)

	// A local recorder carries the factor between Calibrate and publication;
	// nothing is recorded through it here.
	recorder := usage.NewRecorder(usage.RecorderConfig{}, usage.WeightedEstimator{}, store, logger, metrics)
	defer recorder.Close()
	calibrator := usage.NewCalibrator(usage.CalibratorConfig{
		DriftThreshold: cfg.Usage.DriftThreshold,
		OnEvent:        dispatcher.Dispatch,
	}, store, recorder, logger, metrics)

	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := runPass(ctx, store, calibrator, logger, window); err != nil {
			logger.WithError(err).Error("Calibration pass failed")
		}
	}

	if once {
		job()
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Usage.CalibrationSchedule, job); err != nil {
		return fmt.Errorf("invalid calibration schedule %q: %w", cfg.Usage.CalibrationSchedule, err)
	}
	c.Start()
	logger.Infof("Calibrator running on schedule %q", cfg.Usage.CalibrationSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal %s, stopping", sig)
	<-c.Stop().Done()
	return nil
}

// runPass rolls up the last closed window and recalibrates over it.
func runPass(ctx context.Context, store *usage.PostgresStore, calibrator *usage.Calibrator, logger *observability.Logger, window time.Duration) error {
	to := time.Now().Truncate(window)
	from := to.Add(-window)

	tenants, err := store.RollupPeriod(ctx, from, to)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"period_start": from,
		"tenants":      tenants,
	}).Info("Usage rollup complete")

	factor, err := calibrator.Calibrate(ctx, from, to)
	if err != nil && !usage.IsDrift(err) {
		return err
	}
	if usage.IsDrift(err) {
		// The factor is already corrected; the alert is for the scoring
		// model owners.
		logger.WithError(err).Warn("Usage attribution drift detected")
	}
	return store.SaveCorrectionFactor(ctx, factor, from, to)
}
