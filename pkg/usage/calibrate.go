package usage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/platinummonkey/strata/pkg/admission"
	"github.com/platinummonkey/strata/pkg/observability"
)

// DriftError reports that estimates diverged from measured usage beyond the
// acceptable threshold. The new factor is already applied; the error exists
// so operators get told the scoring model needs attention.
type DriftError struct {
	Estimated float64
	Actual    float64
	Factor    float64
	Threshold float64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("usage attribution drift: estimated %.2f vs actual %.2f units (factor %.3f exceeds ±%.0f%%)",
		e.Estimated, e.Actual, e.Factor, e.Threshold*100)
}

// IsDrift checks if an error is an attribution drift alert.
func IsDrift(err error) bool {
	_, ok := err.(*DriftError)
	return ok
}

// CalibrationStore is the slice of the usage store calibration reads.
type CalibrationStore interface {
	SumEstimated(ctx context.Context, from, to time.Time) (float64, error)
	SumActual(ctx context.Context, from, to time.Time) (float64, error)
}

// CalibratorConfig tunes calibration.
type CalibratorConfig struct {
	// DriftThreshold is the relative error that triggers a drift alert.
	DriftThreshold float64
	// MinFactor and MaxFactor clamp the correction factor so one bad
	// period cannot swing billing by orders of magnitude.
	MinFactor float64
	MaxFactor float64
	// OnEvent receives a drift event when the threshold is breached. Must
	// not block.
	OnEvent func(admission.Event)
}

func (c CalibratorConfig) withDefaults() CalibratorConfig {
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 0.2
	}
	if c.MinFactor <= 0 {
		c.MinFactor = 0.1
	}
	if c.MaxFactor <= 0 {
		c.MaxFactor = 10
	}
	return c
}

// Calibrator periodically reconciles estimates with measured store usage.
type Calibrator struct {
	cfg      CalibratorConfig
	store    CalibrationStore
	recorder *Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
	onEvent  func(admission.Event)
}

// NewCalibrator creates a calibrator feeding corrections into the recorder.
func NewCalibrator(cfg CalibratorConfig, store CalibrationStore, recorder *Recorder, logger *observability.Logger, metrics *observability.Metrics) *Calibrator {
	cfg = cfg.withDefaults()
	onEvent := cfg.OnEvent
	if onEvent == nil {
		onEvent = func(admission.Event) {}
	}
	return &Calibrator{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		onEvent:  onEvent,
	}
}

// Calibrate compares estimated and actual usage over the window, applies the
// new correction factor, and returns a DriftError when the relative error
// exceeded the threshold. The factor is applied either way.
func (c *Calibrator) Calibrate(ctx context.Context, from, to time.Time) (float64, error) {
	estimated, err := c.store.SumEstimated(ctx, from, to)
	if err != nil {
		return c.recorder.CorrectionFactor(), fmt.Errorf("failed to sum estimated usage: %w", err)
	}
	actual, err := c.store.SumActual(ctx, from, to)
	if err != nil {
		return c.recorder.CorrectionFactor(), fmt.Errorf("failed to sum actual usage: %w", err)
	}

	if estimated <= 0 || actual <= 0 {
		c.logger.Debug("calibration window has no usage, keeping current factor")
		return c.recorder.CorrectionFactor(), nil
	}

	factor := actual / estimated
	if factor < c.cfg.MinFactor {
		factor = c.cfg.MinFactor
	}
	if factor > c.cfg.MaxFactor {
		factor = c.cfg.MaxFactor
	}
	c.recorder.SetCorrectionFactor(factor)
	c.logger.WithFields(map[string]interface{}{
		"estimated": estimated,
		"actual":    actual,
		"factor":    factor,
	}).Info("calibration applied")

	if math.Abs(factor-1) > c.cfg.DriftThreshold {
		c.metrics.CalibrationDriftTotal.Inc()
		drift := &DriftError{
			Estimated: estimated,
			Actual:    actual,
			Factor:    factor,
			Threshold: c.cfg.DriftThreshold,
		}
		c.onEvent(admission.Event{
			Kind:   admission.EventDrift,
			Reason: drift.Error(),
			At:     time.Now(),
		})
		return factor, drift
	}
	return factor, nil
}
