package usage

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/strata/pkg/observability"
)

// Record is a scored sample ready for persistence.
type Record struct {
	TenantID    string
	Store       string
	Command     string
	Units       float64
	Duration    time.Duration
	Complexity  float64
	Parallelism int
	At          time.Time
}

// Sink persists batches of usage records.
type Sink interface {
	WriteRecords(ctx context.Context, records []Record) error
}

// RecorderConfig tunes the recorder's buffering.
type RecorderConfig struct {
	// BufferSize bounds the sample channel. A full buffer drops samples
	// rather than stalling the hot path.
	BufferSize int
	// BatchSize flushes once this many records accumulate.
	BatchSize int
	// FlushInterval flushes partial batches on a timer.
	FlushInterval time.Duration
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}

// Recorder scores samples and batches them to the sink off the hot path.
// Record never blocks; under pressure samples are dropped and counted.
type Recorder struct {
	cfg       RecorderConfig
	estimator Estimator
	sink      Sink
	logger    *observability.Logger
	metrics   *observability.Metrics

	factorBits atomic.Uint64 // calibration correction factor

	ch       chan Sample
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRecorder creates and starts a recorder.
func NewRecorder(cfg RecorderConfig, estimator Estimator, sink Sink, logger *observability.Logger, metrics *observability.Metrics) *Recorder {
	r := &Recorder{
		cfg:       cfg.withDefaults(),
		estimator: estimator,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
		ch:        make(chan Sample, cfg.withDefaults().BufferSize),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	r.SetCorrectionFactor(1.0)
	go r.run()
	return r
}

// Record enqueues a sample. Safe to call from any goroutine; drops under
// pressure.
func (r *Recorder) Record(s Sample) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	select {
	case r.ch <- s:
	default:
		r.metrics.UsageSamplesDropped.Inc()
	}
}

// Estimate scores a sample with the current correction factor applied.
func (r *Recorder) Estimate(s Sample) float64 {
	return r.estimator.Estimate(s) * r.CorrectionFactor()
}

// CorrectionFactor returns the calibration factor applied to estimates.
func (r *Recorder) CorrectionFactor() float64 {
	return math.Float64frombits(r.factorBits.Load())
}

// SetCorrectionFactor swaps in a new calibration factor. Only future
// estimates change; rollups already written stay as recorded.
func (r *Recorder) SetCorrectionFactor(f float64) {
	if f <= 0 {
		f = 1.0
	}
	r.factorBits.Store(math.Float64bits(f))
	r.metrics.CalibrationFactor.Set(f)
}

// Close flushes remaining samples and stops the writer.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

func (r *Recorder) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.sink.WriteRecords(ctx, batch); err != nil {
			r.logger.WithError(err).Error("failed to write usage batch")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case s := <-r.ch:
			batch = append(batch, r.toRecord(s))
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stopCh:
			for {
				select {
				case s := <-r.ch:
					batch = append(batch, r.toRecord(s))
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) toRecord(s Sample) Record {
	units := r.Estimate(s)
	r.metrics.UsageUnitsEstimated.WithLabelValues(s.TenantID).Add(units)
	return Record{
		TenantID:    s.TenantID,
		Store:       string(s.Store),
		Command:     s.Command,
		Units:       units,
		Duration:    s.Duration,
		Complexity:  s.Complexity,
		Parallelism: s.Parallelism,
		At:          s.At,
	}
}
