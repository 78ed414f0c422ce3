package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Admission metrics
	LeasesActive      *prometheus.GaugeVec
	QueueDepth        *prometheus.GaugeVec
	QueueWaitDuration *prometheus.HistogramVec
	RejectionsTotal   *prometheus.CounterVec
	EvictionsTotal    *prometheus.CounterVec

	// Lifecycle metrics
	LifecycleState     *prometheus.GaugeVec
	TransitionsTotal   *prometheus.CounterVec
	WarmupDuration     *prometheus.HistogramVec
	WarmupFailsTotal   *prometheus.CounterVec
	DrainSnapshotFails *prometheus.CounterVec

	// Tier cache metrics
	TierCacheHitsTotal   prometheus.Counter
	TierCacheMissesTotal prometheus.Counter
	TierCacheDegraded    prometheus.Gauge

	// Tier transition metrics
	TierTransitionsTotal *prometheus.CounterVec
	TierTransitionAborts *prometheus.CounterVec
	GracePeriodsActive   prometheus.Gauge

	// Usage attribution metrics
	UsageUnitsEstimated   *prometheus.CounterVec
	UsageSamplesDropped   prometheus.Counter
	CalibrationFactor     prometheus.Gauge
	CalibrationDriftTotal prometheus.Counter

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strata_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LeasesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strata_leases_active",
				Help: "Number of live connection leases per tenant",
			},
			[]string{"tenant"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strata_admission_queue_depth",
				Help: "Number of callers waiting at the connection gate per tenant",
			},
			[]string{"tenant"},
		),
		QueueWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strata_admission_queue_wait_seconds",
				Help:    "Time spent waiting in the admission queue",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"tenant"},
		),
		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_admission_rejections_total",
				Help: "Total admission rejections by tenant and reason",
			},
			[]string{"tenant", "reason"},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_lease_evictions_total",
				Help: "Forced lease closures after downgrade grace periods",
			},
			[]string{"tenant"},
		),

		LifecycleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strata_lifecycle_state",
				Help: "Current lifecycle state per tenant (1 = in this state)",
			},
			[]string{"tenant", "state"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_lifecycle_transitions_total",
				Help: "Lifecycle state transitions by from/to state",
			},
			[]string{"from", "to"},
		),
		WarmupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strata_warmup_duration_seconds",
				Help:    "Dormant to Active warm-up duration",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"tenant"},
		),
		WarmupFailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_warmup_failures_total",
				Help: "Warm-ups that exhausted their retry budget",
			},
			[]string{"tenant"},
		),
		DrainSnapshotFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_drain_snapshot_failures_total",
				Help: "Working-set snapshot failures during drain (recovery needed)",
			},
			[]string{"tenant"},
		),

		TierCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "strata_tier_cache_hits_total",
				Help: "Tier cache hits",
			},
		),
		TierCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "strata_tier_cache_misses_total",
				Help: "Tier cache misses",
			},
		),
		TierCacheDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "strata_tier_cache_degraded",
				Help: "1 while tier reads are served from stale values",
			},
		),

		TierTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_tier_transitions_total",
				Help: "Committed tier transitions by direction",
			},
			[]string{"direction"},
		),
		TierTransitionAborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_tier_transition_aborts_total",
				Help: "Tier transitions aborted during prepare",
			},
			[]string{"store"},
		),
		GracePeriodsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "strata_downgrade_grace_periods_active",
				Help: "Downgrade grace periods currently running",
			},
		),

		UsageUnitsEstimated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_usage_units_estimated_total",
				Help: "Estimated resource units recorded per tenant",
			},
			[]string{"tenant"},
		),
		UsageSamplesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "strata_usage_samples_dropped_total",
				Help: "Usage samples dropped because the recorder buffer was full",
			},
		),
		CalibrationFactor: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "strata_calibration_correction_factor",
				Help: "Latest calibration correction factor (reported/estimated)",
			},
		),
		CalibrationDriftTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "strata_calibration_drift_alerts_total",
				Help: "Calibration passes whose relative error exceeded the threshold",
			},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_store_operations_total",
				Help: "Operations executed against backing stores",
			},
			[]string{"store", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strata_store_operation_duration_seconds",
				Help:    "Backing store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"store"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strata_store_errors_total",
				Help: "Backing store failures by store and error type",
			},
			[]string{"store", "error_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LeasesActive,
		m.QueueDepth,
		m.QueueWaitDuration,
		m.RejectionsTotal,
		m.EvictionsTotal,
		m.LifecycleState,
		m.TransitionsTotal,
		m.WarmupDuration,
		m.WarmupFailsTotal,
		m.DrainSnapshotFails,
		m.TierCacheHitsTotal,
		m.TierCacheMissesTotal,
		m.TierCacheDegraded,
		m.TierTransitionsTotal,
		m.TierTransitionAborts,
		m.GracePeriodsActive,
		m.UsageUnitsEstimated,
		m.UsageSamplesDropped,
		m.CalibrationFactor,
		m.CalibrationDriftTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.StoreErrorsTotal,
	)

	return m
}

// SetLifecycleState sets the per-tenant lifecycle state gauge so that exactly
// one state reads 1 for the tenant.
func (m *Metrics) SetLifecycleState(tenant, state string, allStates []string) {
	for _, s := range allStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.LifecycleState.WithLabelValues(tenant, s).Set(value)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
