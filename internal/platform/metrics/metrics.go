package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the audit ledger. A nil *Metrics
// is valid: every method is a no-op on nil.
type Metrics struct {
	EventsLogged          *prometheus.CounterVec
	LogEventDuration      prometheus.Histogram
	LogEventFailures      *prometheus.CounterVec
	FastStoreRetries      prometheus.Counter
	StreamPublished       prometheus.Counter
	StreamPublishFailures prometheus.Counter
	StreamDropped         prometheus.Counter
	StreamCircuitState    prometheus.Gauge
	Detections            *prometheus.CounterVec
	DetectorDropped       prometheus.Counter
	DetectorErrors        *prometheus.CounterVec
	AlertsDispatched      prometheus.Counter
	AlertsDropped         *prometheus.CounterVec
	RetentionRemoved      prometheus.Counter
	ReconcileRepublished  prometheus.Counter
	ChainVerifyFailures   prometheus.Counter
	ArchiveMaterialized   prometheus.Counter
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsLogged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "knowton_audit_events_logged_total",
			Help: "Total number of audit events sequenced and persisted",
		}, []string{"category", "severity"}),
		LogEventDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "knowton_audit_log_event_duration_seconds",
			Help:    "Latency of LogEvent from validation to return",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		LogEventFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "knowton_audit_log_event_failures_total",
			Help: "Total number of LogEvent calls that returned an error",
		}, []string{"code"}),
		FastStoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_fast_store_retries_total",
			Help: "Total number of retried fast store writes",
		}),
		StreamPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_stream_published_total",
			Help: "Total number of events acknowledged by the durable stream",
		}),
		StreamPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_stream_publish_failures_total",
			Help: "Total number of events that exhausted durable stream retries",
		}),
		StreamDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_stream_dropped_total",
			Help: "Total number of events dropped because the stream relay queue was full",
		}),
		StreamCircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "knowton_audit_stream_circuit_breaker_state",
			Help: "Current stream circuit breaker state (0=closed/healthy, 1=open/unhealthy)",
		}),
		Detections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "knowton_audit_detections_total",
			Help: "Total number of synthetic security events emitted by detector rules",
		}, []string{"rule"}),
		DetectorDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_detector_dropped_total",
			Help: "Total number of events skipped because the detector queue was full",
		}),
		DetectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "knowton_audit_detector_errors_total",
			Help: "Total number of detector rule evaluation errors",
		}, []string{"rule"}),
		AlertsDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_alerts_dispatched_total",
			Help: "Total number of critical events accepted by the alert dispatcher",
		}),
		AlertsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "knowton_audit_alerts_dropped_total",
			Help: "Total number of alert deliveries dropped",
		}, []string{"reason"}),
		RetentionRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_retention_removed_total",
			Help: "Total number of events purged from the fast store by the retention sweeper",
		}),
		ReconcileRepublished: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_reconcile_republished_total",
			Help: "Total number of events re-enqueued on the durable stream by reconciliation",
		}),
		ChainVerifyFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_chain_verify_failures_total",
			Help: "Total number of hash chain verifications that found a mismatch",
		}),
		ArchiveMaterialized: f.NewCounter(prometheus.CounterOpts{
			Name: "knowton_audit_archive_materialized_total",
			Help: "Total number of stream records written to the compliance archive",
		}),
	}
}

func (m *Metrics) ObserveLogEvent(category, severity string, seconds float64) {
	if m == nil {
		return
	}
	m.EventsLogged.WithLabelValues(category, severity).Inc()
	m.LogEventDuration.Observe(seconds)
}

func (m *Metrics) IncLogEventFailure(code string) {
	if m == nil {
		return
	}
	m.LogEventFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) IncFastStoreRetry() {
	if m == nil {
		return
	}
	m.FastStoreRetries.Inc()
}

func (m *Metrics) IncStreamPublished() {
	if m == nil {
		return
	}
	m.StreamPublished.Inc()
}

func (m *Metrics) IncStreamPublishFailure() {
	if m == nil {
		return
	}
	m.StreamPublishFailures.Inc()
}

func (m *Metrics) IncStreamDropped() {
	if m == nil {
		return
	}
	m.StreamDropped.Inc()
}

// SetStreamCircuitState sets the circuit breaker state gauge.
func (m *Metrics) SetStreamCircuitState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.StreamCircuitState.Set(1)
	} else {
		m.StreamCircuitState.Set(0)
	}
}

func (m *Metrics) IncDetection(rule string) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(rule).Inc()
}

func (m *Metrics) IncDetectorDropped() {
	if m == nil {
		return
	}
	m.DetectorDropped.Inc()
}

func (m *Metrics) IncDetectorError(rule string) {
	if m == nil {
		return
	}
	m.DetectorErrors.WithLabelValues(rule).Inc()
}

func (m *Metrics) IncAlertDispatched() {
	if m == nil {
		return
	}
	m.AlertsDispatched.Inc()
}

func (m *Metrics) IncAlertDropped(reason string) {
	if m == nil {
		return
	}
	m.AlertsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddRetentionRemoved(n int) {
	if m == nil {
		return
	}
	m.RetentionRemoved.Add(float64(n))
}

func (m *Metrics) AddReconcileRepublished(n int) {
	if m == nil {
		return
	}
	m.ReconcileRepublished.Add(float64(n))
}

func (m *Metrics) IncChainVerifyFailure() {
	if m == nil {
		return
	}
	m.ChainVerifyFailures.Inc()
}

func (m *Metrics) IncArchiveMaterialized() {
	if m == nil {
		return
	}
	m.ArchiveMaterialized.Inc()
}
