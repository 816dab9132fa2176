package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Low-cardinality failure reasons shared by the session, upstream and sync layers.
const (
	ReasonDeadlineExceeded   = "deadline_exceeded"
	ReasonCanceled           = "canceled"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonSessionExpired     = "session_expired"
	ReasonTimeout            = "timeout"
	ReasonConnectionFailed   = "connection_failed"
	ReasonServerError        = "server_error"
	ReasonMalformedResponse  = "malformed_response"
	ReasonClientError        = "client_error"
	ReasonLockHeld           = "lock_held"
	ReasonUnknown            = "unknown"
)

const (
	TriggerScheduled = "scheduled"
	TriggerRefresh   = "refresh"
	TriggerManual    = "manual"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

const (
	LoginOutcomeSuccess  = "success"
	LoginOutcomeRejected = "rejected"
	LoginOutcomeError    = "error"
)

// SyncMetrics captures sync pipeline health signals.
type SyncMetrics struct {
	cycleRuns          *prometheus.CounterVec
	cycleDuration      *prometheus.HistogramVec
	cycleFailures      *prometheus.CounterVec
	propertiesExcluded *prometheus.CounterVec
	normalizeWarnings  *prometheus.CounterVec
	logins             *prometheus.CounterVec
	upstreamDuration   *prometheus.HistogramVec
	snapshotProperties prometheus.Gauge
	totalPending       prometheus.Gauge
	lastSuccess        prometheus.Gauge
}

var (
	syncMetricsOnce sync.Once
	syncMetrics     *SyncMetrics
)

// Sync returns the singleton sync metrics registry.
func Sync() *SyncMetrics {
	return SyncWithConfig(Config{})
}

// SyncWithConfig returns the singleton sync metrics registry using config labels.
func SyncWithConfig(cfg Config) *SyncMetrics {
	syncMetricsOnce.Do(func() {
		syncMetrics = newSyncMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return syncMetrics
}

// NewSyncMetricsForTest builds an unshared metrics set on registerer.
func NewSyncMetricsForTest(registerer prometheus.Registerer) *SyncMetrics {
	return newSyncMetrics(registerer, Config{ServiceName: "adminis-sync", Environment: "test"})
}

func newSyncMetrics(registerer prometheus.Registerer, cfg Config) *SyncMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "adminis-sync"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SyncMetrics{
		cycleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "adminis_sync_cycle_runs_total",
			Help:        "Sync cycles started by trigger.",
			ConstLabels: constLabels,
		}, []string{"trigger"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "adminis_sync_cycle_duration_seconds",
			Help:        "Sync cycle latency by outcome.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		cycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "adminis_sync_cycle_failures_total",
			Help:        "Failed sync cycles by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		propertiesExcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "adminis_sync_properties_excluded_total",
			Help:        "Properties left out of a snapshot because their fetch failed.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		normalizeWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "adminis_sync_normalize_warnings_total",
			Help:        "Normalization diagnostics by kind.",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "adminis_upstream_logins_total",
			Help:        "Upstream login attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "adminis_upstream_request_duration_seconds",
			Help:        "Upstream request latency by operation and outcome reason.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
			ConstLabels: constLabels,
		}, []string{"op", "reason"}),
		snapshotProperties: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "adminis_snapshot_properties",
			Help:        "Properties in the current snapshot.",
			ConstLabels: constLabels,
		}),
		totalPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "adminis_snapshot_total_pending_ron",
			Help:        "Total pending balance across properties in the current snapshot.",
			ConstLabels: constLabels,
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "adminis_sync_last_success_timestamp_seconds",
			Help:        "Unix time of the last published snapshot.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.cycleRuns,
		m.cycleDuration,
		m.cycleFailures,
		m.propertiesExcluded,
		m.normalizeWarnings,
		m.logins,
		m.upstreamDuration,
		m.snapshotProperties,
		m.totalPending,
		m.lastSuccess,
	)
	return m
}

// IncCycleRun increments the cycle counter for trigger.
func (m *SyncMetrics) IncCycleRun(trigger string) {
	if m == nil {
		return
	}
	m.cycleRuns.WithLabelValues(trigger).Inc()
}

// ObserveCycleDuration records cycle latency in seconds.
func (m *SyncMetrics) ObserveCycleDuration(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncCycleFailure increments the failure counter with classification.
func (m *SyncMetrics) IncCycleFailure(err error) {
	if m == nil || err == nil {
		return
	}
	m.cycleFailures.WithLabelValues(ClassifyReason(err)).Inc()
}

// IncPropertyExcluded counts a property dropped from a cycle.
func (m *SyncMetrics) IncPropertyExcluded(err error) {
	if m == nil {
		return
	}
	m.propertiesExcluded.WithLabelValues(ClassifyReason(err)).Inc()
}

// AddNormalizeWarnings counts normalization diagnostics of kind.
func (m *SyncMetrics) AddNormalizeWarnings(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.normalizeWarnings.WithLabelValues(kind).Add(float64(count))
}

// IncLogin counts a login attempt by outcome.
func (m *SyncMetrics) IncLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamRequest records one upstream round trip.
func (m *SyncMetrics) ObserveUpstreamRequest(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	reason := "ok"
	if err != nil {
		reason = ClassifyReason(err)
	}
	m.upstreamDuration.WithLabelValues(op, reason).Observe(duration.Seconds())
}

// SetSnapshot mirrors the published snapshot into gauges.
func (m *SyncMetrics) SetSnapshot(properties int, totalPending float64, generatedAt time.Time) {
	if m == nil {
		return
	}
	m.snapshotProperties.Set(float64(properties))
	m.totalPending.Set(totalPending)
	m.lastSuccess.Set(float64(generatedAt.Unix()))
}

// ClassifyReason maps sync errors to low-cardinality reasons.
// Errors exposing MetricReason() classify themselves.
func ClassifyReason(err error) string {
	if err == nil {
		return ReasonUnknown
	}
	var classified interface{ MetricReason() string }
	if errors.As(err, &classified) {
		if reason := strings.TrimSpace(classified.MetricReason()); reason != "" {
			return reason
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	return ReasonUnknown
}
