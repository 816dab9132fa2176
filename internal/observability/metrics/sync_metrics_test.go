package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

type reasonedError struct{ reason string }

func (e reasonedError) Error() string        { return "reasoned: " + e.reason }
func (e reasonedError) MetricReason() string { return e.reason }

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "canceled", err: fmt.Errorf("fetch: %w", context.Canceled), want: ReasonCanceled},
		{name: "self_classified", err: reasonedError{reason: ReasonServerError}, want: ReasonServerError},
		{name: "wrapped_self_classified", err: fmt.Errorf("list: %w", reasonedError{reason: ReasonMalformedResponse}), want: ReasonMalformedResponse},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
		{name: "nil", err: nil, want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyReason(tc.err))
		})
	}
}

func TestSyncMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetricsForTest(registry)

	m.IncCycleRun(TriggerScheduled)
	m.IncCycleRun(TriggerScheduled)
	m.IncCycleFailure(reasonedError{reason: ReasonInvalidCredentials})
	m.IncPropertyExcluded(reasonedError{reason: ReasonTimeout})
	m.AddNormalizeWarnings("unparseable_date", 3)
	m.AddNormalizeWarnings("unparseable_date", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cycleRuns.WithLabelValues(TriggerScheduled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycleFailures.WithLabelValues(ReasonInvalidCredentials)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.propertiesExcluded.WithLabelValues(ReasonTimeout)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.normalizeWarnings.WithLabelValues("unparseable_date")))
}

func TestSyncMetricsSnapshotGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewSyncMetricsForTest(registry)

	at := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	m.SetSnapshot(2, 862.12, at)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.snapshotProperties))
	assert.Equal(t, 862.12, testutil.ToFloat64(m.totalPending))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(m.lastSuccess))
}

func TestSyncWithConfigRegistersOnce(t *testing.T) {
	first := SyncWithConfig(Config{ServiceName: "adminis-sync", Environment: "test"})
	assert.NotPanics(t, func() {
		assert.Same(t, first, Sync())
		assert.Same(t, first, SyncWithConfig(Config{ServiceName: "other"}))
	})

	first.IncCycleRun("scheduled")
	families, err := prometheus.DefaultGatherer.Gather()
	assert.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "adminis_sync_cycle_runs_total" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNilSyncMetricsIsSafe(t *testing.T) {
	var m *SyncMetrics
	assert.NotPanics(t, func() {
		m.IncCycleRun(TriggerRefresh)
		m.IncLogin(LoginOutcomeSuccess)
		m.ObserveUpstreamRequest("list_properties", nil, time.Second)
		m.SetSnapshot(0, 0, time.Now())
	})
}

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("op", "list_properties"),
		attribute.String("property_id", "12"),
		attribute.String("reason", ReasonTimeout),
	)
	keys := make([]attribute.Key, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, attr.Key)
	}
	assert.ElementsMatch(t, []attribute.Key{"op", "reason"}, keys)
}
