package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// counterValue returns the counter value for the family and label set, or zero.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestTrackerRecordsSuccessAndFailure(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	require.NoError(t, metrics.Track("notify").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, metrics.Track("notify").End(boom), boom)

	require.Equal(t, 1.0, counterValue(t, registry, "buyplans_jobs_total", map[string]string{"job": "notify", "status": "success"}))
	require.Equal(t, 1.0, counterValue(t, registry, "buyplans_jobs_total", map[string]string{"job": "notify", "status": "failure"}))
	require.Equal(t, 1.0, counterValue(t, registry, "buyplans_jobs_failures_total", map[string]string{"job": "notify"}))
}

func TestObserveVerificationAndDelivery(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ObserveVerification(VerificationMatched)
	metrics.ObserveVerification(VerificationError)
	metrics.ObserveVerification(VerificationError)
	metrics.ObserveDelivery("email", "submitted", nil)
	metrics.ObserveDelivery("chat", "submitted", errors.New("down"))

	require.Equal(t, 1.0, counterValue(t, registry, "buyplans_po_verifications_total", map[string]string{"result": VerificationMatched}))
	require.Equal(t, 2.0, counterValue(t, registry, "buyplans_po_verifications_total", map[string]string{"result": VerificationError}))
	require.Equal(t, 1.0, counterValue(t, registry, "buyplans_notification_deliveries_total", map[string]string{"channel": "email", "event": "submitted", "status": "sent"}))
	require.Equal(t, 1.0, counterValue(t, registry, "buyplans_notification_deliveries_total", map[string]string{"channel": "chat", "event": "submitted", "status": "failed"}))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveVerification(VerificationMatched)
	metrics.ObserveDelivery("email", "approved", nil)
	require.NoError(t, metrics.Track("verify").End(nil))
}
