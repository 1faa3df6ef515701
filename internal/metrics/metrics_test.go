package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, m *Metrics) map[string]bool {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestNewMetricsRegistersEverything(t *testing.T) {
	m := NewMetrics("poolguard")

	// Vectors only appear once a label combination exists.
	m.SelectionsTotal.WithLabelValues("claude", "sticky", "selected").Inc()
	m.RateLimitsTotal.WithLabelValues("claude").Inc()
	m.CooldownsTotal.WithLabelValues("repeated failures").Inc()
	m.ProxyFailoversTotal.WithLabelValues("connection_error").Inc()
	m.ProxyExhaustionsTotal.Inc()
	m.ReservationOpsTotal.WithLabelValues("reserve", "ok").Inc()
	m.StoreSavesTotal.WithLabelValues("ok").Inc()
	m.AccountsGauge.Set(3)
	m.MinWaitSeconds.WithLabelValues("gemini").Set(42)

	names := gatheredNames(t, m)
	for _, want := range []string{
		"poolguard_selections_total",
		"poolguard_rate_limits_total",
		"poolguard_cooldowns_total",
		"poolguard_proxy_failovers_total",
		"poolguard_proxy_exhaustions_total",
		"poolguard_reservation_ops_total",
		"poolguard_store_saves_total",
		"poolguard_accounts",
		"poolguard_min_wait_seconds",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func findFamily(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not gathered", name)
	return nil
}

func TestSelectionCounterLabels(t *testing.T) {
	m := NewMetrics("poolguard")

	m.SelectionsTotal.WithLabelValues("claude", "sticky", "selected").Inc()
	m.SelectionsTotal.WithLabelValues("claude", "sticky", "selected").Inc()
	m.SelectionsTotal.WithLabelValues("gemini", "hybrid", "exhausted").Inc()

	mf := findFamily(t, m, "poolguard_selections_total")
	require.Len(t, mf.GetMetric(), 2)

	byOutcome := make(map[string]float64)
	for _, metric := range mf.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "outcome" {
				byOutcome[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(2), byOutcome["selected"])
	assert.Equal(t, float64(1), byOutcome["exhausted"])
}

func TestAccountsGaugeValue(t *testing.T) {
	m := NewMetrics("poolguard")
	m.AccountsGauge.Set(7)

	mf := findFamily(t, m, "poolguard_accounts")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, float64(7), mf.GetMetric()[0].GetGauge().GetValue())
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")

	a.SelectionsTotal.WithLabelValues("claude", "sticky", "selected").Inc()

	assert.True(t, gatheredNames(t, a)["a_selections_total"])
	assert.False(t, gatheredNames(t, b)["a_selections_total"])
}

func TestHandlerServesPlaintext(t *testing.T) {
	m := NewMetrics("poolguard")
	m.AccountsGauge.Set(5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "poolguard_accounts 5")
}
