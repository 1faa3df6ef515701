package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scheduler. Each scheduler
// instance owns its registry; nothing is registered globally.
type Metrics struct {
	// SelectionsTotal counts account selections by family, strategy and outcome
	SelectionsTotal *prometheus.CounterVec
	// RateLimitsTotal counts rate-limit marks by quota key
	RateLimitsTotal *prometheus.CounterVec
	// CooldownsTotal counts structural cooldowns by reason
	CooldownsTotal *prometheus.CounterVec
	// ProxyFailoversTotal counts proxy failovers by outcome
	ProxyFailoversTotal *prometheus.CounterVec
	// ProxyExhaustionsTotal counts fail-closed proxy exhaustions
	ProxyExhaustionsTotal prometheus.Counter
	// ReservationOpsTotal counts lease operations by op and outcome
	ReservationOpsTotal *prometheus.CounterVec
	// StoreSavesTotal counts store persists by outcome
	StoreSavesTotal *prometheus.CounterVec
	// AccountsGauge tracks the live pool size
	AccountsGauge prometheus.Gauge
	// MinWaitSeconds tracks the last computed recovery wait per family
	MinWaitSeconds *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SelectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selections_total",
				Help:      "Account selections by family, strategy and outcome",
			},
			[]string{"family", "strategy", "outcome"},
		),
		RateLimitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limits_total",
				Help:      "Rate-limit marks recorded by quota key",
			},
			[]string{"quota_key"},
		),
		CooldownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cooldowns_total",
				Help:      "Structural account cooldowns by reason",
			},
			[]string{"reason"},
		),
		ProxyFailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_failovers_total",
				Help:      "Proxy attempts by outcome",
			},
			[]string{"outcome"},
		),
		ProxyExhaustionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_exhaustions_total",
				Help:      "Calls that failed closed with every proxy unavailable",
			},
		),
		ReservationOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservation_ops_total",
				Help:      "Reservation table operations by op and outcome",
			},
			[]string{"op", "outcome"},
		),
		StoreSavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_saves_total",
				Help:      "Account store persists by outcome",
			},
			[]string{"outcome"},
		),
		AccountsGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "accounts",
				Help:      "Number of accounts in the live pool",
			},
		),
		MinWaitSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "min_wait_seconds",
				Help:      "Last computed minimum recovery wait per family",
			},
			[]string{"family"},
		),
	}

	registry.MustRegister(
		m.SelectionsTotal,
		m.RateLimitsTotal,
		m.CooldownsTotal,
		m.ProxyFailoversTotal,
		m.ProxyExhaustionsTotal,
		m.ReservationOpsTotal,
		m.StoreSavesTotal,
		m.AccountsGauge,
		m.MinWaitSeconds,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, used by tests to gather
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
