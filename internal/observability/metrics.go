package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway metrics via Prometheus.
//
// The metrics system tracks:
//   - Routed tool calls by server and outcome
//   - Upstream request latency and in-flight counts
//   - Circuit breaker state per upstream
//   - Rate limit decisions
//   - Role switches and visible tool counts
type Metrics struct {
	// RequestCounter counts routed tool calls.
	// Labels: server, outcome (allowed|denied|error)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end routing latency in seconds.
	// Labels: server
	RequestDuration *prometheus.HistogramVec

	// UpstreamInflight is a gauge of requests currently in flight per upstream.
	// Labels: server
	UpstreamInflight *prometheus.GaugeVec

	// BreakerState reports circuit breaker state per upstream.
	// Labels: server; value: 0=closed, 1=half-open, 2=open
	BreakerState *prometheus.GaugeVec

	// RateLimitCounter counts rate limit checks.
	// Labels: role, decision (allowed|denied)
	RateLimitCounter *prometheus.CounterVec

	// RoleSwitches counts completed role activations.
	// Labels: role
	RoleSwitches *prometheus.CounterVec

	// VisibleTools is a gauge of tools on the current virtual table.
	VisibleTools prometheus.Gauge
}

// NewMetrics creates and registers all gateway metrics with reg.
// Pass nil to register with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_requests_total",
				Help: "Total routed tool calls by server and outcome",
			},
			[]string{"server", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolgate_request_duration_seconds",
				Help:    "End-to-end routing latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server"},
		),
		UpstreamInflight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolgate_upstream_inflight",
				Help: "Requests currently in flight per upstream",
			},
			[]string{"server"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolgate_breaker_state",
				Help: "Circuit breaker state per upstream (0=closed, 1=half-open, 2=open)",
			},
			[]string{"server"},
		),
		RateLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_ratelimit_total",
				Help: "Rate limit checks by role and decision",
			},
			[]string{"role", "decision"},
		),
		RoleSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolgate_role_switches_total",
				Help: "Completed role activations",
			},
			[]string{"role"},
		),
		VisibleTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolgate_visible_tools",
				Help: "Tools currently on the virtual tool table",
			},
		),
	}
}
