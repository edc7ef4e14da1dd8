// Package metrics exposes the Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed proxy requests by route and status.
	// Per-model counts live on TokensTotal and CostTotal.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_requests_total",
			Help: "Completed HTTP requests",
		},
		[]string{"route", "status"},
	)

	// RequestDuration observes end-to-end request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiproxy_request_duration_seconds",
			Help:    "End-to-end request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// TokensTotal counts tokens by direction (prompt, completion).
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_tokens_total",
			Help: "Tokens processed",
		},
		[]string{"model", "direction"},
	)

	// CostTotal accumulates priced usage.
	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_cost_total",
			Help: "Accumulated cost of completed requests",
		},
		[]string{"model"},
	)

	// RateLimitRejections counts 429s by tripped dimension.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiproxy_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"dimension"},
	)

	// BackendInFlight tracks calls currently held against the backend.
	BackendInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiproxy_backend_in_flight",
			Help: "In-flight backend completions",
		},
	)
)

// ObserveUsage records the token and cost metrics of one completed request.
func ObserveUsage(model string, promptTokens, completionTokens int, cost float64) {
	TokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	TokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	if cost > 0 {
		CostTotal.WithLabelValues(model).Add(cost)
	}
}
