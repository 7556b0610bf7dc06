// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30}

// Race results recorded in RaceResults.
const (
	RaceWon        = "won"
	RaceExhausted  = "exhausted"
	RaceBadGateway = "bad_gateway"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec
	BackendOutcomes  *prometheus.CounterVec

	RaceResults     *prometheus.CounterVec
	DrainedOutcomes *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maven_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maven_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maven_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maven_proxy_backend_request_duration_seconds",
			Help:    "Backend call latency until response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"backend"}),
		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maven_proxy_backend_responses_total",
			Help: "Total backend responses by backend and status code.",
		}, []string{"backend", "status_code"}),
		BackendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maven_proxy_backend_outcomes_total",
			Help: "Classified backend outcomes by backend and verdict.",
		}, []string{"backend", "verdict"}),
		RaceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maven_proxy_race_results_total",
			Help: "Resolved races by result.",
		}, []string{"result"}),
		DrainedOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maven_proxy_drained_outcomes_total",
			Help: "Backend outcomes consumed in the background after a race was won.",
		}, []string{"verdict"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.BackendOutcomes,
		m.RaceResults,
		m.DrainedOutcomes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// Route labels returned by NormalizeRoute.
const (
	RouteHome     = "home"
	RouteFavicon  = "favicon"
	RouteMetrics  = "metrics"
	RouteArtifact = "artifact"
)

// NormalizeRoute returns a bounded route label. Artifact paths are unbounded,
// so every path that is not one of the proxy's own routes collapses to "artifact".
func NormalizeRoute(path, metricsPath string) string {
	switch {
	case path == "" || path == "/":
		return RouteHome
	case path == "/favicon.ico":
		return RouteFavicon
	case metricsPath != "" && path == metricsPath:
		return RouteMetrics
	default:
		return RouteArtifact
	}
}
