// Package metrics holds the Prometheus collectors for channel invocations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collectors struct {
	// Invocations counts finished requests by channel and result kind
	// ("ok" for success).
	Invocations *prometheus.CounterVec
	// Duration tracks wall time from spawn to classification.
	Duration *prometheus.HistogramVec
	// Rejected counts requests refused before any process started.
	Rejected *prometheus.CounterVec
	InFlight prometheus.Gauge
	Spawned  prometheus.Counter
	// HTTPRequests counts bridge requests by operation and status code.
	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on reg, together with the Go and process
// collectors. Use a fresh registry per server so tests do not collide.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Collectors{
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockbridge_invocations_total",
			Help: "Channel invocations by channel and outcome kind",
		}, []string{"channel", "kind"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lockbridge_invocation_duration_seconds",
			Help:    "Channel invocation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		}, []string{"channel"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockbridge_rejected_requests_total",
			Help: "Requests rejected before spawning, by reason",
		}, []string{"reason"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "lockbridge_invocations_in_flight",
			Help: "Child processes currently running",
		}),
		Spawned: f.NewCounter(prometheus.CounterOpts{
			Name: "lockbridge_processes_spawned_total",
			Help: "Child processes started",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lockbridge_http_requests_total",
			Help: "Bridge HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}
