package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var DeploysTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "doseid",
		Subsystem: "deploy",
		Name:      "total",
		Help:      "Total number of /deploy requests by outcome.",
	},
	[]string{"outcome"},
)

var BuildDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "doseid",
		Subsystem: "build",
		Name:      "duration_seconds",
		Help:      "Container image build duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
	[]string{"outcome"},
)

var CertificatesIssuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "doseid",
		Subsystem: "certificate",
		Name:      "issued_total",
		Help:      "Total number of certificates successfully issued.",
	},
	[]string{"source"},
)

var CertificatesAbandonedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "doseid",
		Subsystem: "certificate",
		Name:      "abandoned_total",
		Help:      "Total number of certificate requests abandoned: dropped from the pending cache, failed to finalize, or out of external-check attempts.",
	},
)

var ProxyRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "doseid",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total number of reverse-proxied requests by outcome.",
	},
	[]string{"outcome"},
)

var ProxyRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "doseid",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Reverse proxy upstream request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"outcome"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "doseid",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP API request duration in seconds, by method, route, and status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

var HostPortsAllocated = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "doseid",
		Subsystem: "deployment",
		Name:      "host_ports_allocated",
		Help:      "Number of host ports currently bound to a live deployment.",
	},
)

// All returns all doseid-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DeploysTotal,
		BuildDuration,
		CertificatesIssuedTotal,
		CertificatesAbandonedTotal,
		ProxyRequestsTotal,
		ProxyRequestDuration,
		HTTPRequestDuration,
		HostPortsAllocated,
	}
}

// NewMetricsRegistry creates a Prometheus registry with the Go/process
// collectors and every doseid-specific metric already registered.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
