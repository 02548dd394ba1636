package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// GatewayRequestsTotal counts proxied requests by service and outcome
// ("ok" for a status below 400, otherwise the numeric HTTP status such as
// "401" or "429").
var GatewayRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total number of proxied requests by service and outcome.",
	},
	[]string{"service", "outcome"},
)

// GatewayRequestDuration tracks end-to-end pipeline latency per service.
var GatewayRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "agentgate",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Gateway pipeline duration in seconds, by service.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"service"},
)

// RateLimitDeniedTotal counts admission denials by scope (agent, service).
var RateLimitDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "rate_limit",
		Name:      "denied_total",
		Help:      "Total number of requests denied by the rate limiter, by scope.",
	},
	[]string{"scope"},
)

// VaultRefreshTotal counts credential refresh attempts by outcome (ok, error).
var VaultRefreshTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "vault",
		Name:      "refresh_total",
		Help:      "Total number of credential refresh attempts, by outcome.",
	},
	[]string{"outcome"},
)

// VaultRefreshInflight tracks the number of refreshes currently coalescing
// via singleflight.
var VaultRefreshInflight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "agentgate",
		Subsystem: "vault",
		Name:      "refresh_inflight",
		Help:      "Number of credential refreshes currently in flight.",
	},
)

// SessionResolveTotal counts session resolutions by outcome (ok,
// unauthorized, session_expired).
var SessionResolveTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "session",
		Name:      "resolve_total",
		Help:      "Total number of session resolutions, by outcome.",
	},
	[]string{"outcome"},
)

// All returns every agentgate-specific collector, for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		GatewayRequestsTotal,
		GatewayRequestDuration,
		RateLimitDeniedTotal,
		VaultRefreshTotal,
		VaultRefreshInflight,
		SessionResolveTotal,
	}
}

// NewRegistry creates a private Prometheus registry (not the global
// default) carrying the Go/process collectors plus every agentgate metric.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
