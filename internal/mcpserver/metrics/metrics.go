// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PoolSize reports the number of tenants with a live or constructed
	// Instance.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "seomcp",
		Subsystem: "pool",
		Name:      "instances",
		Help:      "Number of tenant instances currently held by the pool.",
	})

	// SessionCount reports the number of live sessions in the registry.
	SessionCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "seomcp",
		Subsystem: "session",
		Name:      "active",
		Help:      "Number of active MCP sessions.",
	})

	// InstanceRestarts counts every respawn attempt, labeled by tenant.
	InstanceRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seomcp",
		Subsystem: "instance",
		Name:      "restarts_total",
		Help:      "Total instance respawn attempts.",
	}, []string{"tenant_id"})

	// InstanceEvictions counts idle evictions, labeled by tenant.
	InstanceEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seomcp",
		Subsystem: "instance",
		Name:      "idle_evictions_total",
		Help:      "Total instances evicted for idleness.",
	}, []string{"tenant_id"})

	// QuotaDenials counts rate-limited tool calls, labeled by plan.
	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "seomcp",
		Subsystem: "quota",
		Name:      "denials_total",
		Help:      "Total tool calls denied by the quota accountant.",
	}, []string{"plan"})

	// RequestDuration records end-to-end pipeline latency, labeled by method
	// and outcome.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "seomcp",
		Subsystem: "pipeline",
		Name:      "request_duration_seconds",
		Help:      "Pipeline request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})
)

// Handler returns the HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
