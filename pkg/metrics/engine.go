package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors of the engine, registered on the default registry.
var (
	PoolHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chippool_health_score",
		Help: "Latest pool health score (0-100)",
	})

	ChipsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chippool_chips",
		Help: "Chips per lifecycle status",
	}, []string{"status"})

	OpenAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chippool_open_alerts",
		Help: "Unresolved alerts per severity",
	}, []string{"severity"})

	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chippool_job_runs_total",
		Help: "Engine job executions by task and result",
	}, []string{"task", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chippool_job_duration_seconds",
		Help:    "Engine job execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"task"})

	HostUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chippool_host_usage",
		Help: "Host and process CPU (percent*100) and memory (MB) samples",
	}, []string{"gauge"})
)
