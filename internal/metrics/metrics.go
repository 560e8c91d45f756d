// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rollupd"

// Query outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeStale        = "stale"
	OutcomeContinueWait = "continue_wait"
	OutcomeError        = "error"
)

var (
	Queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queries_total",
		Help:      "Coordinator query executions by outcome.",
	}, []string{"outcome"})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Time spent by the engine on a query until it returned.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"data_source"})

	PartitionBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "partition_builds_total",
		Help:      "Partition build attempts by result (built, skipped, failed).",
	}, []string{"result"})

	RefreshRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_runs_total",
		Help:      "Scheduled refresh runs by result (finished, partial, failed).",
	}, []string{"result"})

	RefreshPartitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_partitions_total",
		Help:      "Partitions submitted by scheduled refresh workers.",
	})

	OrchestratorInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "orchestrator_instances",
		Help:      "Coordinator instances held by the instance cache.",
	})

	OrchestratorEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orchestrator_evictions_total",
		Help:      "Coordinator instances evicted and released.",
	})

	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "API request latency by route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
