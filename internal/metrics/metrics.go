// Package metrics declares the DFM runtime's Prometheus series: job
// throughput and compile cost on the execute path, queue depth on the
// scheduler path, and delivery outcomes on the uplink path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfm_jobs_consumed_total",
			Help: "Total number of jobs read off a service's stream",
		},
		[]string{"service"},
	)

	JobsAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfm_jobs_acked_total",
			Help: "Total number of jobs acknowledged by a service",
		},
		[]string{"service"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfm_jobs_failed_total",
			Help: "Total number of jobs that ended in an ErrorResponse",
		},
		[]string{"service", "kind"},
	)

	CompileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dfm_pipeline_compile_duration_seconds",
			Help: "Time spent compiling a pipeline body into a graph of adapters",
		},
	)

	AdapterStreamItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfm_adapter_stream_items_total",
			Help: "Total number of items an adapter's stream has yielded",
		},
		[]string{"api_class"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfm_cache_hits_total",
			Help: "Total number of cache sentinel hits, by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfm_scheduler_queue_depth",
			Help: "Number of jobs currently held in the scheduler's sorted-set queue",
		},
	)

	UplinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dfm_uplink_deliveries_total",
			Help: "Total number of uplink package delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)

	UplinkPendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dfm_uplink_pending_depth",
			Help: "Number of packages currently held in the uplink pending-retry list",
		},
	)
)
