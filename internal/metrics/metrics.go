package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollCyclesTotal tracks poll cycles by result (ok, query_error, storage_error)
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_poll_cycles_total",
			Help: "Total number of poll cycles",
		},
		[]string{"result"},
	)

	// CycleDuration tracks how long a full poll and remediation cycle takes
	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remediator_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RunsObserved tracks pipeline runs returned by the platform
	RunsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_runs_observed_total",
			Help: "Total number of pipeline runs observed",
		},
		[]string{"status"},
	)

	// FailuresSkipped tracks failed runs the poller did not hand to remediation
	FailuresSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_failures_skipped_total",
			Help: "Total number of failed runs skipped by the poller",
		},
		[]string{"reason"},
	)

	// DecisionsTotal tracks decisions by action
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_decisions_total",
			Help: "Total number of remediation decisions",
		},
		[]string{"action"},
	)

	// OracleAttempts tracks decision oracle calls by result (ok, invalid, error)
	OracleAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_oracle_attempts_total",
			Help: "Total number of decision oracle attempts",
		},
		[]string{"result"},
	)

	// TransitionsTotal tracks budget transitions by step kind
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_transitions_total",
			Help: "Total number of retry budget transitions",
		},
		[]string{"step"},
	)

	// RerunsTotal tracks rerun requests by result (accepted, rejected, transport)
	RerunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_reruns_total",
			Help: "Total number of rerun requests",
		},
		[]string{"mode", "result"},
	)

	// NotificationsTotal tracks notification delivery
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remediator_notifications_total",
			Help: "Total number of notifications",
		},
		[]string{"kind", "result"},
	)

	// PlatformLatency tracks platform API latency
	PlatformLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remediator_platform_latency_seconds",
			Help:    "Pipeline platform call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Watermark tracks the last successful query time
	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remediator_watermark_timestamp_seconds",
			Help: "Unix time of the last successful platform query",
		},
	)

	// RunsPrunedTotal tracks settled run records removed by retention
	RunsPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remediator_runs_pruned_total",
			Help: "Total number of run records pruned",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a percentage of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remediator_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
